// Package uri parses and canonicalizes request targets and derives the
// PoolKey and wire-level request lines the send state machine needs.
package uri

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/corehttp/agent/pkg/errors"
)

// PoolKey identifies a reusable connection class: (scheme, host, port).
type PoolKey struct {
	Scheme string
	Host   string
	Port   int
}

func (k PoolKey) String() string {
	return fmt.Sprintf("%s://%s:%d", k.Scheme, k.Host, k.Port)
}

// Target is the normalized form of a request URI.
type Target struct {
	Scheme string
	Host   string // lowercased
	Port   int
	Path   string
	Query  string
	Key    PoolKey
}

// Parse normalizes raw, rejecting non-absolute URIs and unsupported schemes.
func Parse(raw string) (*Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.NewValidationError("invalid URI: " + err.Error())
	}
	if !u.IsAbs() {
		return nil, errors.NewValidationError("URI must be absolute: " + raw)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, errors.NewValidationError("unsupported scheme: " + u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, errors.NewValidationError("URI has no host: " + raw)
	}

	port := defaultPort(scheme)
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, errors.NewValidationError("invalid port: " + p)
		}
		port = n
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	return &Target{
		Scheme: scheme,
		Host:   host,
		Port:   port,
		Path:   path,
		Query:  u.RawQuery,
		Key:    PoolKey{Scheme: scheme, Host: host, Port: port},
	}, nil
}

// Resolve resolves a Location header value (relative or absolute) against
// base, as used by the redirect loop.
func Resolve(base *Target, location string) (*Target, error) {
	baseURL, err := url.Parse(base.Key.Scheme + "://" + base.Authority() + requestTarget(base))
	if err != nil {
		return nil, errors.NewValidationError("cannot reparse base URI: " + err.Error())
	}
	locURL, err := url.Parse(location)
	if err != nil {
		return nil, errors.NewValidationError("invalid redirect location: " + err.Error())
	}
	resolved := baseURL.ResolveReference(locURL)
	return Parse(resolved.String())
}

func requestTarget(t *Target) string {
	rt := t.Path
	if t.Query != "" {
		rt += "?" + t.Query
	}
	return rt
}

// RequestTarget returns the HTTP/1.1 request-target line component
// ("/path?query").
func (t *Target) RequestTarget() string {
	return requestTarget(t)
}

// Authority returns the value used for the Host header / HTTP/2
// ":authority" pseudo-header, including a non-default port.
func (t *Target) Authority() string {
	if t.Port == defaultPort(t.Scheme) {
		return t.Host
	}
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// PseudoHeaders returns the HTTP/2 pseudo-header set for method m
// (":method", ":scheme", ":authority", ":path").
func (t *Target) PseudoHeaders(method string) map[string]string {
	return map[string]string{
		":method":    strings.ToUpper(method),
		":scheme":    t.Scheme,
		":authority": t.Authority(),
		":path":      t.RequestTarget(),
	}
}

func defaultPort(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}

// String returns the normalized absolute URI.
func (t *Target) String() string {
	return t.Scheme + "://" + t.Authority() + t.RequestTarget()
}
