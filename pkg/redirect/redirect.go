// Package redirect implements the redirect-following loop that sits above
// one pkg/send exchange: resolving a Location header against the current
// target, deciding the next method per status code, and re-dispatching
// through the caller's Exchanger until a non-redirect response, a budget
// exhaustion, or a non-restartable body stops the loop.
package redirect

import (
	"context"
	"net/http"
	"strings"

	"github.com/corehttp/agent/pkg/body"
	"github.com/corehttp/agent/pkg/cookiejar"
	"github.com/corehttp/agent/pkg/errors"
	"github.com/corehttp/agent/pkg/send"
	"github.com/corehttp/agent/pkg/uri"
)

// Request is one exchange's method/target/headers/body, independent of
// which connection ends up carrying it.
type Request struct {
	Method  string
	Target  *uri.Target
	Headers *body.Headers
	Body    *body.Source
}

// Exchanger performs one exchange against whatever connection its
// implementation acquires for req.Target's PoolKey. The redirect loop
// never touches a connection directly — only Exchanger does — so a
// redirect to a new origin requires no special-casing here.
type Exchanger func(ctx context.Context, req *Request) (*send.Response, error)

// Config controls how many hops are followed and whether POST is
// downgraded to GET on a 301/302, matching browser behavior by default.
type Config struct {
	MaxRedirects            int
	DowngradePOSTOnRedirect bool
}

// DefaultConfig returns the conventional browser-compatible defaults.
func DefaultConfig() Config {
	return Config{MaxRedirects: 10, DowngradePOSTOnRedirect: true}
}

// Follow runs exchange, then keeps following 3xx responses that carry a
// Location header until a non-redirect response, the hop budget is spent,
// or the current body can't be replayed onto the next hop.
func Follow(ctx context.Context, exchange Exchanger, req *Request, jar *cookiejar.Jar, cfg Config) (*send.Response, error) {
	current := req
	for hop := 0; ; hop++ {
		if jar != nil {
			current.Headers = withCookies(current.Headers, jar, current.Target)
		}

		resp, err := exchange(ctx, current)
		if err != nil {
			return nil, err
		}

		if jar != nil {
			jar.Store(resp.Headers.Values("Set-Cookie"), current.Target)
		}

		if !isRedirect(resp.StatusCode) {
			return resp, nil
		}

		location := resp.Headers.Get("Location")
		if location == "" {
			return resp, nil
		}

		if hop >= cfg.MaxRedirects {
			return nil, errors.NewTooManyRedirectsError(cfg.MaxRedirects)
		}

		nextTarget, err := uri.Resolve(current.Target, location)
		if err != nil {
			return nil, errors.NewProtocolError("resolving redirect location", err)
		}

		nextMethod, nextBody, err := nextHop(resp.StatusCode, current.Method, current.Body, cfg)
		if err != nil {
			return nil, err
		}

		current = &Request{
			Method:  nextMethod,
			Target:  nextTarget,
			Headers: carryHeaders(current.Headers),
			Body:    nextBody,
		}
	}
}

// nextHop applies the per-status-code method/body transformation:
//   - 303: always GET, body dropped.
//   - 301/302 on POST: downgraded to GET when cfg.DowngradePOSTOnRedirect,
//     otherwise the method and body are preserved as-is.
//   - 307/308: method and body preserved unconditionally; a non-restartable
//     body fails the hop rather than silently resending an empty one.
func nextHop(status int, method string, src *body.Source, cfg Config) (string, *body.Source, error) {
	switch status {
	case http.StatusSeeOther:
		return http.MethodGet, nil, nil
	case http.StatusMovedPermanently, http.StatusFound:
		if cfg.DowngradePOSTOnRedirect && strings.EqualFold(method, http.MethodPost) {
			return http.MethodGet, nil, nil
		}
		return method, src, requireRestartable(src)
	case http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return method, src, requireRestartable(src)
	default:
		return method, src, requireRestartable(src)
	}
}

func requireRestartable(src *body.Source) error {
	if src == nil || src.Kind == body.KindEmpty {
		return nil
	}
	if !src.IsRestartable() {
		return errors.NewBodyNotRestartableError("redirect")
	}
	return nil
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// carryHeaders copies the header set for the next hop, dropping
// Content-Length since the body (and its length) may have changed.
func carryHeaders(h *body.Headers) *body.Headers {
	if h == nil {
		return nil
	}
	out := body.NewHeaders()
	for _, k := range h.Keys() {
		if strings.EqualFold(k, "Content-Length") || strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range h.Values(k) {
			out.Add(k, v)
		}
	}
	return out
}

func withCookies(h *body.Headers, jar *cookiejar.Jar, target *uri.Target) *body.Headers {
	out := h
	if out == nil {
		out = body.NewHeaders()
	}
	if cookie := jar.Lookup(target); cookie != "" {
		out.Set("Cookie", cookie)
	}
	return out
}
