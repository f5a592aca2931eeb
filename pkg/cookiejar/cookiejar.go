// Package cookiejar implements the agent's cookie store: per-origin
// storage, RFC 6265 domain/path matching, and priority-ordered emission.
package cookiejar

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/corehttp/agent/pkg/uri"
)

// Cookie is the jar's internal representation of one stored cookie.
type Cookie struct {
	Name     string
	Value    string
	Domain   string // normalized, no leading dot
	HostOnly bool
	Path     string
	Expires  time.Time // zero means session cookie
	Secure   bool
	HTTPOnly bool
	SameSite string

	Creation time.Time
	seq      uint64
}

func (c *Cookie) expired(now time.Time) bool {
	return !c.Expires.IsZero() && !c.Expires.After(now)
}

// Jar stores cookies keyed by (domain, path).
type Jar struct {
	mu      sync.Mutex
	entries map[string]map[string]*Cookie // domain -> "name;path" -> cookie
	seq     uint64
}

// New creates an empty cookie jar.
func New() *Jar {
	return &Jar{entries: make(map[string]map[string]*Cookie)}
}

// Store parses Set-Cookie header values received from originURI and applies
// RFC 6265 storage rules.
func (j *Jar) Store(setCookieHeaders []string, originURI *uri.Target) {
	if len(setCookieHeaders) == 0 {
		return
	}
	now := time.Now()
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, raw := range setCookieHeaders {
		c, ok := parseSetCookie(raw, now)
		if !ok {
			continue
		}

		if c.Domain == "" {
			c.Domain = originURI.Host
			c.HostOnly = true
		} else {
			domain := strings.ToLower(strings.TrimPrefix(c.Domain, "."))
			if !isDomainSuffix(domain, originURI.Host) {
				continue // Domain attribute is not a suffix of the origin host
			}
			if isPublicSuffix(domain) {
				continue // reject cookies scoping to a public suffix
			}
			c.Domain = domain
			c.HostOnly = false
		}

		if c.Path == "" {
			c.Path = defaultPath(originURI.Path)
		}

		j.seq++
		c.seq = j.seq
		c.Creation = now

		sub, ok := j.entries[c.Domain]
		if !ok {
			sub = make(map[string]*Cookie)
			j.entries[c.Domain] = sub
		}
		key := c.Name + ";" + c.Path
		if existing, ok := sub[key]; ok {
			c.Creation = existing.Creation // preserve creation order on overwrite
			c.seq = existing.seq
		}
		sub[key] = c
	}
}

// Lookup returns the Cookie header value to send with a request to target:
// domain match, path match, Secure implies https, non-expired, emitted
// longest-path-first then creation order.
func (j *Jar) Lookup(target *uri.Target) string {
	now := time.Now()
	https := target.Scheme == "https"
	path := target.Path
	if path == "" {
		path = "/"
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	var selected []*Cookie
	for domain, sub := range j.entries {
		if domain != target.Host && !strings.HasSuffix(target.Host, "."+domain) {
			continue
		}
		for key, c := range sub {
			if c.expired(now) {
				delete(sub, key)
				continue
			}
			if c.HostOnly && c.Domain != target.Host {
				continue
			}
			if !pathMatch(c.Path, path) {
				continue
			}
			if c.Secure && !https {
				continue
			}
			selected = append(selected, c)
		}
		if len(sub) == 0 {
			delete(j.entries, domain)
		}
	}

	sort.Slice(selected, func(i, k int) bool {
		if len(selected[i].Path) != len(selected[k].Path) {
			return len(selected[i].Path) > len(selected[k].Path)
		}
		if !selected[i].Creation.Equal(selected[k].Creation) {
			return selected[i].Creation.Before(selected[k].Creation)
		}
		return selected[i].seq < selected[k].seq
	})

	parts := make([]string, 0, len(selected))
	for _, c := range selected {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

func isDomainSuffix(attrDomain, originHost string) bool {
	if attrDomain == originHost {
		return true
	}
	return strings.HasSuffix(originHost, "."+attrDomain)
}

func isPublicSuffix(domain string) bool {
	suffix, icann := publicsuffix.PublicSuffix(domain)
	return icann && suffix == domain
}

func pathMatch(cookiePath, reqPath string) bool {
	if cookiePath == reqPath {
		return true
	}
	if strings.HasPrefix(reqPath, cookiePath) {
		if strings.HasSuffix(cookiePath, "/") {
			return true
		}
		if reqPath[len(cookiePath)] == '/' {
			return true
		}
	}
	return false
}

func defaultPath(reqPath string) string {
	if reqPath == "" || reqPath[0] != '/' {
		return "/"
	}
	i := strings.LastIndex(reqPath, "/")
	if i <= 0 {
		return "/"
	}
	return reqPath[:i]
}

// parseSetCookie parses one Set-Cookie header value, borrowing stdlib's
// attribute-splitting rules via net/http's (*Response).Cookies.
func parseSetCookie(raw string, now time.Time) (*Cookie, bool) {
	header := http.Header{}
	header.Add("Set-Cookie", raw)
	resp := http.Response{Header: header}
	parsed := resp.Cookies()
	if len(parsed) == 0 {
		return nil, false
	}
	hc := parsed[0]

	c := &Cookie{
		Name:     hc.Name,
		Value:    hc.Value,
		Domain:   strings.ToLower(hc.Domain),
		Path:     hc.Path,
		Secure:   hc.Secure,
		HTTPOnly: hc.HttpOnly,
	}
	switch hc.SameSite {
	case http.SameSiteStrictMode:
		c.SameSite = "Strict"
	case http.SameSiteLaxMode:
		c.SameSite = "Lax"
	case http.SameSiteNoneMode:
		c.SameSite = "None"
	}

	// Max-Age overrides Expires.
	if maxAge := findAttr(raw, "Max-Age"); maxAge != "" {
		if secs, err := strconv.Atoi(maxAge); err == nil {
			if secs <= 0 {
				c.Expires = time.Unix(1, 0) // already expired: deletion cookie
			} else {
				c.Expires = now.Add(time.Duration(secs) * time.Second)
			}
		}
	} else if !hc.Expires.IsZero() {
		c.Expires = hc.Expires
	}

	return c, true
}

func findAttr(raw, name string) string {
	parts := strings.Split(raw, ";")
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		kv := strings.SplitN(p, "=", 2)
		if len(kv) == 2 && strings.EqualFold(strings.TrimSpace(kv[0]), name) {
			return strings.TrimSpace(kv[1])
		}
	}
	return ""
}
