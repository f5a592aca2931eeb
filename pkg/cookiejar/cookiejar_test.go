package cookiejar

import (
	"testing"

	"github.com/corehttp/agent/pkg/uri"
)

func mustTarget(t *testing.T, raw string) *uri.Target {
	t.Helper()
	tg, err := uri.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return tg
}

func TestStoreLookupHostOnly(t *testing.T) {
	j := New()
	origin := mustTarget(t, "http://example.com/a")
	j.Store([]string{"session=abc; Path=/"}, origin)

	got := j.Lookup(mustTarget(t, "http://example.com/a/b"))
	if got != "session=abc" {
		t.Errorf("expected session=abc, got %q", got)
	}

	if got := j.Lookup(mustTarget(t, "http://other.com/")); got != "" {
		t.Errorf("expected no cookies for other origin, got %q", got)
	}
}

func TestStoreDomainSuffixRequiresMatch(t *testing.T) {
	j := New()
	origin := mustTarget(t, "http://www.example.com/")
	j.Store([]string{"a=1; Domain=example.com"}, origin)

	if got := j.Lookup(mustTarget(t, "http://example.com/")); got != "a=1" {
		t.Errorf("expected domain cookie visible on parent, got %q", got)
	}
	if got := j.Lookup(mustTarget(t, "http://shop.example.com/")); got != "a=1" {
		t.Errorf("expected domain cookie visible on sibling subdomain, got %q", got)
	}
}

func TestStoreRejectsForeignDomain(t *testing.T) {
	j := New()
	origin := mustTarget(t, "http://example.com/")
	j.Store([]string{"a=1; Domain=evil.com"}, origin)

	if got := j.Lookup(mustTarget(t, "http://example.com/")); got != "" {
		t.Errorf("expected foreign-domain cookie to be rejected, got %q", got)
	}
}

func TestSecureRequiresHTTPS(t *testing.T) {
	j := New()
	origin := mustTarget(t, "https://example.com/")
	j.Store([]string{"s=1; Secure"}, origin)

	if got := j.Lookup(mustTarget(t, "http://example.com/")); got != "" {
		t.Errorf("expected secure cookie withheld over plain http, got %q", got)
	}
	if got := j.Lookup(mustTarget(t, "https://example.com/")); got != "s=1" {
		t.Errorf("expected secure cookie sent over https, got %q", got)
	}
}

func TestMaxAgeOverridesExpires(t *testing.T) {
	j := New()
	origin := mustTarget(t, "http://example.com/")
	j.Store([]string{"a=1; Max-Age=0; Expires=Wed, 09 Jun 2050 10:18:14 GMT"}, origin)

	if got := j.Lookup(mustTarget(t, "http://example.com/")); got != "" {
		t.Errorf("expected Max-Age=0 to expire cookie despite future Expires, got %q", got)
	}
}

func TestEmissionOrderLongestPathFirst(t *testing.T) {
	j := New()
	origin := mustTarget(t, "http://example.com/a/b")
	j.Store([]string{"short=1; Path=/"}, origin)
	j.Store([]string{"long=2; Path=/a"}, origin)

	got := j.Lookup(mustTarget(t, "http://example.com/a/b"))
	if got != "long=2; short=1" {
		t.Errorf("expected longest path first, got %q", got)
	}
}

func TestOverwriteSamePathAndName(t *testing.T) {
	j := New()
	origin := mustTarget(t, "http://example.com/")
	j.Store([]string{"a=1; Path=/"}, origin)
	j.Store([]string{"a=2; Path=/"}, origin)

	if got := j.Lookup(mustTarget(t, "http://example.com/")); got != "a=2" {
		t.Errorf("expected overwritten value, got %q", got)
	}
}
