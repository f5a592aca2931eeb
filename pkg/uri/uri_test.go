package uri

import "testing"

func TestParseDefaultsPort(t *testing.T) {
	tg, err := Parse("http://Example.com/foo?bar=1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tg.Host != "example.com" {
		t.Errorf("host not lowercased: %q", tg.Host)
	}
	if tg.Port != 80 {
		t.Errorf("expected default port 80, got %d", tg.Port)
	}
	if tg.RequestTarget() != "/foo?bar=1" {
		t.Errorf("unexpected request target: %q", tg.RequestTarget())
	}
	if tg.Key != (PoolKey{Scheme: "http", Host: "example.com", Port: 80}) {
		t.Errorf("unexpected pool key: %+v", tg.Key)
	}
}

func TestParseRejectsRelative(t *testing.T) {
	if _, err := Parse("/just/a/path"); err == nil {
		t.Error("expected error for relative URI")
	}
}

func TestParseRejectsUnsupportedScheme(t *testing.T) {
	if _, err := Parse("ftp://host/"); err == nil {
		t.Error("expected error for unsupported scheme")
	}
}

func TestResolveRelative(t *testing.T) {
	base, err := Parse("http://h/a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	next, err := Resolve(base, "/b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.String() != "http://h/b" {
		t.Errorf("unexpected resolved URI: %q", next.String())
	}
}

func TestResolveCrossOrigin(t *testing.T) {
	base, err := Parse("http://h/a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	next, err := Resolve(base, "https://other/b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Key.Scheme != "https" || next.Key.Host != "other" {
		t.Errorf("expected cross-origin resolution, got %+v", next.Key)
	}
}

func TestPseudoHeaders(t *testing.T) {
	tg, _ := Parse("https://h:8443/a?x=1")
	ph := tg.PseudoHeaders("get")
	if ph[":method"] != "GET" || ph[":scheme"] != "https" || ph[":authority"] != "h:8443" || ph[":path"] != "/a?x=1" {
		t.Errorf("unexpected pseudo headers: %+v", ph)
	}
}
