package hostport

import (
	"net/http"
	"net/url"
	"testing"
)

func TestParseConnect(t *testing.T) {
	r := &http.Request{
		Method:     http.MethodConnect,
		RequestURI: "example.com:443",
	}
	target, err := Parse(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target.Host != "example.com" || target.Port != "443" {
		t.Fatalf("got %+v", target)
	}
}

func TestParseConnectMalformed(t *testing.T) {
	r := &http.Request{Method: http.MethodConnect, RequestURI: "example.com"}
	if _, err := Parse(r); err != ErrMalformedTarget {
		t.Fatalf("expected ErrMalformedTarget, got %v", err)
	}
}

func TestParseHostHeaderOnly(t *testing.T) {
	r := &http.Request{
		Method: http.MethodGet,
		Host:   "example.com:8080",
		URL:    &url.URL{Path: "/a"},
	}
	target, err := Parse(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target.Host != "example.com" || target.Port != "8080" {
		t.Fatalf("got %+v", target)
	}
}

func TestParseMissingHost(t *testing.T) {
	r := &http.Request{Method: http.MethodGet, URL: &url.URL{Path: "/a"}}
	if _, err := Parse(r); err != ErrMissingHost {
		t.Fatalf("expected ErrMissingHost, got %v", err)
	}
}

func TestParseAbsoluteFormOverridesHost(t *testing.T) {
	u, err := url.Parse("http://example.com/a/b?x=1")
	if err != nil {
		t.Fatal(err)
	}
	r := &http.Request{
		Method: http.MethodGet,
		Host:   "proxy.internal",
		URL:    u,
	}
	target, err := Parse(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target.Host != "example.com" || target.Port != "" {
		t.Fatalf("got %+v", target)
	}
	if r.RequestURI != "/a/b?x=1" {
		t.Fatalf("request-target not rewritten to path, got %q", r.RequestURI)
	}
}

func TestTargetAddrDefaultsPort(t *testing.T) {
	target := Target{Host: "example.com"}
	if got := target.Addr("80"); got != "example.com:80" {
		t.Fatalf("got %q", got)
	}
}
