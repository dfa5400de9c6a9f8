package upstream

import (
	"context"
	"net"
	"net/url"
	"testing"

	"github.com/keyzf/vanessa/internal/pac"
	"github.com/keyzf/vanessa/internal/sysproxy"
)

func TestSelectDirectWhenNothingConfigured(t *testing.T) {
	s := NewSelector(Config{})
	sel, err := s.Select("http://example.com/", "example.com", "http", sysproxy.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Kind != KindDirect {
		t.Fatalf("got %+v", sel)
	}
}

func TestSelectProtocolMatchedHTTPS(t *testing.T) {
	httpsURL, _ := url.Parse("http://https-agent.internal:8080")
	httpURL, _ := url.Parse("http://http-agent.internal:8080")
	s := NewSelector(Config{HTTP: httpURL, HTTPS: httpsURL})

	sel, err := s.Select("https://example.com/", "example.com", "https", sysproxy.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Kind != KindHTTPS || sel.Address != "https-agent.internal:8080" {
		t.Fatalf("got %+v", sel)
	}

	sel, err = s.Select("http://example.com/", "example.com", "http", sysproxy.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Kind != KindHTTP || sel.Address != "http-agent.internal:8080" {
		t.Fatalf("got %+v", sel)
	}
}

func TestSelectSOCKSBeatsHTTP(t *testing.T) {
	httpURL, _ := url.Parse("http://http-agent.internal:8080")
	socksURL, _ := url.Parse("socks5://socks-agent.internal:1080")
	s := NewSelector(Config{HTTP: httpURL, SOCKS: socksURL})

	sel, err := s.Select("http://example.com/", "example.com", "http", sysproxy.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Kind != KindSOCKS || sel.Address != "socks-agent.internal:1080" {
		t.Fatalf("got %+v", sel)
	}
}

func TestSelectPACBeatsEverything(t *testing.T) {
	script, err := pac.Compile(`
		function FindProxyForURL(url, host) {
			return "SOCKS pac-agent.internal:1080";
		}
	`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	socksURL, _ := url.Parse("socks5://static-agent.internal:1080")
	s := NewSelector(Config{PAC: script, SOCKS: socksURL})

	sel, err := s.Select("http://example.com/", "example.com", "http", sysproxy.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Kind != KindSOCKS || sel.Address != "pac-agent.internal:1080" {
		t.Fatalf("got %+v", sel)
	}
}

func TestSelectPACDirectForcesSNI(t *testing.T) {
	script, err := pac.Compile(`
		function FindProxyForURL(url, host) {
			return "DIRECT";
		}
	`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	s := NewSelector(Config{PAC: script})

	sel, err := s.Select("https://example.com/", "example.com", "https", sysproxy.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Kind != KindDirect || sel.ForceSNI != "example.com" {
		t.Fatalf("got %+v", sel)
	}
}

func TestSelectPACProxyBeatsStaticSOCKS(t *testing.T) {
	// PAC choosing PROXY while a static SOCKS config is also present: the
	// PAC result still wins.
	script, err := pac.Compile(`
		function FindProxyForURL(url, host) {
			return "PROXY pac-http.internal:3128";
		}
	`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	socksURL, _ := url.Parse("socks5://static-agent.internal:1080")
	s := NewSelector(Config{PAC: script, SOCKS: socksURL})

	sel, err := s.Select("http://example.com/", "example.com", "http", sysproxy.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Kind != KindHTTP || sel.Address != "pac-http.internal:3128" {
		t.Fatalf("got %+v", sel)
	}
}

func TestSelectPrefersExplicitConfigOverSysProxy(t *testing.T) {
	httpURL, _ := url.Parse("http://explicit.internal:3128")
	s := NewSelector(Config{HTTP: httpURL})

	sel, err := s.Select("http://example.com/", "example.com", "http", sysproxy.Config{HTTP: "http://env.internal:3128"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Kind != KindHTTP || sel.Address != "explicit.internal:3128" {
		t.Fatalf("got %+v, want the static Config to win over the system snapshot", sel)
	}
}

func TestSelectFallsBackToSysProxyPerCall(t *testing.T) {
	s := NewSelector(Config{})

	sel, err := s.Select("http://example.com/", "example.com", "http", sysproxy.Config{HTTP: "http://first.internal:3128"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Kind != KindHTTP || sel.Address != "first.internal:3128" {
		t.Fatalf("got %+v, want first sysproxy snapshot", sel)
	}

	// A later call with a different snapshot (e.g. the environment variable
	// changed between requests) must be reflected immediately, since nothing
	// from the first call was cached on the Selector.
	sel, err = s.Select("http://example.com/", "example.com", "http", sysproxy.Config{SOCKS: "socks5://second.internal:1080"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Kind != KindSOCKS || sel.Address != "second.internal:1080" {
		t.Fatalf("got %+v, want second sysproxy snapshot", sel)
	}
}

func TestDialDirect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	s := NewSelector(Config{})
	conn, err := s.Dial(context.Background(), Selection{Kind: KindDirect}, ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()
}

func TestDialViaHTTPProxyRejectsNonOK(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\n\r\n"))
	}()

	_, err = dialViaHTTPProxy(context.Background(), ln.Addr().String(), "example.com:443")
	if err == nil {
		t.Fatal("expected error for non-200 CONNECT response")
	}
}
