// Package upstream implements the Upstream Agent Selector: given a request's
// target, it chooses which upstream agent a pipelined request's round trip
// should be dialed through, in strict precedence PAC > SOCKS > protocol
// matched HTTP(S) > direct.
package upstream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/net/proxy"

	"github.com/keyzf/vanessa/internal/pac"
	"github.com/keyzf/vanessa/internal/sysproxy"
)

// ErrUnavailable is returned when the selected upstream agent cannot be
// reached; callers map it to a protocol-appropriate failure response.
var ErrUnavailable = errors.New("upstream: agent unavailable")

// Kind identifies which family of agent a Selection resolved to.
type Kind string

const (
	KindDirect Kind = "direct"
	KindHTTP   Kind = "http"
	KindHTTPS  Kind = "https"
	KindSOCKS  Kind = "socks"
)

// Selection is the outcome of choosing an upstream agent for one request.
type Selection struct {
	Kind Kind
	// Address is the upstream agent's host:port. Empty for KindDirect.
	Address string
	// ForceSNI is set when a PAC script returned DIRECT; pipeline.RoundTrip
	// pins it as the outbound TLS ServerName, since PAC evaluated the real
	// target host.
	ForceSNI string
}

// Config is the static upstream configuration a Selector consults when no
// PAC script is set, or the PAC script yields no usable choice.
type Config struct {
	HTTP  *url.URL
	HTTPS *url.URL
	SOCKS *url.URL
	PAC   *pac.Script
}

// Selector chooses an upstream agent per request.
type Selector struct {
	cfg Config
}

// NewSelector builds a Selector from static configuration.
func NewSelector(cfg Config) *Selector {
	return &Selector{cfg: cfg}
}

// Select applies PAC > SOCKS > protocol-matched HTTP(S) > direct precedence
// for a request targeting scheme (http/https) and host, with targetURL the
// full URL to hand a PAC script. sysCfg is the system-proxy snapshot the
// caller resolved for this request; it only fills whichever of HTTP/HTTPS/
// SOCKS the Selector's static Config left unset, so a file-configured agent
// always wins over the environment and PAC discovery stays static.
func (s *Selector) Select(targetURL, host, scheme string, sysCfg sysproxy.Config) (Selection, error) {
	cfg, err := mergeSysProxy(s.cfg, sysCfg)
	if err != nil {
		return Selection{}, err
	}

	if cfg.PAC != nil {
		sel, ok, err := selectFromPAC(cfg.PAC, targetURL, host)
		if err != nil {
			return Selection{}, err
		}
		if ok {
			return sel, nil
		}
	}
	if cfg.SOCKS != nil {
		return Selection{Kind: KindSOCKS, Address: cfg.SOCKS.Host}, nil
	}
	if scheme == "https" && cfg.HTTPS != nil {
		return Selection{Kind: KindHTTPS, Address: cfg.HTTPS.Host}, nil
	}
	if scheme == "http" && cfg.HTTP != nil {
		return Selection{Kind: KindHTTP, Address: cfg.HTTP.Host}, nil
	}
	return Selection{Kind: KindDirect}, nil
}

// mergeSysProxy fills whichever of cfg's HTTP/HTTPS/SOCKS fields are unset
// from sys, parsing each raw value fresh so a change to HTTP_PROXY/
// HTTPS_PROXY/ALL_PROXY (or whatever sys's source resolved from the host OS)
// takes effect on the very next call instead of only at process startup.
func mergeSysProxy(cfg Config, sys sysproxy.Config) (Config, error) {
	var err error
	if cfg.HTTP == nil {
		if cfg.HTTP, err = parseOptionalURL(sys.HTTP); err != nil {
			return Config{}, fmt.Errorf("upstream: parsing system HTTP_PROXY %q: %w", sys.HTTP, err)
		}
	}
	if cfg.HTTPS == nil {
		if cfg.HTTPS, err = parseOptionalURL(sys.HTTPS); err != nil {
			return Config{}, fmt.Errorf("upstream: parsing system HTTPS_PROXY %q: %w", sys.HTTPS, err)
		}
	}
	if cfg.SOCKS == nil {
		if cfg.SOCKS, err = parseOptionalURL(sys.SOCKS); err != nil {
			return Config{}, fmt.Errorf("upstream: parsing system ALL_PROXY %q: %w", sys.SOCKS, err)
		}
	}
	return cfg, nil
}

func parseOptionalURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, nil
	}
	return url.Parse(raw)
}

// selectFromPAC evaluates script and returns the first choice the selector
// can act on; ok is false when the script returned no usable directive
// (which falls through to SOCKS/HTTP(S)/direct precedence).
func selectFromPAC(script *pac.Script, targetURL, host string) (Selection, bool, error) {
	choices, err := script.FindProxyForURL(targetURL, host)
	if err != nil {
		return Selection{}, false, fmt.Errorf("upstream: pac evaluation: %w", err)
	}
	for _, c := range choices {
		switch c.Type {
		case "DIRECT":
			return Selection{Kind: KindDirect, ForceSNI: host}, true, nil
		case "PROXY":
			return Selection{Kind: KindHTTP, Address: c.Address}, true, nil
		case "HTTPS":
			return Selection{Kind: KindHTTPS, Address: c.Address}, true, nil
		case "SOCKS":
			return Selection{Kind: KindSOCKS, Address: c.Address}, true, nil
		}
	}
	return Selection{}, false, nil
}

// Dial opens a connection to addr through the agent sel selected.
func (s *Selector) Dial(ctx context.Context, sel Selection, addr string) (net.Conn, error) {
	switch sel.Kind {
	case KindSOCKS:
		return dialSOCKS(ctx, sel.Address, addr)
	case KindHTTP, KindHTTPS:
		return dialViaHTTPProxy(ctx, sel.Address, addr)
	default:
		d := &net.Dialer{}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return conn, nil
	}
}

func dialSOCKS(ctx context.Context, agentAddr, addr string) (net.Conn, error) {
	dialer, err := proxy.SOCKS5("tcp", agentAddr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("%w: building socks5 dialer: %v", ErrUnavailable, err)
	}
	if ctxDialer, ok := dialer.(proxy.ContextDialer); ok {
		conn, err := ctxDialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return conn, nil
	}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return conn, nil
}

// dialViaHTTPProxy opens addr through an HTTP(S) forward proxy by issuing a
// CONNECT request and returning the raw socket on a 200 response.
func dialViaHTTPProxy(ctx context.Context, agentAddr, addr string) (net.Conn, error) {
	d := &net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", agentAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing agent %s: %v", ErrUnavailable, agentAddr, err)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: writing CONNECT: %v", ErrUnavailable, err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: reading CONNECT response: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("%w: agent refused CONNECT: %s", ErrUnavailable, resp.Status)
	}
	return conn, nil
}
