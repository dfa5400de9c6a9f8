package pipeline

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strings"

	"github.com/keyzf/vanessa/internal/hostport"
	"github.com/keyzf/vanessa/internal/metrics"
	"github.com/keyzf/vanessa/internal/upstream"
)

// RoundTrip is the server-proxy stage: it selects an upstream agent for the
// request's target, dials through it, and performs the actual HTTP round
// trip, leaving the response on c.Response for downstream stages. reg may
// be nil.
func RoundTrip(selector *upstream.Selector, reg *metrics.Registry) Middleware {
	return func(next Handler) Handler {
		return func(c *Context) error {
			defaultPort := "80"
			if c.Scheme == "https" {
				defaultPort = "443"
			}
			targetAddr := hostport.Target{Host: c.TargetHost, Port: c.TargetPort}.Addr(defaultPort)

			c.Request.URL.Scheme = c.Scheme
			c.Request.URL.Host = targetAddr
			c.Request.RequestURI = ""

			sel, err := selector.Select(c.Request.URL.String(), c.TargetHost, c.Scheme, c.Proxy)
			if err != nil {
				return &UpstreamUnavailable{Err: err}
			}
			c.Upstream = sel
			if reg != nil {
				reg.UpstreamSelectedTotal.WithLabelValues(string(sel.Kind)).Inc()
			}

			transport := &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return selector.Dial(ctx, sel, addr)
				},
			}
			if sel.ForceSNI != "" {
				// PAC evaluated the real target host; pin the TLS handshake
				// to it explicitly instead of relying on Transport's own
				// SNI-from-dial-address default.
				transport.TLSClientConfig = &tls.Config{ServerName: sel.ForceSNI}
			}

			client := &http.Client{
				Transport: transport,
				CheckRedirect: func(*http.Request, []*http.Request) error {
					return http.ErrUseLastResponse
				},
			}

			resp, err := client.Do(c.Request)
			if err != nil {
				if isConnReset(err) {
					return &ConnectionReset{Err: err}
				}
				return &UpstreamSocketError{Err: err}
			}
			c.Response = resp
			return next(c)
		}
	}
}

func isConnReset(err error) bool {
	return strings.Contains(err.Error(), "reset by peer") || strings.Contains(err.Error(), "broken pipe")
}
