// Package builtin provides example user middlewares plugging into the
// pipeline's user-middleware stage, demonstrating the shape a caller's own
// middleware takes.
package builtin

import (
	"strings"

	"github.com/keyzf/vanessa/internal/pipeline"
)

// AddRequestHeader sets header on every proxied request before it reaches
// the origin.
func AddRequestHeader(header, value string) pipeline.Middleware {
	return func(next pipeline.Handler) pipeline.Handler {
		return func(c *pipeline.Context) error {
			c.Request.Header.Set(header, value)
			return next(c)
		}
	}
}

// BlockHosts rejects requests to any host in blocked (matched exactly or as
// a suffix, so "ads.example.com" blocks "x.ads.example.com" too) before the
// round trip runs, returning a ProtocolError instead of forwarding.
func BlockHosts(blocked ...string) pipeline.Middleware {
	set := make(map[string]struct{}, len(blocked))
	for _, h := range blocked {
		set[strings.ToLower(h)] = struct{}{}
	}
	return func(next pipeline.Handler) pipeline.Handler {
		return func(c *pipeline.Context) error {
			host := strings.ToLower(c.TargetHost)
			for blocked := range set {
				if host == blocked || strings.HasSuffix(host, "."+blocked) {
					return &pipeline.ProtocolError{Err: errBlocked(host)}
				}
			}
			return next(c)
		}
	}
}

type errBlocked string

func (e errBlocked) Error() string { return "builtin: host " + string(e) + " is blocked" }
