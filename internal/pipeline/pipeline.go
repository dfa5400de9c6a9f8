// Package pipeline implements the HTTP Request Pipeline: a fixed sequence
// of stages every intercepted request passes through, with user middleware
// composed into a single slot in that sequence.
package pipeline

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/keyzf/vanessa/internal/connectreg"
	"github.com/keyzf/vanessa/internal/sysproxy"
	"github.com/keyzf/vanessa/internal/upstream"
)

// Handler processes a Context and returns an error describing any failure;
// implementations that know their HTTP status should satisfy StatusCoder.
type Handler func(c *Context) error

// Middleware wraps a Handler to produce another Handler. Implementations
// must call next at most once per invocation; Compose enforces this and
// turns a second call into a MiddlewareError.
type Middleware func(next Handler) Handler

// RequestSummary is the one-line-per-request record the summary stage
// populates and the caller logs. Bytes is not filled in by any stage.
type RequestSummary struct {
	Method       string
	Host         string
	Status       int
	DurationMS   int64
	Bytes        int64
	ProxyType    string
	ProxyAddress string
}

// Context carries per-request state through every pipeline stage.
type Context struct {
	ctx context.Context

	Request  *http.Request
	Response *http.Response

	ClientAddr string
	TargetHost string
	TargetPort string
	Scheme     string // "http" or "https"

	// RawConnect is the CONNECT Registry entry for this request's inbound
	// socket pair, when one was found: set for TLS-intercepted requests
	// arriving through an SSL Server Pool listener, nil for requests that
	// arrived directly (plain HTTP, no enclosing CONNECT). ClientAddr and
	// TargetHost/TargetPort are already derived from it when present.
	RawConnect *connectreg.Entry

	// Proxy is the system-proxy snapshot the ClientProxy stage resolved for
	// this request. User middleware downstream of ClientProxy may overwrite
	// it before RoundTrip runs to force a different upstream agent for this
	// request only.
	Proxy sysproxy.Config

	Upstream upstream.Selection

	StartTime time.Time
	Summary   RequestSummary
}

// NewContext builds a Context bound to ctx for req.
func NewContext(ctx context.Context, req *http.Request) *Context {
	return &Context{ctx: ctx, Request: req, StartTime: time.Now()}
}

// Context returns the request-scoped context.Context.
func (c *Context) Context() context.Context { return c.ctx }

// Compose builds a single Middleware chaining mws in order; the returned
// Middleware's Handler, once given a terminal Handler, runs mws[0] first,
// with each stage's next argument wrapped by a per-invocation guard so a
// stage calling next twice produces a MiddlewareError instead of running
// downstream stages twice.
func Compose(mws ...Middleware) Middleware {
	return func(final Handler) Handler {
		h := final
		for i := len(mws) - 1; i >= 0; i-- {
			h = guarded(mws[i], h)
		}
		return h
	}
}

func guarded(mw Middleware, next Handler) Handler {
	return func(c *Context) error {
		called := false
		guardedNext := func(c *Context) error {
			if called {
				return &MiddlewareError{Stage: "compose", Err: errors.New("next invoked more than once")}
			}
			called = true
			return next(c)
		}
		return mw(guardedNext)(c)
	}
}

// ClientEndInit is the first stage: records the client's address on the
// Context before anything else runs.
func ClientEndInit(clientAddr string) Middleware {
	return func(next Handler) Handler {
		return func(c *Context) error {
			c.ClientAddr = clientAddr
			return next(c)
		}
	}
}

// ClientProxy strips proxy-only request lines (Proxy-Connection,
// Proxy-Authorization) the origin server must never see, and resolves
// resolver fresh against this request so c.Proxy always reflects the
// system's current proxy configuration rather than one frozen at startup.
func ClientProxy(resolver sysproxy.Resolver) Middleware {
	return func(next Handler) Handler {
		return func(c *Context) error {
			c.Request.Header.Del("Proxy-Connection")
			c.Request.Header.Del("Proxy-Authorization")
			c.Proxy = resolver.Resolve()
			return next(c)
		}
	}
}

// Summary runs after the round trip completes (it wraps next, so its
// post-processing executes once downstream stages return) and populates
// c.Summary for the caller to log.
func Summary(next Handler) Handler {
	return func(c *Context) error {
		err := next(c)
		c.Summary.Method = c.Request.Method
		c.Summary.Host = c.TargetHost
		c.Summary.DurationMS = time.Since(c.StartTime).Milliseconds()
		c.Summary.ProxyType = string(c.Upstream.Kind)
		c.Summary.ProxyAddress = c.Upstream.Address
		if c.Response != nil {
			c.Summary.Status = c.Response.StatusCode
		}
		return err
	}
}

// Gunzip forces Accept-Encoding: gzip on the outbound request, then
// transparently decompresses a gzip-encoded response body so user
// middleware ahead of it in request order (and so after it on the response
// path) sees plaintext; Content-Length is unset and
// Content-Encoding is removed to keep the client's view consistent with
// the decompressed body it will receive.
func Gunzip(next Handler) Handler {
	return func(c *Context) error {
		c.Request.Header.Set("Accept-Encoding", "gzip")
		err := next(c)
		if err != nil || c.Response == nil {
			return err
		}
		if c.Response.Header.Get("Content-Encoding") != "gzip" {
			return nil
		}
		reader, gzErr := gzip.NewReader(c.Response.Body)
		if gzErr != nil {
			return nil // not actually gzip despite the header; leave body untouched
		}
		c.Response.Body = &gunzipBody{reader: reader, underlying: c.Response.Body}
		c.Response.Header.Del("Content-Encoding")
		c.Response.Header.Del("Content-Length")
		c.Response.ContentLength = -1
		return nil
	}
}

type gunzipBody struct {
	reader     *gzip.Reader
	underlying io.ReadCloser
}

func (b *gunzipBody) Read(p []byte) (int, error) { return b.reader.Read(p) }
func (b *gunzipBody) Close() error {
	b.reader.Close()
	return b.underlying.Close()
}

// ServerEnd is the final stage, running last on the way in and first on
// the way back out; it has no work of its own beyond being the documented
// anchor stages compose against.
func ServerEnd(next Handler) Handler {
	return func(c *Context) error {
		return next(c)
	}
}
