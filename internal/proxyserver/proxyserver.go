// Package proxyserver wires every other package together into a running
// proxy: it owns the plain listener CONNECT requests and blind tunnels
// arrive on, the SSL Server Pool's minted listeners, and the admin
// surface, and drives their lifecycle from one context.
package proxyserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lucsky/cuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/acme/autocert"

	"github.com/keyzf/vanessa/internal/admin"
	"github.com/keyzf/vanessa/internal/ca"
	"github.com/keyzf/vanessa/internal/connect"
	"github.com/keyzf/vanessa/internal/connectreg"
	"github.com/keyzf/vanessa/internal/hostport"
	"github.com/keyzf/vanessa/internal/logger"
	"github.com/keyzf/vanessa/internal/metrics"
	"github.com/keyzf/vanessa/internal/pipeline"
	"github.com/keyzf/vanessa/internal/resources"
	"github.com/keyzf/vanessa/internal/sslpool"
	"github.com/keyzf/vanessa/internal/sysproxy"
	"github.com/keyzf/vanessa/internal/upstream"
	"github.com/keyzf/vanessa/internal/util/bytelimiter"
	"github.com/keyzf/vanessa/internal/wsbridge"
)

var tracer = otel.Tracer("github.com/keyzf/vanessa/internal/proxyserver")

// connLocalAddrKey stashes an accepted connection's local address on its
// request context, via http.Server.ConnContext, so a TLS listener handler
// can recover the loopback socket pair its own Accept call can't otherwise
// see once net/http has wrapped it into an *http.Request.
type connLocalAddrKey struct{}

// Options configures a Server.
type Options struct {
	ListenAddr string
	AdminAddr  string
	PACSource  string

	Authority ca.Authority
	Selector  *upstream.Selector

	// SysProxyResolver is invoked fresh for every request by the ClientProxy
	// stage, so changes to HTTP_PROXY/HTTPS_PROXY/ALL_PROXY (or whatever its
	// OS field resolves) take effect on the next request. The zero value
	// resolves from the environment only.
	SysProxyResolver sysproxy.Resolver

	// Middleware is the user-middleware stage's contents, inserted between
	// the summary and gunzip stages.
	Middleware []pipeline.Middleware

	Logger    *logger.Logger
	Metrics   *metrics.Registry
	Resources *resources.Tracker

	// AdminACME, when its Hosts field is non-empty, provisions the admin
	// listener a real certificate from Let's Encrypt instead of serving
	// plain HTTP. HTTPAddr is where the ACME HTTP-01 challenge is served.
	AdminACME AdminACMEOptions

	// MaxTunnelBytes caps the total memory budget blind and TLS-sniffed
	// CONNECT tunnels may hold in their copy buffers at once. Zero disables
	// the limit.
	MaxTunnelBytes int

	// StreamIDMode selects how each CONNECT tunnel's correlation ID is
	// generated: "uuid" (default) or "cuid". Controls what appears in the
	// tunnel's trace span, its log lines, and its connectreg.Entry.
	StreamIDMode string
}

// AdminACMEOptions configures Let's Encrypt provisioning for the admin
// listener.
type AdminACMEOptions struct {
	Hosts    []string
	Email    string
	CacheDir string
	HTTPAddr string
}

// Server owns the proxy's full set of listeners.
type Server struct {
	opts Options

	pool     *sslpool.Pool
	registry *connectreg.Registry
	admin    *admin.Server
	limiter  *bytelimiter.ByteLimiter
	idGen    func() string

	acmeManager *autocert.Manager

	mu       sync.Mutex
	plainLn  net.Listener
	plainSrv *http.Server
	adminSrv *http.Server
	acmeSrv  *http.Server
	tlsSrvs  []*http.Server

	ready chan struct{}
}

// New builds a Server ready to Run.
func New(opts Options) (*Server, error) {
	idGen, err := streamIDGenerator(opts.StreamIDMode)
	if err != nil {
		return nil, err
	}

	registry := connectreg.New()
	pool := sslpool.New(opts.Authority)

	s := &Server{
		opts:     opts,
		pool:     pool,
		registry: registry,
		limiter:  bytelimiter.New(opts.MaxTunnelBytes),
		idGen:    idGen,
		ready:    make(chan struct{}),
	}
	pool.Accept = s.serveTLSListener
	pool.Metrics = opts.Metrics

	s.admin = &admin.Server{
		ProxyAddr: opts.ListenAddr,
		Pool:      pool,
		Resources: opts.Resources,
		PACSource: opts.PACSource,
	}

	if len(opts.AdminACME.Hosts) > 0 {
		manager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(opts.AdminACME.Hosts...),
			Email:      opts.AdminACME.Email,
		}
		if opts.AdminACME.CacheDir != "" {
			manager.Cache = autocert.DirCache(opts.AdminACME.CacheDir)
		}
		s.acmeManager = manager
	}
	return s, nil
}

// streamIDGenerator resolves mode to a tunnel-ID generator function: "uuid"
// (the default) or "cuid". google/uuid and lucsky/cuid are both pulled in
// so a deployment can pick whichever convention its downstream log tooling
// already keys on.
func streamIDGenerator(mode string) (func() string, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "uuid":
		return uuid.NewString, nil
	case "cuid":
		return cuid.New, nil
	default:
		return nil, fmt.Errorf("proxyserver: unsupported stream id mode %q (use uuid or cuid)", mode)
	}
}

// Ready is closed once the plain listener is bound and Addr is safe to call.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the plain listener's bound address. Only valid after Ready
// is closed.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plainLn.Addr()
}

// Run starts every listener and blocks until ctx is cancelled or a listener
// fails, then shuts everything down and returns the first error observed.
func (s *Server) Run(ctx context.Context) error {
	log := s.opts.Logger
	if s.opts.Resources != nil {
		s.opts.Resources.Start(ctx)
	}

	errCh := make(chan error, 2)
	sendErr := func(err error) {
		if err == nil {
			return
		}
		select {
		case errCh <- err:
		default:
		}
	}

	plainLn, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("proxyserver: listening on %s: %w", s.opts.ListenAddr, err)
	}
	s.mu.Lock()
	s.plainLn = plainLn
	s.plainSrv = &http.Server{
		Handler:           http.HandlerFunc(s.handlePlain),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Unlock()
	close(s.ready)

	go func() {
		if log != nil {
			log.Info("proxy listening", "addr", s.opts.ListenAddr)
		}
		if err := s.plainSrv.Serve(plainLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sendErr(fmt.Errorf("proxyserver: plain listener: %w", err))
		}
	}()

	if s.opts.AdminAddr != "" {
		s.mu.Lock()
		s.adminSrv = &http.Server{
			Addr:              s.opts.AdminAddr,
			Handler:           s.admin.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		if s.acmeManager != nil {
			s.adminSrv.TLSConfig = s.acmeManager.TLSConfig()
		}
		s.mu.Unlock()

		if s.acmeManager != nil && s.opts.AdminACME.HTTPAddr != "" {
			s.mu.Lock()
			s.acmeSrv = &http.Server{
				Addr:              s.opts.AdminACME.HTTPAddr,
				Handler:           s.acmeManager.HTTPHandler(nil),
				ReadHeaderTimeout: 5 * time.Second,
			}
			s.mu.Unlock()
			go func() {
				if log != nil {
					log.Info("acme http listening", "addr", s.opts.AdminACME.HTTPAddr)
				}
				if err := s.acmeSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					sendErr(fmt.Errorf("proxyserver: acme http listener: %w", err))
				}
			}()
		}

		go func() {
			if log != nil {
				log.Info("admin listening", "addr", s.opts.AdminAddr, "tls", s.acmeManager != nil)
			}
			var err error
			if s.acmeManager != nil {
				err = s.adminSrv.ListenAndServeTLS("", "")
			} else {
				err = s.adminSrv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				sendErr(fmt.Errorf("proxyserver: admin listener: %w", err))
			}
		}()
	}

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
	}

	s.shutdown(log)
	return runErr
}

func (s *Server) shutdown(log *logger.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.mu.Lock()
	plainSrv, adminSrv, acmeSrv, tlsSrvs := s.plainSrv, s.adminSrv, s.acmeSrv, append([]*http.Server(nil), s.tlsSrvs...)
	s.mu.Unlock()

	if plainSrv != nil {
		if err := plainSrv.Shutdown(shutdownCtx); err != nil && log != nil {
			log.Warn("plain listener shutdown", "error", err)
		}
	}
	if adminSrv != nil {
		if err := adminSrv.Shutdown(shutdownCtx); err != nil && log != nil {
			log.Warn("admin listener shutdown", "error", err)
		}
	}
	if acmeSrv != nil {
		if err := acmeSrv.Shutdown(shutdownCtx); err != nil && log != nil {
			log.Warn("acme http listener shutdown", "error", err)
		}
	}
	for _, srv := range tlsSrvs {
		if err := srv.Shutdown(shutdownCtx); err != nil && log != nil {
			log.Warn("tls listener shutdown", "error", err)
		}
	}
	if err := s.pool.Shutdown(); err != nil && log != nil {
		log.Warn("ssl pool shutdown", "error", err)
	}
}

// handlePlain is the plain listener's handler: it hijacks CONNECT requests
// to the connect dispatcher and runs everything else through the HTTP
// pipeline.
func (s *Server) handlePlain(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.handleConnect(w, r)
		return
	}
	s.serveThroughPipeline(w, r, "http")
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	target, err := hostport.Parse(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	tunnelID := ""
	if s.idGen != nil {
		tunnelID = s.idGen()
	}

	ctx, span := tracer.Start(r.Context(), "connect",
		trace.WithAttributes(
			attribute.String("target.host", target.Host),
			attribute.String("target.port", target.Port),
			attribute.String("tunnel.id", tunnelID),
		))
	defer span.End()
	ctx = logger.ContextWithTrace(ctx, span.SpanContext().TraceID().String())
	ctx = logger.ContextWithSpan(ctx, span.SpanContext().SpanID().String())

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking unsupported", http.StatusInternalServerError)
		return
	}
	conn, _, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	dispatcher := &connect.Dispatcher{
		Pool:      s.pool,
		Registry:  s.registry,
		PlainAddr: s.blindTunnelAddr(target),
		Metrics:   s.opts.Metrics,
		Limiter:   s.limiter,
		TunnelID:  tunnelID,
	}
	if err := dispatcher.Handle(ctx, conn, target); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if s.opts.Logger != nil {
			s.opts.Logger.WithContext(ctx).Warn("connect dispatch failed", "target", target.Addr(""), "error", err)
		}
	}
}

// blindTunnelAddr is where a CONNECT tunnel's plaintext branch is spliced
// to: the origin directly, unless an upstream agent is configured, in
// which case the dispatcher still dials origin-direct here and the pipeline
// stage performs upstream selection for plain (non-CONNECT) requests. A
// MITM proxy's blind (non-sniffed) tunnels carry protocols other than HTTP
// (raw TCP, STARTTLS, etc.) that the pipeline cannot parse, so they are
// spliced straight to the origin.
func (s *Server) blindTunnelAddr(target hostport.Target) string {
	return target.Addr("80")
}

func (s *Server) serveTLSListener(hostname string, ln net.Listener) {
	srv := &http.Server{
		Handler:           http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { s.serveThroughPipeline(w, r, "https") }),
		ReadHeaderTimeout: 10 * time.Second,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return context.WithValue(ctx, connLocalAddrKey{}, c.LocalAddr())
		},
	}
	s.mu.Lock()
	s.tlsSrvs = append(s.tlsSrvs, srv)
	s.mu.Unlock()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && s.opts.Logger != nil {
		s.opts.Logger.Warn("tls listener serve", "hostname", hostname, "error", err)
	}
}

func (s *Server) serveThroughPipeline(w http.ResponseWriter, r *http.Request, scheme string) {
	if isWebSocketUpgrade(r) {
		s.serveWebSocket(w, r, scheme)
		return
	}

	target, err := hostport.Parse(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, span := tracer.Start(r.Context(), "proxy.request",
		trace.WithAttributes(attribute.String("http.scheme", scheme), attribute.String("target.host", target.Host)))
	defer span.End()
	ctx = logger.ContextWithTrace(ctx, span.SpanContext().TraceID().String())
	ctx = logger.ContextWithSpan(ctx, span.SpanContext().SpanID().String())

	c := pipeline.NewContext(ctx, r)
	c.ClientAddr = r.RemoteAddr
	c.TargetHost = target.Host
	c.TargetPort = target.Port
	c.Scheme = scheme

	if entry := s.lookupRawConnect(r); entry != nil {
		c.RawConnect = entry
		c.ClientAddr = entry.ClientAddr
		c.TargetHost = entry.TargetHost
		c.TargetPort = entry.TargetPort
	}

	stages := []pipeline.Middleware{
		pipeline.ClientEndInit(c.ClientAddr),
		pipeline.ClientProxy(s.opts.SysProxyResolver),
		pipeline.Summary,
	}
	stages = append(stages, s.opts.Middleware...)
	stages = append(stages, pipeline.Gunzip, pipeline.RoundTrip(s.opts.Selector, s.opts.Metrics), pipeline.ServerEnd)

	handler := pipeline.Compose(stages...)(func(c *pipeline.Context) error { return nil })
	err = handler(c)
	if s.opts.Logger != nil {
		s.opts.Logger.WithContext(ctx).Info("request summary",
			"method", c.Summary.Method,
			"host", c.Summary.Host,
			"status", c.Summary.Status,
			"duration_ms", c.Summary.DurationMS,
			"proxy.type", c.Summary.ProxyType,
			"proxy.address", c.Summary.ProxyAddress,
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		writePipelineError(w, err, s.opts.Metrics)
		return
	}
	writeResponse(w, c.Response)
}

// lookupRawConnect recovers the connectreg.Entry for r's inbound socket
// pair, for requests arriving through an SSL Server Pool listener whose
// ConnContext stashed the connection's local address. Requests arriving
// directly on the plain listener carry no such context value and always
// return nil.
func (s *Server) lookupRawConnect(r *http.Request) *connectreg.Entry {
	localAddr, ok := r.Context().Value(connLocalAddrKey{}).(net.Addr)
	if !ok {
		return nil
	}
	key, ok := connectreg.KeyFromAcceptedAddrs(localAddr, r.RemoteAddr)
	if !ok {
		return nil
	}
	entry, found := s.registry.Lookup(key)
	if !found {
		return nil
	}
	return &entry
}

func writePipelineError(w http.ResponseWriter, err error, reg *metrics.Registry) {
	var sc pipeline.StatusCoder
	status := http.StatusBadGateway
	if errors.As(err, &sc) && sc.StatusCode() != 0 {
		status = sc.StatusCode()
	}
	if reg != nil {
		reg.PipelineErrorsTotal.WithLabelValues(errorKind(err)).Inc()
	}
	http.Error(w, err.Error(), status)
}

func errorKind(err error) string {
	switch err.(type) {
	case *pipeline.ClientSocketError:
		return "client_socket"
	case *pipeline.UpstreamSocketError:
		return "upstream_socket"
	case *pipeline.ConnectionReset:
		return "connection_reset"
	case *pipeline.TLSPoolError:
		return "tls_pool"
	case *pipeline.UpstreamUnavailable:
		return "upstream_unavailable"
	case *pipeline.MiddlewareError:
		return "middleware"
	case *pipeline.ProtocolError:
		return "protocol"
	default:
		return "unknown"
	}
}

func writeResponse(w http.ResponseWriter, resp *http.Response) {
	if resp == nil {
		return
	}
	defer resp.Body.Close()
	for k, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	buf := bufio.NewWriter(w)
	buf.ReadFrom(resp.Body)
	buf.Flush()
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request, scheme string) {
	targetURL, err := wsbridge.TargetURL(scheme, r.Host, r.RequestURI)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	bridge, err := wsbridge.Upgrade(w, r, targetURL, s.opts.Metrics)
	if err != nil {
		if s.opts.Logger != nil {
			s.opts.Logger.Warn("websocket bridge upgrade failed", "target", targetURL, "error", err)
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	bridge.Run()
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}
