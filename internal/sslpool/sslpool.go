// Package sslpool implements the SSL Server Pool: a set of ephemeral
// loopback TLS listeners, one per intercepted hostname or per wildcard
// group of hostnames, minted on first use and reused afterward.
//
// Wildcard coalescing lets every "*.suffix" hostname share one listener and
// one certificate instead of minting a fresh listener per subdomain; a
// per-wildcard single-slot semaphore makes concurrent first-acquisitions of
// the same wildcard single-flight so only one listener is ever bound for
// it.
package sslpool

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/keyzf/vanessa/internal/ca"
	"github.com/keyzf/vanessa/internal/metrics"
)

// entry is one bound listener, either the concrete owner of its port or an
// alias pointing at another entry's port under the same wildcard group.
type entry struct {
	port     int
	listener net.Listener // nil for alias entries
	alias    bool
}

// Pool manages the lifecycle of per-hostname TLS listeners.
type Pool struct {
	authority ca.Authority

	mu      sync.Mutex
	entries map[string]*entry

	semMu       sync.Mutex
	wildcardSem map[string]chan struct{}

	// Accept, when set, is invoked in its own goroutine for every newly
	// bound listener so the caller can serve connections from it.
	Accept func(hostname string, ln net.Listener)

	// Metrics, when set, receives single-flight and listener-count
	// observations as the pool mints and retires listeners.
	Metrics *metrics.Registry
}

// New returns an empty Pool minting certificates from authority.
func New(authority ca.Authority) *Pool {
	return &Pool{
		authority:   authority,
		entries:     make(map[string]*entry),
		wildcardSem: make(map[string]chan struct{}),
	}
}

// Acquire returns the loopback port serving hostname, minting and binding a
// new listener if none exists yet. Concurrent first-acquisitions of
// hostnames sharing a wildcard group block behind a single-slot semaphore
// so at most one listener is ever bound per wildcard.
func (p *Pool) Acquire(ctx context.Context, hostname string) (int, error) {
	if port, ok := p.lookupPort(hostname); ok {
		return port, nil
	}

	wildcard, coalesces := toWildcard(hostname)
	semKey := hostname
	if coalesces {
		semKey = wildcard
	}

	sem := p.semFor(semKey)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	defer func() { <-sem }()

	if port, ok := p.lookupPort(hostname); ok {
		p.observeSingleFlightWait()
		return port, nil
	}

	if coalesces {
		if port, ok := p.lookupPort(wildcard); ok {
			p.setAlias(hostname, port)
			p.observeSingleFlightWait()
			return port, nil
		}
		port, err := p.mintAndBind(wildcard)
		if err != nil {
			return 0, err
		}
		if hostname != wildcard {
			p.setAlias(hostname, port)
		}
		return port, nil
	}

	return p.mintAndBind(hostname)
}

// Shutdown closes every concrete listener exactly once; alias entries are
// discarded without a close since they never owned a listener.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	closed := make(map[net.Listener]struct{})
	var firstErr error
	for _, e := range p.entries {
		if e.alias || e.listener == nil {
			continue
		}
		if _, done := closed[e.listener]; done {
			continue
		}
		closed[e.listener] = struct{}{}
		if err := e.listener.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.entries = make(map[string]*entry)
	if p.Metrics != nil {
		p.Metrics.SSLPoolListeners.Set(0)
	}
	return firstErr
}

// Len reports how many hostnames (concrete and alias) are currently
// registered, for diagnostics.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Pool) lookupPort(key string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	if !ok {
		return 0, false
	}
	return e.port, true
}

func (p *Pool) setAlias(hostname string, port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[hostname] = &entry{port: port, alias: true}
}

func (p *Pool) mintAndBind(key string) (int, error) {
	cert, err := p.authority.Certificate(key)
	if err != nil {
		return 0, fmt.Errorf("sslpool: minting certificate for %q: %w", key, err)
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{*cert},
	})
	if err != nil {
		return 0, fmt.Errorf("sslpool: binding listener for %q: %w", key, err)
	}

	port := ln.Addr().(*net.TCPAddr).Port

	p.mu.Lock()
	p.entries[key] = &entry{port: port, listener: ln}
	count := 0
	for _, e := range p.entries {
		if !e.alias {
			count++
		}
	}
	p.mu.Unlock()

	if p.Metrics != nil {
		p.Metrics.SSLPoolListeners.Set(float64(count))
	}
	if p.Accept != nil {
		go p.Accept(key, ln)
	}
	return port, nil
}

func (p *Pool) observeSingleFlightWait() {
	if p.Metrics != nil {
		p.Metrics.SSLPoolSingleFlight.Inc()
	}
}

func (p *Pool) semFor(key string) chan struct{} {
	p.semMu.Lock()
	defer p.semMu.Unlock()
	sem, ok := p.wildcardSem[key]
	if !ok {
		sem = make(chan struct{}, 1)
		p.wildcardSem[key] = sem
	}
	return sem
}

// toWildcard computes the "*.suffix" group a hostname belongs to. A
// hostname with fewer than three labels (e.g. "example.com") has no
// wildcard group narrower than the public suffix and coalesces with
// nothing.
func toWildcard(hostname string) (string, bool) {
	idx := strings.IndexByte(hostname, '.')
	if idx < 0 {
		return "", false
	}
	suffix := hostname[idx+1:]
	if !strings.Contains(suffix, ".") {
		return "", false
	}
	return "*." + suffix, true
}
