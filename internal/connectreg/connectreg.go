// Package connectreg tracks which CONNECT request produced each loopback
// socket pair the proxy splices traffic through, so later stages (SSL pool
// acquisition, the HTTP pipeline) can recover the original target and
// client address from a bare TCP connection.
package connectreg

import (
	"net"
	"strconv"
	"sync"
)

// Key identifies a loopback socket pair by its two observed ports.
type Key struct {
	LocalPort  int
	RemotePort int
}

// Entry records what produced the CONNECT tunnel a Key refers to.
type Entry struct {
	ClientAddr string
	TargetHost string
	TargetPort string

	// TunnelID correlates this entry with the tunnel's logs and trace spans.
	// Empty when the dispatcher was not given an ID generator.
	TunnelID string
}

// Registry is a process-wide, concurrency-safe map from socket pair to the
// CONNECT request that established it. Callers must insert before any data
// arrives on the tunneled socket pair so lookups never race the insert.
type Registry struct {
	mu      sync.RWMutex
	entries map[Key]Entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[Key]Entry)}
}

// Insert records entry under key, overwriting any stale entry for a reused
// port pair.
func (r *Registry) Insert(key Key, entry Entry) {
	r.mu.Lock()
	r.entries[key] = entry
	r.mu.Unlock()
}

// Lookup returns the entry registered for key, if any.
func (r *Registry) Lookup(key Key) (Entry, bool) {
	r.mu.RLock()
	entry, ok := r.entries[key]
	r.mu.RUnlock()
	return entry, ok
}

// Remove discards the entry for key, called once the tunnel it describes
// has closed.
func (r *Registry) Remove(key Key) {
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
}

// Len reports how many tunnels are currently tracked, for diagnostics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// KeyFromDialedConn derives the Key a loopback listener will compute for
// conn, the dial-out half of a connection the CONNECT dispatcher just
// established to that listener. conn's local port is what the listener
// sees as the remote port of the connection it accepted, and vice versa,
// so the two fields are swapped relative to a plain accepted connection.
func KeyFromDialedConn(conn net.Conn) (Key, bool) {
	local, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return Key{}, false
	}
	remote, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return Key{}, false
	}
	return Key{LocalPort: remote.Port, RemotePort: local.Port}, true
}

// KeyFromAcceptedAddrs derives the Key a listener computes for a connection
// it accepted itself, from its own local address and the RemoteAddr string
// net/http attaches to every inbound Request.
func KeyFromAcceptedAddrs(localAddr net.Addr, remoteAddr string) (Key, bool) {
	localTCP, ok := localAddr.(*net.TCPAddr)
	if !ok {
		return Key{}, false
	}
	_, portStr, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return Key{}, false
	}
	remotePort, err := strconv.Atoi(portStr)
	if err != nil {
		return Key{}, false
	}
	return Key{LocalPort: localTCP.Port, RemotePort: remotePort}, true
}
