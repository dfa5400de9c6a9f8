package connectreg

import (
	"net"
	"testing"
)

func TestInsertLookupRemove(t *testing.T) {
	r := New()
	key := Key{LocalPort: 51000, RemotePort: 443}
	entry := Entry{ClientAddr: "10.0.0.5:51000", TargetHost: "example.com", TargetPort: "443"}

	if _, ok := r.Lookup(key); ok {
		t.Fatal("expected no entry before insert")
	}

	r.Insert(key, entry)
	got, ok := r.Lookup(key)
	if !ok {
		t.Fatal("expected entry after insert")
	}
	if got != entry {
		t.Fatalf("got %+v, want %+v", got, entry)
	}

	r.Remove(key)
	if _, ok := r.Lookup(key); ok {
		t.Fatal("expected entry gone after remove")
	}
}

func TestInsertOverwritesReusedPortPair(t *testing.T) {
	r := New()
	key := Key{LocalPort: 51000, RemotePort: 443}

	r.Insert(key, Entry{TargetHost: "first.example.com"})
	r.Insert(key, Entry{TargetHost: "second.example.com"})

	got, ok := r.Lookup(key)
	if !ok || got.TargetHost != "second.example.com" {
		t.Fatalf("got %+v", got)
	}
}

func TestLen(t *testing.T) {
	r := New()
	if r.Len() != 0 {
		t.Fatalf("got %d", r.Len())
	}
	r.Insert(Key{LocalPort: 1, RemotePort: 2}, Entry{})
	r.Insert(Key{LocalPort: 3, RemotePort: 4}, Entry{})
	if r.Len() != 2 {
		t.Fatalf("got %d", r.Len())
	}
}

func TestKeyFromDialedConnSwapsPorts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer dialed.Close()

	serverSide := <-accepted
	defer serverSide.Close()

	key, ok := KeyFromDialedConn(dialed)
	if !ok {
		t.Fatal("expected ok for a real TCP connection")
	}

	serverLocal := serverSide.LocalAddr().(*net.TCPAddr).Port
	serverRemote := serverSide.RemoteAddr().(*net.TCPAddr).Port
	if key.LocalPort != serverLocal || key.RemotePort != serverRemote {
		t.Fatalf("got %+v, want {LocalPort:%d RemotePort:%d} matching the accepting side's own view",
			key, serverLocal, serverRemote)
	}
}

func TestKeyFromDialedConnRejectsNonTCPConn(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	if _, ok := KeyFromDialedConn(serverSide); ok {
		t.Fatal("expected net.Pipe conn to be rejected, it has no *net.TCPAddr")
	}
}

func TestKeyFromAcceptedAddrsMatchesKeyFromDialedConn(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer dialed.Close()

	serverSide := <-accepted
	defer serverSide.Close()

	dialerKey, ok := KeyFromDialedConn(dialed)
	if !ok {
		t.Fatal("expected ok")
	}

	listenerKey, ok := KeyFromAcceptedAddrs(serverSide.LocalAddr(), serverSide.RemoteAddr().String())
	if !ok {
		t.Fatal("expected ok")
	}

	if dialerKey != listenerKey {
		t.Fatalf("got dialer key %+v, listener key %+v, want equal", dialerKey, listenerKey)
	}
}

func TestKeyFromAcceptedAddrsRejectsBadRemoteAddr(t *testing.T) {
	if _, ok := KeyFromAcceptedAddrs(&net.TCPAddr{Port: 1}, "not-a-host-port"); ok {
		t.Fatal("expected malformed remote addr to be rejected")
	}
}
