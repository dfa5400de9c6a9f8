package connect

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/keyzf/vanessa/internal/ca"
	"github.com/keyzf/vanessa/internal/connectreg"
	"github.com/keyzf/vanessa/internal/hostport"
	"github.com/keyzf/vanessa/internal/metrics"
	"github.com/keyzf/vanessa/internal/sslpool"
	"github.com/keyzf/vanessa/internal/util/bytelimiter"
)

func TestIsTLSPreview(t *testing.T) {
	cases := []struct {
		b    byte
		want bool
	}{
		{0x16, true},
		{0x80, true},
		{0x00, true},
		{0x47, false}, // 'G' of "GET "
	}
	for _, c := range cases {
		if got := isTLSPreview(c.b); got != c.want {
			t.Errorf("isTLSPreview(%#x) = %v, want %v", c.b, got, c.want)
		}
	}
}

func TestHandleRoutesPlaintextToPlainListener(t *testing.T) {
	plainLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer plainLn.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := plainLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		received <- line
	}()

	registry := connectreg.New()
	d := &Dispatcher{Registry: registry, PlainAddr: plainLn.Addr().String()}

	clientSide, serverSide := net.Pipe()
	// net.Pipe connections are not *net.TCPConn, so the registry key
	// derivation quietly no-ops; that path is covered by the registry
	// package's own tests.
	defer clientSide.Close()

	go func() {
		d.Handle(context.Background(), serverSide, hostport.Target{Host: "example.com", Port: "80"})
	}()

	reader := bufio.NewReader(clientSide)
	status, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading 200 response: %v", err)
	}
	if status != "HTTP/1.1 200 Connection Established\r\n" {
		t.Fatalf("got %q", status)
	}
	reader.ReadString('\n') // trailing blank line

	clientSide.Write([]byte("GET / HTTP/1.1\r\n"))

	select {
	case line := <-received:
		if line != "GET / HTTP/1.1\r\n" {
			t.Fatalf("got %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for plain listener to receive spliced bytes")
	}
}

func TestHandleRoutesTLSPreviewToSSLPool(t *testing.T) {
	authority, err := ca.NewLocalAuthority(ca.Options{})
	if err != nil {
		t.Fatalf("new authority: %v", err)
	}
	pool := sslpool.New(authority)

	received := make(chan byte, 1)
	pool.Accept = func(hostname string, ln net.Listener) {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// Read the raw socket under the TLS wrapper: reading the *tls.Conn
		// itself would start a handshake and consume the preview byte.
		buf := make([]byte, 1)
		if _, err := conn.(*tls.Conn).NetConn().Read(buf); err == nil {
			received <- buf[0]
		}
	}

	registry := connectreg.New()
	d := &Dispatcher{Registry: registry, Pool: pool}

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	go d.Handle(context.Background(), serverSide, hostport.Target{Host: "example.com", Port: "443"})

	reader := bufio.NewReader(clientSide)
	reader.ReadString('\n')
	reader.ReadString('\n')

	clientSide.Write([]byte{0x16})

	select {
	case b := <-received:
		if b != 0x16 {
			t.Fatalf("got %#x", b)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ssl pool listener to receive preview byte")
	}
}

func TestHandleReleasesLimiterBudgetAfterSplice(t *testing.T) {
	plainLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer plainLn.Close()
	go func() {
		conn, err := plainLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		bufio.NewReader(conn).ReadString('\n')
	}()

	limiter := bytelimiter.New(tunnelByteReservation)
	d := &Dispatcher{Registry: connectreg.New(), PlainAddr: plainLn.Addr().String(), Limiter: limiter}

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	done := make(chan struct{})
	go func() {
		d.Handle(context.Background(), serverSide, hostport.Target{Host: "example.com", Port: "80"})
		close(done)
	}()

	reader := bufio.NewReader(clientSide)
	reader.ReadString('\n')
	reader.ReadString('\n')
	clientSide.Write([]byte("GET / HTTP/1.1\r\n"))
	clientSide.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handle to return")
	}

	if used := limiter.Used(); used != 0 {
		t.Fatalf("expected limiter budget released, got %d bytes still reserved", used)
	}
}

func TestHandleIncrementsConnectAndBlindTunnelCounters(t *testing.T) {
	plainLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer plainLn.Close()
	go func() {
		conn, err := plainLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		bufio.NewReader(conn).ReadString('\n')
	}()

	reg := metrics.New()
	d := &Dispatcher{Registry: connectreg.New(), PlainAddr: plainLn.Addr().String(), Metrics: reg}

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	go d.Handle(context.Background(), serverSide, hostport.Target{Host: "example.com", Port: "80"})

	reader := bufio.NewReader(clientSide)
	reader.ReadString('\n')
	reader.ReadString('\n')
	clientSide.Write([]byte("GET / HTTP/1.1\r\n"))

	if got := testutil.ToFloat64(reg.ConnectTotal); got != 1 {
		t.Fatalf("got ConnectTotal=%v, want 1", got)
	}
	if got := testutil.ToFloat64(reg.BlindTunnelsTotal); got != 1 {
		t.Fatalf("got BlindTunnelsTotal=%v, want 1", got)
	}
	if got := testutil.ToFloat64(reg.TLSInterceptedTotal); got != 0 {
		t.Fatalf("got TLSInterceptedTotal=%v, want 0", got)
	}
}
