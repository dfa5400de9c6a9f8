// Package connect implements the CONNECT Dispatcher: it answers a CONNECT
// request with a 200, sniffs the first byte the client sends on the
// now-tunneled socket to tell TLS apart from plaintext, and splices the
// connection to either the SSL Server Pool (for TLS, so the pool's
// listener performs the MITM handshake) or the Dispatcher's PlainAddr (for
// everything else, spliced through untouched as a blind tunnel).
package connect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/keyzf/vanessa/internal/connectreg"
	"github.com/keyzf/vanessa/internal/hostport"
	"github.com/keyzf/vanessa/internal/metrics"
	"github.com/keyzf/vanessa/internal/sslpool"
	"github.com/keyzf/vanessa/internal/util/bytelimiter"
)

// tunnelByteReservation is the memory budget charged against Limiter for
// each spliced tunnel's pair of io.Copy buffers, for the lifetime of the
// splice.
const tunnelByteReservation = 64 * 1024

// Dispatcher handles one CONNECT tunnel from acceptance through splice.
type Dispatcher struct {
	Pool      *sslpool.Pool
	Registry  *connectreg.Registry
	PlainAddr string // address blind (non-TLS) tunnels are spliced to; proxyserver sets the origin's host:port

	// Metrics, when set, receives per-tunnel counters as the dispatcher
	// sniffs, dials and splices each CONNECT tunnel.
	Metrics *metrics.Registry

	// Limiter, when set, bounds the number of tunnels spliced concurrently
	// by the memory their copy buffers would consume; Handle blocks until
	// budget is available before splicing.
	Limiter *bytelimiter.ByteLimiter

	// OnBytes, when set, is called with the number of bytes copied in each
	// direction once the tunnel closes, wiring into request/response byte
	// counters.
	OnBytes func(clientToOrigin, originToClient int64)

	// TunnelID, when set by the caller, is recorded against Registry so a
	// later lookup on the spliced socket pair recovers the same ID the
	// caller attached to its own logs and trace spans for this tunnel.
	TunnelID string
}

// tlsPreviewBytes are the first-byte values recognized as a TLS
// ClientHello: 0x16 is a real TLS handshake record, 0x80 and 0x00 cover
// SSLv2 and some legacy probes seen in the wild.
var tlsPreviewBytes = map[byte]struct{}{0x16: {}, 0x80: {}, 0x00: {}}

// Handle answers the CONNECT, sniffs the tunnel, and splices it to the
// appropriate listener. It owns clientConn and closes it before returning.
func (d *Dispatcher) Handle(ctx context.Context, clientConn net.Conn, target hostport.Target) error {
	defer clientConn.Close()

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return fmt.Errorf("connect: writing 200 response: %w", err)
	}
	if d.Metrics != nil {
		d.Metrics.ConnectTotal.Inc()
	}

	preview := make([]byte, 1)
	n, err := clientConn.Read(preview)
	if err != nil {
		if isBenignClose(err) {
			return nil
		}
		return fmt.Errorf("connect: reading preview byte: %w", err)
	}

	isTLS := n > 0 && isTLSPreview(preview[0])
	if d.Metrics != nil {
		if isTLS {
			d.Metrics.TLSInterceptedTotal.Inc()
		} else {
			d.Metrics.BlindTunnelsTotal.Inc()
		}
	}

	destAddr, err := d.destination(ctx, target, isTLS)
	if err != nil {
		return err
	}

	upstreamConn, err := net.Dial("tcp", destAddr)
	if err != nil {
		return fmt.Errorf("connect: dialing %s: %w", destAddr, err)
	}
	defer upstreamConn.Close()

	if isTLS {
		// The SSL pool listener will accept this same connection and see
		// upstreamConn's local/remote ports swapped; key it the way that
		// listener will, so its own lookup finds this entry.
		if key, ok := connectreg.KeyFromDialedConn(upstreamConn); ok {
			d.Registry.Insert(key, connectreg.Entry{
				ClientAddr: clientConn.RemoteAddr().String(),
				TargetHost: target.Host,
				TargetPort: target.Port,
				TunnelID:   d.TunnelID,
			})
			defer d.Registry.Remove(key)
		}
	}

	if n > 0 {
		if _, err := upstreamConn.Write(preview[:n]); err != nil {
			if isBenignClose(err) {
				return nil
			}
			return fmt.Errorf("connect: writing preview byte upstream: %w", err)
		}
	}

	d.Limiter.Acquire(tunnelByteReservation)
	defer d.Limiter.Release(tunnelByteReservation)

	clientToOrigin, originToClient := splice(clientConn, upstreamConn)
	if d.Metrics != nil {
		d.Metrics.BytesClientToOrigin.Add(float64(clientToOrigin))
		d.Metrics.BytesOriginToClient.Add(float64(originToClient))
	}
	if d.OnBytes != nil {
		d.OnBytes(clientToOrigin, originToClient)
	}
	return nil
}

func (d *Dispatcher) destination(ctx context.Context, target hostport.Target, isTLS bool) (string, error) {
	if !isTLS {
		return d.PlainAddr, nil
	}
	port, err := d.Pool.Acquire(ctx, target.Host)
	if err != nil {
		return "", fmt.Errorf("connect: acquiring ssl pool listener for %q: %w", target.Host, err)
	}
	return fmt.Sprintf("127.0.0.1:%d", port), nil
}

func isTLSPreview(b byte) bool {
	_, ok := tlsPreviewBytes[b]
	return ok
}

// splice copies bytes bidirectionally between client and upstream until
// either side closes, and returns the byte counts in each direction.
// Connection resets mid-copy are expected traffic noise, not failures, and
// are silenced rather than surfaced.
func splice(client, upstream net.Conn) (clientToOrigin, originToClient int64) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, err := io.Copy(upstream, client)
		clientToOrigin = n
		_ = err // ECONNRESET and similar are expected when either peer hangs up
		closeWrite(upstream)
	}()
	go func() {
		defer wg.Done()
		n, err := io.Copy(client, upstream)
		originToClient = n
		_ = err
		closeWrite(client)
	}()

	wg.Wait()
	return clientToOrigin, originToClient
}

// closeWrite half-closes conn's write side so the peer observes EOF without
// tearing down the read side of a connection the other copy goroutine may
// still be draining.
func closeWrite(conn net.Conn) {
	type halfCloser interface {
		CloseWrite() error
	}
	if hc, ok := conn.(halfCloser); ok {
		hc.CloseWrite()
		return
	}
	conn.Close()
}

func isBenignClose(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "reset by peer") || strings.Contains(msg, "broken pipe") || strings.Contains(msg, "use of closed network connection")
}
