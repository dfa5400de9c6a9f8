// Package wsbridge implements the WebSocket Bridge: it upgrades an
// intercepted WebSocket handshake, opens a matching WebSocket connection to
// the origin, and forwards frames in both directions until either side
// closes.
package wsbridge

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/keyzf/vanessa/internal/metrics"
)

// secWebsocketHeaders are stripped from the upgrade request before it is
// replayed to the origin; the origin-bound connection performs its own
// handshake and must not inherit the client's handshake headers verbatim.
var secWebsocketHeaders = []string{
	"Sec-WebSocket-Key",
	"Sec-WebSocket-Version",
	"Sec-WebSocket-Extensions",
	"Sec-WebSocket-Protocol",
	"Sec-WebSocket-Accept",
	"Upgrade",
	"Connection",
}

// closeCodeRemap maps close codes RFC 6455 forbids a peer from sending over
// the wire (1004-1006) to the closest code that is legal to send, so a
// client library that rejects reserved codes doesn't treat a clean
// upstream close as a protocol violation.
var closeCodeRemap = map[int]int{
	1004: websocket.CloseGoingAway,
	1005: websocket.CloseGoingAway,
	1006: websocket.CloseGoingAway,
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// TargetURL resolves the origin WebSocket URL a proxied upgrade request
// should connect to: the scheme always flips http/https to ws/wss, and a
// relative request-target is combined with the request's Host.
func TargetURL(scheme, host, requestURI string) (string, error) {
	wsScheme := "ws"
	if scheme == "https" {
		wsScheme = "wss"
	}
	u, err := url.Parse(requestURI)
	if err != nil {
		return "", fmt.Errorf("wsbridge: parsing request target %q: %w", requestURI, err)
	}
	if u.IsAbs() {
		u.Scheme = wsScheme
		return u.String(), nil
	}
	return (&url.URL{Scheme: wsScheme, Host: host, Path: u.Path, RawQuery: u.RawQuery}).String(), nil
}

// strippedHeader clones hdr without the headers in secWebsocketHeaders: the
// Sec-WebSocket-* handshake headers plus Upgrade and Connection.
func strippedHeader(hdr http.Header) http.Header {
	out := make(http.Header, len(hdr))
	for k, v := range hdr {
		skip := false
		for _, s := range secWebsocketHeaders {
			if strings.EqualFold(k, s) {
				skip = true
				break
			}
		}
		if !skip {
			out[k] = v
		}
	}
	return out
}

// Bridge is a live client<->origin WebSocket pairing.
type Bridge struct {
	client   *websocket.Conn
	upstream *websocket.Conn
	metrics  *metrics.Registry

	mu             sync.Mutex
	closedByServer bool
	closedByClient bool
}

// Upgrade upgrades w/r to a client WebSocket connection and dials
// targetURL on the origin, returning a Bridge ready to Run. reg may be nil.
func Upgrade(w http.ResponseWriter, r *http.Request, targetURL string, reg *metrics.Registry) (*Bridge, error) {
	upstreamConn, _, err := websocket.DefaultDialer.Dial(targetURL, strippedHeader(r.Header))
	if err != nil {
		return nil, fmt.Errorf("wsbridge: dialing origin %s: %w", targetURL, err)
	}

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		upstreamConn.Close()
		return nil, fmt.Errorf("wsbridge: upgrading client connection: %w", err)
	}

	b := &Bridge{client: clientConn, upstream: upstreamConn, metrics: reg}
	b.installPingPong(b.client, b.upstream, &b.closedByServer)
	b.installPingPong(b.upstream, b.client, &b.closedByClient)
	return b, nil
}

// installPingPong makes src relay the ping/pong control frames it receives
// to dst, the same as forward does for normal frames; gorilla/websocket's
// default handlers would otherwise answer a ping locally and never expose
// it to this code, so a ping sent by one side would never reach the other.
// dstClosed is read under b.mu before relaying, so a frame arriving after
// dst's side of the bridge already closed is dropped rather than written
// to a dead connection.
func (b *Bridge) installPingPong(src, dst *websocket.Conn, dstClosed *bool) {
	src.SetPingHandler(func(appData string) error {
		if b.sideClosed(dstClosed) {
			return nil
		}
		return dst.WriteControl(websocket.PingMessage, []byte(appData), deadlineNow())
	})
	src.SetPongHandler(func(appData string) error {
		if b.sideClosed(dstClosed) {
			return nil
		}
		return dst.WriteControl(websocket.PongMessage, []byte(appData), deadlineNow())
	})
}

func (b *Bridge) sideClosed(flag *bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *flag
}

// Run forwards frames in both directions until either side closes, and
// returns once both forwarding loops have stopped.
func (b *Bridge) Run() {
	if b.metrics != nil {
		b.metrics.WSBridgesActive.Inc()
		defer b.metrics.WSBridgesActive.Dec()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.forward(b.client, b.upstream, &b.closedByClient)
	}()
	go func() {
		defer wg.Done()
		b.forward(b.upstream, b.client, &b.closedByServer)
	}()
	wg.Wait()
	b.client.Close()
	b.upstream.Close()
}

// forward copies frames from src to dst until src closes or errors,
// remapping reserved close codes and marking closedFlag so the ping/pong
// relays installed by installPingPong stop writing to src's side.
func (b *Bridge) forward(src, dst *websocket.Conn, closedFlag *bool) {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			b.mu.Lock()
			*closedFlag = true
			b.mu.Unlock()

			code := websocket.CloseNormalClosure
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
			}
			if remapped, ok := closeCodeRemap[code]; ok {
				code = remapped
				if b.metrics != nil {
					b.metrics.WSCloseRemappedTotal.Inc()
				}
			}
			dst.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, ""), deadlineNow())
			return
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			// dst is already gone; closing src too unblocks the opposite
			// forward() goroutine's ReadMessage instead of leaving it
			// blocked forever on a still-open socket.
			src.Close()
			dst.Close()
			return
		}
	}
}

func deadlineNow() time.Time {
	return time.Now().Add(5 * time.Second)
}
