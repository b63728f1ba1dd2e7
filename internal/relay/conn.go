package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const sendBufferSize = 256

// role identifies which handshake role a conn was accepted under.
type role int

const (
	roleProducer role = iota
	roleDaemon
	roleViewer
)

// conn wraps one accepted WebSocket with a buffered outbound channel and a
// dedicated writer goroutine, so a slow peer stalls only its own buffer and
// never the router — the same pattern as the teacher's SessionManager.Send
// channel in internal/relay/sessions.go.
type conn struct {
	id   string
	role role
	ws   *websocket.Conn

	send chan any

	// bw and meterKey gate egress through the session's bandwidth limiter;
	// bw is nil for connections that opt out (e.g. daemon RPC control
	// traffic, which is low-volume by construction).
	bw       *BandwidthMeter
	meterKey string

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(id string, r role, wsConn *websocket.Conn) *conn {
	c := &conn{
		id:     id,
		role:   r,
		ws:     wsConn,
		send:   make(chan any, sendBufferSize),
		closed: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// withMeter attaches a bandwidth meter to this connection's egress path,
// keyed by sessionID (spec §4.1 ambient addition: per-session rate
// limiting, internal/relay/bandwidth.go).
func (c *conn) withMeter(bw *BandwidthMeter, sessionID string) *conn {
	c.bw = bw
	c.meterKey = sessionID
	return c
}

func (c *conn) writeLoop() {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if c.bw != nil {
				if data, err := json.Marshal(msg); err == nil {
					ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					waitErr := c.bw.Wait(ctx, c.meterKey, len(data))
					cancel()
					if waitErr != nil {
						c.Close()
						return
					}
				}
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := wsjson.Write(ctx, c.ws, msg)
			cancel()
			if err != nil {
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Send enqueues msg for delivery. Non-blocking: a full buffer drops the
// message rather than stalling the caller (spec §5: per-viewer emits must
// not stall the router).
func (c *conn) Send(msg any) {
	select {
	case c.send <- msg:
	case <-c.closed:
	default:
		// buffer full — drop rather than block; the peer is too slow.
	}
}

func (c *conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close(websocket.StatusNormalClosure, "")
	})
}

// readLoop reads frames until the connection closes or ctx is cancelled,
// invoking handle for each decoded envelope-bearing message.
func (c *conn) readLoop(ctx context.Context, handle func(raw json.RawMessage)) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		handle(json.RawMessage(data))
	}
}
