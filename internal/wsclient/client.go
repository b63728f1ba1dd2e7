// Package wsclient is the producer-side WebSocket transport: an outbound,
// auto-reconnecting client that dials the relay's /ws/relay endpoint and
// carries producer.Controller traffic in both directions. Adapted from the
// teacher's internal/ws/client.go Client.Run reconnect loop, generalized
// from the wing-registration handshake to the session/daemon pairing
// handshake (spec §4.2).
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/termshare/termshare/internal/logger"
	"github.com/termshare/termshare/internal/ws"
)

// ErrAuthRejected mirrors the teacher's handshake-rejection sentinel.
var ErrAuthRejected = errors.New("relay rejected connection (401)")

const (
	writeTimeout  = 10 * time.Second
	readLimit     = 1 << 20
	baseBackoff   = time.Second
	maxBackoff    = 5 * time.Second
)

// Client carries one producer/daemon connection to the relay.
type Client struct {
	RelayURL   string // e.g. "wss://relay.termshare.dev/ws/relay"
	SessionID  string // empty in daemon mode — the daemon announces sessions itself
	DaemonMode bool
	PublicKey  string
	Nickname   string
	UserSecret string // hashed relay-side into a stable owner id, never sent in the clear elsewhere
	Token      string // bearer auth, if the deployment requires it

	// The relay sets sessionId on viewer-joined, viewer-left and
	// encrypted-input in both modes. Single-session callers ignore it, since
	// they already know which Controller they own; the daemon uses it to
	// route to the right attached Controller.
	OnViewerJoined   func(sessionID, viewerID, publicKey string)
	OnViewerLeft     func(sessionID, viewerID string)
	OnEncryptedInput func(sessionID, viewerID string, enc ws.Encrypted)
	OnPlainInput     func(payload ws.InputPayload)
	OnCLICommand     func(cmd ws.CLICommand) ws.CLIResponse
	OnPTYMigrate     func(sessionID, viewerID, sdpOffer string) // producer answers via Send(ws.PTYMigrated{...})
	OnReconnect      func(ctx context.Context)
	OnStateChange    func(state string, err error)

	mu   sync.Mutex
	conn *websocket.Conn
}

// Send marshals and writes msg to the current connection, silently dropping
// it if disconnected — the same best-effort semantics as the relay's per-
// connection writer (spec §5: losses surface as a resync on reconnect, not
// as a delivery guarantee).
func (c *Client) Send(msg any) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		logger.Warn("wsclient: write failed", "err", err)
	}
}

// Run dials the relay and processes traffic until ctx is cancelled,
// reconnecting with doubling backoff on every disconnect (spec §4.2
// Reconnect).
func (c *Client) Run(ctx context.Context) error {
	c.notifyState("connecting", nil)
	backoff := NewBackoff(baseBackoff, maxBackoff)
	for {
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			c.notifyState("disconnected", ctx.Err())
			return ctx.Err()
		}
		if isAuthError(err) {
			c.notifyState("auth_failed", err)
			return ErrAuthRejected
		}
		c.notifyState("disconnected", err)
		delay := backoff.Next()
		logger.Warn("wsclient: disconnected, reconnecting", "err", err, "delay", delay)
		select {
		case <-ctx.Done():
			c.notifyState("disconnected", ctx.Err())
			return ctx.Err()
		case <-time.After(delay):
		}
		c.notifyState("connecting", nil)
	}
}

func (c *Client) notifyState(state string, err error) {
	if c.OnStateChange != nil {
		c.OnStateChange(state, err)
	}
}

func isAuthError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "401")
}

func (c *Client) connectAndServe(ctx context.Context) error {
	q := url.Values{}
	if c.DaemonMode {
		q.Set("role", "daemon")
	} else {
		q.Set("role", "producer")
		q.Set("sessionId", c.SessionID)
	}
	if c.PublicKey != "" {
		q.Set("publicKey", c.PublicKey)
	}
	if c.Nickname != "" {
		q.Set("nickname", c.Nickname)
	}
	if c.UserSecret != "" {
		q.Set("userSecret", c.UserSecret)
	}
	dialURL := c.RelayURL + "?" + q.Encode()

	opts := &websocket.DialOptions{}
	if c.Token != "" {
		opts.HTTPHeader = map[string][]string{"Authorization": {"Bearer " + c.Token}}
	}
	conn, _, err := websocket.Dial(ctx, dialURL, opts)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(readLimit)
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.CloseNow()
	}()

	c.notifyState("connected", nil)
	if c.OnReconnect != nil {
		go c.OnReconnect(ctx)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var env ws.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.Warn("wsclient: malformed message", "err", err)
		return
	}

	switch env.Type {
	case ws.TypeViewerJoined:
		var m ws.ViewerJoined
		if json.Unmarshal(data, &m) == nil && c.OnViewerJoined != nil {
			c.OnViewerJoined(m.SessionID, m.ViewerID, m.PublicKey)
		}
	case ws.TypeViewerLeft:
		var m ws.ViewerLeft
		if json.Unmarshal(data, &m) == nil && c.OnViewerLeft != nil {
			c.OnViewerLeft(m.SessionID, m.ViewerID)
		}
	case ws.TypeEncryptedInput:
		var m ws.EncryptedInput
		if json.Unmarshal(data, &m) == nil && c.OnEncryptedInput != nil {
			c.OnEncryptedInput(m.SessionID, m.ViewerID, m.Encrypted)
		}
	case ws.TypeInput:
		var m ws.Input
		if json.Unmarshal(data, &m) == nil && c.OnPlainInput != nil {
			c.OnPlainInput(ws.InputPayload{Keys: m.Keys, Type: m.Kind})
		}
	case ws.TypeCLICommand:
		var m ws.CLICommand
		if json.Unmarshal(data, &m) == nil && c.OnCLICommand != nil {
			go c.Send(c.OnCLICommand(m))
		}
	case ws.TypePTYMigrate:
		var m ws.PTYMigrate
		if json.Unmarshal(data, &m) == nil && c.OnPTYMigrate != nil {
			c.OnPTYMigrate(m.SessionID, m.ViewerID, m.SDPOffer)
		}
	case ws.TypeRelayRestart:
		logger.Info("wsclient: relay announced restart, expecting disconnect")
	default:
		logger.Warn("wsclient: unknown message type", "type", env.Type)
	}
}
