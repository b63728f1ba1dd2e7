package producer

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/termshare/termshare/internal/crypto"
	"github.com/termshare/termshare/internal/logger"
	"github.com/termshare/termshare/internal/ws"
)

// DefaultPollInterval is the capture poll period (spec §5 Timers: "100ms,
// configurable").
const DefaultPollInterval = 100 * time.Millisecond

// Transport is what the controller needs from whatever carries messages to
// and from the relay — satisfied by *wsclient.Client in production and a
// fake in tests.
type Transport interface {
	Send(msg any)
}

// OutputEvent is the producer-defined end-to-end payload (spec §3).
type OutputEvent struct {
	Seq       int64  `json:"seq"`
	Content   []byte `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Controller is the reusable session controller shared by the
// single-session and daemon producer flavors (spec §4.2).
type Controller struct {
	SessionID string
	capture   PaneCapturer
	transport Transport
	keyPair   *crypto.KeyPair

	pollInterval time.Duration

	mu       sync.Mutex
	seq      int64
	last     []byte
	secrets  map[string]*crypto.SharedSecret // viewerID -> shared secret
	viewerTx map[string]Transport            // viewerID -> override transport (P2P migration)

	bytesOut atomic.Int64 // cumulative ciphertext bytes sent, for daemon status (spec §9 supplemental)

	now func() time.Time // injected for deterministic timestamps in tests
}

// NewController creates a session controller over the given capture
// backend and transport, generating a fresh long-term key pair for this
// session incarnation (spec §4.2 Pairing and key agreement).
func NewController(sessionID string, capture PaneCapturer, transport Transport) (*Controller, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &Controller{
		SessionID:    sessionID,
		capture:      capture,
		transport:    transport,
		keyPair:      kp,
		pollInterval: DefaultPollInterval,
		secrets:      make(map[string]*crypto.SharedSecret),
		now:          time.Now,
	}, nil
}

// PublicKey returns this incarnation's long-term public key for
// announcement (session-attached / pairing code).
func (c *Controller) PublicKey() string {
	return c.keyPair.PublicKeyBase64()
}

// SetPollInterval overrides the default capture poll period. A running Run
// loop switches to the new period after its next tick.
func (c *Controller) SetPollInterval(d time.Duration) {
	if d > 0 {
		c.mu.Lock()
		c.pollInterval = d
		c.mu.Unlock()
	}
}

// SetViewerTransport overrides where a single viewer's encrypted output is
// sent, without disturbing any other viewer — the hook the P2P migration
// path (internal/p2p) uses to swap one viewer onto a DataChannel and back
// (spec §9 supplemental). A nil transport clears the override.
func (c *Controller) SetViewerTransport(viewerID string, t Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t == nil {
		delete(c.viewerTx, viewerID)
		return
	}
	if c.viewerTx == nil {
		c.viewerTx = make(map[string]Transport)
	}
	c.viewerTx[viewerID] = t
}

// Run starts the capture backend and the poll loop; it blocks until ctx is
// cancelled (spec §5: "a single scheduling context per session").
func (c *Controller) Run(ctx context.Context) error {
	if err := c.capture.Start(ctx); err != nil {
		return err
	}
	defer c.capture.Close()

	// The initial snapshot is always emitted as seq=1 unconditionally if
	// non-empty (spec §4.2 Capture loop).
	if snap, err := c.capture.Snapshot(); err == nil && len(snap) > 0 {
		c.emit(snap)
	}

	c.mu.Lock()
	interval := c.pollInterval
	c.mu.Unlock()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.mu.Lock()
			next := c.pollInterval
			c.mu.Unlock()
			if next != interval {
				interval = next
				ticker.Reset(interval)
			}
			snap, err := c.capture.Snapshot()
			if err != nil {
				logger.Warn("producer: snapshot failed", "sessionId", c.SessionID, "err", err)
				continue
			}
			c.maybeEmit(snap)
		}
	}
}

// maybeEmit emits a new OutputEvent only if the snapshot differs from the
// last one published — idempotence (spec §8: "two identical consecutive
// pane captures MUST NOT produce two frames").
func (c *Controller) maybeEmit(snap []byte) {
	c.mu.Lock()
	unchanged := bytes.Equal(snap, c.last)
	c.mu.Unlock()
	if unchanged {
		return
	}
	c.emit(snap)
}

func (c *Controller) emit(snap []byte) {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.last = append([]byte(nil), snap...)
	secretsCopy := make(map[string]*crypto.SharedSecret, len(c.secrets))
	for k, v := range c.secrets {
		secretsCopy[k] = v
	}
	c.mu.Unlock()

	ts := c.now().UnixMilli()
	event := OutputEvent{Seq: seq, Content: snap, Timestamp: ts}
	payload, err := json.Marshal(event)
	if err != nil {
		logger.Warn("producer: marshal output event failed", "err", err)
		return
	}
	for viewerID, secret := range secretsCopy {
		c.publishTo(viewerID, secret, payload, seq, ts)
	}
}

func (c *Controller) publishTo(viewerID string, secret *crypto.SharedSecret, payload []byte, seq int64, ts int64) {
	env, err := secret.Seal(payload)
	if err != nil {
		logger.Warn("producer: seal failed", "viewerId", viewerID, "err", err)
		return
	}
	c.mu.Lock()
	tx := c.viewerTx[viewerID]
	c.mu.Unlock()
	if tx == nil {
		tx = c.transport
	}
	tx.Send(ws.EncryptedOutput{
		Type:      ws.TypeEncryptedOutput,
		ViewerID:  viewerID,
		Encrypted: ws.Encrypted{Nonce: env.Nonce, Ciphertext: env.Ciphertext},
		Seq:       seq,
		Timestamp: ts,
	})
	c.bytesOut.Add(int64(len(env.Ciphertext)))
}

// HumanBytesOut reports cumulative encrypted output sent for this session in
// a log/status-friendly form (e.g. daemon "list-sessions" output, spec §9
// supplemental: "session enumeration with humanized summaries").
func (c *Controller) HumanBytesOut() string {
	return humanize.Bytes(uint64(c.bytesOut.Load()))
}

// OnViewerJoined derives and caches a shared secret for the new viewer, then
// immediately re-encrypts and sends the last known frame to it alone —
// guaranteeing late-join visibility without waiting for the next diff
// (spec §4.2 Publish).
func (c *Controller) OnViewerJoined(viewerID, viewerPublicKey string) {
	secret, err := crypto.Derive(c.keyPair, viewerPublicKey)
	if err != nil {
		logger.Warn("producer: derive shared secret failed", "viewerId", viewerID, "err", err)
		return
	}

	c.mu.Lock()
	c.secrets[viewerID] = secret
	seq := c.seq
	var last []byte
	if c.last != nil {
		last = append([]byte(nil), c.last...)
	}
	c.mu.Unlock()

	if last == nil {
		return
	}
	ts := c.now().UnixMilli()
	payload, err := json.Marshal(OutputEvent{Seq: seq, Content: last, Timestamp: ts})
	if err != nil {
		return
	}
	c.publishTo(viewerID, secret, payload, seq, ts)
}

// OnViewerLeft discards the cached shared secret for a departed viewer
// (spec §4.2 Pairing and key agreement: "viewer-left removes the entry").
func (c *Controller) OnViewerLeft(viewerID string) {
	c.mu.Lock()
	delete(c.secrets, viewerID)
	c.mu.Unlock()
}

// OnEncryptedInput decrypts viewer input with its cached shared secret and
// injects it into the capture backend. Decrypt/parse failures are logged
// once and dropped — never surfaced to the viewer (spec §4.2 Input
// handling, §7 Crypto faults).
func (c *Controller) OnEncryptedInput(viewerID string, enc ws.Encrypted) {
	c.mu.Lock()
	secret, ok := c.secrets[viewerID]
	c.mu.Unlock()
	if !ok {
		logger.Warn("producer: no shared secret for viewer", "viewerId", viewerID)
		return
	}

	plaintext, err := secret.Open(crypto.Envelope{Nonce: enc.Nonce, Ciphertext: enc.Ciphertext})
	if err != nil {
		logger.Warn("producer: decrypt input failed", "viewerId", viewerID, "err", err)
		return
	}

	var payload ws.InputPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		logger.Warn("producer: parse input payload failed", "viewerId", viewerID, "err", err)
		return
	}
	c.inject(payload)
}

func (c *Controller) inject(payload ws.InputPayload) {
	var err error
	switch payload.Type {
	case "special":
		err = c.capture.InjectSpecial(payload.Keys)
	default:
		err = c.capture.Inject([]byte(payload.Keys))
	}
	if err != nil {
		logger.Warn("producer: inject failed", "err", err)
	}
}

// OnPlainInput handles the unencrypted input path.
func (c *Controller) OnPlainInput(payload ws.InputPayload) {
	c.inject(payload)
}

// ViewerCount reports how many shared secrets are currently cached —
// equivalently, how many viewers are paired.
func (c *Controller) ViewerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.secrets)
}

// Resize forwards a terminal resize to the capture backend.
func (c *Controller) Resize(cols, rows int) error {
	return c.capture.Resize(cols, rows)
}
