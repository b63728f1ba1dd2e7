package p2p

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/termshare/termshare/internal/logger"
	"github.com/termshare/termshare/internal/ws"
)

// RelayWriteFn sends one message to a single viewer over the relay.
type RelayWriteFn func(v any) error

// SwappableWriter atomically switches one viewer's output delivery between
// the relay WebSocket and a direct DataChannel, adapted from the teacher's
// internal/webrtc/transport.go SwappableWriter.
type SwappableWriter struct {
	mu         sync.Mutex
	sessionID  string
	viewerID   string
	relayWrite RelayWriteFn
	dcWrite    RelayWriteFn
	mode       string // "relay" | "p2p"
}

// NewSwappableWriter creates a writer that starts on the relay path, carrying
// a single viewer's encrypted output until a migration or fallback swaps it.
func NewSwappableWriter(sessionID, viewerID string, relayWrite RelayWriteFn) *SwappableWriter {
	return &SwappableWriter{sessionID: sessionID, viewerID: viewerID, relayWrite: relayWrite, mode: "relay"}
}

// Send adapts SwappableWriter to producer.Transport's fire-and-forget
// Send(msg any), logging write failures instead of propagating them (matches
// wsclient.Client.Send's best-effort semantics).
func (sw *SwappableWriter) Send(msg any) {
	if err := sw.Write(msg); err != nil {
		logger.Warn("p2p: write failed", "sessionId", sw.sessionID, "viewerId", sw.viewerID, "err", err)
	}
}

// Write sends v over whichever transport is currently active. Held under
// lock so a migration mid-write can't interleave two transports.
func (sw *SwappableWriter) Write(v any) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	w := sw.dcWrite
	if w == nil {
		w = sw.relayWrite
	}
	return w(v)
}

// MigrateToDC sends a pty.migrated notice over the relay (the last relay
// message for this viewer) and swaps subsequent writes onto dc.
func (sw *SwappableWriter) MigrateToDC(dc *webrtc.DataChannel) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.mode == "p2p" {
		return fmt.Errorf("already migrated to p2p")
	}
	if err := sw.relayWrite(ws.PTYMigrated{Type: ws.TypePTYMigrated, SessionID: sw.sessionID, ViewerID: sw.viewerID}); err != nil {
		return fmt.Errorf("send pty.migrated: %w", err)
	}
	sw.dcWrite = func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return dc.SendText(string(data))
	}
	sw.mode = "p2p"
	logger.Info("p2p: migrated to data channel", "sessionId", sw.sessionID)
	return nil
}

// FallbackToRelay switches writes back onto the relay and announces
// pty.fallback — called when the DataChannel dies (spec §9).
func (sw *SwappableWriter) FallbackToRelay() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.mode == "relay" {
		return nil
	}
	sw.dcWrite = nil
	sw.mode = "relay"
	if err := sw.relayWrite(ws.PTYFallback{Type: ws.TypePTYFallback, SessionID: sw.sessionID, ViewerID: sw.viewerID}); err != nil {
		return fmt.Errorf("send pty.fallback: %w", err)
	}
	logger.Info("p2p: fell back to relay", "sessionId", sw.sessionID)
	return nil
}

// Mode reports the currently active transport.
func (sw *SwappableWriter) Mode() string {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.mode
}
