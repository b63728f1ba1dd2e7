// Package ws defines the wire schema shared by the relay, producer and
// viewer roles. Every message is a JSON object carrying a "type" field used
// for routing; the framed duplex transport itself (WebSocket in this
// implementation) is handled by internal/relay and internal/wsclient.
package ws

// Message types. Field names below are contract — see spec §6.
const (
	// Producer/Daemon → Relay
	TypeOutput          = "output" // unencrypted path only
	TypeEncryptedOutput  = "encrypted-output"
	TypeOutputHistory    = "output-history"
	TypeSessionAttached  = "session-attached" // daemon
	TypeSessionDetached  = "session-detached" // daemon
	TypeActiveSessions   = "active-sessions"  // daemon
	TypeCLIResponse      = "cli-response"     // daemon

	// Relay → Producer/Daemon
	TypeViewerJoined   = "viewer-joined"
	TypeViewerLeft     = "viewer-left"
	TypeEncryptedInput = "encrypted-input"
	TypeInput          = "input" // unencrypted path
	TypeCLICommand     = "cli-command"

	// Viewer → Relay
	TypeRequestControl = "request-control"
	TypeReleaseControl = "release-control"
	TypeGetHistory     = "get-history"

	// Relay → Viewer
	TypeHistory          = "history"
	TypeEncryptedHistory = "encrypted-history"
	TypeCLIStatus        = "cli-status"
	TypeControlStatus    = "control-status"
	TypeControlDenied    = "control-denied"
	TypeInputRejected    = "input-rejected"
	TypeError            = "error"

	// Relay → all: restart notice, P2P migration lifecycle (see SPEC_FULL §9)
	TypeRelayRestart = "relay.restart"
	TypePTYMigrate   = "pty.migrate"
	TypePTYMigrated  = "pty.migrated"
	TypePTYFallback  = "pty.fallback"
)

// Envelope wraps every message with a type discriminator for routing.
type Envelope struct {
	Type string `json:"type"`
}

// Encrypted is an AEAD envelope: a fresh nonce plus ciphertext, both
// base64-encoded for the JSON wire format.
type Encrypted struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Output carries a plaintext OutputEvent (unencrypted sessions only).
type Output struct {
	Type      string `json:"type"`
	Seq       int64  `json:"seq"`
	Content   string `json:"content"` // opaque rendered-pane content, relayed unchanged
	Timestamp int64  `json:"timestamp"`
}

// EncryptedOutput carries one viewer's encrypted OutputEvent.
type EncryptedOutput struct {
	Type      string    `json:"type"`
	ViewerID  string    `json:"viewerId"`
	Encrypted Encrypted `json:"encrypted"`
	Seq       int64     `json:"seq"`
	Timestamp int64     `json:"timestamp"`
}

// OutputHistory is appended to a session's best-effort encrypted ring,
// encrypted under an arbitrary viewer's secret at capture time (§3, §9).
type OutputHistory struct {
	Type      string    `json:"type"`
	Encrypted Encrypted `json:"encrypted"`
	Seq       int64     `json:"seq"`
	Timestamp int64     `json:"timestamp"`
}

// SessionAttached announces a daemon-owned session's key material.
type SessionAttached struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	PublicKey string `json:"publicKey"`
	Encrypted bool   `json:"encrypted"`
}

// SessionDetached announces a daemon dropping a session.
type SessionDetached struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// ActiveSessionSummary is one entry of an ActiveSessions announcement.
type ActiveSessionSummary struct {
	SessionID   string `json:"sessionId"`
	PublicKey   string `json:"publicKey"`
	Encrypted   bool   `json:"encrypted"`
	ViewerCount int    `json:"viewerCount"`
}

// ActiveSessions is sent by a reconnecting daemon to re-announce every
// currently attached session (spec §4.2 Reconnect).
type ActiveSessions struct {
	Type     string                 `json:"type"`
	Sessions []ActiveSessionSummary `json:"sessions"`
}

// CLICommand is the relay's forwarded daemon RPC request.
type CLICommand struct {
	Type      string         `json:"type"`
	CommandID string         `json:"commandId"`
	Command   string         `json:"command"` // list-sessions | create-session | attach-session | detach-session
	Params    map[string]any `json:"params,omitempty"`
}

// CLIResponse is the daemon's answer to a CLICommand.
type CLIResponse struct {
	Type      string `json:"type"`
	CommandID string `json:"commandId"`
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ViewerJoined notifies the producer a viewer paired with the session.
type ViewerJoined struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"` // present in daemon mode
	ViewerID  string `json:"viewerId"`
	PublicKey string `json:"publicKey"`
}

// ViewerLeft notifies the producer a viewer disconnected.
type ViewerLeft struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	ViewerID  string `json:"viewerId"`
}

// EncryptedInput carries one viewer's encrypted keystroke payload.
type EncryptedInput struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	ViewerID  string    `json:"viewerId"`
	Encrypted Encrypted `json:"encrypted"`
}

// Input carries plaintext keystrokes (unencrypted path).
type Input struct {
	Type string `json:"type"`
	Keys string `json:"keys"`
	Kind string `json:"inputType,omitempty"` // "text" | "special"
}

// InputPayload is the plaintext decrypted from EncryptedInput/Input, per spec §4.2.
type InputPayload struct {
	Keys string `json:"keys"`
	Type string `json:"type"` // "text" | "special"
}

// RequestControl asks the relay for the control lock.
type RequestControl struct {
	Type string `json:"type"`
}

// ReleaseControl asks the relay to release a held control lock.
type ReleaseControl struct {
	Type string `json:"type"`
}

// GetHistory asks the relay for the bounded output history.
type GetHistory struct {
	Type string `json:"type"`
}

// History is the plaintext ring, sent as a single batch.
type History struct {
	Type   string   `json:"type"`
	Events []Output `json:"events"`
}

// EncryptedHistoryEntry is one entry of the encrypted ring.
type EncryptedHistoryEntry struct {
	Encrypted Encrypted `json:"encrypted"`
	Seq       int64     `json:"seq"`
	Timestamp int64     `json:"timestamp"`
}

// EncryptedHistory is the encrypted ring, sent as a single batch.
type EncryptedHistory struct {
	Type    string                  `json:"type"`
	Entries []EncryptedHistoryEntry `json:"entries"`
}

// CLIStatus describes the producer's current connection state.
type CLIStatus struct {
	Type      string `json:"type"`
	Connected bool   `json:"connected"`
	PublicKey string `json:"publicKey,omitempty"`
	Encrypted bool   `json:"encrypted"`
}

// ControlStatus broadcasts a control-lock state change.
type ControlStatus struct {
	Type           string `json:"type"`
	Locked         bool   `json:"locked"`
	HolderID       string `json:"holderId,omitempty"`
	HolderNickname string `json:"holderNickname,omitempty"`
	AcquiredAt     int64  `json:"acquiredAt,omitempty"`
}

// ControlDenied answers a request-control that could not be granted.
type ControlDenied struct {
	Type           string `json:"type"`
	Reason         string `json:"reason"`
	HolderID       string `json:"holderId,omitempty"`
	HolderNickname string `json:"holderNickname,omitempty"`
}

// InputRejected answers input from a non-controller.
type InputRejected struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// ErrorMsg is a generic protocol-fault notice.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// RelayRestart is broadcast to every connection before the relay shuts down.
type RelayRestart struct {
	Type string `json:"type"`
}

// PTYMigrate is a viewer's request to migrate a session's output stream onto
// a direct P2P DataChannel; the relay forwards it to the bound producer
// unmodified except for stamping ViewerID (SPEC_FULL §9 — supplemental,
// relay remains the fallback transport).
type PTYMigrate struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	ViewerID  string `json:"viewerId,omitempty"` // stamped by the relay when forwarding to the producer
	SDPOffer  string `json:"sdpOffer"`
}

// PTYMigrated confirms the P2P channel is live, carrying the producer's SDP
// answer back to the requesting viewer.
type PTYMigrated struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	ViewerID  string `json:"viewerId,omitempty"`
	SDPAnswer string `json:"sdpAnswer,omitempty"`
}

// PTYFallback notifies a viewer the P2P channel died and output is back on the relay.
type PTYFallback struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	ViewerID  string `json:"viewerId,omitempty"`
}
