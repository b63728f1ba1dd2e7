// Package relay implements the session router: the stateless-per-payload
// broker that binds producer, daemon and viewer connections to named
// sessions, fans out output, arbitrates the control lock, and answers
// history and enumeration requests. See the teacher's internal/relay
// package (sessions.go, pty_relay.go) for the connection/routing idiom this
// generalizes.
package relay

import (
	"sync"
	"time"
)

const (
	historyRingSize   = 100
	emptySessionGrace = 60 * time.Second
	daemonRPCTimeout  = 10 * time.Second
)

// controlIdleTimeout is the control lock's idle expiry (spec §4.1 scenario
// 3: "the lock must be regrantable after a silent holder"). A var rather
// than a const so tests can shrink it instead of sleeping out a real 30s.
var controlIdleTimeout = 30 * time.Second

// Viewer is the relay's record of one connected viewer. Its lifetime equals
// the underlying connection (spec §3).
type Viewer struct {
	ViewerID  string
	PublicKey string
	Nickname  string
	conn      *conn
}

// ControlLock is the single-writer mutual-exclusion token over a session's
// input stream (spec §3).
type ControlLock struct {
	HolderID       string
	HolderNickname string
	AcquiredAt     time.Time
	LastInputAt    time.Time
}

// expired reports whether the lock's idle timeout has elapsed as of now.
func (c *ControlLock) expired(now time.Time) bool {
	return now.Sub(c.LastInputAt) >= controlIdleTimeout
}

// historyEntry is one plaintext ring slot.
type historyEntry struct {
	Seq       int64
	Content   string
	Timestamp int64
}

// encryptedHistoryEntry is one encrypted ring slot, sealed under whichever
// viewer's secret happened to be used for output-history at capture time —
// the "best-effort" late-join context the design notes (§9) flag as a known
// weakness. Kept as specified rather than silently fixed; see DESIGN.md.
type encryptedHistoryEntry struct {
	Nonce      string
	Ciphertext string
	Seq        int64
	Timestamp  int64
}

// ring is a fixed-capacity FIFO used for both history rings (spec §3:
// "bounded ring, ≤100 frames").
type ring[T any] struct {
	items []T
	cap   int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{items: make([]T, 0, capacity), cap: capacity}
}

func (r *ring[T]) push(v T) {
	r.items = append(r.items, v)
	if len(r.items) > r.cap {
		r.items = r.items[len(r.items)-r.cap:]
	}
}

func (r *ring[T]) snapshot() []T {
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

// Session is the relay's record of one named terminal-sharing session
// (spec §3). Every field access outside of construction must hold mu.
type Session struct {
	mu sync.Mutex

	SessionID string
	UserID    string
	CreatedAt time.Time

	producer   *conn
	producerPK string
	encrypted  bool

	viewers map[string]*Viewer

	lastOutput    *historyEntry
	outputHistory *ring[historyEntry]
	encHistory    *ring[encryptedHistoryEntry]

	lock *ControlLock

	// emptySince is non-zero once both producer and viewers are absent;
	// the reaper deletes the session emptySessionGrace after this mark.
	emptySince time.Time
}

func newSession(sessionID, userID string) *Session {
	return &Session{
		SessionID:     sessionID,
		UserID:        userID,
		CreatedAt:     time.Now(),
		viewers:       make(map[string]*Viewer),
		outputHistory: newRing[historyEntry](historyRingSize),
		encHistory:    newRing[encryptedHistoryEntry](historyRingSize),
	}
}

// Summary is the enumerable, non-sensitive view of a Session used by
// /api/sessions and /api/user/sessions (spec §4.1, §6).
type Summary struct {
	SessionID   string `json:"sessionId"`
	Connected   bool   `json:"connected"`
	Encrypted   bool   `json:"encrypted"`
	ViewerCount int    `json:"viewerCount"`
	LastSeq     int64  `json:"lastSeq"`
	Locked      bool   `json:"locked"`
	CreatedAt   int64  `json:"createdAt"`

	// BandwidthHuman is a humanize.Bytes-formatted egress total, filled in by
	// the HTTP handler (which alone holds the BandwidthMeter) rather than by
	// summary() itself — kept empty here so Session stays decoupled from it.
	BandwidthHuman string `json:"bandwidthHuman,omitempty"`
}

func (s *Session) summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lastSeq int64
	if s.lastOutput != nil {
		lastSeq = s.lastOutput.Seq
	}
	return Summary{
		SessionID:   s.SessionID,
		Connected:   s.producer != nil,
		Encrypted:   s.encrypted,
		ViewerCount: len(s.viewers),
		LastSeq:     lastSeq,
		Locked:      s.lock != nil,
		CreatedAt:   s.CreatedAt.UnixMilli(),
	}
}

// DaemonRecord is the relay's record of one multi-session producer daemon
// (spec §3). Destroyed on disconnect, which detaches every bound session.
type DaemonRecord struct {
	DaemonID         string
	UserID           string
	conn             *conn
	ActiveSessionIDs map[string]struct{}
}

// daemonCommands lists the daemon RPC commands the relay forwards
// verbatim (spec §4.1 Daemon RPC).
var daemonCommands = map[string]struct{}{
	"list-sessions":   {},
	"create-session":  {},
	"attach-session":  {},
	"detach-session":  {},
}

func isKnownDaemonCommand(cmd string) bool {
	_, ok := daemonCommands[cmd]
	return ok
}
