package relay

import (
	"sort"
	"sync"
	"time"

	"github.com/termshare/termshare/internal/logger"
)

// Directory is the explicit session-directory broker every handler receives
// as a collaborator (spec §9: "ambient global state becomes an explicit
// broker object"). It owns the coarse lock for cross-session operations —
// enumeration and daemon dispatch — while each Session guards its own
// finer-grained state (spec §5).
type Directory struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	daemons  map[string]*DaemonRecord
}

// NewDirectory creates an empty session directory.
func NewDirectory() *Directory {
	return &Directory{
		sessions: make(map[string]*Session),
		daemons:  make(map[string]*DaemonRecord),
	}
}

// getOrCreate returns the named session, creating it (with the given owning
// userID, which may be empty) if this is the first producer/viewer to touch
// it (spec §4.1 Session creation).
func (d *Directory) getOrCreate(sessionID, userID string) (*Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.sessions[sessionID]; ok {
		return s, false
	}
	s := newSession(sessionID, userID)
	d.sessions[sessionID] = s
	logger.Info("relay: session created", "sessionId", sessionID)
	return s, true
}

// get returns the named session, or nil if it does not exist.
func (d *Directory) get(sessionID string) *Session {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sessions[sessionID]
}

// markEmptyOrAlive marks a session as vacated (starting its reap clock) or
// cancels a pending reap if it's no longer empty. Called after every
// producer/viewer departure and arrival.
func (d *Directory) markEmptyOrAlive(s *Session) {
	s.mu.Lock()
	empty := s.producer == nil && len(s.viewers) == 0
	if empty {
		if s.emptySince.IsZero() {
			s.emptySince = time.Now()
		}
	} else {
		s.emptySince = time.Time{}
	}
	s.mu.Unlock()
}

// reapLoop periodically deletes sessions that have been empty for at least
// emptySessionGrace (spec §4.1 Empty session reaping). Runs until stop is
// closed; callers launch it as a goroutine from the server's lifecycle.
func (d *Directory) reapLoop(stop <-chan struct{}, onReap func(sessionID string)) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.reapOnce(time.Now(), onReap)
		}
	}
}

func (d *Directory) reapOnce(now time.Time, onReap func(sessionID string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, s := range d.sessions {
		s.mu.Lock()
		empty := s.producer == nil && len(s.viewers) == 0
		since := s.emptySince
		s.mu.Unlock()
		if empty && !since.IsZero() && now.Sub(since) >= emptySessionGrace {
			delete(d.sessions, id)
			logger.Info("relay: session reaped", "sessionId", id)
			if onReap != nil {
				onReap(id)
			}
		}
	}
}

// sessionsForUser returns every session owned by userID, newest-first
// (spec §4.1 Session enumeration).
func (d *Directory) sessionsForUser(userID string) []Summary {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*Session
	for _, s := range d.sessions {
		if s.UserID == userID && userID != "" {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	summaries := make([]Summary, len(out))
	for i, s := range out {
		summaries[i] = s.summary()
	}
	return summaries
}

// allSessions returns a directory-wide listing, newest-first.
func (d *Directory) allSessions() []Summary {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	summaries := make([]Summary, len(out))
	for i, s := range out {
		summaries[i] = s.summary()
	}
	return summaries
}

// addDaemon registers a new daemon connection.
func (d *Directory) addDaemon(rec *DaemonRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.daemons[rec.DaemonID] = rec
}

// removeDaemon destroys a daemon record and detaches every session it owned
// (spec §3 DaemonRecord: "disconnect detaches every session bound to it").
func (d *Directory) removeDaemon(daemonID string) {
	d.mu.Lock()
	rec, ok := d.daemons[daemonID]
	if ok {
		delete(d.daemons, daemonID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	for sessionID := range rec.ActiveSessionIDs {
		if s := d.get(sessionID); s != nil {
			s.removeProducer()
			d.markEmptyOrAlive(s)
		}
	}
}

// firstDaemon returns an arbitrary connected daemon, or nil if none is
// connected (spec §4.1 Daemon RPC: "the relay picks the first available
// daemon").
func (d *Directory) firstDaemon() *DaemonRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, rec := range d.daemons {
		return rec
	}
	return nil
}
