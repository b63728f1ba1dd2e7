package relay

import (
	"time"

	"github.com/termshare/termshare/internal/logger"
	"github.com/termshare/termshare/internal/ws"
)

// bindProducer replaces any current producer binding (spec §3 invariant: "at
// most one producer connection per session at any instant; replacement
// closes the prior binding") and marks encryption from public-key presence.
func (s *Session) bindProducer(c *conn, publicKey string) {
	s.mu.Lock()
	prior := s.producer
	s.producer = c
	s.producerPK = publicKey
	s.encrypted = publicKey != ""
	s.emptySince = time.Time{}
	encrypted := s.encrypted
	viewers := viewerList(s.viewers)
	s.mu.Unlock()

	if prior != nil && prior != c {
		prior.Close()
	}

	status := ws.CLIStatus{Type: ws.TypeCLIStatus, Connected: true, PublicKey: publicKey, Encrypted: encrypted}
	for _, v := range viewers {
		v.conn.Send(status)
	}
	logger.Info("relay: producer bound", "sessionId", s.SessionID, "encrypted", encrypted)
}

// removeProducer clears the producer binding without touching the control
// lock (spec §4.1 Producer termination).
func (s *Session) removeProducer() {
	s.mu.Lock()
	s.producer = nil
	s.producerPK = ""
	viewers := viewerList(s.viewers)
	s.mu.Unlock()

	status := ws.CLIStatus{Type: ws.TypeCLIStatus, Connected: false}
	for _, v := range viewers {
		v.conn.Send(status)
	}
}

// bindViewer records a new viewer, replies with the current producer state,
// and — if encrypted and a producer is bound — tells the producer to derive
// a shared secret for it. Unencrypted sessions with a known lastOutput push
// it directly (spec §4.1 Viewer binding).
func (s *Session) bindViewer(v *Viewer) {
	s.mu.Lock()
	s.viewers[v.ViewerID] = v
	s.emptySince = time.Time{}

	producer := s.producer
	producerPK := s.producerPK
	encrypted := s.encrypted
	var last *historyEntry
	if s.lastOutput != nil {
		cp := *s.lastOutput
		last = &cp
	}
	s.mu.Unlock()

	v.conn.Send(ws.CLIStatus{
		Type:      ws.TypeCLIStatus,
		Connected: producer != nil,
		PublicKey: producerPK,
		Encrypted: encrypted,
	})

	if producer == nil {
		return
	}
	if encrypted {
		producer.Send(ws.ViewerJoined{Type: ws.TypeViewerJoined, SessionID: s.SessionID, ViewerID: v.ViewerID, PublicKey: v.PublicKey})
		return
	}
	if last != nil {
		v.conn.Send(ws.Output{Type: ws.TypeOutput, Seq: last.Seq, Content: last.Content, Timestamp: last.Timestamp})
	}
}

// removeViewer drops a viewer, releasing the control lock if it held one,
// and notifies the bound producer (spec §4.1 Viewer termination).
func (s *Session) removeViewer(viewerID string) {
	s.mu.Lock()
	delete(s.viewers, viewerID)
	var lockCleared bool
	if s.lock != nil && s.lock.HolderID == viewerID {
		s.lock = nil
		lockCleared = true
	}
	producer := s.producer
	viewers := viewerList(s.viewers)
	s.mu.Unlock()

	if lockCleared {
		broadcastControlStatus(viewers, nil)
	}
	if producer != nil {
		producer.Send(ws.ViewerLeft{Type: ws.TypeViewerLeft, SessionID: s.SessionID, ViewerID: viewerID})
	}
}

// routeToViewer sends msg to one named viewer, if still connected — used
// for the P2P migration handshake's producer-to-viewer leg (SPEC_FULL §9).
func (s *Session) routeToViewer(viewerID string, msg any) {
	s.mu.Lock()
	v, ok := s.viewers[viewerID]
	s.mu.Unlock()
	if ok {
		v.conn.Send(msg)
	}
}

// routeOutput stores and fans out a plaintext frame (spec §4.1 Output
// routing, unencrypted path).
func (s *Session) routeOutput(sender *conn, seq int64, content string, timestamp int64) {
	s.mu.Lock()
	entry := historyEntry{Seq: seq, Content: content, Timestamp: timestamp}
	s.lastOutput = &entry
	s.outputHistory.push(entry)
	viewers := viewerList(s.viewers)
	s.mu.Unlock()

	msg := ws.Output{Type: ws.TypeOutput, Seq: seq, Content: content, Timestamp: timestamp}
	for _, v := range viewers {
		if v.conn == sender {
			continue
		}
		v.conn.Send(msg)
	}
}

// routeEncryptedOutput delivers one viewer-addressed encrypted frame. The
// relay never decrypts it (spec §4.1 Output routing, encrypted path).
func (s *Session) routeEncryptedOutput(viewerID string, enc ws.Encrypted, seq int64, timestamp int64) {
	s.mu.Lock()
	v, ok := s.viewers[viewerID]
	s.mu.Unlock()
	if !ok {
		return
	}
	v.conn.Send(ws.EncryptedOutput{
		Type:      ws.TypeEncryptedOutput,
		ViewerID:  viewerID,
		Encrypted: enc,
		Seq:       seq,
		Timestamp: timestamp,
	})
}

// appendEncryptedHistory stores a best-effort encrypted history frame (spec
// §4.1 Output routing, encrypted path: "output-history ... appended to
// encryptedHistory"). See DESIGN.md for the known-weakness note carried
// from spec §9.
func (s *Session) appendEncryptedHistory(enc ws.Encrypted, seq int64, timestamp int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encHistory.push(encryptedHistoryEntry{Nonce: enc.Nonce, Ciphertext: enc.Ciphertext, Seq: seq, Timestamp: timestamp})
}

// getHistory answers a get-history request with the plaintext or encrypted
// ring as appropriate, in a single batched message (spec §4.1 History
// retrieval).
func (s *Session) getHistory(requester *conn) {
	s.mu.Lock()
	encrypted := s.encrypted
	plain := s.outputHistory.snapshot()
	enc := s.encHistory.snapshot()
	s.mu.Unlock()

	if encrypted {
		entries := make([]ws.EncryptedHistoryEntry, len(enc))
		for i, e := range enc {
			entries[i] = ws.EncryptedHistoryEntry{
				Encrypted: ws.Encrypted{Nonce: e.Nonce, Ciphertext: e.Ciphertext},
				Seq:       e.Seq,
				Timestamp: e.Timestamp,
			}
		}
		requester.Send(ws.EncryptedHistory{Type: ws.TypeEncryptedHistory, Entries: entries})
		return
	}

	events := make([]ws.Output, len(plain))
	for i, e := range plain {
		events[i] = ws.Output{Type: ws.TypeOutput, Seq: e.Seq, Content: e.Content, Timestamp: e.Timestamp}
	}
	requester.Send(ws.History{Type: ws.TypeHistory, Events: events})
}

// routeInputResult is what the caller should do after routeInput decides.
type routeInputResult int

const (
	inputForwarded routeInputResult = iota
	inputRejectedNotController
	inputNoProducer
)

// routeInput applies control-lock arbitration and forwards authorized input
// to the bound producer (spec §4.1 Input routing & control lock).
func (s *Session) routeInput(senderID string) routeInputResult {
	now := time.Now()
	s.mu.Lock()
	var expiredBroadcast []*Viewer
	if s.lock != nil && s.lock.HolderID != senderID {
		if !s.lock.expired(now) {
			s.mu.Unlock()
			return inputRejectedNotController
		}
		s.lock = nil
		expiredBroadcast = viewerList(s.viewers)
	}
	if s.lock != nil && s.lock.HolderID == senderID {
		s.lock.LastInputAt = now
	}
	hasProducer := s.producer != nil
	s.mu.Unlock()

	if expiredBroadcast != nil {
		broadcastControlStatus(expiredBroadcast, nil)
	}
	if !hasProducer {
		return inputNoProducer
	}
	return inputForwarded
}

// viewersSnapshot returns the current viewer set for broadcast purposes.
func (s *Session) viewersSnapshot() []*Viewer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return viewerList(s.viewers)
}

// requestControl grants or denies a control-lock request (spec §4.1
// request-control).
func (s *Session) requestControl(viewerID, nickname string) {
	now := time.Now()
	s.mu.Lock()
	grant := s.lock == nil || s.lock.expired(now) || s.lock.HolderID == viewerID
	var denyHolder, denyNick string
	if !grant {
		denyHolder, denyNick = s.lock.HolderID, s.lock.HolderNickname
	} else {
		s.lock = &ControlLock{HolderID: viewerID, HolderNickname: nickname, AcquiredAt: now, LastInputAt: now}
	}
	viewers := viewerList(s.viewers)
	lock := s.lock
	s.mu.Unlock()

	if !grant {
		if v := findViewer(viewers, viewerID); v != nil {
			v.conn.Send(ws.ControlDenied{Type: ws.TypeControlDenied, Reason: "locked", HolderID: denyHolder, HolderNickname: denyNick})
		}
		return
	}
	broadcastControlStatus(viewers, lock)
}

// releaseControl releases the lock if the caller is the current holder
// (spec §4.1 release-control).
func (s *Session) releaseControl(viewerID string) {
	s.mu.Lock()
	if s.lock == nil || s.lock.HolderID != viewerID {
		s.mu.Unlock()
		return
	}
	s.lock = nil
	viewers := viewerList(s.viewers)
	s.mu.Unlock()
	broadcastControlStatus(viewers, nil)
}

func broadcastControlStatus(viewers []*Viewer, lock *ControlLock) {
	status := ws.ControlStatus{Type: ws.TypeControlStatus}
	if lock != nil {
		status.Locked = true
		status.HolderID = lock.HolderID
		status.HolderNickname = lock.HolderNickname
		status.AcquiredAt = lock.AcquiredAt.UnixMilli()
	}
	for _, v := range viewers {
		v.conn.Send(status)
	}
}

func viewerList(m map[string]*Viewer) []*Viewer {
	out := make([]*Viewer, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

func findViewer(viewers []*Viewer, id string) *Viewer {
	for _, v := range viewers {
		if v.ViewerID == id {
			return v
		}
	}
	return nil
}

// producerConn returns the currently bound producer connection, or nil.
func (s *Session) producerConn() *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.producer
}
