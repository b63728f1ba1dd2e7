package relay

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/termshare/termshare/internal/crypto"
	"github.com/termshare/termshare/internal/logger"
	"github.com/termshare/termshare/internal/ws"
)

// handleWS is the single connection-handshake entry point for producer,
// daemon, and viewer roles alike (spec §4.1 Connection handshake). Each
// connection declares its role and context via query parameters.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	defer recoverConnectionPanic("handleWS")

	q := r.URL.Query()
	roleParam := q.Get("role")
	sessionID := q.Get("sessionId")
	publicKey := q.Get("publicKey")
	nickname := q.Get("nickname")
	userSecret := q.Get("userSecret")

	var userID string
	if userSecret != "" {
		userID = crypto.DeriveUserID(userSecret)
	}

	if roleParam != "daemon" && sessionID == "" {
		http.Error(w, "sessionId required", http.StatusBadRequest)
		return
	}

	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logger.Warn("relay: accept failed", "err", err)
		return
	}

	switch roleParam {
	case "producer":
		s.serveProducer(wsConn, sessionID, userID, publicKey)
	case "daemon":
		s.serveDaemon(wsConn, userID)
	case "viewer":
		s.serveViewer(wsConn, sessionID, userID, publicKey, nickname)
	default:
		wsConn.Close(websocket.StatusPolicyViolation, "unknown role")
	}
}

func recoverConnectionPanic(where string) {
	if r := recover(); r != nil {
		logger.Error("relay: recovered panic", "where", where, "panic", r)
	}
}

// --- producer ---

func (s *Server) serveProducer(wsConn *websocket.Conn, sessionID, userID, publicKey string) {
	session, _ := s.dir.getOrCreate(sessionID, userID)
	c := newConn(sessionID+":producer", roleProducer, wsConn).withMeter(s.bandwidth, sessionID)
	session.bindProducer(c, publicKey)

	ctx := context.Background()
	c.readLoop(ctx, func(raw json.RawMessage) {
		defer recoverConnectionPanic("producer message")
		s.dispatchProducerMessage(session, c, raw)
	})

	session.removeProducer()
	s.dir.markEmptyOrAlive(session)
	c.Close()
}

func (s *Server) dispatchProducerMessage(session *Session, c *conn, raw json.RawMessage) {
	var env ws.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		logger.Warn("relay: malformed producer message", "err", err)
		return
	}
	switch env.Type {
	case ws.TypeOutput:
		var m ws.Output
		if err := json.Unmarshal(raw, &m); err != nil {
			return
		}
		session.routeOutput(c, m.Seq, m.Content, m.Timestamp)
	case ws.TypeEncryptedOutput:
		var m ws.EncryptedOutput
		if err := json.Unmarshal(raw, &m); err != nil {
			return
		}
		session.routeEncryptedOutput(m.ViewerID, m.Encrypted, m.Seq, m.Timestamp)
	case ws.TypeOutputHistory:
		var m ws.OutputHistory
		if err := json.Unmarshal(raw, &m); err != nil {
			return
		}
		session.appendEncryptedHistory(m.Encrypted, m.Seq, m.Timestamp)
	case ws.TypePTYMigrated:
		var m ws.PTYMigrated
		if err := json.Unmarshal(raw, &m); err != nil {
			return
		}
		session.routeToViewer(m.ViewerID, m)
	case ws.TypePTYFallback:
		var m ws.PTYFallback
		if err := json.Unmarshal(raw, &m); err != nil {
			return
		}
		session.routeToViewer(m.ViewerID, m)
	default:
		logger.Warn("relay: unexpected message from producer", "type", env.Type)
	}
}

// --- viewer ---

func (s *Server) serveViewer(wsConn *websocket.Conn, sessionID, userID, publicKey, nickname string) {
	session, _ := s.dir.getOrCreate(sessionID, userID)
	viewerID := uuid.NewString()
	c := newConn(viewerID, roleViewer, wsConn).withMeter(s.bandwidth, sessionID)
	v := &Viewer{ViewerID: viewerID, PublicKey: publicKey, Nickname: nickname, conn: c}
	session.bindViewer(v)

	ctx := context.Background()
	c.readLoop(ctx, func(raw json.RawMessage) {
		defer recoverConnectionPanic("viewer message")
		s.dispatchViewerMessage(session, c, viewerID, nickname, raw)
	})

	session.removeViewer(viewerID)
	s.dir.markEmptyOrAlive(session)
	c.Close()
}

func (s *Server) dispatchViewerMessage(session *Session, c *conn, viewerID, nickname string, raw json.RawMessage) {
	var env ws.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		logger.Warn("relay: malformed viewer message", "err", err)
		return
	}
	switch env.Type {
	case ws.TypeInput:
		var m ws.Input
		if err := json.Unmarshal(raw, &m); err != nil {
			return
		}
		s.forwardInput(session, c, viewerID, func(producer *conn) {
			producer.Send(ws.Input{Type: ws.TypeInput, Keys: m.Keys, Kind: m.Kind})
		})
	case ws.TypeEncryptedInput:
		var m struct {
			Encrypted ws.Encrypted `json:"encrypted"`
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return
		}
		s.forwardInput(session, c, viewerID, func(producer *conn) {
			producer.Send(ws.EncryptedInput{Type: ws.TypeEncryptedInput, SessionID: session.SessionID, ViewerID: viewerID, Encrypted: m.Encrypted})
		})
	case ws.TypeRequestControl:
		session.requestControl(viewerID, nickname)
	case ws.TypeReleaseControl:
		session.releaseControl(viewerID)
	case ws.TypeGetHistory:
		session.getHistory(c)
	case ws.TypePTYMigrate:
		var m ws.PTYMigrate
		if err := json.Unmarshal(raw, &m); err != nil {
			return
		}
		m.ViewerID = viewerID
		if producer := session.producerConn(); producer != nil {
			producer.Send(m)
		}
	default:
		logger.Warn("relay: unexpected message from viewer", "type", env.Type)
	}
}

// forwardInput applies control-lock arbitration (spec §4.1 Input routing)
// and, if authorized, hands the caller a producer connection to send on.
func (s *Server) forwardInput(session *Session, sender *conn, viewerID string, send func(producer *conn)) {
	switch session.routeInput(viewerID) {
	case inputRejectedNotController:
		sender.Send(ws.InputRejected{Type: ws.TypeInputRejected, Reason: "not-controller"})
	case inputNoProducer:
		sender.Send(ws.ErrorMsg{Type: ws.TypeError, Message: "CLI not connected"})
	case inputForwarded:
		if producer := session.producerConn(); producer != nil {
			send(producer)
		}
	}
}

// --- daemon ---

func (s *Server) serveDaemon(wsConn *websocket.Conn, userID string) {
	daemonID := uuid.NewString()
	c := newConn(daemonID, roleDaemon, wsConn)
	rec := &DaemonRecord{DaemonID: daemonID, UserID: userID, conn: c, ActiveSessionIDs: make(map[string]struct{})}
	s.dir.addDaemon(rec)

	ctx := context.Background()
	c.readLoop(ctx, func(raw json.RawMessage) {
		defer recoverConnectionPanic("daemon message")
		s.dispatchDaemonMessage(rec, c, raw)
	})

	s.dir.removeDaemon(daemonID)
	s.completeOutstandingForDaemon(daemonID)
	c.Close()
}

func (s *Server) dispatchDaemonMessage(rec *DaemonRecord, c *conn, raw json.RawMessage) {
	var env ws.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		logger.Warn("relay: malformed daemon message", "err", err)
		return
	}
	switch env.Type {
	case ws.TypeSessionAttached:
		var m ws.SessionAttached
		if err := json.Unmarshal(raw, &m); err != nil {
			return
		}
		session, _ := s.dir.getOrCreate(m.SessionID, rec.UserID)
		session.bindProducer(c, m.PublicKey)
		rec.ActiveSessionIDs[m.SessionID] = struct{}{}
	case ws.TypeSessionDetached:
		var m ws.SessionDetached
		if err := json.Unmarshal(raw, &m); err != nil {
			return
		}
		if session := s.dir.get(m.SessionID); session != nil {
			session.removeProducer()
			s.dir.markEmptyOrAlive(session)
		}
		delete(rec.ActiveSessionIDs, m.SessionID)
	case ws.TypeActiveSessions:
		var m ws.ActiveSessions
		if err := json.Unmarshal(raw, &m); err != nil {
			return
		}
		for _, summary := range m.Sessions {
			session, _ := s.dir.getOrCreate(summary.SessionID, rec.UserID)
			session.bindProducer(c, summary.PublicKey)
			rec.ActiveSessionIDs[summary.SessionID] = struct{}{}
		}
	case ws.TypeOutput, ws.TypeEncryptedOutput, ws.TypeOutputHistory:
		// Daemon-attached sessions route output the same way a single
		// producer does; dispatch by sessionId carried on the message.
		s.dispatchDaemonSessionTraffic(rec, env.Type, raw)
	case ws.TypePTYMigrated:
		var m ws.PTYMigrated
		if err := json.Unmarshal(raw, &m); err != nil {
			return
		}
		if session := s.dir.get(m.SessionID); session != nil {
			session.routeToViewer(m.ViewerID, m)
		}
	case ws.TypePTYFallback:
		var m ws.PTYFallback
		if err := json.Unmarshal(raw, &m); err != nil {
			return
		}
		if session := s.dir.get(m.SessionID); session != nil {
			session.routeToViewer(m.ViewerID, m)
		}
	case ws.TypeCLIResponse:
		var m ws.CLIResponse
		if err := json.Unmarshal(raw, &m); err != nil {
			return
		}
		s.resolveDaemonResponse(m)
	default:
		logger.Warn("relay: unexpected message from daemon", "type", env.Type)
	}
}

func (s *Server) dispatchDaemonSessionTraffic(rec *DaemonRecord, msgType string, raw json.RawMessage) {
	var withSession struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &withSession); err != nil || withSession.SessionID == "" {
		return
	}
	session := s.dir.get(withSession.SessionID)
	if session == nil {
		return
	}
	switch msgType {
	case ws.TypeOutput:
		var m ws.Output
		_ = json.Unmarshal(raw, &m)
		session.routeOutput(rec.conn, m.Seq, m.Content, m.Timestamp)
	case ws.TypeEncryptedOutput:
		var m ws.EncryptedOutput
		_ = json.Unmarshal(raw, &m)
		session.routeEncryptedOutput(m.ViewerID, m.Encrypted, m.Seq, m.Timestamp)
	case ws.TypeOutputHistory:
		var m ws.OutputHistory
		_ = json.Unmarshal(raw, &m)
		session.appendEncryptedHistory(m.Encrypted, m.Seq, m.Timestamp)
	}
}
