package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/termshare/termshare/internal/logger"
	"github.com/termshare/termshare/internal/ws"
)

// Server is the relay's top-level service: the HTTP/WebSocket listener plus
// the session directory every handler shares as a collaborator (spec §9).
type Server struct {
	dir       *Directory
	daemons   *daemonRouter
	bandwidth *BandwidthMeter
	rateLimit *RateLimiter
	mux       *http.ServeMux

	stopReap chan struct{}
	reapOnce sync.Once
}

// NewServer wires the HTTP surface (spec §6.3) and the WebSocket handshake
// endpoint, matching the teacher's ServeMux method-pattern routing style in
// internal/relay/server.go.
func NewServer() *Server {
	s := &Server{
		dir:       NewDirectory(),
		daemons:   newDaemonRouter(),
		bandwidth: NewBandwidthMeter(1<<20, 1<<18), // 1 MiB/s sustained, 256 KiB burst
		rateLimit: NewRateLimiter(20, 40),
		mux:       http.NewServeMux(),
		stopReap:  make(chan struct{}),
	}

	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /api/sessions/{sessionId}", s.handleGetSession)
	s.mux.HandleFunc("POST /api/user/sessions", s.handleUserSessions)
	s.mux.HandleFunc("POST /api/daemon/command", s.handleDaemonCommand)
	s.mux.HandleFunc("GET /ws/relay", s.handleWS)

	go s.dir.reapLoop(s.stopReap, s.bandwidth.forget)
	return s
}

// ServeHTTP implements http.Handler, wrapping every request with a
// recovered panic and the per-IP rate limiter (spec §7: "never crash the
// relay"; adapted from the teacher's recoveryUnary/recoveryStream gRPC
// interceptors to the HTTP/WebSocket surface used here).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("relay: recovered panic", "where", "http", "panic", rec)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}()
	if !s.rateLimit.Allow(clientIP(r)) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	s.mux.ServeHTTP(w, r)
}

// Shutdown broadcasts a restart notice to every open connection before the
// caller stops the listener (spec §4.1 ambient addition: graceful
// shutdown), then stops the reap loop.
func (s *Server) Shutdown(ctx context.Context) {
	s.reapOnce.Do(func() { close(s.stopReap) })
	for _, summary := range s.dir.allSessions() {
		if session := s.dir.get(summary.SessionID); session != nil {
			for _, v := range session.viewersSnapshot() {
				v.conn.Send(ws.RelayRestart{Type: ws.TypeRelayRestart})
			}
			if p := session.producerConn(); p != nil {
				p.Send(ws.RelayRestart{Type: ws.TypeRelayRestart})
			}
		}
	}
	// Give the writer goroutines a moment to flush the restart notice
	// before the caller tears down the listener.
	select {
	case <-ctx.Done():
	case <-time.After(200 * time.Millisecond):
	}
}
