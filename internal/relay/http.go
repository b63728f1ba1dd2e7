package relay

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/termshare/termshare/internal/crypto"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth answers GET /api/health (spec §6.3).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}

// withBandwidth fills in a humanized egress total for a summary — kept out
// of Session.summary() itself since only the Server holds the BandwidthMeter.
func (s *Server) withBandwidth(sum Summary) Summary {
	sum.BandwidthHuman = s.bandwidth.Total(sum.SessionID)
	return sum
}

// handleListSessions answers GET /api/sessions with the full directory
// listing, newest-first (spec §6.3).
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	all := s.dir.allSessions()
	sessions := make([]Summary, len(all))
	for i, sum := range all {
		sessions[i] = s.withBandwidth(sum)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// handleGetSession answers GET /api/sessions/{sessionId} (spec §6.3).
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	session := s.dir.get(sessionID)
	if session == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Session not found"})
		return
	}
	writeJSON(w, http.StatusOK, s.withBandwidth(session.summary()))
}

// handleUserSessions answers POST /api/user/sessions {userSecret} (spec
// §6.3, scenario 6: ownership enumeration).
func (s *Server) handleUserSessions(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserSecret string `json:"userSecret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	userID := crypto.DeriveUserID(body.UserSecret)
	owned := s.dir.sessionsForUser(userID)
	sessions := make([]Summary, len(owned))
	for i, sum := range owned {
		sessions[i] = s.withBandwidth(sum)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":   userID,
		"sessions": sessions,
	})
}

// handleDaemonCommand answers POST /api/daemon/command {command, params?}
// (spec §6.3, §4.1 Daemon RPC, scenario 5).
func (s *Server) handleDaemonCommand(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Command string         `json:"command"`
		Params  map[string]any `json:"params,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if !isKnownDaemonCommand(body.Command) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown command"})
		return
	}
	resp := s.dispatchDaemonCommand(body.Command, body.Params)
	if !resp.Success {
		writeJSON(w, http.StatusOK, map[string]string{"error": resp.Error})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": resp.Data})
}
