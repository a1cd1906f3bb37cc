package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/chatrelay/chatrelay/internal/protocol"
)

// routes wires the admin API and the WebSocket endpoint. The admin surface
// replaces the management window of earlier deployments: listing connected
// sessions, kicking one, kicking all.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.HandleFunc("POST /kick", s.handleKick)
	mux.HandleFunc("POST /kickall", s.handleKickAll)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"stats":  s.Stats(),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Sessions())
}

type kickRequest struct {
	Addr   string `json:"addr"`
	Reason string `json:"reason"`
}

func (s *Server) handleKick(w http.ResponseWriter, r *http.Request) {
	var req kickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Addr == "" {
		http.Error(w, "body must be JSON with a non-empty addr", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "kicked by the operator"
	}
	if err := s.Evict(req.Addr, req.Reason); err != nil {
		if errors.Is(err, ErrUnknownSession) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"kicked": req.Addr})
}

func (s *Server) handleKickAll(w http.ResponseWriter, r *http.Request) {
	var req kickRequest
	// Body is optional here; an empty or invalid one just means the
	// default reason.
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "server closed by the operator"
	}
	s.EvictAll(req.Reason)
	writeJSON(w, http.StatusOK, map[string]string{"kicked": "all"})
}

// handleWebSocket upgrades the request and feeds the connection through
// the same handshake and session loop as a TCP client. One text frame
// carries one logical line.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handleConn(protocol.NewWebSocketConn(conn))
	}()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// Headers are already out; nothing left to do but note it.
		log.WithError(err).Debug("writing JSON response")
	}
}
