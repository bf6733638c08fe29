package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"cyberlab/internal/config"
)

type Server struct {
	cfg    *config.Config
	broker BrokerService
	logger *slog.Logger
	mux    *http.ServeMux
}

func NewServer(cfg *config.Config, b BrokerService, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		broker: b,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.authMiddleware(s.requestIDMiddleware(s.mux))
}

func (s *Server) routes() {
	// Challenge environment routes (with auth)
	s.mux.HandleFunc("POST /v1/challenges/{id}/attach", s.handleAttach)
	s.mux.HandleFunc("POST /v1/challenges/{id}/detach", s.handleDetach)
	s.mux.HandleFunc("GET /v1/challenges/{id}/status", s.handleStatus)

	// Admin routes (with auth)
	s.mux.HandleFunc("GET /v1/admin/instances", s.handleListInstances)
	s.mux.HandleFunc("POST /v1/admin/challenges/{id}/stop", s.handleForceStop)

	// Ops summary (no auth)
	s.mux.HandleFunc("GET /api/status", s.handleOpsStatus)

	// Health check (no auth)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
