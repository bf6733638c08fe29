package api

import (
	"encoding/json"
	"net/http"
)

type attachRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	challengeID := r.PathValue("id")

	var req attachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid json: "+err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "user_id is required")
		return
	}

	res, err := s.broker.Attach(r.Context(), req.UserID, challengeID)
	if err != nil {
		s.logger.Error("attach", "user_id", req.UserID, "challenge_id", challengeID, "error", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, res)
}

type detachRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request) {
	challengeID := r.PathValue("id")

	var req detachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid json: "+err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "user_id is required")
		return
	}

	res, err := s.broker.Detach(r.Context(), req.UserID, challengeID)
	if err != nil {
		s.logger.Error("detach", "user_id", req.UserID, "challenge_id", challengeID, "error", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	challengeID := r.PathValue("id")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "user_id is required")
		return
	}

	res, err := s.broker.Status(r.Context(), userID, challengeID)
	if err != nil {
		s.logger.Error("status", "user_id", userID, "challenge_id", challengeID, "error", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	active, err := s.broker.ListActive(r.Context())
	if err != nil {
		s.logger.Error("list instances", "error", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"instances": active,
		"simulated": s.broker.Simulated(),
	})
}

func (s *Server) handleForceStop(w http.ResponseWriter, r *http.Request) {
	challengeID := r.PathValue("id")

	if err := s.broker.ForceStop(r.Context(), challengeID); err != nil {
		s.logger.Error("force stop", "challenge_id", challengeID, "error", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"stopped": true})
}

// handleOpsStatus gives operators a quick view of how many environments and
// tenants are live and whether the backend is degraded.
func (s *Server) handleOpsStatus(w http.ResponseWriter, r *http.Request) {
	active, err := s.broker.ListActive(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	sessions := 0
	for _, a := range active {
		sessions += a.Sessions
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"instances": len(active),
		"sessions":  sessions,
		"simulated": s.broker.Simulated(),
	})
}
