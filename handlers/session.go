package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"coparent/logger"
)

type sessionRequest struct {
	UserID string `json:"user_id"`
}

type sessionResponse struct {
	UserID string         `json:"user_id"`
	Unread map[string]int `json:"unread"`
}

// StartSession signs a user in and initializes their unread counts.
// Signing in as a different user first clears the previous session.
func (h *Handlers) StartSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		http.Error(w, `{"error": "user_id is required"}`, http.StatusBadRequest)
		return
	}

	if current := h.Unread.UserID(); current != "" && current != req.UserID {
		logger.Info("session_switched", "from", current, "to", req.UserID)
		h.Unread.Reset()
	}

	if err := h.Unread.Init(r.Context(), req.UserID); err != nil {
		logger.Error("session_start_failed", "user_id", req.UserID, "error", err)
		http.Error(w, `{"error": "Failed to start session"}`, http.StatusServiceUnavailable)
		return
	}

	json.NewEncoder(w).Encode(sessionResponse{UserID: req.UserID, Unread: h.Unread.Counts()})
}

// EndSession signs the user out and clears their unread counts
func (h *Handlers) EndSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if userID := h.Unread.UserID(); userID != "" {
		logger.Info("session_ended", "user_id", userID)
	}
	h.Unread.Reset()

	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}
