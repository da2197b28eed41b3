package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"coparent/logger"
	"coparent/middleware"
	"coparent/models"
)

// GetThreadMessages returns the cached message list for a thread, loading
// it on first access.
func (h *Handlers) GetThreadMessages(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	userID := middleware.UserIDFromContext(r)
	threadID := mux.Vars(r)["threadId"]
	if threadID == "" {
		http.Error(w, `{"error": "Invalid thread ID"}`, http.StatusBadRequest)
		return
	}

	if err := h.Messages.Ensure(r.Context(), threadID); err != nil {
		logger.Warn("thread_load_failed", "thread_id", threadID, "error", err)
		http.Error(w, `{"error": "Failed to get messages"}`, http.StatusServiceUnavailable)
		return
	}

	messages := models.MarkOwn(h.Messages.Messages(threadID), userID)
	json.NewEncoder(w).Encode(messages)
}

// GetUnread returns unread counts for the signed-in user
func (h *Handlers) GetUnread(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.Unread.Counts())
}
