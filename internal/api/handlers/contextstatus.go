package handlers

import (
	"dify-gateway/internal/app"
	"dify-gateway/internal/logger"
	"encoding/json"
	"net/http"
)

// ContextHandlers serves conversation-context advisories
type ContextHandlers struct {
	config *app.Config
}

// NewContextHandlers creates a new ContextHandlers
func NewContextHandlers(config *app.Config) *ContextHandlers {
	return &ContextHandlers{config: config}
}

// ContextStatusHandler reports how much stored context a conversation has
// accumulated and how close it is to the provider's ceiling.
func (h *ContextHandlers) ContextStatusHandler(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("conversationId")
	if convID == "" {
		sendError(w, http.StatusBadRequest, "conversationId is required", nil)
		return
	}

	status, err := h.config.History.ContextStatus(convID)
	if err != nil {
		logger.Log.WithError(err).Error("Error computing context status")
		sendError(w, http.StatusInternalServerError, "Error computing context status", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}
