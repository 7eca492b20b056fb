package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"meal-lens-backend/internal/ingest"
	"meal-lens-backend/internal/models"

	"github.com/rs/zerolog/log"
)

// IngestHandler receives photo events from the chat-platform gateway
type IngestHandler struct {
	aggregator *ingest.Aggregator
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(aggregator *ingest.Aggregator) *IngestHandler {
	return &IngestHandler{aggregator: aggregator}
}

// PhotoEvent handles POST /webhook/photo-event. It validates, buffers and
// possibly enqueues, then acknowledges immediately; the chat platform expects
// a fast response and the heavy work runs in the worker pool.
func (h *IngestHandler) PhotoEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var ev models.PhotoEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if ev.UserID == "" {
		respondError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	ev.ReceivedAt = time.Now().UTC()

	if err := h.aggregator.HandleEvent(ctx, ev); err != nil {
		if errors.Is(err, ingest.ErrMalformedEvent) {
			respondError(w, "event has no photo and no completion signal", http.StatusBadRequest)
			return
		}
		log.Error().Err(err).
			Str("user_id", ev.UserID).
			Str("group_key", ev.GroupKey).
			Msg("Failed to handle photo event")
		respondError(w, "failed to handle event", http.StatusInternalServerError)
		return
	}

	respondJSON(w, map[string]string{"status": "accepted"}, http.StatusAccepted)
}
