package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/onnwee/livetrack/internal/track"
)

// TrackHandlers serves track identifier endpoints.
type TrackHandlers struct {
	relay TrackService
}

// NewTrackHandlers creates a new TrackHandlers instance.
func NewTrackHandlers(relay TrackService) *TrackHandlers {
	return &TrackHandlers{relay: relay}
}

// GenerateResponse carries a freshly issued track identifier.
type GenerateResponse struct {
	TrackID string `json:"trackId"`
}

// SubscribersResponse reports how many viewers watch a track.
type SubscribersResponse struct {
	TrackID         string `json:"trackId"`
	SubscriberCount int    `json:"subscriberCount"`
}

// Generate handles POST /api/track/generate.
func (h *TrackHandlers) Generate(w http.ResponseWriter, r *http.Request) {
	id, err := h.relay.Generate(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, GenerateResponse{TrackID: id})
}

// Subscribers handles GET /api/track/{trackId}/subscribers.
func (h *TrackHandlers) Subscribers(w http.ResponseWriter, r *http.Request) {
	id := track.NormalizeID(chi.URLParam(r, "trackId"))
	if id == "" || len(id) > track.MaxIDLength {
		writeCode(w, r, ErrCodeValidation, "trackId is invalid")
		return
	}
	writeJSON(w, r, http.StatusOK, SubscribersResponse{
		TrackID:         id,
		SubscriberCount: h.relay.SubscriberCount(id),
	})
}
