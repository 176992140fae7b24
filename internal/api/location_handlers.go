package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/onnwee/livetrack/internal/relay"
	"github.com/onnwee/livetrack/internal/track"
)

const (
	// maxReportBodyBytes bounds a location submission body.
	maxReportBodyBytes = 16 << 10

	// DefaultPathHours is the window used when ?hours is absent.
	DefaultPathHours = 24
)

// TrackService is the part of the relay the HTTP handlers use.
type TrackService interface {
	Generate(ctx context.Context) (string, error)
	Submit(ctx context.Context, req relay.SubmitRequest) (track.LocationReport, error)
	Deactivate(ctx context.Context, trackID string) (track.LocationReport, error)
	Current(ctx context.Context, trackID string) (relay.Snapshot, error)
	Path(ctx context.Context, trackID string, hours int) ([]track.PathPoint, error)
	SubscriberCount(trackID string) int
}

// LocationHandlers holds dependencies for location HTTP handlers.
type LocationHandlers struct {
	relay TrackService
}

// NewLocationHandlers creates a new LocationHandlers instance.
func NewLocationHandlers(relay TrackService) *LocationHandlers {
	return &LocationHandlers{relay: relay}
}

// AcceptedResponse is returned for an accepted submission.
type AcceptedResponse struct {
	Status   string               `json:"status"`
	Location track.LocationReport `json:"location"`
}

// PathResponse is the recorded path of one track.
type PathResponse struct {
	TrackID string            `json:"trackId"`
	Hours   int               `json:"hours"`
	Points  []track.PathPoint `json:"points"`
}

// Submit handles POST /api/location and POST /api/location/update.
func (h *LocationHandlers) Submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxReportBodyBytes)

	var req relay.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeCode(w, r, ErrCodeBadRequest, "Request body too large")
			return
		}
		writeCode(w, r, ErrCodeBadRequest, "Invalid JSON in request body")
		return
	}

	report, err := h.relay.Submit(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusAccepted, AcceptedResponse{Status: "accepted", Location: report})
}

// Deactivate handles POST /api/location/deactivate/{trackId}.
// The track's marker stays at its last position, flagged inactive.
func (h *LocationHandlers) Deactivate(w http.ResponseWriter, r *http.Request) {
	report, err := h.relay.Deactivate(r.Context(), chi.URLParam(r, "trackId"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, AcceptedResponse{Status: "inactive", Location: report})
}

// Current handles GET /api/location/{trackId}.
func (h *LocationHandlers) Current(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.relay.Current(r.Context(), chi.URLParam(r, "trackId"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, snapshot)
}

// Path handles GET /api/path/{trackId}?hours=N.
func (h *LocationHandlers) Path(w http.ResponseWriter, r *http.Request) {
	hours := DefaultPathHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeCode(w, r, ErrCodeValidation, "hours must be a positive integer")
			return
		}
		hours = n
	}

	trackID := track.NormalizeID(chi.URLParam(r, "trackId"))
	points, err := h.relay.Path(r.Context(), trackID, hours)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, PathResponse{TrackID: trackID, Hours: hours, Points: points})
}
