package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/onnwee/livetrack/internal/session"
	"github.com/onnwee/livetrack/internal/validate"
)

// maxSessionBodyBytes fits MaxTrackedUsers entries with generous labels.
const maxSessionBodyBytes = 64 << 10

// SessionHandlers serves viewer session endpoints.
type SessionHandlers struct {
	repo session.Repository
}

// NewSessionHandlers creates a new SessionHandlers instance.
func NewSessionHandlers(repo session.Repository) *SessionHandlers {
	return &SessionHandlers{repo: repo}
}

// SaveSessionRequest is the body of POST /api/session/{sessionId}.
type SaveSessionRequest struct {
	TrackedUsers []session.TrackedUser `json:"trackedUsers"`
}

// SessionResponse wraps a viewer session.
type SessionResponse struct {
	Session session.Session `json:"session"`
}

// Get handles GET /api/session/{sessionId}. Unknown sessions load as empty.
func (h *SessionHandlers) Get(w http.ResponseWriter, r *http.Request) {
	id, err := validate.SessionID(chi.URLParam(r, "sessionId"))
	if err != nil {
		writeCode(w, r, ErrCodeValidation, "sessionId: "+err.Error())
		return
	}

	s, err := h.repo.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, SessionResponse{Session: s})
}

// Save handles POST /api/session/{sessionId}, replacing the watch list.
func (h *SessionHandlers) Save(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSessionBodyBytes)

	var req SaveSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeCode(w, r, ErrCodeBadRequest, "Invalid JSON in request body")
		return
	}

	saved, err := h.repo.Save(r.Context(), session.Session{
		ID:           chi.URLParam(r, "sessionId"),
		TrackedUsers: req.TrackedUsers,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, SessionResponse{Session: saved})
}
