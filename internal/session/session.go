// Package session stores viewer sessions: the list of tracks a map viewer
// watches, saved under a client-generated session identifier.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/onnwee/livetrack/internal/track"
	"github.com/onnwee/livetrack/internal/validate"
)

// MaxTrackedUsers caps the entries of one session.
const MaxTrackedUsers = 50

// Common errors for session operations.
var (
	ErrInvalidSession = errors.New("invalid session")
	ErrTooManyTracked = errors.New("too many tracked users")
)

// TrackedUser is one watched track in a viewer's list.
type TrackedUser struct {
	TrackID     string    `json:"trackId"`
	Color       string    `json:"color,omitempty"`
	DisplayName string    `json:"displayName,omitempty"`
	AddedAt     time.Time `json:"addedAt"`
}

// Session is a viewer's saved watch list.
type Session struct {
	ID           string        `json:"sessionId"`
	TrackedUsers []TrackedUser `json:"trackedUsers"`
	UpdatedAt    time.Time     `json:"updatedAt,omitempty"`
}

// Normalize validates the session and returns a cleaned copy. Duplicate
// trackIds keep their first entry; labels are trimmed and HTML-escaped.
func Normalize(s Session) (Session, error) {
	id, err := validate.SessionID(s.ID)
	if err != nil {
		return Session{}, fmt.Errorf("%w: sessionId: %v", ErrInvalidSession, err)
	}
	if len(s.TrackedUsers) > MaxTrackedUsers {
		return Session{}, fmt.Errorf("%w: %d entries, maximum is %d", ErrTooManyTracked, len(s.TrackedUsers), MaxTrackedUsers)
	}

	out := Session{ID: id, TrackedUsers: make([]TrackedUser, 0, len(s.TrackedUsers)), UpdatedAt: s.UpdatedAt}
	seen := make(map[string]struct{}, len(s.TrackedUsers))
	for i, u := range s.TrackedUsers {
		u.TrackID = track.NormalizeID(u.TrackID)
		if u.TrackID == "" || len(u.TrackID) > track.MaxIDLength {
			return Session{}, fmt.Errorf("%w: trackedUsers[%d].trackId is invalid", ErrInvalidSession, i)
		}
		if _, dup := seen[u.TrackID]; dup {
			continue
		}
		seen[u.TrackID] = struct{}{}

		if u.Color, err = validate.Color(u.Color); err != nil {
			return Session{}, fmt.Errorf("%w: trackedUsers[%d].color: %v", ErrInvalidSession, i, err)
		}
		if u.DisplayName, err = validate.DisplayName(u.DisplayName); err != nil {
			return Session{}, fmt.Errorf("%w: trackedUsers[%d].displayName: %v", ErrInvalidSession, i, err)
		}
		out.TrackedUsers = append(out.TrackedUsers, u)
	}
	return out, nil
}

// Repository defines the interface for viewer session storage.
type Repository interface {
	// Get returns the session, or an empty session when none was saved.
	Get(ctx context.Context, id string) (Session, error)

	// Save replaces the session's watch list.
	Save(ctx context.Context, s Session) (Session, error)
}

// InMemoryRepository is an in-memory implementation of Repository.
// Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]Session
	now      func() time.Time
}

// NewInMemoryRepository creates a new in-memory session repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		sessions: make(map[string]Session),
		now:      time.Now,
	}
}

// Get returns a copy of the saved session.
func (r *InMemoryRepository) Get(ctx context.Context, id string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return Session{ID: id, TrackedUsers: []TrackedUser{}}, nil
	}
	s.TrackedUsers = append([]TrackedUser(nil), s.TrackedUsers...)
	return s, nil
}

// Save normalizes and stores the session.
func (r *InMemoryRepository) Save(ctx context.Context, s Session) (Session, error) {
	normalized, err := Normalize(s)
	if err != nil {
		return Session{}, err
	}
	normalized.UpdatedAt = r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[normalized.ID] = normalized

	normalized.TrackedUsers = append([]TrackedUser(nil), normalized.TrackedUsers...)
	return normalized, nil
}
