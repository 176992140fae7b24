package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/onnwee/livetrack/internal/track"
	"github.com/onnwee/livetrack/internal/tracing"
)

// PostgresRepository stores sessions in the viewer_sessions table, one JSONB
// document per session.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Get returns the saved session, or an empty one.
func (r *PostgresRepository) Get(ctx context.Context, id string) (s Session, err error) {
	ctx, endSpan := tracing.StartStoreSpan(ctx, tracing.StorePostgres, "viewer_sessions", tracing.StoreOpRead)
	defer func() { endSpan(err) }()

	var raw []byte
	query := `SELECT tracked_users, updated_at FROM viewer_sessions WHERE session_id = $1`
	err = r.db.QueryRowContext(ctx, query, id).Scan(&raw, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{ID: id, TrackedUsers: []TrackedUser{}}, nil
	}
	if err != nil {
		return Session{}, fmt.Errorf("%w: failed to get session: %v", track.ErrStorageUnavailable, err)
	}

	s.ID = id
	if err = json.Unmarshal(raw, &s.TrackedUsers); err != nil {
		return Session{}, fmt.Errorf("failed to decode tracked users: %w", err)
	}
	if s.TrackedUsers == nil {
		s.TrackedUsers = []TrackedUser{}
	}
	return s, nil
}

// Save upserts the session.
func (r *PostgresRepository) Save(ctx context.Context, in Session) (s Session, err error) {
	s, err = Normalize(in)
	if err != nil {
		return Session{}, err
	}

	ctx, endSpan := tracing.StartStoreSpan(ctx, tracing.StorePostgres, "viewer_sessions", tracing.StoreOpWrite)
	defer func() { endSpan(err) }()

	raw, err := json.Marshal(s.TrackedUsers)
	if err != nil {
		return Session{}, fmt.Errorf("failed to encode tracked users: %w", err)
	}

	query := `
		INSERT INTO viewer_sessions (session_id, tracked_users, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (session_id)
		DO UPDATE SET tracked_users = EXCLUDED.tracked_users, updated_at = NOW()
		RETURNING updated_at
	`
	if err = r.db.QueryRowContext(ctx, query, s.ID, raw).Scan(&s.UpdatedAt); err != nil {
		return Session{}, fmt.Errorf("%w: failed to save session: %v", track.ErrStorageUnavailable, err)
	}
	return s, nil
}
