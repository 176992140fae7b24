package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/onnwee/livetrack/internal/track"
	"github.com/onnwee/livetrack/internal/tracing"
)

// PostgresStore implements Store using the path_points table.
type PostgresStore struct {
	db   *sql.DB
	opts Options
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *sql.DB, opts Options) *PostgresStore {
	return &PostgresStore{db: db, opts: opts.withDefaults()}
}

// Append inserts one path point.
func (s *PostgresStore) Append(ctx context.Context, trackID string, point track.PathPoint) (err error) {
	ctx, endSpan := tracing.StartStoreSpan(ctx, tracing.StorePostgres, "path_points", tracing.StoreOpWrite)
	defer func() { endSpan(err) }()

	query := `
		INSERT INTO path_points (track_id, lat, lng, recorded_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err = s.db.ExecContext(ctx, query, trackID, point.Lat, point.Lng, point.Timestamp.UTC()); err != nil {
		return fmt.Errorf("%w: failed to append path point: %v", track.ErrStorageUnavailable, err)
	}
	return nil
}

// Read returns the points recorded within window, oldest first, capped at MaxPoints.
func (s *PostgresStore) Read(ctx context.Context, trackID string, window time.Duration) (points []track.PathPoint, err error) {
	ctx, endSpan := tracing.StartStoreSpan(ctx, tracing.StorePostgres, "path_points", tracing.StoreOpRead)
	defer func() { endSpan(err) }()

	since := s.opts.Now().Add(-clampWindow(window, s.opts.Horizon)).UTC()

	// Newest MaxPoints inside the window, re-sorted ascending.
	query := `
		SELECT lat, lng, recorded_at FROM (
			SELECT id, lat, lng, recorded_at
			FROM path_points
			WHERE track_id = $1 AND recorded_at >= $2
			ORDER BY recorded_at DESC, id DESC
			LIMIT $3
		) recent
		ORDER BY recorded_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, trackID, since, s.opts.MaxPoints)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read path: %v", track.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	points = make([]track.PathPoint, 0)
	for rows.Next() {
		var p track.PathPoint
		if err = rows.Scan(&p.Lat, &p.Lng, &p.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan path point: %w", err)
		}
		points = append(points, p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating path points: %v", track.ErrStorageUnavailable, err)
	}
	return points, nil
}

// Prune deletes every point recorded before the cutoff.
func (s *PostgresStore) Prune(ctx context.Context, before time.Time) (deleted int64, err error) {
	ctx, endSpan := tracing.StartStoreSpan(ctx, tracing.StorePostgres, "path_points", tracing.StoreOpDelete)
	defer func() { endSpan(err) }()

	result, err := s.db.ExecContext(ctx, `DELETE FROM path_points WHERE recorded_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: failed to prune path points: %v", track.ErrStorageUnavailable, err)
	}

	deleted, err = result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return deleted, nil
}
