// Package db provides PostgreSQL connection handling and schema bootstrap for livetrack.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Schema creates the tables owned by the relay. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS path_points (
	id          BIGSERIAL PRIMARY KEY,
	track_id    TEXT             NOT NULL,
	lat         DOUBLE PRECISION NOT NULL,
	lng         DOUBLE PRECISION NOT NULL,
	recorded_at TIMESTAMPTZ      NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_path_points_track_time
	ON path_points (track_id, recorded_at);

CREATE INDEX IF NOT EXISTS idx_path_points_recorded_at
	ON path_points (recorded_at);

CREATE TABLE IF NOT EXISTS viewer_sessions (
	session_id    TEXT        PRIMARY KEY,
	tracked_users JSONB       NOT NULL DEFAULT '[]'::jsonb,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

// DefaultOptions returns pool settings suited to a single relay instance.
func DefaultOptions() Options {
	return Options{
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		PingTimeout:     5 * time.Second,
	}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, databaseURL string, opts Options) (*sql.DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(opts.MaxOpenConns)
	conn.SetMaxIdleConns(opts.MaxIdleConns)
	conn.SetConnMaxLifetime(opts.ConnMaxLifetime)

	pingCtx := ctx
	if opts.PingTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, opts.PingTimeout)
		defer cancel()
	}
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return conn, nil
}

// Migrate applies Schema.
func Migrate(ctx context.Context, conn *sql.DB) error {
	if _, err := conn.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
