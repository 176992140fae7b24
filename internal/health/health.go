// Package health provides readiness checks for the relay's backing stores.
package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrSchemaMissing is returned when the database is reachable but the
// path history table has not been created.
var ErrSchemaMissing = errors.New("path history schema missing")

// DBChecker implements health checking for the PostgreSQL path store.
type DBChecker struct {
	db *sql.DB
}

// NewDBChecker creates a new database health checker.
func NewDBChecker(db *sql.DB) *DBChecker {
	return &DBChecker{db: db}
}

// HealthCheck pings the database and verifies the schema was applied.
func (d *DBChecker) HealthCheck(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	var present bool
	if err := d.db.QueryRowContext(ctx,
		`SELECT to_regclass('public.path_points') IS NOT NULL`).Scan(&present); err != nil {
		return fmt.Errorf("schema probe: %w", err)
	}
	if !present {
		return ErrSchemaMissing
	}
	return nil
}

// RedisChecker implements health checking for the Redis track registry.
type RedisChecker struct {
	client *redis.Client
}

// NewRedisChecker creates a new Redis health checker.
func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{client: client}
}

// HealthCheck sends a PING.
func (r *RedisChecker) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
