package track

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/livetrack/internal/tracing"
)

// DefaultKeyPrefix namespaces registry keys in Redis.
const DefaultKeyPrefix = "livetrack:track:"

// currentKeyFamily names current-location keys in storage spans.
const currentKeyFamily = "track_current"

// RedisRegistry implements Registry on Redis.
// Keys expire after the configured TTL, refreshed on every write, so identifiers
// whose owner stopped reporting are garbage-collected by Redis itself.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisRegistry creates a registry backed by client. ttl <= 0 disables expiry.
func NewRedisRegistry(client *redis.Client, ttl time.Duration) *RedisRegistry {
	return &RedisRegistry{
		client: client,
		prefix: DefaultKeyPrefix,
		ttl:    ttl,
	}
}

func (r *RedisRegistry) issuedKey(id string) string {
	return r.prefix + id
}

func (r *RedisRegistry) currentKey(id string) string {
	return r.prefix + id + ":current"
}

// Generate issues a fresh identifier, reserving it with SETNX.
func (r *RedisRegistry) Generate(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		id, err := NewID()
		if err != nil {
			return "", err
		}

		ok, err := r.client.SetNX(ctx, r.issuedKey(id), time.Now().UTC().Format(time.RFC3339Nano), r.ttl).Result()
		if err != nil {
			return "", fmt.Errorf("%w: failed to reserve track id: %v", ErrStorageUnavailable, err)
		}
		if ok {
			return id, nil
		}
	}
	return "", ErrIDCollision
}

// Issued reports whether the identifier is reserved.
func (r *RedisRegistry) Issued(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, r.issuedKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: failed to check track id: %v", ErrStorageUnavailable, err)
	}
	return n > 0, nil
}

// Current loads the latest report for id.
func (r *RedisRegistry) Current(ctx context.Context, id string) (report LocationReport, err error) {
	ctx, endSpan := tracing.StartStoreSpan(ctx, tracing.StoreRedis, currentKeyFamily, tracing.StoreOpRead)
	defer func() {
		// A miss is not a span error.
		if errors.Is(err, ErrNotFound) {
			endSpan(nil)
			return
		}
		endSpan(err)
	}()

	data, err := r.client.Get(ctx, r.currentKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return LocationReport{}, ErrNotFound
	}
	if err != nil {
		return LocationReport{}, fmt.Errorf("%w: failed to get current location: %v", ErrStorageUnavailable, err)
	}

	if err := json.Unmarshal(data, &report); err != nil {
		return LocationReport{}, fmt.Errorf("failed to decode current location: %w", err)
	}
	return report, nil
}

// SetCurrent stores the report and refreshes the expiry of both keys.
func (r *RedisRegistry) SetCurrent(ctx context.Context, report LocationReport) (err error) {
	ctx, endSpan := tracing.StartStoreSpan(ctx, tracing.StoreRedis, currentKeyFamily, tracing.StoreOpWrite)
	defer func() { endSpan(err) }()

	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode location: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.currentKey(report.TrackID), data, r.ttl)
	if r.ttl > 0 {
		pipe.Expire(ctx, r.issuedKey(report.TrackID), r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: failed to set current location: %v", ErrStorageUnavailable, err)
	}
	return nil
}
