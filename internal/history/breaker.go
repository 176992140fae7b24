package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/onnwee/livetrack/internal/track"
)

// BreakerConfig configures the circuit breaker around a Store.
type BreakerConfig struct {
	// Name identifies the breaker in logs.
	Name string
	// FailureThreshold is the number of consecutive failures that opens the circuit. Default: 5.
	FailureThreshold uint32
	// OpenTimeout is how long the circuit stays open before probing. Default: 15s.
	OpenTimeout time.Duration
	// MaxProbes is the number of requests allowed while half-open. Default: 1.
	MaxProbes uint32
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "path-history",
		FailureThreshold: 5,
		OpenTimeout:      15 * time.Second,
		MaxProbes:        1,
	}
}

// BreakerStore wraps a Store with a circuit breaker. While the circuit is open
// every call fails immediately with track.ErrStorageUnavailable instead of
// waiting on a database that is known to be down.
type BreakerStore struct {
	inner   Store
	breaker *gobreaker.CircuitBreaker[any]
}

// NewBreakerStore wraps inner.
func NewBreakerStore(inner Store, cfg BreakerConfig, logger *slog.Logger) *BreakerStore {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultBreakerConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.MaxProbes == 0 {
		cfg.MaxProbes = def.MaxProbes
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxProbes,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// Context cancellation is the caller's doing, not a storage fault.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}

	return &BreakerStore{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker[any](settings),
	}
}

// State returns the current breaker state.
func (b *BreakerStore) State() gobreaker.State {
	return b.breaker.State()
}

// Append appends through the breaker.
func (b *BreakerStore) Append(ctx context.Context, trackID string, point track.PathPoint) error {
	_, err := b.breaker.Execute(func() (any, error) {
		return nil, b.inner.Append(ctx, trackID, point)
	})
	return mapBreakerErr(err)
}

// Read reads through the breaker.
func (b *BreakerStore) Read(ctx context.Context, trackID string, window time.Duration) ([]track.PathPoint, error) {
	result, err := b.breaker.Execute(func() (any, error) {
		return b.inner.Read(ctx, trackID, window)
	})
	if err != nil {
		return nil, mapBreakerErr(err)
	}
	points, _ := result.([]track.PathPoint)
	return points, nil
}

// Prune prunes through the breaker.
func (b *BreakerStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := b.breaker.Execute(func() (any, error) {
		return b.inner.Prune(ctx, before)
	})
	if err != nil {
		return 0, mapBreakerErr(err)
	}
	deleted, _ := result.(int64)
	return deleted, nil
}

func mapBreakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", track.ErrStorageUnavailable, err)
	}
	return err
}
