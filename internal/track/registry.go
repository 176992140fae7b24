package track

import (
	"context"
	"sync"
	"time"
)

// maxGenerateAttempts bounds retries on identifier collisions.
const maxGenerateAttempts = 3

// Registry issues track identifiers and owns the current location per identifier.
type Registry interface {
	// Generate issues a fresh identifier that was never handed out before.
	Generate(ctx context.Context) (string, error)

	// Issued reports whether the identifier was produced by Generate.
	Issued(ctx context.Context, id string) (bool, error)

	// Current returns the most recent accepted report, or ErrNotFound.
	Current(ctx context.Context, id string) (LocationReport, error)

	// SetCurrent unconditionally replaces the current report for report.TrackID.
	SetCurrent(ctx context.Context, report LocationReport) error
}

// InMemoryRegistry is an in-memory implementation of Registry.
// Thread-safe via RWMutex.
type InMemoryRegistry struct {
	mu      sync.RWMutex
	issued  map[string]time.Time      // id -> issued at
	current map[string]LocationReport // id -> latest report
	now     func() time.Time
}

// NewInMemoryRegistry creates a new in-memory registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		issued:  make(map[string]time.Time),
		current: make(map[string]LocationReport),
		now:     time.Now,
	}
}

// Generate issues a fresh identifier.
func (r *InMemoryRegistry) Generate(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		id, err := NewID()
		if err != nil {
			return "", err
		}

		r.mu.Lock()
		_, taken := r.issued[id]
		if !taken {
			r.issued[id] = r.now()
		}
		r.mu.Unlock()

		if !taken {
			return id, nil
		}
	}
	return "", ErrIDCollision
}

// Issued reports whether the identifier was generated by this registry.
func (r *InMemoryRegistry) Issued(ctx context.Context, id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.issued[id]
	return ok, nil
}

// Current returns a copy of the latest report for id.
func (r *InMemoryRegistry) Current(ctx context.Context, id string) (LocationReport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	report, ok := r.current[id]
	if !ok {
		return LocationReport{}, ErrNotFound
	}
	return copyReport(report), nil
}

// SetCurrent replaces the latest report for report.TrackID.
func (r *InMemoryRegistry) SetCurrent(ctx context.Context, report LocationReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.current[report.TrackID] = copyReport(report)
	return nil
}

// Prune forgets identifiers whose latest activity is older than before.
// An issued identifier that never reported expires relative to its issue time.
// Returns the number of identifiers removed.
func (r *InMemoryRegistry) Prune(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed int64
	for id, report := range r.current {
		if report.ReceivedAt.Before(before) {
			delete(r.current, id)
			delete(r.issued, id)
			removed++
		}
	}
	for id, issuedAt := range r.issued {
		if _, reporting := r.current[id]; !reporting && issuedAt.Before(before) {
			delete(r.issued, id)
			removed++
		}
	}
	return removed, nil
}

// copyReport detaches the optional fields so callers cannot mutate stored state.
func copyReport(r LocationReport) LocationReport {
	r.Speed = copyFloat(r.Speed)
	r.Accuracy = copyFloat(r.Accuracy)
	r.Heading = copyFloat(r.Heading)
	return r
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
