// Package history stores the bounded, time-windowed path of every track.
package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/livetrack/internal/track"
)

// Defaults for path history.
const (
	DefaultHorizon   = 24 * time.Hour
	DefaultMaxPoints = 5000
)

// Store holds the path history of every track.
type Store interface {
	// Append adds a point to the track's sequence.
	Append(ctx context.Context, trackID string, point track.PathPoint) error

	// Read returns the points within window of now, oldest first.
	// The window is clamped to the store's horizon.
	Read(ctx context.Context, trackID string, window time.Duration) ([]track.PathPoint, error)

	// Prune deletes points older than before across all tracks and returns how many.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Options configures a store.
type Options struct {
	// Horizon excludes older points from reads. Default: 24h.
	Horizon time.Duration
	// MaxPoints caps the points kept per track by the in-memory store. Default: 5000.
	MaxPoints int
	// Now overrides the clock (tests).
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Horizon <= 0 {
		o.Horizon = DefaultHorizon
	}
	if o.MaxPoints <= 0 {
		o.MaxPoints = DefaultMaxPoints
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// clampWindow limits a requested window to the horizon.
func clampWindow(window, horizon time.Duration) time.Duration {
	if window <= 0 || window > horizon {
		return horizon
	}
	return window
}

// series is the time-ordered path of one track.
type series struct {
	mu      sync.Mutex
	points  []track.PathPoint
	removed bool // set by Prune once the series left the map
}

// InMemoryStore is an in-memory implementation of Store.
// Each track has its own lock; the outer lock only guards the map.
type InMemoryStore struct {
	mu     sync.RWMutex
	tracks map[string]*series
	opts   Options
}

// NewInMemoryStore creates a new in-memory path store.
func NewInMemoryStore(opts Options) *InMemoryStore {
	return &InMemoryStore{
		tracks: make(map[string]*series),
		opts:   opts.withDefaults(),
	}
}

func (s *InMemoryStore) lookup(trackID string, create bool) *series {
	s.mu.RLock()
	ser := s.tracks[trackID]
	s.mu.RUnlock()
	if ser != nil || !create {
		return ser
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ser = s.tracks[trackID]; ser == nil {
		ser = &series{}
		s.tracks[trackID] = ser
	}
	return ser
}

// Append inserts the point keeping the sequence time-ordered. Points beyond
// the horizon or the per-track cap are dropped from the front.
func (s *InMemoryStore) Append(ctx context.Context, trackID string, point track.PathPoint) error {
	ser := s.lookup(trackID, true)
	ser.mu.Lock()
	for ser.removed {
		ser.mu.Unlock()
		ser = s.lookup(trackID, true)
		ser.mu.Lock()
	}
	defer ser.mu.Unlock()

	n := len(ser.points)
	if n == 0 || !point.Timestamp.Before(ser.points[n-1].Timestamp) {
		ser.points = append(ser.points, point)
	} else {
		// Late sample: insert after every point with an equal or earlier timestamp.
		i := sort.Search(n, func(i int) bool {
			return ser.points[i].Timestamp.After(point.Timestamp)
		})
		ser.points = append(ser.points, track.PathPoint{})
		copy(ser.points[i+1:], ser.points[i:])
		ser.points[i] = point
	}

	cutoff := s.opts.Now().Add(-s.opts.Horizon)
	drop := sort.Search(len(ser.points), func(i int) bool {
		return !ser.points[i].Timestamp.Before(cutoff)
	})
	if over := len(ser.points) - drop - s.opts.MaxPoints; over > 0 {
		drop += over
	}
	if drop > 0 {
		ser.points = append([]track.PathPoint(nil), ser.points[drop:]...)
	}
	return nil
}

// Read returns a copy of the points within window, oldest first.
func (s *InMemoryStore) Read(ctx context.Context, trackID string, window time.Duration) ([]track.PathPoint, error) {
	ser := s.lookup(trackID, false)
	if ser == nil {
		return []track.PathPoint{}, nil
	}

	since := s.opts.Now().Add(-clampWindow(window, s.opts.Horizon))

	ser.mu.Lock()
	defer ser.mu.Unlock()

	start := sort.Search(len(ser.points), func(i int) bool {
		return !ser.points[i].Timestamp.Before(since)
	})
	out := make([]track.PathPoint, len(ser.points)-start)
	copy(out, ser.points[start:])
	return out, nil
}

// Prune removes points older than before and forgets empty tracks.
func (s *InMemoryStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, ser := range s.tracks {
		ser.mu.Lock()
		cut := sort.Search(len(ser.points), func(i int) bool {
			return !ser.points[i].Timestamp.Before(before)
		})
		if cut > 0 {
			ser.points = append([]track.PathPoint(nil), ser.points[cut:]...)
			removed += int64(cut)
		}
		if len(ser.points) == 0 {
			ser.removed = true
			delete(s.tracks, id)
		}
		ser.mu.Unlock()
	}
	return removed, nil
}
