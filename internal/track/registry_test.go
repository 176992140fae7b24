package track

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNewID_Format(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id, err := NewID()
		if err != nil {
			t.Fatalf("NewID() error: %v", err)
		}
		if !strings.HasPrefix(id, IDPrefix) {
			t.Errorf("id %q missing prefix %q", id, IDPrefix)
		}
		if got := len(id) - len(IDPrefix); got != 26 {
			t.Errorf("expected 26 encoded characters, got %d (%q)", got, id)
		}
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestInMemoryRegistry_GenerateIsIssued(t *testing.T) {
	reg := NewInMemoryRegistry()
	ctx := context.Background()

	id, err := reg.Generate(ctx)
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}

	issued, err := reg.Issued(ctx, id)
	if err != nil {
		t.Fatalf("Issued() error: %v", err)
	}
	if !issued {
		t.Error("expected generated id to be issued")
	}

	issued, _ = reg.Issued(ctx, "TRK-NEVER")
	if issued {
		t.Error("expected unknown id not to be issued")
	}
}

func TestInMemoryRegistry_CurrentNotFound(t *testing.T) {
	reg := NewInMemoryRegistry()
	ctx := context.Background()

	id, _ := reg.Generate(ctx)

	// Issued but never reported against is still NotFound.
	if _, err := reg.Current(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for issued id, got %v", err)
	}
	if _, err := reg.Current(ctx, "TRK-UNKNOWN"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestInMemoryRegistry_SetCurrentLastWriteWins(t *testing.T) {
	reg := NewInMemoryRegistry()
	ctx := context.Background()
	now := time.Now()

	first := LocationReport{TrackID: "TRK-A", Lat: 18.52, Lng: 73.86, Timestamp: now, IsActive: true}
	// An older client timestamp still supersedes: order is by arrival.
	second := LocationReport{TrackID: "TRK-A", Lat: 18.53, Lng: 73.87, Timestamp: now.Add(-time.Minute), IsActive: true}

	if err := reg.SetCurrent(ctx, first); err != nil {
		t.Fatalf("SetCurrent() error: %v", err)
	}
	if err := reg.SetCurrent(ctx, second); err != nil {
		t.Fatalf("SetCurrent() error: %v", err)
	}

	got, err := reg.Current(ctx, "TRK-A")
	if err != nil {
		t.Fatalf("Current() error: %v", err)
	}
	if got.Lat != 18.53 || got.Lng != 73.87 {
		t.Errorf("expected second report, got lat=%v lng=%v", got.Lat, got.Lng)
	}
}

func TestInMemoryRegistry_CurrentReturnsCopy(t *testing.T) {
	reg := NewInMemoryRegistry()
	ctx := context.Background()

	speed := 12.5
	_ = reg.SetCurrent(ctx, LocationReport{TrackID: "TRK-A", Lat: 1, Lng: 1, Speed: &speed, IsActive: true})
	speed = 99

	got, _ := reg.Current(ctx, "TRK-A")
	if got.Speed == nil || *got.Speed != 12.5 {
		t.Fatalf("stored speed was mutated through caller pointer: %v", got.Speed)
	}

	*got.Speed = 50
	again, _ := reg.Current(ctx, "TRK-A")
	if *again.Speed != 12.5 {
		t.Errorf("stored speed was mutated through returned pointer: %v", *again.Speed)
	}
}

func TestInMemoryRegistry_Isolation(t *testing.T) {
	reg := NewInMemoryRegistry()
	ctx := context.Background()

	_ = reg.SetCurrent(ctx, LocationReport{TrackID: "TRK-A", Lat: 10, Lng: 10, IsActive: true})

	if _, err := reg.Current(ctx, "TRK-B"); !errors.Is(err, ErrNotFound) {
		t.Errorf("report for A leaked into B: %v", err)
	}
}

func TestInMemoryRegistry_Prune(t *testing.T) {
	reg := NewInMemoryRegistry()
	ctx := context.Background()
	now := time.Now()

	_ = reg.SetCurrent(ctx, LocationReport{TrackID: "TRK-OLD", ReceivedAt: now.Add(-48 * time.Hour)})
	_ = reg.SetCurrent(ctx, LocationReport{TrackID: "TRK-NEW", ReceivedAt: now})

	removed, err := reg.Prune(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune() error: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if _, err := reg.Current(ctx, "TRK-OLD"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected old track pruned, got %v", err)
	}
	if _, err := reg.Current(ctx, "TRK-NEW"); err != nil {
		t.Errorf("expected new track kept, got %v", err)
	}
}

func TestInMemoryRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewInMemoryRegistry()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = reg.SetCurrent(ctx, LocationReport{TrackID: "TRK-A", Lat: float64(i), IsActive: true})
		}(i)
		go func() {
			defer wg.Done()
			_, _ = reg.Current(ctx, "TRK-A")
		}()
	}
	wg.Wait()

	if _, err := reg.Current(ctx, "TRK-A"); err != nil {
		t.Errorf("expected a report after concurrent writes, got %v", err)
	}
}

func TestFreshness(t *testing.T) {
	now := time.Now()
	f := NewFreshness(0)
	if f.Threshold != DefaultFreshnessThreshold {
		t.Fatalf("expected default threshold, got %s", f.Threshold)
	}

	tests := []struct {
		name   string
		report LocationReport
		want   bool
	}{
		{"fresh active", LocationReport{Timestamp: now.Add(-10 * time.Second), IsActive: true}, true},
		{"stale active", LocationReport{Timestamp: now.Add(-2 * time.Minute), IsActive: true}, false},
		{"fresh inactive", LocationReport{Timestamp: now, IsActive: false}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.IsRecent(tt.report, now); got != tt.want {
				t.Errorf("IsRecent() = %v, want %v", got, tt.want)
			}
		})
	}

	r := LocationReport{Timestamp: now}
	if !f.StaleAt(r).Equal(now.Add(DefaultFreshnessThreshold)) {
		t.Errorf("unexpected StaleAt: %v", f.StaleAt(r))
	}
}
