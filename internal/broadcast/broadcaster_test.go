package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/onnwee/livetrack/internal/subscription"
	"github.com/onnwee/livetrack/internal/track"
)

// recorder collects delivered updates.
type recorder struct {
	id   string
	fail bool

	mu      sync.Mutex
	updates []track.Update
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Deliver(update track.Update) error {
	if r.fail {
		return errors.New("send queue full")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
	return nil
}

func (r *recorder) received() []track.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]track.Update(nil), r.updates...)
}

func report(id string, active bool) track.LocationReport {
	return track.LocationReport{
		TrackID:    id,
		Lat:        40.7128,
		Lng:        -74.0060,
		Timestamp:  time.Now(),
		ReceivedAt: time.Now(),
		IsActive:   active,
	}
}

func TestBroadcaster_PublishToAllSubscribers(t *testing.T) {
	table := subscription.NewTable()
	a := &recorder{id: "a"}
	b := &recorder{id: "b"}
	table.Subscribe(a, "TRK-1")
	table.Subscribe(b, "TRK-1")

	bc := NewBroadcaster(table, nil, nil)
	result := bc.Publish(context.Background(), report("TRK-1", true))

	if result.Subscribers != 2 || result.Delivered != 2 || result.Failed != 0 {
		t.Errorf("unexpected result: %+v", result)
	}
	for _, r := range []*recorder{a, b} {
		got := r.received()
		if len(got) != 1 {
			t.Fatalf("subscriber %s: expected 1 update, got %d", r.id, len(got))
		}
		if got[0].Kind != track.UpdateLocation {
			t.Errorf("subscriber %s: expected location update, got %s", r.id, got[0].Kind)
		}
		if got[0].SubscriberCount != 2 {
			t.Errorf("subscriber %s: expected subscriberCount 2, got %d", r.id, got[0].SubscriberCount)
		}
	}
}

func TestBroadcaster_UnsubscribedReceivesNothing(t *testing.T) {
	table := subscription.NewTable()
	a := &recorder{id: "a"}
	b := &recorder{id: "b"}
	table.Subscribe(a, "TRK-1")
	table.Subscribe(b, "TRK-1")
	table.Unsubscribe(a, "TRK-1")

	bc := NewBroadcaster(table, nil, nil)
	bc.Publish(context.Background(), report("TRK-1", true))

	if len(a.received()) != 0 {
		t.Error("unsubscribed connection received an update")
	}
	if got := b.received(); len(got) != 1 || got[0].SubscriberCount != 1 {
		t.Errorf("expected one update with subscriberCount 1, got %+v", got)
	}
}

func TestBroadcaster_NoSubscribers(t *testing.T) {
	bc := NewBroadcaster(subscription.NewTable(), nil, nil)
	result := bc.Publish(context.Background(), report("TRK-1", true))
	if result != (Result{}) {
		t.Errorf("expected empty result, got %+v", result)
	}
}

func TestBroadcaster_FailureIsolated(t *testing.T) {
	table := subscription.NewTable()
	bad := &recorder{id: "bad", fail: true}
	good := &recorder{id: "good"}
	table.Subscribe(bad, "TRK-1")
	table.Subscribe(good, "TRK-1")

	metrics := NewMetrics()
	bc := NewBroadcaster(table, metrics, nil)
	result := bc.Publish(context.Background(), report("TRK-1", true))

	if result.Delivered != 1 || result.Failed != 1 {
		t.Errorf("unexpected result: %+v", result)
	}
	if len(good.received()) != 1 {
		t.Error("healthy subscriber missed the update")
	}

	var m dto.Metric
	if err := metrics.failures.Write(&m); err != nil {
		t.Fatalf("failed to read metric: %v", err)
	}
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("expected 1 failure counted, got %v", got)
	}
	if err := metrics.deliveries.Write(&m); err != nil {
		t.Fatalf("failed to read metric: %v", err)
	}
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("expected 1 delivery counted, got %v", got)
	}
}

func TestBroadcaster_InactiveIsStatus(t *testing.T) {
	table := subscription.NewTable()
	a := &recorder{id: "a"}
	table.Subscribe(a, "TRK-1")

	bc := NewBroadcaster(table, nil, nil)
	bc.Publish(context.Background(), report("TRK-1", false))

	got := a.received()
	if len(got) != 1 || got[0].Kind != track.UpdateStatus {
		t.Fatalf("expected one status update, got %+v", got)
	}
	if got[0].Report == nil || got[0].Report.IsActive {
		t.Error("expected inactive report attached to status update")
	}
}

func TestBroadcaster_OrderPreserved(t *testing.T) {
	table := subscription.NewTable()
	a := &recorder{id: "a"}
	table.Subscribe(a, "TRK-1")
	bc := NewBroadcaster(table, nil, nil)

	for i := 0; i < 10; i++ {
		r := report("TRK-1", true)
		r.Lat = float64(i)
		bc.Publish(context.Background(), r)
	}

	got := a.received()
	if len(got) != 10 {
		t.Fatalf("expected 10 updates, got %d", len(got))
	}
	for i, u := range got {
		if u.Report.Lat != float64(i) {
			t.Errorf("update %d out of order: lat %v", i, u.Report.Lat)
		}
	}
}
