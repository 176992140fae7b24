// Package broadcast fans accepted location reports out to the subscribers of a track.
package broadcast

import (
	"context"
	"log/slog"

	"github.com/onnwee/livetrack/internal/subscription"
	"github.com/onnwee/livetrack/internal/track"
)

// Result summarizes one fan-out.
type Result struct {
	Subscribers int
	Delivered   int
	Failed      int
}

// Broadcaster delivers reports to every subscriber of the report's track.
// Delivery is best-effort: a subscriber that cannot take the update is logged
// and counted, and never affects the others or the caller.
type Broadcaster struct {
	table   *subscription.Table
	metrics *Metrics
	logger  *slog.Logger
}

// NewBroadcaster creates a broadcaster over table. metrics and logger may be nil.
func NewBroadcaster(table *subscription.Table, metrics *Metrics, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		table:   table,
		metrics: metrics,
		logger:  logger,
	}
}

// Publish delivers report to the subscribers present at the moment of the call.
// Subscribers only enqueue in Deliver, so each connection's writer drains in
// parallel with the others while per-track order is kept by the caller.
func (b *Broadcaster) Publish(ctx context.Context, report track.LocationReport) Result {
	subs := b.table.Subscribers(report.TrackID)
	result := Result{Subscribers: len(subs)}
	if b.metrics != nil {
		b.metrics.ObserveFanout(len(subs))
	}
	if len(subs) == 0 {
		return result
	}

	kind := track.UpdateLocation
	if !report.IsActive {
		kind = track.UpdateStatus
	}

	for _, sub := range subs {
		r := report
		update := track.Update{
			Kind:            kind,
			TrackID:         report.TrackID,
			Report:          &r,
			SubscriberCount: len(subs),
		}
		if err := sub.Deliver(update); err != nil {
			result.Failed++
			b.logger.Warn("failed to deliver update",
				slog.String("track_id", report.TrackID),
				slog.String("subscriber_id", sub.ID()),
				slog.String("error", err.Error()))
			continue
		}
		result.Delivered++
	}

	if b.metrics != nil {
		b.metrics.AddDeliveries(result.Delivered)
		b.metrics.AddFailures(result.Failed)
	}
	return result
}
