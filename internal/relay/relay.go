// Package relay accepts location reports and coordinates the registry, the
// path history and the fan-out to subscribers.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/onnwee/livetrack/internal/broadcast"
	"github.com/onnwee/livetrack/internal/history"
	"github.com/onnwee/livetrack/internal/subscription"
	"github.com/onnwee/livetrack/internal/track"
	"github.com/onnwee/livetrack/internal/tracing"
)

// ErrAckUndelivered is returned by Subscribe when the acknowledgement could not
// be handed to the subscriber. A new subscription is rolled back.
var ErrAckUndelivered = errors.New("subscription acknowledgement undelivered")

// Config holds relay behaviour switches.
type Config struct {
	// FreshnessThreshold decides when a report counts as recent. Default: 60s.
	FreshnessThreshold time.Duration
	// RequireIssuedIDs rejects reports for identifiers that were never generated.
	RequireIssuedIDs bool
}

// Deps are the components a Relay coordinates.
type Deps struct {
	Registry    track.Registry
	Table       *subscription.Table
	History     history.Store
	Broadcaster *broadcast.Broadcaster
	Metrics     *Metrics // optional
	Logger      *slog.Logger
}

// Relay is the entry point for every boundary operation: identifier
// issuance, submission, queries and subscriptions.
type Relay struct {
	registry      track.Registry
	table         *subscription.Table
	history       history.Store
	broadcaster   *broadcast.Broadcaster
	freshness     track.Freshness
	requireIssued bool
	locks         *trackLocks
	metrics       *Metrics
	logger        *slog.Logger
	now           func() time.Time
}

// New creates a relay. A nil Broadcaster is built over Table.
func New(deps Deps, cfg Config) *Relay {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bc := deps.Broadcaster
	if bc == nil {
		bc = broadcast.NewBroadcaster(deps.Table, nil, logger)
	}

	r := &Relay{
		registry:      deps.Registry,
		table:         deps.Table,
		history:       deps.History,
		broadcaster:   bc,
		freshness:     track.NewFreshness(cfg.FreshnessThreshold),
		requireIssued: cfg.RequireIssuedIDs,
		locks:         newTrackLocks(),
		metrics:       deps.Metrics,
		logger:        logger,
		now:           time.Now,
	}
	if deps.Metrics != nil {
		deps.Table.OnChange(deps.Metrics.setSubscriptions)
	}
	return r
}

// Freshness returns the recency policy observers should apply.
func (r *Relay) Freshness() track.Freshness {
	return r.freshness
}

// Generate issues a new track identifier.
func (r *Relay) Generate(ctx context.Context) (string, error) {
	id, err := r.registry.Generate(ctx)
	if err != nil {
		r.metrics.incStorageFault("generate")
		r.logger.ErrorContext(ctx, "failed to generate track id", slog.String("error", err.Error()))
		return "", err
	}
	r.metrics.incGenerated()
	return id, nil
}

// Submit validates a report and, once accepted, records it as the track's
// current location, appends it to the path history when active and pushes it
// to every subscriber. Rejections return a *ValidationError; storage faults
// wrap track.ErrStorageUnavailable and leave nothing published.
func (r *Relay) Submit(ctx context.Context, req SubmitRequest) (report track.LocationReport, err error) {
	start := r.now()
	req.TrackID = track.NormalizeID(req.TrackID)

	ctx, endSpan := tracing.StartRelaySpan(ctx, "submit", req.TrackID)
	defer func() { endSpan(err) }()

	if verr := validateRequest(req); verr != nil {
		return r.reject(ctx, req.TrackID, verr)
	}
	if r.requireIssued {
		issued, ierr := r.registry.Issued(ctx, req.TrackID)
		if ierr != nil {
			r.storageFault(ctx, "issued", req.TrackID, ierr)
			return track.LocationReport{}, ierr
		}
		if !issued {
			return r.reject(ctx, req.TrackID, &ValidationError{Field: "trackId", Reason: "unknown trackId"})
		}
	}

	report = buildReport(req, start)

	unlock := r.locks.lock(report.TrackID)
	defer unlock()

	// A stop report without coordinates leaves the marker where it was.
	if !report.IsActive && req.Lat == nil && req.Lng == nil {
		prev, cerr := r.registry.Current(ctx, report.TrackID)
		switch {
		case cerr == nil:
			report.Lat, report.Lng = prev.Lat, prev.Lng
		case !errors.Is(cerr, track.ErrNotFound):
			r.storageFault(ctx, "current", report.TrackID, cerr)
			return track.LocationReport{}, cerr
		}
	}

	// Stop reports are not position samples.
	if report.IsActive {
		if err = r.history.Append(ctx, report.TrackID, report.Point()); err != nil {
			r.storageFault(ctx, "append", report.TrackID, err)
			return track.LocationReport{}, err
		}
	}
	if err = r.registry.SetCurrent(ctx, report); err != nil {
		r.storageFault(ctx, "set_current", report.TrackID, err)
		return track.LocationReport{}, err
	}

	result := r.broadcaster.Publish(ctx, report)
	tracing.RecordFanout(ctx, report.IsActive, result.Subscribers, result.Failed)

	r.metrics.incAccepted(r.now().Sub(start).Seconds())
	return report, nil
}

// Deactivate submits a stop report for trackID.
func (r *Relay) Deactivate(ctx context.Context, trackID string) (track.LocationReport, error) {
	inactive := false
	return r.Submit(ctx, SubmitRequest{TrackID: trackID, IsActive: &inactive})
}

func (r *Relay) reject(ctx context.Context, trackID string, verr *ValidationError) (track.LocationReport, error) {
	r.metrics.incRejected(verr.Field)
	r.logger.DebugContext(ctx, "location report rejected",
		slog.String("track_id", trackID),
		slog.String("field", verr.Field),
		slog.String("reason", verr.Reason))
	return track.LocationReport{}, verr
}

func (r *Relay) storageFault(ctx context.Context, op, trackID string, err error) {
	r.metrics.incStorageFault(op)
	r.logger.ErrorContext(ctx, "storage operation failed",
		slog.String("operation", op),
		slog.String("track_id", trackID),
		slog.String("error", err.Error()))
}

func buildReport(req SubmitRequest, receivedAt time.Time) track.LocationReport {
	report := track.LocationReport{
		TrackID:    req.TrackID,
		Speed:      req.Speed,
		Accuracy:   req.Accuracy,
		Heading:    req.Heading,
		Timestamp:  receivedAt,
		ReceivedAt: receivedAt,
		IsActive:   req.Active(),
	}
	if req.Lat != nil {
		report.Lat = *req.Lat
	}
	if req.Lng != nil {
		report.Lng = *req.Lng
	}
	if req.Timestamp != nil && !req.Timestamp.IsZero() {
		report.Timestamp = *req.Timestamp
	}
	return report
}

// Snapshot is the current location of a track with its derived recency.
type Snapshot struct {
	track.LocationReport
	IsRecent         bool    `json:"isRecent" cbor:"isRecent"`
	FreshnessSeconds float64 `json:"freshnessSeconds" cbor:"freshnessSeconds"`
	SubscriberCount  int     `json:"subscriberCount" cbor:"subscriberCount"`
}

// Current returns the latest report for trackID, or track.ErrNotFound.
func (r *Relay) Current(ctx context.Context, trackID string) (Snapshot, error) {
	trackID = track.NormalizeID(trackID)
	if verr := validateTrackID(trackID); verr != nil {
		return Snapshot{}, verr
	}

	report, err := r.registry.Current(ctx, trackID)
	if err != nil {
		if !errors.Is(err, track.ErrNotFound) {
			r.storageFault(ctx, "current", trackID, err)
		}
		return Snapshot{}, err
	}
	return Snapshot{
		LocationReport:   report,
		IsRecent:         r.freshness.IsRecent(report, r.now()),
		FreshnessSeconds: r.freshness.Threshold.Seconds(),
		SubscriberCount:  r.table.Count(trackID),
	}, nil
}

// maxWindowHours is the largest hour count a time.Duration can hold.
const maxWindowHours = math.MaxInt64 / int64(time.Hour)

// pathWindow converts hours to a read window. Zero selects the store's full
// horizon; the store clamps anything longer.
func pathWindow(hours int) time.Duration {
	if hours <= 0 || int64(hours) > maxWindowHours {
		return 0
	}
	return time.Duration(hours) * time.Hour
}

// Path returns the recorded path of trackID over the last hours, oldest first.
// Non-positive hours and hours beyond the horizon select the full horizon.
func (r *Relay) Path(ctx context.Context, trackID string, hours int) (points []track.PathPoint, err error) {
	trackID = track.NormalizeID(trackID)
	if verr := validateTrackID(trackID); verr != nil {
		return nil, verr
	}

	ctx, endSpan := tracing.StartRelaySpan(ctx, "path", trackID)
	defer func() { endSpan(err) }()

	points, err = r.history.Read(ctx, trackID, pathWindow(hours))
	if err != nil {
		r.storageFault(ctx, "read_path", trackID, err)
		return nil, err
	}
	tracing.SetAttributes(ctx, tracing.AttrPathPoints.Int(len(points)))
	return points, nil
}

// Subscribe registers sub for trackID and delivers the acknowledgement with
// the current snapshot before any later live update. It returns the
// subscriber count including sub.
func (r *Relay) Subscribe(ctx context.Context, sub subscription.Subscriber, trackID string) (count int, err error) {
	trackID = track.NormalizeID(trackID)
	if verr := validateTrackID(trackID); verr != nil {
		return 0, verr
	}

	ctx, endSpan := tracing.StartRelaySpan(ctx, "subscribe", trackID)
	defer func() { endSpan(err) }()

	unlock := r.locks.lock(trackID)
	defer unlock()

	var snapshot *track.LocationReport
	report, err := r.registry.Current(ctx, trackID)
	switch {
	case err == nil:
		snapshot = &report
	case errors.Is(err, track.ErrNotFound):
	default:
		r.storageFault(ctx, "current", trackID, err)
		return 0, err
	}

	existing := slices.Contains(r.table.Tracks(sub), trackID)
	count = r.table.Subscribe(sub, trackID)
	err = sub.Deliver(track.Update{
		Kind:            track.UpdateSubscribed,
		TrackID:         trackID,
		Report:          snapshot,
		SubscriberCount: count,
	})
	if err != nil {
		// A new subscription is undone when its ack is lost.
		if !existing {
			r.table.Unsubscribe(sub, trackID)
		}
		r.logger.WarnContext(ctx, "failed to deliver subscription acknowledgement",
			slog.String("track_id", trackID),
			slog.String("subscriber_id", sub.ID()),
			slog.String("error", err.Error()))
		return 0, fmt.Errorf("%w: %w", ErrAckUndelivered, err)
	}
	tracing.SetAttributes(ctx, tracing.AttrFanoutSubscribers.Int(count))
	return count, nil
}

// Unsubscribe removes sub from trackID and acknowledges with the remaining count.
func (r *Relay) Unsubscribe(ctx context.Context, sub subscription.Subscriber, trackID string) (int, error) {
	trackID = track.NormalizeID(trackID)
	if verr := validateTrackID(trackID); verr != nil {
		return 0, verr
	}

	unlock := r.locks.lock(trackID)
	defer unlock()

	count := r.table.Unsubscribe(sub, trackID)
	r.deliver(sub, track.Update{
		Kind:            track.UpdateUnsubscribed,
		TrackID:         trackID,
		SubscriberCount: count,
	})
	return count, nil
}

// Disconnect drops every subscription held by sub.
func (r *Relay) Disconnect(sub subscription.Subscriber) []string {
	tracks := r.table.Remove(sub)
	if len(tracks) > 0 {
		r.logger.Debug("connection closed",
			slog.String("subscriber_id", sub.ID()),
			slog.Int("subscriptions_removed", len(tracks)))
	}
	return tracks
}

// SubscriberCount returns the number of subscribers of trackID.
func (r *Relay) SubscriberCount(trackID string) int {
	return r.table.Count(track.NormalizeID(trackID))
}

func (r *Relay) deliver(sub subscription.Subscriber, update track.Update) {
	if err := sub.Deliver(update); err != nil {
		r.logger.Warn("failed to deliver acknowledgement",
			slog.String("track_id", update.TrackID),
			slog.String("subscriber_id", sub.ID()),
			slog.String("error", err.Error()))
	}
}
