// Package track provides track identifiers, location reports and the registry
// that holds the latest known location for every identifier.
package track

import (
	"errors"
	"time"
)

// Common errors for track registry operations.
var (
	// ErrNotFound is returned when no report was ever accepted for an identifier.
	ErrNotFound = errors.New("track not found")

	// ErrStorageUnavailable wraps failures of the persistence layer.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrIDCollision is returned when every generation attempt hit an issued identifier.
	ErrIDCollision = errors.New("track id collision")
)

// DefaultFreshnessThreshold is the age below which a report counts as recent.
const DefaultFreshnessThreshold = 60 * time.Second

// LocationReport is the latest position report for a track.
// A report with IsActive == false means the owner stopped sharing; its
// coordinates carry no meaning.
type LocationReport struct {
	TrackID    string    `json:"trackId" cbor:"trackId"`
	Lat        float64   `json:"lat" cbor:"lat"`
	Lng        float64   `json:"lng" cbor:"lng"`
	Speed      *float64  `json:"speed,omitempty" cbor:"speed,omitempty"`
	Accuracy   *float64  `json:"accuracy,omitempty" cbor:"accuracy,omitempty"`
	Heading    *float64  `json:"heading,omitempty" cbor:"heading,omitempty"`
	Timestamp  time.Time `json:"timestamp" cbor:"timestamp"`
	ReceivedAt time.Time `json:"receivedAt" cbor:"receivedAt"`
	IsActive   bool      `json:"isActive" cbor:"isActive"`
}

// PathPoint is one immutable sample of a track's path history.
type PathPoint struct {
	Lat       float64   `json:"lat" cbor:"lat"`
	Lng       float64   `json:"lng" cbor:"lng"`
	Timestamp time.Time `json:"timestamp" cbor:"timestamp"`
}

// Point returns the path sample for an active report.
func (r LocationReport) Point() PathPoint {
	return PathPoint{Lat: r.Lat, Lng: r.Lng, Timestamp: r.Timestamp}
}

// UpdateKind tags the updates pushed to subscribers.
type UpdateKind string

const (
	// UpdateLocation is a live location update for an active track.
	UpdateLocation UpdateKind = "location"
	// UpdateStatus announces that the owner stopped sharing.
	UpdateStatus UpdateKind = "status"
	// UpdateSubscribed acknowledges a subscription and carries the snapshot.
	UpdateSubscribed UpdateKind = "subscribed"
	// UpdateUnsubscribed acknowledges an unsubscribe.
	UpdateUnsubscribed UpdateKind = "unsubscribed"
)

// Update is what a subscriber receives for a track.
type Update struct {
	Kind            UpdateKind
	TrackID         string
	Report          *LocationReport // nil for acks without a known location
	SubscriberCount int
}

// Freshness derives the recency of reports. It holds no state beyond the threshold.
type Freshness struct {
	Threshold time.Duration
}

// NewFreshness returns a Freshness policy; a non-positive threshold falls back
// to DefaultFreshnessThreshold.
func NewFreshness(threshold time.Duration) Freshness {
	if threshold <= 0 {
		threshold = DefaultFreshnessThreshold
	}
	return Freshness{Threshold: threshold}
}

// IsRecent reports whether the report is younger than the threshold at now.
// Inactive reports are never recent.
func (f Freshness) IsRecent(r LocationReport, now time.Time) bool {
	if !r.IsActive {
		return false
	}
	return now.Sub(r.Timestamp) < f.Threshold
}

// StaleAt returns the instant at which the report stops being recent.
func (f Freshness) StaleAt(r LocationReport) time.Time {
	return r.Timestamp.Add(f.Threshold)
}
