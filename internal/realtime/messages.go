// Package realtime carries the relay over WebSocket connections: a closed set
// of tagged messages, JSON and CBOR codecs, and the per-connection client.
package realtime

import (
	"errors"
	"time"

	"github.com/onnwee/livetrack/internal/relay"
	"github.com/onnwee/livetrack/internal/track"
)

// Event tags a message. Frames with any other tag are rejected.
type Event string

// Inbound events.
const (
	EventSubscribe      Event = "track:subscribe"
	EventUnsubscribe    Event = "track:unsubscribe"
	EventLocationUpdate Event = "location:update"
	EventPing           Event = "ping"
)

// Outbound events.
const (
	EventSubscribed      Event = "track:subscribed"
	EventUnsubscribed    Event = "track:unsubscribed"
	EventLocationUpdated Event = "location:updated"
	EventStatus          Event = "track:status"
	EventAccepted        Event = "location:accepted"
	EventError           Event = "track:error"
	EventPong            Event = "pong"
)

// Error codes carried by track:error frames.
const (
	CodeValidation   = "validation_error"
	CodeBadRequest   = "bad_request"
	CodeUnknownEvent = "unknown_event"
	CodeStorage      = "storage_unavailable"
	CodeQueueFull    = "send_queue_full"
	CodeInternal     = "internal_error"
)

// Decoding errors.
var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownEvent   = errors.New("unknown event")
)

// Inbound is a decoded client message. Only the fields of its Event are set.
type Inbound struct {
	Event   Event
	TrackID string               // subscribe, unsubscribe
	Report  *relay.SubmitRequest // location:update
}

// Outbound is a server message. Data is one of the *Data types below or nil.
type Outbound struct {
	Event Event `json:"event" cbor:"event"`
	Data  any   `json:"data,omitempty" cbor:"data,omitempty"`
}

// TrackRef is the object form of a subscribe payload.
type TrackRef struct {
	TrackID string `json:"trackId" cbor:"trackId"`
}

// LocationData is a live location with its fan-out context.
type LocationData struct {
	track.LocationReport
	SubscriberCount int  `json:"subscriberCount" cbor:"subscriberCount"`
	IsRecent        bool `json:"isRecent" cbor:"isRecent"`
}

// SubscribedData acknowledges a subscription.
type SubscribedData struct {
	TrackID         string        `json:"trackId" cbor:"trackId"`
	SubscriberCount int           `json:"subscriberCount" cbor:"subscriberCount"`
	CurrentLocation *LocationData `json:"currentLocation,omitempty" cbor:"currentLocation,omitempty"`
}

// UnsubscribedData acknowledges an unsubscribe.
type UnsubscribedData struct {
	TrackID         string `json:"trackId" cbor:"trackId"`
	SubscriberCount int    `json:"subscriberCount" cbor:"subscriberCount"`
}

// StatusData announces that a track stopped sharing.
type StatusData struct {
	TrackID   string    `json:"trackId" cbor:"trackId"`
	IsActive  bool      `json:"isActive" cbor:"isActive"`
	Timestamp time.Time `json:"timestamp" cbor:"timestamp"`
}

// AcceptedData confirms a location:update from this connection.
type AcceptedData struct {
	TrackID   string    `json:"trackId" cbor:"trackId"`
	Timestamp time.Time `json:"timestamp" cbor:"timestamp"`
}

// ErrorData reports a failed request.
type ErrorData struct {
	TrackID string `json:"trackId,omitempty" cbor:"trackId,omitempty"`
	Code    string `json:"code" cbor:"code"`
	Error   string `json:"error" cbor:"error"`
}

// errorMessage builds a track:error frame.
func errorMessage(trackID, code, msg string) Outbound {
	return Outbound{Event: EventError, Data: ErrorData{TrackID: trackID, Code: code, Error: msg}}
}

// updateMessage renders a subscriber update as a wire message.
func updateMessage(u track.Update, freshness track.Freshness, now time.Time) Outbound {
	location := func() *LocationData {
		if u.Report == nil {
			return nil
		}
		return &LocationData{
			LocationReport:  *u.Report,
			SubscriberCount: u.SubscriberCount,
			IsRecent:        freshness.IsRecent(*u.Report, now),
		}
	}

	switch u.Kind {
	case track.UpdateSubscribed:
		return Outbound{Event: EventSubscribed, Data: SubscribedData{
			TrackID:         u.TrackID,
			SubscriberCount: u.SubscriberCount,
			CurrentLocation: location(),
		}}
	case track.UpdateUnsubscribed:
		return Outbound{Event: EventUnsubscribed, Data: UnsubscribedData{
			TrackID:         u.TrackID,
			SubscriberCount: u.SubscriberCount,
		}}
	case track.UpdateStatus:
		data := StatusData{TrackID: u.TrackID}
		if u.Report != nil {
			data.IsActive = u.Report.IsActive
			data.Timestamp = u.Report.Timestamp
		}
		return Outbound{Event: EventStatus, Data: data}
	default:
		return Outbound{Event: EventLocationUpdated, Data: location()}
	}
}
