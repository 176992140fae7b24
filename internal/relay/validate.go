package relay

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/onnwee/livetrack/internal/track"
)

// ValidationError is returned by Submit when a report is rejected.
// Reason is the user-visible explanation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// IsValidationError reports whether err is a rejected submission.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// SubmitRequest is a location report as sent by a client.
// Omitted IsActive means true; omitted Timestamp means the receipt time.
type SubmitRequest struct {
	TrackID   string     `json:"trackId" cbor:"trackId" validate:"required,max=128,printascii"`
	Lat       *float64   `json:"lat,omitempty" cbor:"lat,omitempty" validate:"omitempty,gte=-90,lte=90"`
	Lng       *float64   `json:"lng,omitempty" cbor:"lng,omitempty" validate:"omitempty,gte=-180,lte=180"`
	Speed     *float64   `json:"speed,omitempty" cbor:"speed,omitempty" validate:"omitempty,gte=0"`
	Accuracy  *float64   `json:"accuracy,omitempty" cbor:"accuracy,omitempty" validate:"omitempty,gte=0"`
	Heading   *float64   `json:"heading,omitempty" cbor:"heading,omitempty" validate:"omitempty,gte=0,lt=360"`
	Timestamp *time.Time `json:"timestamp,omitempty" cbor:"timestamp,omitempty"`
	IsActive  *bool      `json:"isActive,omitempty" cbor:"isActive,omitempty"`
}

// Active reports whether the request is a live position report.
func (r SubmitRequest) Active() bool {
	return r.IsActive == nil || *r.IsActive
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// getValidator returns the shared validator; it reports fields by their JSON names.
func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// validateRequest checks a normalized request and returns the first problem found.
func validateRequest(req SubmitRequest) *ValidationError {
	for _, f := range []struct {
		name  string
		value *float64
	}{
		{"lat", req.Lat},
		{"lng", req.Lng},
		{"speed", req.Speed},
		{"accuracy", req.Accuracy},
		{"heading", req.Heading},
	} {
		if f.value != nil && (math.IsNaN(*f.value) || math.IsInf(*f.value, 0)) {
			return &ValidationError{Field: f.name, Reason: f.name + " must be a finite number"}
		}
	}

	if err := getValidator().Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return translate(fieldErrs[0])
		}
		return &ValidationError{Field: "", Reason: err.Error()}
	}

	if !req.Active() {
		return nil
	}
	if req.Lat == nil || req.Lng == nil {
		return &ValidationError{Field: "lat", Reason: "lat and lng are required for an active report"}
	}
	if *req.Lat == 0 && *req.Lng == 0 {
		return &ValidationError{
			Field:  "isActive",
			Reason: "coordinates (0,0) are reserved for stop reports; send isActive=false to stop sharing",
		}
	}
	return nil
}

func translate(fe validator.FieldError) *ValidationError {
	field := fe.Field()
	var reason string
	switch field {
	case "trackId":
		switch fe.Tag() {
		case "required":
			reason = "trackId is required"
		case "max":
			reason = fmt.Sprintf("trackId must be at most %d characters", track.MaxIDLength)
		default:
			reason = "trackId must contain only printable ASCII characters"
		}
	case "lat":
		reason = "lat must be between -90 and 90"
	case "lng":
		reason = "lng must be between -180 and 180"
	case "speed", "accuracy":
		reason = field + " must not be negative"
	case "heading":
		reason = "heading must be in [0, 360)"
	default:
		reason = fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
	return &ValidationError{Field: field, Reason: reason}
}

// validateTrackID checks an identifier used in queries and subscriptions.
func validateTrackID(id string) *ValidationError {
	if id == "" {
		return &ValidationError{Field: "trackId", Reason: "trackId is required"}
	}
	if len(id) > track.MaxIDLength {
		return &ValidationError{Field: "trackId", Reason: fmt.Sprintf("trackId must be at most %d characters", track.MaxIDLength)}
	}
	return nil
}
