package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"

	"github.com/onnwee/livetrack/internal/relay"
)

// Codec converts between wire frames and messages.
type Codec interface {
	// Name is the value of the encoding query parameter selecting this codec.
	Name() string
	// FrameType is the WebSocket message type the codec writes.
	FrameType() int
	Encode(msg Outbound) ([]byte, error)
	Decode(frame []byte) (Inbound, error)
}

// CodecFor returns the codec named by an encoding query parameter.
// Unknown or empty names select JSON.
func CodecFor(name string) Codec {
	if name == (CBORCodec{}).Name() {
		return CBORCodec{}
	}
	return JSONCodec{}
}

// codecForFrame picks the decoder for an inbound frame type.
func codecForFrame(frameType int) Codec {
	if frameType == websocket.BinaryMessage {
		return CBORCodec{}
	}
	return JSONCodec{}
}

// JSONCodec encodes messages as JSON text frames.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) FrameType() int { return websocket.TextMessage }

func (JSONCodec) Encode(msg Outbound) ([]byte, error) {
	return json.Marshal(msg)
}

func (JSONCodec) Decode(frame []byte) (Inbound, error) {
	var env struct {
		Event Event           `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return decodeInbound(env.Event, env.Data, json.Unmarshal)
}

// cborEnc keeps sub-second precision on timestamps.
var cborEnc = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// CBORCodec encodes messages as CBOR binary frames.
type CBORCodec struct{}

func (CBORCodec) Name() string { return "cbor" }

func (CBORCodec) FrameType() int { return websocket.BinaryMessage }

func (CBORCodec) Encode(msg Outbound) ([]byte, error) {
	return cborEnc.Marshal(msg)
}

func (CBORCodec) Decode(frame []byte) (Inbound, error) {
	var env struct {
		Event Event           `cbor:"event"`
		Data  cbor.RawMessage `cbor:"data"`
	}
	if err := cbor.Unmarshal(frame, &env); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return decodeInbound(env.Event, env.Data, cbor.Unmarshal)
}

// decodeInbound interprets data according to event.
func decodeInbound(event Event, data []byte, unmarshal func([]byte, any) error) (Inbound, error) {
	in := Inbound{Event: event}

	switch event {
	case EventSubscribe, EventUnsubscribe:
		id, err := decodeTrackRef(data, unmarshal)
		if err != nil {
			return in, err
		}
		in.TrackID = id
	case EventLocationUpdate:
		if isEmpty(data) {
			return in, fmt.Errorf("%w: %s requires a payload", ErrMalformedFrame, event)
		}
		var req relay.SubmitRequest
		if err := unmarshal(data, &req); err != nil {
			return in, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		in.Report = &req
	case EventPing:
	case "":
		return in, fmt.Errorf("%w: missing event", ErrMalformedFrame)
	default:
		return in, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	return in, nil
}

// decodeTrackRef accepts either a bare identifier or {"trackId": ...}.
func decodeTrackRef(data []byte, unmarshal func([]byte, any) error) (string, error) {
	if isEmpty(data) {
		return "", fmt.Errorf("%w: missing trackId", ErrMalformedFrame)
	}
	var id string
	if err := unmarshal(data, &id); err == nil {
		return id, nil
	}
	var ref TrackRef
	if err := unmarshal(data, &ref); err != nil {
		return "", fmt.Errorf("%w: trackId must be a string or an object", ErrMalformedFrame)
	}
	return ref.TrackID, nil
}

func isEmpty(data []byte) bool {
	d := bytes.TrimSpace(data)
	// JSON null and CBOR null (0xf6) mean absent.
	return len(d) == 0 || bytes.Equal(d, []byte("null")) || bytes.Equal(d, []byte{0xf6})
}
