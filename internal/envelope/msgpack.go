package envelope

import (
	"bytes"
	"fmt"
	"math"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// MsgPack is the binary codec. The message payload is a raw msgpack value.
type MsgPack struct{}

type msgpackEnvelope struct {
	Type        string             `msgpack:"type"`
	Timestamp   any                `msgpack:"timestamp,omitempty"`
	Topic       string             `msgpack:"topic,omitempty"`
	Message     msgpack.RawMessage `msgpack:"message,omitempty"`
	Correlation string             `msgpack:"correlation,omitempty"`
}

// msgpack nil marker
var msgpackNil = []byte{0xc0}

func (MsgPack) Name() string { return "msgpack" }

func (MsgPack) Binary() bool { return true }

// Encode implements Codec.
func (MsgPack) Encode(e Envelope) ([]byte, error) {
	if err := Validate(e); err != nil {
		return nil, err
	}
	wire := msgpackEnvelope{
		Type:        string(e.Type),
		Topic:       e.Topic,
		Message:     msgpack.RawMessage(e.Message),
		Correlation: e.Correlation,
	}
	if !e.Timestamp.IsZero() {
		wire.Timestamp = e.Timestamp.Time().UTC()
	}
	return msgpack.Marshal(&wire)
}

// Decode implements Codec.
func (MsgPack) Decode(frame []byte) (Envelope, error) {
	var head struct {
		Type any `msgpack:"type"`
	}
	if err := msgpack.Unmarshal(frame, &head); err != nil {
		return Envelope{}, malformed("", "", "not a msgpack map", err)
	}
	if head.Type == nil {
		return Envelope{}, malformed("", "type", "field is required", nil)
	}
	kind, ok := head.Type.(string)
	if !ok {
		return Envelope{}, malformed("", "type", "must be a string", nil)
	}
	if !Kind(kind).Valid() {
		return Envelope{}, unknownType(kind)
	}

	var wire msgpackEnvelope
	if err := msgpack.Unmarshal(frame, &wire); err != nil {
		return Envelope{}, malformed(kind, "", "invalid field", err)
	}
	e := Envelope{
		Type:        Kind(wire.Type),
		Topic:       wire.Topic,
		Correlation: wire.Correlation,
	}
	ts, err := msgpackTimestamp(wire.Timestamp)
	if err != nil {
		return Envelope{}, malformed(kind, "timestamp", "invalid field", err)
	}
	e.Timestamp = ts
	if len(wire.Message) > 0 && !bytes.Equal(wire.Message, msgpackNil) {
		e.Message = Payload(wire.Message)
	}
	if err := Validate(e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// msgpackTimestamp accepts the msgpack timestamp extension, an RFC 3339
// string, or epoch milliseconds as any integer or float.
func msgpackTimestamp(v any) (Timestamp, error) {
	var ts Timestamp
	switch t := v.(type) {
	case nil:
		return ts, nil
	case time.Time:
		return Timestamp(t.UTC()), nil
	case string:
		err := ts.parse(t)
		return ts, err
	case int8:
		return fromEpochMillis(int64(t)), nil
	case int16:
		return fromEpochMillis(int64(t)), nil
	case int32:
		return fromEpochMillis(int64(t)), nil
	case int64:
		return fromEpochMillis(t), nil
	case uint8:
		return fromEpochMillis(int64(t)), nil
	case uint16:
		return fromEpochMillis(int64(t)), nil
	case uint32:
		return fromEpochMillis(int64(t)), nil
	case uint64:
		if t > math.MaxInt64 {
			return ts, fmt.Errorf("timestamp %d: epoch milliseconds out of range", t)
		}
		return fromEpochMillis(int64(t)), nil
	case float32:
		return floatEpochMillis(float64(t))
	case float64:
		return floatEpochMillis(t)
	}
	return ts, fmt.Errorf("timestamp of type %T: not a string or epoch milliseconds", v)
}
