package envelope

import (
	"bytes"
	"encoding/json"
)

// JSON is the default text codec. The message payload is any JSON value and
// is carried as raw JSON.
type JSON struct{}

type jsonEnvelope struct {
	Type        Kind            `json:"type"`
	Timestamp   Timestamp       `json:"timestamp,omitzero"`
	Topic       string          `json:"topic,omitempty"`
	Message     json.RawMessage `json:"message,omitempty"`
	Correlation string          `json:"correlation,omitempty"`
}

// jsonHeader is every field but the message, which is spliced in as is.
type jsonHeader struct {
	Type        Kind      `json:"type"`
	Timestamp   Timestamp `json:"timestamp,omitzero"`
	Topic       string    `json:"topic,omitempty"`
	Correlation string    `json:"correlation,omitempty"`
}

var jsonMessageKey = []byte(`,"message":`)

func (JSON) Name() string { return "json" }

func (JSON) Binary() bool { return false }

// Encode implements Codec. The message bytes are written unchanged, so a
// payload keeps its whitespace and escaping.
func (JSON) Encode(e Envelope) ([]byte, error) {
	if err := Validate(e); err != nil {
		return nil, err
	}
	head, err := json.Marshal(jsonHeader{
		Type:        e.Type,
		Timestamp:   e.Timestamp,
		Topic:       e.Topic,
		Correlation: e.Correlation,
	})
	if err != nil {
		return nil, err
	}
	if len(e.Message) == 0 {
		return head, nil
	}
	if !json.Valid(e.Message) {
		return nil, malformed(string(e.Type), "message", "not a JSON value", nil)
	}

	out := make([]byte, 0, len(head)+len(jsonMessageKey)+len(e.Message))
	out = append(out, head[:len(head)-1]...)
	out = append(out, jsonMessageKey...)
	out = append(out, e.Message...)
	return append(out, '}'), nil
}

// Decode implements Codec.
func (JSON) Decode(frame []byte) (Envelope, error) {
	var head struct {
		Type json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(frame, &head); err != nil {
		return Envelope{}, malformed("", "", "not a JSON object", err)
	}
	if len(head.Type) == 0 || bytes.Equal(head.Type, []byte("null")) {
		return Envelope{}, malformed("", "type", "field is required", nil)
	}
	var kind string
	if err := json.Unmarshal(head.Type, &kind); err != nil {
		return Envelope{}, malformed("", "type", "must be a string", err)
	}
	if !Kind(kind).Valid() {
		return Envelope{}, unknownType(kind)
	}

	var wire jsonEnvelope
	if err := json.Unmarshal(frame, &wire); err != nil {
		return Envelope{}, malformed(kind, "", "invalid field", err)
	}
	e := Envelope{
		Type:        wire.Type,
		Timestamp:   wire.Timestamp,
		Topic:       wire.Topic,
		Correlation: wire.Correlation,
	}
	if len(wire.Message) > 0 && !bytes.Equal(wire.Message, []byte("null")) {
		e.Message = Payload(wire.Message)
	}
	if err := Validate(e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
