// Package envelope defines the typed message units exchanged between clients
// and the broker, and the codecs that move them on and off the wire.
//
// Four kinds exist:
//
//	subscribe    client -> broker, requires topic
//	unsubscribe  client -> broker, requires topic
//	publish      both directions, requires topic and message
//	ack          broker -> client, topic and correlation optional
//
// The message payload is opaque. Codecs keep it as the raw encoded value so
// the broker forwards it byte for byte without ever decoding it.
package envelope

import (
	"time"
)

// Kind is the envelope discriminant.
type Kind string

const (
	KindSubscribe   Kind = "subscribe"
	KindUnsubscribe Kind = "unsubscribe"
	KindPublish     Kind = "publish"
	KindAck         Kind = "ack"
)

// MaxTopicLength bounds the length of a topic name in characters.
const MaxTopicLength = 1024

// Valid reports whether k is one of the four known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindSubscribe, KindUnsubscribe, KindPublish, KindAck:
		return true
	}
	return false
}

func (k Kind) String() string {
	return string(k)
}

// Payload is an opaque message body in the encoding of the codec that
// produced it.
type Payload []byte

// Envelope is a single typed message unit.
type Envelope struct {
	Type        Kind      `validate:"required"`
	Timestamp   Timestamp `validate:"-"`
	Topic       string    `validate:"required_unless=Type ack,max=1024"`
	Message     Payload   `validate:"required_if=Type publish"`
	Correlation string    `validate:"max=1024"`
}

// Subscribe builds a subscribe intent for topic.
func Subscribe(topic string, at time.Time) Envelope {
	return Envelope{Type: KindSubscribe, Timestamp: Timestamp(at), Topic: topic}
}

// Unsubscribe builds an unsubscribe intent for topic.
func Unsubscribe(topic string, at time.Time) Envelope {
	return Envelope{Type: KindUnsubscribe, Timestamp: Timestamp(at), Topic: topic}
}

// Publish builds a publish envelope. correlation may be empty.
func Publish(topic string, message Payload, correlation string, at time.Time) Envelope {
	return Envelope{
		Type:        KindPublish,
		Timestamp:   Timestamp(at),
		Topic:       topic,
		Message:     message,
		Correlation: correlation,
	}
}

// Ack builds the acknowledgement for a publish on topic.
func Ack(topic, correlation string, at time.Time) Envelope {
	return Envelope{Type: KindAck, Timestamp: Timestamp(at), Topic: topic, Correlation: correlation}
}

// Delivery returns the publish envelope handed to subscribers: the original
// topic, message and timestamp without the publisher's correlation token.
func (e Envelope) Delivery() Envelope {
	return Envelope{
		Type:      KindPublish,
		Timestamp: e.Timestamp,
		Topic:     e.Topic,
		Message:   e.Message,
	}
}
