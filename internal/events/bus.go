// Package events carries broker lifecycle notifications (sessions opening and
// closing, acks, drops, rejected frames) on an in-process watermill bus so
// that logging, auditing and other side consumers stay off the delivery path.
package events

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.opentelemetry.io/otel/trace"
)

// Message is one notification on the bus.
type Message struct {
	// Topic is the bus topic, e.g. "session.opened".
	Topic string
	// SessionID identifies the broker session the event is about.
	SessionID string
	// Payload is the JSON encoded Event.
	Payload []byte
	// Metadata holds extra key/value context.
	Metadata map[string]string
}

// Handler processes a received message.
type Handler func(ctx context.Context, msg Message) error

// Publisher sends messages to the bus.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Subscriber receives messages from the bus.
type Subscriber interface {
	// Subscribe starts delivering messages on topic to handler in the
	// background until ctx is done or the bus closes.
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Close() error
}

const (
	metaKeySessionID = "session_id"
	metaKeyTopic     = "topic"
)

// Bus implements Publisher and Subscriber over watermill's GoChannel.
type Bus struct {
	pub    message.Publisher
	sub    message.Subscriber
	tracer trace.Tracer
	logger *slog.Logger
}

// outputBuffer is the per-subscriber channel depth.
const outputBuffer = 64

// NewBus creates an in-memory bus. Publish returns once every subscriber
// has handled the message. A nil tracer disables span creation.
func NewBus(logger *slog.Logger, tracer trace.Tracer) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	wmLogger := watermill.NewStdLogger(false, false)
	goChannel := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            outputBuffer,
		BlockPublishUntilSubscriberAck: true,
	}, wmLogger)

	var pub message.Publisher = goChannel
	if tracer != nil {
		pub = NewPublisherTracingMiddleware(goChannel, tracer)
	}
	return &Bus{
		pub:    pub,
		sub:    goChannel,
		tracer: tracer,
		logger: logger.With("component", "events"),
	}
}

func toWatermill(ctx context.Context, msg Message) *message.Message {
	wmMsg := message.NewMessage(watermill.NewUUID(), msg.Payload)
	wmMsg.Metadata.Set(metaKeySessionID, msg.SessionID)
	wmMsg.Metadata.Set(metaKeyTopic, msg.Topic)
	for k, v := range msg.Metadata {
		wmMsg.Metadata.Set(k, v)
	}
	wmMsg.SetContext(ctx)
	return wmMsg
}

func fromWatermill(wmMsg *message.Message) Message {
	metadata := make(map[string]string)
	for k, v := range wmMsg.Metadata {
		if k != metaKeySessionID && k != metaKeyTopic {
			metadata[k] = v
		}
	}
	return Message{
		Topic:     wmMsg.Metadata.Get(metaKeyTopic),
		SessionID: wmMsg.Metadata.Get(metaKeySessionID),
		Payload:   wmMsg.Payload,
		Metadata:  metadata,
	}
}

// Publish implements Publisher.
func (b *Bus) Publish(ctx context.Context, msg Message) error {
	return b.pub.Publish(msg.Topic, toWatermill(ctx, msg))
}

// Subscribe implements Subscriber.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	messages, err := b.sub.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	if b.tracer != nil {
		handler = traceHandler(b.tracer, topic, handler)
	}

	go func() {
		for wmMsg := range messages {
			// GoChannel redelivers nacked messages forever, so handler
			// failures are logged and the message is still acked.
			if err := handler(ctx, fromWatermill(wmMsg)); err != nil {
				b.logger.Error("Failed to handle event", "topic", topic, "msg_id", wmMsg.UUID, "error", err)
			}
			wmMsg.Ack()
		}
		b.logger.Debug("Event subscription ended", "topic", topic)
	}()
	return nil
}

// Close implements Publisher and Subscriber.
func (b *Bus) Close() error {
	return b.sub.Close()
}
