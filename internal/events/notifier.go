package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBacklog is how many events a Notifier holds while the bus is busy.
const DefaultBacklog = 1024

// Bus topics for broker lifecycle events.
const (
	TopicSessionOpened = "session.opened"
	TopicSessionClosed = "session.closed"
	TopicPublishAcked  = "publish.acked"
	TopicDeliveryDrop  = "delivery.dropped"
	TopicProtocolError = "session.protocol_error"
	TopicIntentDenied  = "session.denied"
)

// Topics lists every lifecycle topic.
var Topics = []string{
	TopicSessionOpened,
	TopicSessionClosed,
	TopicPublishAcked,
	TopicDeliveryDrop,
	TopicProtocolError,
	TopicIntentDenied,
}

// Event is the JSON payload of a lifecycle message.
type Event struct {
	SessionID string    `json:"session_id"`
	Topic     string    `json:"topic,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Notifier turns session signals into bus messages. It satisfies
// session.Observer.
//
// Events are queued and published by a single worker, so session goroutines
// never wait on the bus. When the backlog is full new events are shed.
type Notifier struct {
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	closed  bool
	backlog chan Message
	done    chan struct{}
	shed    atomic.Uint64
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithBacklog sets how many events may wait for the bus. Values below one
// are ignored.
func WithBacklog(n int) NotifierOption {
	return func(no *Notifier) {
		if n > 0 {
			no.backlog = make(chan Message, n)
		}
	}
}

// NewNotifier publishes lifecycle events to pub until Close.
func NewNotifier(pub Publisher, logger *slog.Logger, opts ...NotifierOption) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{
		pub:     pub,
		logger:  logger.With("component", "events"),
		now:     time.Now,
		backlog: make(chan Message, DefaultBacklog),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	go n.run()
	return n
}

func (n *Notifier) run() {
	defer close(n.done)
	for msg := range n.backlog {
		if err := n.pub.Publish(context.Background(), msg); err != nil {
			n.logger.Warn("Failed to publish event", "topic", msg.Topic, "error", err)
		}
	}
}

// Shed returns how many events were dropped because the backlog was full.
func (n *Notifier) Shed() uint64 {
	return n.shed.Load()
}

// Close publishes what is queued and stops the worker. Events emitted after
// Close are discarded.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.backlog)
	}
	n.mu.Unlock()

	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Notifier) emit(topic string, ev Event) {
	ev.At = n.now().UTC()
	payload, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error("Failed to encode event", "topic", topic, "error", err)
		return
	}
	msg := Message{Topic: topic, SessionID: ev.SessionID, Payload: payload}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.backlog <- msg:
	default:
		if n.shed.Add(1) == 1 {
			n.logger.Warn("Event backlog full, shedding events", "topic", topic)
		}
	}
}

func (n *Notifier) SessionOpened(id string) {
	n.emit(TopicSessionOpened, Event{SessionID: id})
}

func (n *Notifier) SessionClosed(id, reason string) {
	n.emit(TopicSessionClosed, Event{SessionID: id, Reason: reason})
}

func (n *Notifier) Acked(id, topic string) {
	n.emit(TopicPublishAcked, Event{SessionID: id, Topic: topic})
}

func (n *Notifier) Dropped(id, topic string) {
	n.emit(TopicDeliveryDrop, Event{SessionID: id, Topic: topic})
}

func (n *Notifier) ProtocolError(id string, err error) {
	n.emit(TopicProtocolError, Event{SessionID: id, Error: err.Error()})
}

func (n *Notifier) Denied(id, topic string, err error) {
	n.emit(TopicIntentDenied, Event{SessionID: id, Topic: topic, Error: err.Error()})
}

// LogSink subscribes to every lifecycle topic and writes each event to
// logger. Acks and drops log at debug level, everything else at info.
func LogSink(ctx context.Context, sub Subscriber, logger *slog.Logger) error {
	logger = logger.With("component", "events")
	for _, topic := range Topics {
		level := slog.LevelInfo
		if topic == TopicPublishAcked || topic == TopicDeliveryDrop {
			level = slog.LevelDebug
		}
		err := sub.Subscribe(ctx, topic, func(ctx context.Context, msg Message) error {
			var ev Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				return err
			}
			logger.Log(ctx, level, "Broker event",
				"event", msg.Topic,
				"session_id", ev.SessionID,
				"topic", ev.Topic,
				"reason", ev.Reason,
				"error", ev.Error)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
