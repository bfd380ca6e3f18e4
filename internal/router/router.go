// Package router fans a published envelope out to every session subscribed to
// its topic.
package router

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nfrund/topichub/internal/envelope"
)

// Recipient is anything the router can hand a delivery to. Enqueue must not
// block and reports false when the recipient no longer accepts deliveries.
type Recipient interface {
	Enqueue(env envelope.Envelope) bool
}

// Resolver looks up a live recipient by session id.
type Resolver interface {
	Lookup(sessionID string) (Recipient, bool)
}

// Directory lists the subscribers of a topic.
type Directory interface {
	SubscribersOf(topic string) []string
}

// Observer is notified after every fan-out.
type Observer interface {
	Routed(topic string, res Result)
}

// Result summarizes one fan-out.
type Result struct {
	// Recipients is the subscriber count at snapshot time.
	Recipients int
	// Enqueued counts deliveries accepted by a recipient.
	Enqueued int
	// Skipped counts subscribers that had disconnected or were closing.
	Skipped int
}

// Router delivers publish envelopes to subscriber queues.
type Router struct {
	directory Directory
	resolver  Resolver
	tracer    trace.Tracer
	observer  Observer
}

// Option configures a Router.
type Option func(*Router)

// WithTracer wraps every Route call in a span from tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Router) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// WithObserver registers an observer for fan-out results.
func WithObserver(o Observer) Option {
	return func(r *Router) {
		r.observer = o
	}
}

// New creates a router reading membership from directory and resolving
// session ids through resolver.
func New(directory Directory, resolver Resolver, opts ...Option) *Router {
	r := &Router{
		directory: directory,
		resolver:  resolver,
		tracer:    noop.NewTracerProvider().Tracer("router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route delivers env to the subscribers of env.Topic as they were at the
// moment of the call. Subscribers that can no longer be resolved are skipped
// silently. The publisher's correlation token is not forwarded. Route never
// waits on a recipient.
func (r *Router) Route(ctx context.Context, env envelope.Envelope, from string) Result {
	_, span := r.tracer.Start(ctx, "router.route",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("messaging.destination", env.Topic),
			attribute.String("topichub.session_id", from),
			attribute.Int("messaging.message_payload_size_bytes", len(env.Message)),
		),
	)
	defer span.End()

	ids := r.directory.SubscribersOf(env.Topic)
	res := Result{Recipients: len(ids)}
	if len(ids) > 0 {
		delivery := env.Delivery()
		for _, id := range ids {
			rcpt, ok := r.resolver.Lookup(id)
			if !ok || !rcpt.Enqueue(delivery) {
				res.Skipped++
				continue
			}
			res.Enqueued++
		}
	}

	span.SetAttributes(
		attribute.Int("topichub.fanout.recipients", res.Recipients),
		attribute.Int("topichub.fanout.enqueued", res.Enqueued),
		attribute.Int("topichub.fanout.skipped", res.Skipped),
	)
	if r.observer != nil {
		r.observer.Routed(env.Topic, res)
	}
	return res
}
