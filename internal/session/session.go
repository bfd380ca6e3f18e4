// Package session owns the broker side of each client connection: decoding
// intents, applying them to the subscription registry, handing publishes to
// the router and writing outbound envelopes back to the transport.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nfrund/topichub/internal/envelope"
	"github.com/nfrund/topichub/internal/policy"
	"github.com/nfrund/topichub/internal/router"
	"github.com/nfrund/topichub/internal/transport"
)

var (
	// ErrRegistryInconsistency reports that the registry disagreed with the
	// session's own record of its subscriptions.
	ErrRegistryInconsistency = errors.New("subscription registry inconsistent with session")
	// ErrUnexpectedAck is returned when a client sends an ack, which only the
	// broker may originate.
	ErrUnexpectedAck = errors.New("ack envelopes are broker-originated")
	// ErrNotOpen is returned for frames that arrive outside the Open state.
	ErrNotOpen = errors.New("session is not open")
	// ErrNotConnecting is returned by Serve on a session already served or
	// closed.
	ErrNotConnecting = errors.New("session is not connecting")
)

// State is a session lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Registry is the subset of the subscription registry a session mutates.
type Registry interface {
	Subscribe(topic, sessionID string) bool
	Unsubscribe(topic, sessionID string) bool
	RemoveSession(sessionID string) []string
}

// Router fans a publish out to subscribers.
type Router interface {
	Route(ctx context.Context, env envelope.Envelope, from string) router.Result
}

type nopRouter struct{}

func (nopRouter) Route(context.Context, envelope.Envelope, string) router.Result {
	return router.Result{}
}

// Options tunes per-session resources.
type Options struct {
	// QueueSize bounds the outbound queue.
	QueueSize int
	// CloseGrace bounds the outbound drain once a session starts closing.
	CloseGrace time.Duration
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		QueueSize:    256,
		CloseGrace:   5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Session is one client connection.
type Session struct {
	id       string
	conn     transport.Conn
	codec    envelope.Codec
	registry Registry
	router   Router
	policy   policy.Authorizer
	observer Observer
	logger   *slog.Logger
	opts     Options
	out      *outbox
	onClose  func(*Session)

	// mu guards the fields below and orders registry mutations against the
	// transition to Closing.
	mu          sync.Mutex
	state       State
	topics      map[string]struct{}
	closeCode   transport.CloseCode
	closeReason string

	closing       chan struct{}
	done          chan struct{}
	transportOnce sync.Once
	finishOnce    sync.Once
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Topics returns the sorted topics this session is subscribed to.
func (s *Session) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	topics := make([]string, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Dropped returns how many outbound envelopes were evicted by backpressure.
func (s *Session) Dropped() uint64 { return s.out.droppedCount() }

// Pending returns the number of envelopes waiting to be written.
func (s *Session) Pending() int { return s.out.len() }

// Done is closed once the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Serve runs the session until it closes. It moves the session to Open,
// processes inbound frames in arrival order and writes queued envelopes
// until the transport fails or Close is called.
func (s *Session) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return ErrNotConnecting
	}
	s.state = StateOpen
	s.mu.Unlock()

	s.observer.SessionOpened(s.id)
	s.logger.Debug("Session opened")

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		s.writeLoop()
	}()

	readDone := make(chan error, 1)
	go func() {
		readDone <- s.readLoop(readCtx)
	}()

	select {
	case err := <-readDone:
		s.readEnded(err)
		<-writeDone
	case <-s.closing:
		// The drain closes the transport, which unblocks the pending read.
		<-writeDone
		s.closeTransport()
		cancel()
		<-readDone
	}

	s.finish()
	return nil
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		frame, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		if err := s.OnFrame(ctx, frame); err != nil {
			return err
		}
	}
}

// readEnded closes the session after the read loop stopped on its own.
func (s *Session) readEnded(err error) {
	switch {
	case errors.Is(err, transport.ErrClosed):
		s.logger.Debug("Peer closed connection")
		s.closeWith(transport.CloseNormal, "peer closed")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.closeWith(transport.CloseGoingAway, "broker shutting down")
	default:
		// Frame handling errors have already closed the session.
		if s.State() == StateOpen {
			s.logger.Warn("Transport read failed", "error", err)
		}
		s.closeWith(transport.CloseGoingAway, "transport error")
	}
}

// OnFrame decodes and applies one inbound frame. Subscribe and unsubscribe
// take effect on the registry before OnFrame returns. A publish is routed and
// then acknowledged to this session. Any returned error has already closed
// the session.
func (s *Session) OnFrame(ctx context.Context, frame []byte) error {
	if s.State() != StateOpen {
		return ErrNotOpen
	}

	env, err := s.codec.Decode(frame)
	if err != nil {
		return s.protocolError(err)
	}

	switch env.Type {
	case envelope.KindSubscribe:
		return s.subscribe(env.Topic)
	case envelope.KindUnsubscribe:
		return s.unsubscribe(env.Topic)
	case envelope.KindPublish:
		return s.publish(ctx, env)
	default:
		return s.protocolError(ErrUnexpectedAck)
	}
}

func (s *Session) subscribe(topic string) error {
	if err := s.policy.CanSubscribe(topic); err != nil {
		return s.deny(topic, err)
	}

	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return ErrNotOpen
	}
	_, had := s.topics[topic]
	added := s.registry.Subscribe(topic, s.id)
	if added == had {
		s.mu.Unlock()
		return s.inconsistent("subscribe", topic, had)
	}
	s.topics[topic] = struct{}{}
	s.mu.Unlock()

	s.logger.Debug("Subscribed", "topic", topic)
	return nil
}

func (s *Session) unsubscribe(topic string) error {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return ErrNotOpen
	}
	_, had := s.topics[topic]
	removed := s.registry.Unsubscribe(topic, s.id)
	if removed != had {
		s.mu.Unlock()
		return s.inconsistent("unsubscribe", topic, had)
	}
	delete(s.topics, topic)
	s.mu.Unlock()

	if removed {
		s.logger.Debug("Unsubscribed", "topic", topic)
	}
	return nil
}

func (s *Session) publish(ctx context.Context, env envelope.Envelope) error {
	if err := s.policy.CanPublish(env.Topic); err != nil {
		return s.deny(env.Topic, err)
	}

	res := s.router.Route(ctx, env, s.id)
	s.Enqueue(envelope.Ack(env.Topic, env.Correlation, time.Now()))
	s.observer.Acked(s.id, env.Topic)

	s.logger.Debug("Published",
		"topic", env.Topic,
		"recipients", res.Recipients,
		"enqueued", res.Enqueued,
		"skipped", res.Skipped)
	return nil
}

func (s *Session) protocolError(err error) error {
	s.observer.ProtocolError(s.id, err)
	s.logger.Warn("Protocol error, closing session", "error", err)
	s.closeWith(transport.CloseProtocolError, "protocol error: "+err.Error())
	return err
}

func (s *Session) deny(topic string, err error) error {
	s.observer.Denied(s.id, topic, err)
	s.logger.Info("Intent denied, closing session", "topic", topic, "error", err)
	s.closeWith(transport.ClosePolicyViolation, "topic not permitted")
	return err
}

func (s *Session) inconsistent(op, topic string, had bool) error {
	err := fmt.Errorf("%w: %s %q (session had it: %t)", ErrRegistryInconsistency, op, topic, had)
	s.logger.Error("Registry inconsistency, disconnecting session", "topic", topic, "error", err)
	s.closeWith(transport.CloseInternalError, "internal error")
	return err
}

// Enqueue queues env for delivery to this client without blocking. When the
// queue is full the oldest entry is evicted. It reports false once the
// session is closing.
func (s *Session) Enqueue(env envelope.Envelope) bool {
	evicted, ok := s.out.push(env)
	if !ok {
		return false
	}
	if evicted != nil {
		s.observer.Dropped(s.id, evicted.Topic)
		s.logger.Debug("Outbound queue full, dropped oldest", "topic", evicted.Topic)
	}
	return true
}

// Close starts an orderly close. It is idempotent.
func (s *Session) Close() {
	s.closeWith(transport.CloseNormal, "closed by broker")
}

// CloseWith starts a close that reports code and reason to the peer. Only
// the first close of a session takes effect.
func (s *Session) CloseWith(code transport.CloseCode, reason string) {
	s.closeWith(code, reason)
}

func (s *Session) closeWith(code transport.CloseCode, reason string) {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	served := s.state == StateOpen
	s.state = StateClosing
	s.closeCode, s.closeReason = code, reason
	s.mu.Unlock()

	s.out.seal()
	close(s.closing)
	s.logger.Debug("Session closing", "code", code.String(), "reason", reason)

	if s.onClose != nil {
		s.onClose(s)
	}
	if !served {
		s.finish()
	}
}

func (s *Session) writeLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.enforceGrace(ctx, cancel)

	for {
		select {
		case <-s.out.ready:
			if err := s.flush(ctx); err != nil {
				s.writeFailed(err)
				return
			}
		case <-s.closing:
			if err := s.flush(ctx); err != nil {
				s.logger.Debug("Outbound drain stopped", "error", err, "pending", s.out.len())
			}
			s.closeTransport()
			return
		}
	}
}

// enforceGrace cancels outbound writes once the session has been closing for
// longer than the close grace.
func (s *Session) enforceGrace(ctx context.Context, cancel context.CancelFunc) {
	select {
	case <-ctx.Done():
		return
	case <-s.closing:
	}
	timer := time.NewTimer(s.opts.CloseGrace)
	defer timer.Stop()
	select {
	case <-timer.C:
		cancel()
	case <-ctx.Done():
	}
}

func (s *Session) writeFailed(err error) {
	if s.State() == StateOpen {
		s.logger.Debug("Write failed", "error", err)
		s.closeWith(transport.CloseGoingAway, "write failed")
	} else {
		s.logger.Debug("Outbound drain stopped", "error", err, "pending", s.out.len())
	}
	s.closeTransport()
}

func (s *Session) flush(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		env, ok := s.out.pop()
		if !ok {
			return nil
		}
		if err := s.write(ctx, env); err != nil {
			return err
		}
	}
}

func (s *Session) write(parent context.Context, env envelope.Envelope) error {
	frame, err := s.codec.Encode(env)
	if err != nil {
		s.logger.Error("Dropping unencodable envelope", "type", env.Type.String(), "error", err)
		return nil
	}
	ctx, cancel := context.WithTimeout(parent, s.opts.WriteTimeout)
	defer cancel()
	return s.conn.Write(ctx, frame)
}

func (s *Session) closeTransport() {
	s.transportOnce.Do(func() {
		s.mu.Lock()
		code, reason := s.closeCode, s.closeReason
		s.mu.Unlock()
		if err := s.conn.Close(code, reason); err != nil {
			s.logger.Debug("Transport close failed", "error", err)
		}
	})
}

func (s *Session) finish() {
	s.finishOnce.Do(func() {
		if n := s.out.discard(); n > 0 {
			s.logger.Debug("Discarded undelivered envelopes", "count", n)
		}
		s.closeTransport()

		s.mu.Lock()
		s.state = StateClosed
		reason := s.closeReason
		s.mu.Unlock()

		s.observer.SessionClosed(s.id, reason)
		s.logger.Debug("Session closed", "reason", reason)
		close(s.done)
	})
}
