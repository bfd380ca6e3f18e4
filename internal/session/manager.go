package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/nfrund/topichub/internal/envelope"
	"github.com/nfrund/topichub/internal/policy"
	"github.com/nfrund/topichub/internal/router"
	"github.com/nfrund/topichub/internal/transport"
)

// ErrShuttingDown is returned by Accept once Shutdown has begun.
var ErrShuttingDown = errors.New("session manager is shutting down")

// Manager owns every live session. Registry entries refer to sessions by id
// only; the manager resolves ids back to sessions.
type Manager struct {
	registry Registry
	codec    envelope.Codec
	policy   policy.Authorizer
	observer Observer
	logger   *slog.Logger
	base     *slog.Logger // without the component attribute
	opts     Options

	mu       sync.RWMutex
	router   Router
	sessions map[string]*Session
	closed   bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithCodec sets the wire codec. The default is JSON.
func WithCodec(c envelope.Codec) Option {
	return func(m *Manager) {
		if c != nil {
			m.codec = c
		}
	}
}

// WithPolicy sets the authorizer consulted on subscribe and publish.
func WithPolicy(p policy.Authorizer) Option {
	return func(m *Manager) {
		if p != nil {
			m.policy = p
		}
	}
}

// WithObserver sets the observer for lifecycle and delivery signals.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithOptions sets per-session resource limits. Zero fields keep defaults.
func WithOptions(o Options) Option {
	return func(m *Manager) {
		def := DefaultOptions()
		if o.QueueSize <= 0 {
			o.QueueSize = def.QueueSize
		}
		if o.CloseGrace <= 0 {
			o.CloseGrace = def.CloseGrace
		}
		if o.WriteTimeout <= 0 {
			o.WriteTimeout = def.WriteTimeout
		}
		m.opts = o
	}
}

// NewManager creates a manager that records memberships in registry.
func NewManager(registry Registry, opts ...Option) *Manager {
	m := &Manager{
		registry: registry,
		codec:    envelope.JSON{},
		policy:   policy.AllowAll{},
		observer: NopObserver{},
		logger:   slog.Default(),
		opts:     DefaultOptions(),
		router:   nopRouter{},
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.base = m.logger
	m.logger = m.logger.With("component", "session_manager")
	return m
}

// UseRouter attaches the router that publishes are handed to. The router
// itself resolves recipients through the manager, so it is attached after
// construction. Sessions accepted earlier keep the router they started with.
func (m *Manager) UseRouter(r Router) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r == nil {
		r = nopRouter{}
	}
	m.router = r
}

// Codec returns the wire codec sessions use.
func (m *Manager) Codec() envelope.Codec { return m.codec }

// Accept registers a new session for conn in the Connecting state and
// returns its id. The caller runs it with Serve.
func (m *Manager) Accept(conn transport.Conn) (string, error) {
	id := uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrShuttingDown
	}

	s := &Session{
		id:       id,
		conn:     conn,
		codec:    m.codec,
		registry: m.registry,
		router:   m.router,
		policy:   m.policy,
		observer: m.observer,
		logger:   m.base.With("component", "session", "session_id", id),
		opts:     m.opts,
		out:      newOutbox(m.opts.QueueSize),
		onClose:  m.release,
		state:    StateConnecting,
		topics:   make(map[string]struct{}),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	m.sessions[id] = s
	m.logger.Debug("Session accepted", "session_id", id, "sessions", len(m.sessions))
	return id, nil
}

// Serve accepts conn and runs the resulting session until it closes.
func (m *Manager) Serve(ctx context.Context, conn transport.Conn) error {
	id, err := m.Accept(conn)
	if err != nil {
		_ = conn.Close(transport.CloseGoingAway, "broker shutting down")
		return err
	}
	s, ok := m.Resolve(id)
	if !ok {
		// Shutdown raced with Accept.
		return ErrShuttingDown
	}
	return s.Serve(ctx)
}

// Disconnect closes the session with id. It reports whether the session was
// live. Once Disconnect returns the session is absent from the registry.
func (m *Manager) Disconnect(id string) bool {
	s, ok := m.Resolve(id)
	if !ok {
		return false
	}
	s.Close()
	return true
}

// release runs when a session starts closing, however the close began.
func (m *Manager) release(s *Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.id]; ok && cur == s {
		delete(m.sessions, s.id)
	}
	remaining := len(m.sessions)
	m.mu.Unlock()

	topics := m.registry.RemoveSession(s.id)
	m.logger.Debug("Session released", "session_id", s.id, "topics", len(topics), "sessions", remaining)
}

// Resolve returns the live session with id.
func (m *Manager) Resolve(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Lookup implements router.Resolver.
func (m *Manager) Lookup(id string) (router.Recipient, bool) {
	s, ok := m.Resolve(id)
	if !ok {
		return nil, false
	}
	return s, true
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown refuses new sessions, closes every live one with a going-away
// code and waits until they have all finished or ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	m.logger.Info("Closing sessions", "count", len(live))
	for _, s := range live {
		s.CloseWith(transport.CloseGoingAway, "broker shutting down")
	}
	for _, s := range live {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
