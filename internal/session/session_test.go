package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/topichub/internal/envelope"
	"github.com/nfrund/topichub/internal/policy"
	"github.com/nfrund/topichub/internal/router"
	"github.com/nfrund/topichub/internal/subscription"
	"github.com/nfrund/topichub/internal/transport"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// fakeConn is an in-memory transport.Conn.
type fakeConn struct {
	in     chan []byte
	eof    chan struct{}
	closed chan struct{}
	gate   chan struct{} // when non-nil, writes wait for it to close

	mu        sync.Mutex
	written   [][]byte
	closeOnce sync.Once
	code      transport.CloseCode
	reason    string
	hangOnce  sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		eof:    make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.eof:
		return nil, transport.ErrClosed
	case <-c.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, frame []byte) error {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), frame...))
	return nil
}

func (c *fakeConn) Close(code transport.CloseCode, reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.code, c.reason = code, reason
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

// hangup simulates the peer going away.
func (c *fakeConn) hangup() {
	c.hangOnce.Do(func() { close(c.eof) })
}

func (c *fakeConn) send(frame string) {
	c.in <- []byte(frame)
}

func (c *fakeConn) frames(t *testing.T) []envelope.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]envelope.Envelope, 0, len(c.written))
	for _, f := range c.written {
		env, err := envelope.JSON{}.Decode(f)
		if !assert.NoError(t, err) {
			continue
		}
		out = append(out, env)
	}
	return out
}

func (c *fakeConn) closeCode() (transport.CloseCode, bool) {
	select {
	case <-c.closed:
	default:
		return 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code, true
}

// recordingObserver collects session signals.
type recordingObserver struct {
	mu             sync.Mutex
	opened         []string
	closed         []string
	acked          []string
	dropped        []string
	protocolErrors []error
	denied         []string
}

func (o *recordingObserver) SessionOpened(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, id)
}

func (o *recordingObserver) SessionClosed(id, _ string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = append(o.closed, id)
}

func (o *recordingObserver) Acked(_, topic string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.acked = append(o.acked, topic)
}

func (o *recordingObserver) Dropped(_, topic string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropped = append(o.dropped, topic)
}

func (o *recordingObserver) ProtocolError(_ string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.protocolErrors = append(o.protocolErrors, err)
}

func (o *recordingObserver) Denied(_, topic string, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.denied = append(o.denied, topic)
}

func (o *recordingObserver) snapshot() recordingObserver {
	o.mu.Lock()
	defer o.mu.Unlock()
	return recordingObserver{
		opened:         append([]string(nil), o.opened...),
		closed:         append([]string(nil), o.closed...),
		acked:          append([]string(nil), o.acked...),
		dropped:        append([]string(nil), o.dropped...),
		protocolErrors: append([]error(nil), o.protocolErrors...),
		denied:         append([]string(nil), o.denied...),
	}
}

type broker struct {
	reg *subscription.Registry
	mgr *Manager
}

func newBroker(t *testing.T, opts ...Option) *broker {
	t.Helper()
	reg := subscription.NewRegistry()
	mgr := NewManager(reg, opts...)
	mgr.UseRouter(router.New(reg, mgr))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return &broker{reg: reg, mgr: mgr}
}

// connect accepts and serves a new session and waits for it to open.
func (b *broker) connect(t *testing.T) (*Session, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	id, err := b.mgr.Accept(conn)
	require.NoError(t, err)
	s, ok := b.mgr.Resolve(id)
	require.True(t, ok)
	go func() { _ = s.Serve(context.Background()) }()
	require.Eventually(t, func() bool { return s.State() == StateOpen }, waitFor, tick)
	return s, conn
}

func waitClosed(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatalf("session %s did not close", s.ID())
	}
}

func TestSession_Lifecycle(t *testing.T) {
	obs := &recordingObserver{}
	b := newBroker(t, WithObserver(obs))

	conn := newFakeConn()
	id, err := b.mgr.Accept(conn)
	require.NoError(t, err)
	s, ok := b.mgr.Resolve(id)
	require.True(t, ok)
	assert.Equal(t, StateConnecting, s.State())

	served := make(chan error, 1)
	go func() { served <- s.Serve(context.Background()) }()
	require.Eventually(t, func() bool { return s.State() == StateOpen }, waitFor, tick)

	s.Close()
	s.Close()
	waitClosed(t, s)
	assert.NoError(t, <-served)
	assert.Equal(t, StateClosed, s.State())

	code, closed := conn.closeCode()
	require.True(t, closed)
	assert.Equal(t, transport.CloseNormal, code)
	assert.ErrorIs(t, s.Serve(context.Background()), ErrNotConnecting)

	snap := obs.snapshot()
	assert.Equal(t, []string{id}, snap.opened)
	assert.Equal(t, []string{id}, snap.closed)
	_, live := b.mgr.Resolve(id)
	assert.False(t, live)
}

func TestSession_CloseBeforeServe(t *testing.T) {
	b := newBroker(t)
	conn := newFakeConn()
	id, err := b.mgr.Accept(conn)
	require.NoError(t, err)
	s, _ := b.mgr.Resolve(id)

	s.Close()
	waitClosed(t, s)
	assert.Equal(t, StateClosed, s.State())
	assert.ErrorIs(t, s.Serve(context.Background()), ErrNotConnecting)
}

func TestSession_PublishReachesSubscriber(t *testing.T) {
	b := newBroker(t)
	a, aConn := b.connect(t)
	_, pubConn := b.connect(t)

	aConn.send(`{"type":"subscribe","topic":"weather"}`)
	require.Eventually(t, func() bool { return b.reg.IsSubscribed("weather", a.ID()) }, waitFor, tick)

	pubConn.send(`{"type":"publish","topic":"weather","message":"rain","correlation":"k1"}`)

	require.Eventually(t, func() bool { return len(aConn.frames(t)) == 1 }, waitFor, tick)
	got := aConn.frames(t)[0]
	assert.Equal(t, envelope.KindPublish, got.Type)
	assert.Equal(t, "weather", got.Topic)
	assert.JSONEq(t, `"rain"`, string(got.Message))
	assert.Empty(t, got.Correlation)

	require.Eventually(t, func() bool { return len(pubConn.frames(t)) == 1 }, waitFor, tick)
	ack := pubConn.frames(t)[0]
	assert.Equal(t, envelope.KindAck, ack.Type)
	assert.Equal(t, "weather", ack.Topic)
	assert.Equal(t, "k1", ack.Correlation)
	assert.False(t, ack.Timestamp.IsZero())
}

func TestSession_PublishToUnusedTopicIsAcked(t *testing.T) {
	obs := &recordingObserver{}
	b := newBroker(t, WithObserver(obs))
	_, other := b.connect(t)
	_, c := b.connect(t)

	c.send(`{"type":"publish","topic":"unused","message":{"n":1}}`)

	require.Eventually(t, func() bool { return len(c.frames(t)) == 1 }, waitFor, tick)
	assert.Equal(t, envelope.KindAck, c.frames(t)[0].Type)
	assert.Equal(t, []string{"unused"}, obs.snapshot().acked)
	assert.Empty(t, other.frames(t))
}

func TestSession_DisconnectedSubscriberIsNotDelivered(t *testing.T) {
	b := newBroker(t)
	d, dConn := b.connect(t)
	_, eConn := b.connect(t)

	dConn.send(`{"type":"subscribe","topic":"x"}`)
	require.Eventually(t, func() bool { return b.reg.IsSubscribed("x", d.ID()) }, waitFor, tick)

	require.True(t, b.mgr.Disconnect(d.ID()))
	assert.Empty(t, b.reg.SubscribersOf("x"), "disconnect must purge registry before returning")
	assert.False(t, b.mgr.Disconnect(d.ID()))
	waitClosed(t, d)

	eConn.send(`{"type":"publish","topic":"x","message":1}`)
	require.Eventually(t, func() bool { return len(eConn.frames(t)) == 1 }, waitFor, tick)
	assert.Equal(t, envelope.KindAck, eConn.frames(t)[0].Type)
	assert.Empty(t, dConn.frames(t))
}

func TestSession_MalformedFrameClosesOnlyThatSession(t *testing.T) {
	obs := &recordingObserver{}
	b := newBroker(t, WithObserver(obs))
	g, gConn := b.connect(t)
	f, fConn := b.connect(t)

	gConn.send(`{"type":"subscribe","topic":"weather"}`)
	require.Eventually(t, func() bool { return b.reg.IsSubscribed("weather", g.ID()) }, waitFor, tick)
	before := b.reg.Stats()

	fConn.send(`{"type":"bogus"}`)
	waitClosed(t, f)

	code, _ := fConn.closeCode()
	assert.Equal(t, transport.CloseProtocolError, code)
	assert.Equal(t, before, b.reg.Stats())
	errs := obs.snapshot().protocolErrors
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], envelope.ErrUnknownType)

	assert.Equal(t, StateOpen, g.State())
	assert.Equal(t, 1, b.mgr.Count())
}

func TestSession_ClientAckIsProtocolError(t *testing.T) {
	b := newBroker(t)
	s, conn := b.connect(t)

	conn.send(`{"type":"ack","topic":"weather"}`)
	waitClosed(t, s)

	code, _ := conn.closeCode()
	assert.Equal(t, transport.CloseProtocolError, code)
}

func TestSession_PublishAfterOwnSubscribeSeesItself(t *testing.T) {
	b := newBroker(t)
	_, conn := b.connect(t)

	conn.send(`{"type":"subscribe","topic":"echo"}`)
	conn.send(`{"type":"publish","topic":"echo","message":"hi","correlation":"c"}`)

	require.Eventually(t, func() bool { return len(conn.frames(t)) == 2 }, waitFor, tick)
	frames := conn.frames(t)
	assert.Equal(t, envelope.KindPublish, frames[0].Type)
	assert.Equal(t, envelope.KindAck, frames[1].Type)
	assert.Equal(t, "c", frames[1].Correlation)
}

func TestSession_IntentsApplyInArrivalOrder(t *testing.T) {
	b := newBroker(t)
	s, conn := b.connect(t)

	conn.send(`{"type":"subscribe","topic":"a"}`)
	conn.send(`{"type":"subscribe","topic":"b"}`)
	conn.send(`{"type":"unsubscribe","topic":"a"}`)
	conn.send(`{"type":"subscribe","topic":"b"}`)
	conn.send(`{"type":"unsubscribe","topic":"never"}`)
	conn.send(`{"type":"publish","topic":"b","message":true}`)

	require.Eventually(t, func() bool { return len(conn.frames(t)) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"b"}, s.Topics())
	assert.Equal(t, []string{"b"}, b.reg.TopicsOf(s.ID()))
}

func TestSession_DropsOldestWhenQueueFull(t *testing.T) {
	obs := &recordingObserver{}
	b := newBroker(t, WithObserver(obs), WithOptions(Options{QueueSize: 2}))

	conn := newFakeConn()
	id, err := b.mgr.Accept(conn)
	require.NoError(t, err)
	s, _ := b.mgr.Resolve(id)

	at := time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)
	for _, topic := range []string{"one", "two", "three"} {
		assert.True(t, s.Enqueue(envelope.Publish(topic, envelope.Payload(`1`), "", at)))
	}
	assert.Equal(t, uint64(1), s.Dropped())
	assert.Equal(t, 2, s.Pending())
	assert.Equal(t, []string{"one"}, obs.snapshot().dropped)

	go func() { _ = s.Serve(context.Background()) }()
	require.Eventually(t, func() bool { return len(conn.frames(t)) == 2 }, waitFor, tick)
	frames := conn.frames(t)
	assert.Equal(t, "two", frames[0].Topic)
	assert.Equal(t, "three", frames[1].Topic)
}

func TestSession_CloseDrainsQueue(t *testing.T) {
	b := newBroker(t)
	conn := newFakeConn()
	conn.gate = make(chan struct{})
	id, err := b.mgr.Accept(conn)
	require.NoError(t, err)
	s, _ := b.mgr.Resolve(id)
	go func() { _ = s.Serve(context.Background()) }()
	require.Eventually(t, func() bool { return s.State() == StateOpen }, waitFor, tick)

	at := time.Now()
	for i := 0; i < 3; i++ {
		s.Enqueue(envelope.Publish("t", envelope.Payload(`1`), "", at))
	}
	s.Close()
	assert.False(t, s.Enqueue(envelope.Publish("t", envelope.Payload(`1`), "", at)), "closing session must refuse deliveries")
	assert.Equal(t, StateClosing, s.State())

	close(conn.gate)
	waitClosed(t, s)
	assert.Len(t, conn.frames(t), 3)
}

func TestSession_GraceBoundsDrain(t *testing.T) {
	b := newBroker(t, WithOptions(Options{CloseGrace: 50 * time.Millisecond, WriteTimeout: time.Hour}))
	conn := newFakeConn()
	conn.gate = make(chan struct{}) // never opened
	id, err := b.mgr.Accept(conn)
	require.NoError(t, err)
	s, _ := b.mgr.Resolve(id)
	go func() { _ = s.Serve(context.Background()) }()
	require.Eventually(t, func() bool { return s.State() == StateOpen }, waitFor, tick)

	for i := 0; i < 5; i++ {
		s.Enqueue(envelope.Publish("t", envelope.Payload(`1`), "", time.Now()))
	}
	start := time.Now()
	s.Close()
	waitClosed(t, s)

	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, conn.frames(t))
	assert.Zero(t, s.Pending())
}

func TestSession_PeerHangupPurgesRegistry(t *testing.T) {
	b := newBroker(t)
	s, conn := b.connect(t)

	conn.send(`{"type":"subscribe","topic":"a"}`)
	conn.send(`{"type":"subscribe","topic":"b"}`)
	require.Eventually(t, func() bool { return len(b.reg.TopicsOf(s.ID())) == 2 }, waitFor, tick)

	conn.hangup()
	waitClosed(t, s)
	assert.Equal(t, subscription.Stats{}, b.reg.Stats())
	assert.Zero(t, b.mgr.Count())
}

func TestSession_PolicyDenialCloses(t *testing.T) {
	obs := &recordingObserver{}
	rules := policy.Rules{Subscribe: []string{"public.*"}, Publish: []string{"public.*"}}
	b := newBroker(t, WithObserver(obs), WithPolicy(rules))

	s, conn := b.connect(t)
	conn.send(`{"type":"subscribe","topic":"public.news"}`)
	conn.send(`{"type":"subscribe","topic":"secret"}`)
	waitClosed(t, s)

	code, _ := conn.closeCode()
	assert.Equal(t, transport.ClosePolicyViolation, code)
	assert.Equal(t, []string{"secret"}, obs.snapshot().denied)
	assert.Empty(t, b.reg.Topics())
}

func TestSession_DeniedPublishIsNotRouted(t *testing.T) {
	rules := policy.Rules{Subscribe: []string{"*"}}
	b := newBroker(t, WithPolicy(rules))

	sub, subConn := b.connect(t)
	subConn.send(`{"type":"subscribe","topic":"weather"}`)
	require.Eventually(t, func() bool { return b.reg.IsSubscribed("weather", sub.ID()) }, waitFor, tick)

	pub, pubConn := b.connect(t)
	pubConn.send(`{"type":"publish","topic":"weather","message":"rain"}`)
	waitClosed(t, pub)

	assert.Empty(t, subConn.frames(t))
	assert.Empty(t, pubConn.frames(t), "no ack for a denied publish")
}

// flakyRegistry claims every subscribe was already present.
type flakyRegistry struct {
	*subscription.Registry
}

func (flakyRegistry) Subscribe(string, string) bool { return false }

func TestSession_RegistryInconsistencyDisconnects(t *testing.T) {
	reg := flakyRegistry{subscription.NewRegistry()}
	mgr := NewManager(reg)
	conn := newFakeConn()
	id, err := mgr.Accept(conn)
	require.NoError(t, err)
	s, _ := mgr.Resolve(id)

	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = s.Serve(context.Background())
	}()
	require.Eventually(t, func() bool { return s.State() == StateOpen }, waitFor, tick)

	err = s.OnFrame(context.Background(), []byte(`{"type":"subscribe","topic":"t"}`))
	assert.ErrorIs(t, err, ErrRegistryInconsistency)
	waitClosed(t, s)
	<-served

	code, _ := conn.closeCode()
	assert.Equal(t, transport.CloseInternalError, code)
	assert.Zero(t, mgr.Count())
}

func TestSession_FramesAfterCloseAreIgnored(t *testing.T) {
	b := newBroker(t)
	s, _ := b.connect(t)
	s.Close()
	waitClosed(t, s)

	err := s.OnFrame(context.Background(), []byte(`{"type":"subscribe","topic":"late"}`))
	assert.True(t, errors.Is(err, ErrNotOpen))
	assert.Empty(t, b.reg.Topics())
}

func TestManager_Shutdown(t *testing.T) {
	b := newBroker(t)
	s1, c1 := b.connect(t)
	s2, c2 := b.connect(t)
	unserved := newFakeConn()
	_, err := b.mgr.Accept(unserved)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, b.mgr.Shutdown(ctx))

	for _, s := range []*Session{s1, s2} {
		assert.Equal(t, StateClosed, s.State())
	}
	for _, c := range []*fakeConn{c1, c2, unserved} {
		code, closed := c.closeCode()
		require.True(t, closed)
		assert.Equal(t, transport.CloseGoingAway, code)
	}
	assert.Zero(t, b.mgr.Count())

	_, err = b.mgr.Accept(newFakeConn())
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestManager_ConcurrentSessions(t *testing.T) {
	b := newBroker(t)
	const n = 20

	sessions := make([]*Session, n)
	conns := make([]*fakeConn, n)
	for i := range sessions {
		sessions[i], conns[i] = b.connect(t)
		conns[i].send(`{"type":"subscribe","topic":"all"}`)
	}
	require.Eventually(t, func() bool { return len(b.reg.SubscribersOf("all")) == n }, waitFor, tick)

	var wg sync.WaitGroup
	for i := range conns {
		wg.Add(1)
		go func(c *fakeConn) {
			defer wg.Done()
			c.send(`{"type":"publish","topic":"all","message":"hello"}`)
		}(conns[i])
	}
	wg.Wait()

	// Every session gets n deliveries plus its own ack.
	for _, c := range conns {
		c := c
		require.Eventually(t, func() bool { return len(c.frames(t)) == n+1 }, waitFor, tick)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestManager_SessionLogsCarryOneComponent(t *testing.T) {
	var out lockedBuffer
	logger := slog.New(slog.NewJSONHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	b := newBroker(t, WithLogger(logger))

	s, _ := b.connect(t)
	s.logger.Info("session line")

	var found bool
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		assert.Equal(t, 1, strings.Count(line, `"component":`), "line %s", line)
		if strings.Contains(line, `"msg":"session line"`) {
			found = true
			assert.Contains(t, line, `"component":"session"`)
			assert.Contains(t, line, `"session_id":"`+s.ID()+`"`)
		}
	}
	assert.True(t, found)
}
