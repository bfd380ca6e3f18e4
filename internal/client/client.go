// Package client is a Go client for the topichub broker.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/nfrund/topichub/internal/envelope"
)

var (
	// ErrNotConnected is returned when sending before Connect or after Close.
	ErrNotConnected = errors.New("client: not connected")
	// ErrAlreadyConnected is returned by a second Connect call.
	ErrAlreadyConnected = errors.New("client: already connected")
)

// Handler receives inbound envelopes. Handlers run on the read goroutine and
// must not block for long.
type Handler func(envelope.Envelope)

// Client is a connection to a broker. Register handlers before Connect so no
// frame is missed.
type Client struct {
	url    string
	dialer *websocket.Dialer
	header http.Header
	codec  envelope.Codec
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	onOpen    []func()
	onAck     []Handler
	onMessage []Handler
	onClose   []func(error)
	pending   map[string]chan envelope.Envelope

	writeMu   sync.Mutex
	conn      *websocket.Conn
	done      chan struct{}
	err       error
	closeOnce sync.Once
}

// Option configures a Client.
type Option func(*Client)

// WithCodec selects the wire codec. It must match the broker's.
func WithCodec(c envelope.Codec) Option {
	return func(cl *Client) {
		if c != nil {
			cl.codec = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

// WithDialer replaces the default dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(cl *Client) {
		if d != nil {
			cl.dialer = d
		}
	}
}

// WithHeader sets extra headers on the upgrade request.
func WithHeader(h http.Header) Option {
	return func(cl *Client) { cl.header = h }
}

// New creates an unconnected client for the broker at url.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:     url,
		dialer:  websocket.DefaultDialer,
		codec:   envelope.JSON{},
		logger:  slog.Default(),
		now:     time.Now,
		pending: make(map[string]chan envelope.Envelope),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "client")
	return c
}

// Dial creates a client and connects it.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := New(url, opts...)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// OnOpen registers fn to run once the connection is established.
func (c *Client) OnOpen(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = append(c.onOpen, fn)
}

// OnAck registers fn for every inbound ack.
func (c *Client) OnAck(fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAck = append(c.onAck, fn)
}

// OnMessage registers fn for every inbound frame that is not an ack.
func (c *Client) OnMessage(fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = append(c.onMessage, fn)
}

// OnClose registers fn to run when the connection ends. The error is nil
// after a normal close.
func (c *Client) OnClose(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, fn)
}

// Connect dials the broker, runs the open handlers and starts reading.
func (c *Client) Connect(ctx context.Context) error {
	c.writeMu.Lock()
	if c.conn != nil {
		c.writeMu.Unlock()
		return ErrAlreadyConnected
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		c.writeMu.Unlock()
		if resp != nil {
			return fmt.Errorf("client: dial %s: %w (status %d)", c.url, err, resp.StatusCode)
		}
		return fmt.Errorf("client: dial %s: %w", c.url, err)
	}
	c.conn = conn
	c.writeMu.Unlock()

	c.logger.Debug("Connected to broker", "url", c.url, "codec", c.codec.Name())
	c.mu.RLock()
	open := append([]func(){}, c.onOpen...)
	c.mu.RUnlock()
	for _, fn := range open {
		fn()
	}

	go c.readLoop(conn)
	return nil
}

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, or nil while it is live or after a
// normal close.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Subscribe asks the broker to deliver publishes on topic.
func (c *Client) Subscribe(ctx context.Context, topic string) error {
	return c.send(ctx, envelope.Subscribe(topic, c.now()))
}

// Unsubscribe stops deliveries on topic.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	return c.send(ctx, envelope.Unsubscribe(topic, c.now()))
}

// Publish sends message on topic and returns the correlation token the
// broker echoes on the ack. message is marshalled with the codec's encoding
// unless it is already an envelope.Payload.
func (c *Client) Publish(ctx context.Context, topic string, message any) (string, error) {
	payload, err := c.payload(message)
	if err != nil {
		return "", err
	}
	correlation := uuid.NewString()
	if err := c.send(ctx, envelope.Publish(topic, payload, correlation, c.now())); err != nil {
		return "", err
	}
	return correlation, nil
}

// PublishAndWait publishes and blocks until the broker acknowledges it, ctx
// is done or the connection ends.
func (c *Client) PublishAndWait(ctx context.Context, topic string, message any) (envelope.Envelope, error) {
	payload, err := c.payload(message)
	if err != nil {
		return envelope.Envelope{}, err
	}
	correlation := uuid.NewString()
	ack := make(chan envelope.Envelope, 1)

	c.mu.Lock()
	c.pending[correlation] = ack
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, correlation)
		c.mu.Unlock()
	}()

	if err := c.send(ctx, envelope.Publish(topic, payload, correlation, c.now())); err != nil {
		return envelope.Envelope{}, err
	}
	select {
	case env := <-ack:
		return env, nil
	case <-ctx.Done():
		return envelope.Envelope{}, fmt.Errorf("client: waiting for ack on %q: %w", topic, ctx.Err())
	case <-c.done:
		if c.err != nil {
			return envelope.Envelope{}, fmt.Errorf("client: connection ended before ack: %w", c.err)
		}
		return envelope.Envelope{}, ErrNotConnected
	}
}

// Close performs the closing handshake and waits for the read loop to end.
func (c *Client) Close() error {
	c.writeMu.Lock()
	conn := c.conn
	if conn == nil {
		c.writeMu.Unlock()
		return ErrNotConnected
	}
	select {
	case <-c.done:
		c.writeMu.Unlock()
		return nil
	default:
	}
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		c.finish(conn, nil)
	}
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}

func (c *Client) payload(message any) (envelope.Payload, error) {
	switch m := message.(type) {
	case envelope.Payload:
		return m, nil
	case json.RawMessage:
		if !c.codec.Binary() {
			return envelope.Payload(m), nil
		}
	}
	var (
		b   []byte
		err error
	)
	if c.codec.Binary() {
		b, err = msgpack.Marshal(message)
	} else {
		b, err = json.Marshal(message)
	}
	if err != nil {
		return nil, fmt.Errorf("client: encode message: %w", err)
	}
	return envelope.Payload(b), nil
}

func (c *Client) send(ctx context.Context, env envelope.Envelope) error {
	frame, err := c.codec.Encode(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}

	// A zero deadline clears any previous one.
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	msgType := websocket.TextMessage
	if c.codec.Binary() {
		msgType = websocket.BinaryMessage
	}
	if err := c.conn.WriteMessage(msgType, frame); err != nil {
		return fmt.Errorf("client: send %s: %w", env.Type, err)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = nil
			}
			c.finish(conn, err)
			return
		}
		env, err := c.codec.Decode(frame)
		if err != nil {
			c.logger.Warn("Dropping undecodable frame", "error", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env envelope.Envelope) {
	c.mu.RLock()
	var handlers []Handler
	if env.Type == envelope.KindAck {
		if ch, ok := c.pending[env.Correlation]; ok {
			select {
			case ch <- env:
			default:
			}
		}
		handlers = append(handlers, c.onAck...)
	} else {
		handlers = append(handlers, c.onMessage...)
	}
	c.mu.RUnlock()

	for _, h := range handlers {
		h(env)
	}
}

func (c *Client) finish(conn *websocket.Conn, err error) {
	c.closeOnce.Do(func() {
		c.err = err
		_ = conn.Close()
		close(c.done)

		c.mu.RLock()
		closers := append([]func(error){}, c.onClose...)
		c.mu.RUnlock()
		for _, fn := range closers {
			fn(err)
		}
		c.logger.Debug("Disconnected from broker", "error", err)
	})
}
