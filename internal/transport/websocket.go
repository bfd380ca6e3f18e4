package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"unicode/utf8"

	"github.com/coder/websocket"
)

// maxCloseReason is the largest close reason a control frame can carry.
const maxCloseReason = 123

// WebSocket adapts a github.com/coder/websocket connection to Conn.
type WebSocket struct {
	conn    *websocket.Conn
	msgType websocket.MessageType
}

// NewWebSocket wraps an accepted connection. Outbound frames are sent as
// binary messages when binary is true and as text messages otherwise.
// readLimit caps inbound message size in bytes; zero keeps the library
// default.
func NewWebSocket(conn *websocket.Conn, binary bool, readLimit int64) *WebSocket {
	if readLimit > 0 {
		conn.SetReadLimit(readLimit)
	}
	msgType := websocket.MessageText
	if binary {
		msgType = websocket.MessageBinary
	}
	return &WebSocket{conn: conn, msgType: msgType}
}

// Read implements Conn.
func (w *WebSocket) Read(ctx context.Context) ([]byte, error) {
	_, frame, err := w.conn.Read(ctx)
	if err != nil {
		return nil, classify(ctx, err)
	}
	return frame, nil
}

// Write implements Conn.
func (w *WebSocket) Write(ctx context.Context, frame []byte) error {
	if err := w.conn.Write(ctx, w.msgType, frame); err != nil {
		return classify(ctx, err)
	}
	return nil
}

// truncateReason cuts reason to fit a close frame without splitting a rune.
func truncateReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	n := maxCloseReason
	for n > 0 && !utf8.RuneStart(reason[n]) {
		n--
	}
	return reason[:n]
}

// Close implements Conn.
func (w *WebSocket) Close(code CloseCode, reason string) error {
	err := w.conn.Close(statusFor(code), truncateReason(reason))
	if err != nil && !isClosed(err) {
		return err
	}
	return nil
}

func statusFor(code CloseCode) websocket.StatusCode {
	switch code {
	case CloseGoingAway:
		return websocket.StatusGoingAway
	case CloseProtocolError:
		return websocket.StatusProtocolError
	case ClosePolicyViolation:
		return websocket.StatusPolicyViolation
	case CloseInternalError:
		return websocket.StatusInternalError
	}
	return websocket.StatusNormalClosure
}

func classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if isClosed(err) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}

func isClosed(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return true
	}
	var ce websocket.CloseError
	return errors.As(err, &ce)
}
