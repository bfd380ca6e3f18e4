package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pair starts a server that hands the accepted connection to the test and
// returns both ends.
func pair(t *testing.T, binary bool, readLimit int64) (*WebSocket, *websocket.Conn) {
	t.Helper()
	accepted := make(chan *WebSocket, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ws := NewWebSocket(conn, binary, readLimit)
		accepted <- ws
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	peer, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { peer.CloseNow() })

	select {
	case ws := <-accepted:
		return ws, peer
	case <-ctx.Done():
		t.Fatal("server never accepted")
		return nil, nil
	}
}

func TestWebSocket_ReadWrite(t *testing.T) {
	ws, peer := pair(t, false, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, peer.Write(ctx, websocket.MessageText, []byte(`{"type":"subscribe"}`)))
	frame, err := ws.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"subscribe"}`, string(frame))

	require.NoError(t, ws.Write(ctx, []byte("hello")))
	typ, got, err := peer.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)
	assert.Equal(t, "hello", string(got))
}

func TestWebSocket_BinaryFrames(t *testing.T) {
	ws, peer := pair(t, true, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, ws.Write(ctx, []byte{0x81, 0xa1, 0x61}))
	typ, got, err := peer.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageBinary, typ)
	assert.Equal(t, []byte{0x81, 0xa1, 0x61}, got)
}

func TestWebSocket_PeerCloseIsErrClosed(t *testing.T) {
	ws, peer := pair(t, false, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() { _ = peer.Close(websocket.StatusNormalClosure, "bye") }()
	_, err := ws.Read(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWebSocket_ReadHonoursContext(t *testing.T) {
	ws, _ := pair(t, false, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := ws.Read(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWebSocket_CloseSendsCodeAndTruncatedReason(t *testing.T) {
	ws, peer := pair(t, false, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	peerErr := make(chan error, 1)
	go func() {
		_, _, err := peer.Read(ctx)
		peerErr <- err
	}()

	require.NoError(t, ws.Close(CloseProtocolError, strings.Repeat("x", 200)))

	err := <-peerErr
	var ce websocket.CloseError
	require.True(t, errors.As(err, &ce), "unexpected error %v", err)
	assert.Equal(t, websocket.StatusProtocolError, ce.Code)
	assert.Len(t, ce.Reason, maxCloseReason)

	// Closing again is harmless.
	assert.NoError(t, ws.Close(CloseNormal, ""))
}

func TestWebSocket_ReadLimit(t *testing.T) {
	ws, peer := pair(t, false, 128)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() { _ = peer.Write(ctx, websocket.MessageText, []byte(strings.Repeat("a", 1024))) }()
	_, err := ws.Read(ctx)
	assert.Error(t, err)
}

func TestTruncateReason(t *testing.T) {
	assert.Equal(t, "short", truncateReason("short"))

	ascii := strings.Repeat("x", 200)
	assert.Len(t, truncateReason(ascii), maxCloseReason)

	// 122 ASCII bytes then a 3-byte rune that straddles the limit.
	straddle := strings.Repeat("x", maxCloseReason-1) + "€tail"
	got := truncateReason(straddle)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("x", maxCloseReason-1), got)

	multi := strings.Repeat("é", 100)
	got = truncateReason(multi)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), maxCloseReason)
	assert.Equal(t, maxCloseReason-1, len(got))
}

func TestWebSocket_CloseKeepsReasonValidUTF8(t *testing.T) {
	ws, peer := pair(t, false, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	peerErr := make(chan error, 1)
	go func() {
		_, _, err := peer.Read(ctx)
		peerErr <- err
	}()

	require.NoError(t, ws.Close(CloseProtocolError, `unknown envelope type: type "`+strings.Repeat("ü", 80)+`"`))

	err := <-peerErr
	var ce websocket.CloseError
	require.True(t, errors.As(err, &ce), "unexpected error %v", err)
	assert.Equal(t, websocket.StatusProtocolError, ce.Code)
	assert.True(t, utf8.ValidString(ce.Reason))
}

func TestStatusFor(t *testing.T) {
	tests := map[CloseCode]websocket.StatusCode{
		CloseNormal:          websocket.StatusNormalClosure,
		CloseGoingAway:       websocket.StatusGoingAway,
		CloseProtocolError:   websocket.StatusProtocolError,
		ClosePolicyViolation: websocket.StatusPolicyViolation,
		CloseInternalError:   websocket.StatusInternalError,
	}
	for code, want := range tests {
		t.Run(code.String(), func(t *testing.T) {
			assert.Equal(t, want, statusFor(code))
		})
	}
}
