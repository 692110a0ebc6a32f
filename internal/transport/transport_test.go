package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func TestPipe(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers messages in order both ways", func(t *testing.T) {
		a, b := Pipe()
		defer a.Close()

		require.NoError(t, a.WriteMessage(ctx, []byte("one")))
		require.NoError(t, a.WriteMessage(ctx, []byte("two")))
		require.NoError(t, b.WriteMessage(ctx, []byte("back")))

		msg, err := b.ReadMessage(ctx)
		require.NoError(t, err)
		assert.Equal(t, "one", string(msg))
		msg, err = b.ReadMessage(ctx)
		require.NoError(t, err)
		assert.Equal(t, "two", string(msg))
		msg, err = a.ReadMessage(ctx)
		require.NoError(t, err)
		assert.Equal(t, "back", string(msg))
	})

	t.Run("copies written data", func(t *testing.T) {
		a, b := Pipe()
		defer a.Close()

		buf := []byte("abc")
		require.NoError(t, a.WriteMessage(ctx, buf))
		buf[0] = 'z'

		msg, err := b.ReadMessage(ctx)
		require.NoError(t, err)
		assert.Equal(t, "abc", string(msg))
	})

	t.Run("close drains then reports EOF", func(t *testing.T) {
		a, b := Pipe()
		require.NoError(t, a.WriteMessage(ctx, []byte("last")))
		require.NoError(t, a.Close())

		msg, err := b.ReadMessage(ctx)
		require.NoError(t, err)
		assert.Equal(t, "last", string(msg))

		_, err = b.ReadMessage(ctx)
		assert.ErrorIs(t, err, io.EOF)

		assert.ErrorIs(t, b.WriteMessage(ctx, []byte("x")), io.ErrClosedPipe)
		assert.NoError(t, b.Close(), "close is idempotent")
	})

	t.Run("read honours context", func(t *testing.T) {
		a, b := Pipe()
		defer a.Close()

		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := b.ReadMessage(cctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestWebSocket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ws := NewWebSocket(conn, 0)
		defer ws.Close()

		for {
			msg, err := ws.ReadMessage(r.Context())
			if err != nil {
				return
			}
			if err := ws.WriteMessage(r.Context(), append([]byte("echo:"), msg...)); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, err := DialWebSocket(ctx, url, nil)
	require.NoError(t, err)

	require.NoError(t, ws.WriteMessage(ctx, []byte(`{"name":"x"}`)))
	msg, err := ws.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, `echo:{"name":"x"}`, string(msg))

	require.NoError(t, ws.Close())
	assert.NoError(t, ws.Close(), "close is idempotent")
}

func TestDialWebSocket_Failure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := DialWebSocket(ctx, "ws://127.0.0.1:1/nothing", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to dial backend")
}
