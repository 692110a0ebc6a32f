package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"nhooyr.io/websocket"
)

// DefaultReadLimit bounds a single inbound frame.
const DefaultReadLimit int64 = 4 << 20

// WebSocketOptions configures DialWebSocket.
type WebSocketOptions struct {
	Header    http.Header
	ReadLimit int64
}

// WebSocket adapts a websocket connection to Transport using text messages.
type WebSocket struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

// DialWebSocket connects to a wallet backend at url (ws:// or wss://).
func DialWebSocket(ctx context.Context, url string, opts *WebSocketOptions) (*WebSocket, error) {
	if opts == nil {
		opts = &WebSocketOptions{}
	}

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: opts.Header,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial backend: %w", err)
	}

	return NewWebSocket(conn, opts.ReadLimit), nil
}

// NewWebSocket wraps an established connection, e.g. one returned by
// websocket.Accept. A non-positive readLimit selects DefaultReadLimit.
func NewWebSocket(conn *websocket.Conn, readLimit int64) *WebSocket {
	if readLimit <= 0 {
		readLimit = DefaultReadLimit
	}
	conn.SetReadLimit(readLimit)
	return &WebSocket{conn: conn}
}

func (w *WebSocket) ReadMessage(ctx context.Context) ([]byte, error) {
	typ, data, err := w.conn.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, io.EOF
		}
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, errors.New("websocket: unexpected binary message")
	}
	return data, nil
}

func (w *WebSocket) WriteMessage(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *WebSocket) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.conn.Close(websocket.StatusNormalClosure, "")
	})
	return w.closeErr
}
