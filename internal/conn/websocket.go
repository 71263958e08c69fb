package conn

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// DefaultReadLimit bounds one inbound message. File contents travel inline in
// file_ready envelopes, so it is well above the library default.
const DefaultReadLimit = 8 << 20

// WebSocketDialer dials the agent backend over WebSocket, presenting the
// credential as a bearer token.
type WebSocketDialer struct {
	HTTPClient *http.Client
	ReadLimit  int64
}

func (d WebSocketDialer) Dial(ctx context.Context, url, credential string) (Socket, error) {
	opts := &websocket.DialOptions{HTTPClient: d.HTTPClient}
	if credential != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + credential}}
	}

	c, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	c.SetReadLimit(limit)
	return &wsSocket{conn: c}, nil
}

type wsSocket struct {
	conn *websocket.Conn
}

func (s *wsSocket) Read(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	return data, err
}

func (s *wsSocket) Write(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsSocket) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "bye")
}
