package transport

import (
	"context"
	"fmt"

	"nhooyr.io/websocket"
)

// Dial connects to a relay's WebSocket endpoint as a client. url must
// be a ws:// or wss:// URL pointing at the relay's /ws path. ctx bounds
// the handshake only; the returned Conn is not tied to it, so callers
// may cancel it as soon as Dial returns.
func Dial(ctx context.Context, url string) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	return NewConn(context.Background(), ws), nil
}
