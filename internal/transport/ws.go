// Package transport adapts the relay's single WebSocket endpoint to
// the frame-oriented protocol package: it upgrades HTTP requests and
// dials the relay, and gives the session and client layers a Conn that
// reads and writes envelopes (or raw message bytes) as binary WebSocket
// messages.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/cliprelay/cliprelay/internal/protocol"
	"nhooyr.io/websocket"
)

// ErrNonBinaryMessage is returned by ReadMessage/ReadFrame when the
// peer sends a text frame. Only binary frames carry protocol data; the
// caller decides whether to ignore the message or treat it as fatal.
var ErrNonBinaryMessage = errors.New("transport: non-binary message")

// readLimit caps the size of a single inbound WebSocket message. It is
// set generously above MaxFrameBytes so the envelope codec, not the
// WebSocket library, is what rejects oversize frames.
const readLimit = protocol.MaxFrameBytes + 4096

// Conn wraps a single accepted WebSocket connection as a frame stream.
// Reads and writes are serialized independently: concurrent writers
// must still take WriteFrame's internal lock, but a writer never
// blocks a concurrent reader.
type Conn struct {
	ws  *websocket.Conn
	ctx context.Context

	writeMu sync.Mutex
}

// AcceptHTTP upgrades an incoming HTTP request to a WebSocket
// connection. ctx bounds the resulting Conn's lifetime and should be
// derived from the server's shutdown context, not the request context,
// so an in-flight session survives past the handler returning.
func AcceptHTTP(ctx context.Context, w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	return NewConn(ctx, ws), nil
}

// wsSubprotocol is advertised so a client can confirm it is speaking to
// a relay that understands the envelope protocol, not a generic echo
// server behind the same path.
const wsSubprotocol = "cliprelay.v1"

// NewConn wraps an already-accepted websocket.Conn.
func NewConn(ctx context.Context, ws *websocket.Conn) *Conn {
	ws.SetReadLimit(readLimit)
	return &Conn{ws: ws, ctx: ctx}
}

// ReadMessage blocks until the next binary WebSocket message arrives
// and returns its raw bytes without decoding. The client package uses
// this directly, decoding frames itself at its on_incoming boundary.
func (c *Conn) ReadMessage() ([]byte, error) {
	msgType, data, err := c.ws.Read(c.ctx)
	if err != nil {
		return nil, err
	}
	if msgType != websocket.MessageBinary {
		return nil, fmt.Errorf("%w: %v", ErrNonBinaryMessage, msgType)
	}
	return data, nil
}

// ReadFrame blocks until the next binary WebSocket message arrives and
// decodes it as an envelope.
func (c *Conn) ReadFrame() (*protocol.Envelope, error) {
	data, err := c.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.DecodeEnvelope(data)
}

// WriteFrame encodes and writes env as a single binary WebSocket
// message. Safe for concurrent use.
func (c *Conn) WriteFrame(env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(c.ctx, websocket.MessageBinary, data)
}

// WriteRaw writes already-encoded bytes as a single binary WebSocket
// message, without re-validating them against the envelope codec. The
// client boundary moves pre-encoded frames around; WriteRaw keeps that
// path symmetric with ReadMessage.
func (c *Conn) WriteRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(c.ctx, websocket.MessageBinary, data)
}

// Ping sends a WebSocket ping and waits for the pong, bounded by ctx.
func (c *Conn) Ping(ctx context.Context) error {
	return c.ws.Ping(ctx)
}

// Close closes the underlying connection with the given WebSocket
// close code and reason.
func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	return c.ws.Close(code, reason)
}

// CloseNow closes the connection without a close handshake, for use
// when the connection is already known to be broken.
func (c *Conn) CloseNow() error {
	return c.ws.CloseNow()
}
