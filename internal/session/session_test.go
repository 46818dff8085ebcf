package session

import (
	"context"
	"encoding/binary"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cliprelay/cliprelay/internal/ids"
	"github.com/cliprelay/cliprelay/internal/logging"
	"github.com/cliprelay/cliprelay/internal/protocol"
	"github.com/cliprelay/cliprelay/internal/relayerr"
	"github.com/cliprelay/cliprelay/internal/room"
	"github.com/cliprelay/cliprelay/internal/transport"
	"nhooyr.io/websocket"
)

// harness runs one Session per accepted WebSocket connection against a
// shared registry, exposing each session and its Run result.
type harness struct {
	registry *room.Registry
	sessCh   chan *Session
	errCh    chan error
}

func newHarness(t *testing.T) (*harness, string) {
	t.Helper()
	h := &harness{
		registry: room.NewRegistry(0, room.Observer{}),
		sessCh:   make(chan *Session, 8),
		errCh:    make(chan error, 8),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := transport.AcceptHTTP(context.Background(), w, r)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		sess := New(conn, h.registry, logging.NopLogger(), Metrics{}, Options{})
		h.sessCh <- sess
		h.errCh <- sess.Run(context.Background())
	}))
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *transport.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := transport.Dial(ctx, url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func mustDeviceID(b byte) ids.DeviceID {
	var id ids.DeviceID
	for i := range id {
		id[i] = b
	}
	return id
}

func mustRoomID(b byte) ids.RoomID {
	var id ids.RoomID
	for i := range id {
		id[i] = b
	}
	return id
}

func join(t *testing.T, conn *transport.Conn, roomID ids.RoomID, deviceID ids.DeviceID) {
	t.Helper()
	hello := &protocol.Hello{RoomID: roomID, DeviceID: deviceID, DeviceName: "dev"}
	if err := conn.WriteFrame(&protocol.Envelope{Kind: protocol.KindHello, Body: hello.Encode()}); err != nil {
		t.Fatalf("WriteFrame Hello: %v", err)
	}
	env, err := conn.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame PeerList: %v", err)
	}
	if env.Kind != protocol.KindPeerList {
		t.Fatalf("expected PeerList, got %s", protocol.KindName(env.Kind))
	}
}

func awaitRunError(t *testing.T, h *harness, timeout time.Duration) error {
	t.Helper()
	select {
	case err := <-h.errCh:
		return err
	case <-time.After(timeout):
		t.Fatal("timed out waiting for the session to end")
		return nil
	}
}

func awaitState(t *testing.T, sess *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session never reached %s, stuck at %s", want, sess.State())
}

func kindOf(err error) relayerr.Kind {
	var relayErr *relayerr.Error
	if errors.As(err, &relayErr) {
		return relayErr.Kind
	}
	return ""
}

func TestNonHelloFirstFrameIsFatal(t *testing.T) {
	h, url := newHarness(t)
	conn := dial(t, url)

	msg := &protocol.EncryptedMessage{SenderDeviceID: mustDeviceID(0x01), Counter: 1, MIME: "text/plain;charset=utf-8", Ciphertext: []byte("early")}
	if err := conn.WriteFrame(&protocol.Envelope{Kind: protocol.KindEncryptedMessage, Body: msg.Encode()}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	err := awaitRunError(t, h, 2*time.Second)
	if kindOf(err) != relayerr.KindInvalidFirstFrame {
		t.Fatalf("expected InvalidFirstFrame, got %v", err)
	}
	// No Hello was admitted, so no room exists.
	if members := h.registry.Members(mustRoomID(0x01)); members != nil {
		t.Fatalf("expected no room, got members %v", members)
	}
}

func TestMalformedEnvelopeInActiveIsIgnored(t *testing.T) {
	h, url := newHarness(t)
	conn := dial(t, url)
	join(t, conn, mustRoomID(0x01), mustDeviceID(0x01))

	sess := <-h.sessCh
	awaitState(t, sess, StateActive)

	// A frame with an unsupported envelope version fails to decode; in
	// ACTIVE that is dropped and logged, never fatal.
	bad := make([]byte, protocol.HeaderSize)
	bad[0] = 99
	bad[1] = protocol.KindEncryptedMessage
	binary.BigEndian.PutUint32(bad[2:6], 0)
	if err := conn.WriteRaw(bad); err != nil {
		t.Fatalf("WriteRaw: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if sess.State() != StateActive {
		t.Fatalf("malformed frame must not close the session, state is %s", sess.State())
	}
}

func TestTextFrameInActiveIsIgnored(t *testing.T) {
	h, url := newHarness(t)

	// A raw dial, since transport.Conn deliberately has no text-frame
	// write path.
	ctx := context.Background()
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.CloseNow()

	hello := &protocol.Hello{RoomID: mustRoomID(0x01), DeviceID: mustDeviceID(0x01), DeviceName: "dev"}
	data, err := (&protocol.Envelope{Kind: protocol.KindHello, Body: hello.Encode()}).Encode()
	if err != nil {
		t.Fatalf("Encode Hello: %v", err)
	}
	if err := ws.Write(ctx, websocket.MessageBinary, data); err != nil {
		t.Fatalf("Write Hello: %v", err)
	}
	if _, _, err := ws.Read(ctx); err != nil { // initial PeerList
		t.Fatalf("Read PeerList: %v", err)
	}

	sess := <-h.sessCh
	awaitState(t, sess, StateActive)

	if err := ws.Write(ctx, websocket.MessageText, []byte("chatter")); err != nil {
		t.Fatalf("Write text: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if sess.State() != StateActive {
		t.Fatalf("a text frame must be ignored in ACTIVE, state is %s", sess.State())
	}
}

func TestSecondHelloInActiveIsIgnored(t *testing.T) {
	h, url := newHarness(t)
	conn := dial(t, url)
	join(t, conn, mustRoomID(0x01), mustDeviceID(0x01))

	sess := <-h.sessCh
	awaitState(t, sess, StateActive)

	hello := &protocol.Hello{RoomID: mustRoomID(0x02), DeviceID: mustDeviceID(0x02), DeviceName: "imposter"}
	if err := conn.WriteFrame(&protocol.Envelope{Kind: protocol.KindHello, Body: hello.Encode()}); err != nil {
		t.Fatalf("WriteFrame second Hello: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if sess.State() != StateActive {
		t.Fatalf("a second Hello must be ignored, state is %s", sess.State())
	}
	if members := h.registry.Members(mustRoomID(0x02)); members != nil {
		t.Fatalf("the ignored Hello must not create a room, got %v", members)
	}
}

func TestOversizeFrameClosesWithFrameTooLarge(t *testing.T) {
	h, url := newHarness(t)
	conn := dial(t, url)
	join(t, conn, mustRoomID(0x01), mustDeviceID(0x01))

	sess := <-h.sessCh
	awaitState(t, sess, StateActive)

	// Just over MaxFrameBytes but under the transport read limit, so
	// the envelope codec, not the WebSocket library, rejects it.
	body := make([]byte, protocol.MaxFrameBytes-protocol.HeaderSize+1)
	raw := make([]byte, protocol.HeaderSize+len(body))
	raw[0] = protocol.Version
	raw[1] = protocol.KindEncryptedMessage
	binary.BigEndian.PutUint32(raw[2:6], uint32(len(body)))
	if err := conn.WriteRaw(raw); err != nil {
		t.Fatalf("WriteRaw: %v", err)
	}

	err := awaitRunError(t, h, 2*time.Second)
	if kindOf(err) != relayerr.KindFrameTooLarge {
		t.Fatalf("expected FrameTooLarge, got %v", err)
	}
}

func TestDisconnectRemovesMemberFromRegistry(t *testing.T) {
	h, url := newHarness(t)
	roomID := mustRoomID(0x01)

	conn := dial(t, url)
	join(t, conn, roomID, mustDeviceID(0x01))
	sess := <-h.sessCh
	awaitState(t, sess, StateActive)

	conn.CloseNow()
	err := awaitRunError(t, h, 2*time.Second)
	if err == nil {
		t.Fatal("expected a run error after the peer vanished")
	}
	if members := h.registry.Members(roomID); len(members) != 0 {
		t.Fatalf("expected the member removed on disconnect, got %v", members)
	}
	if sess.State() != StateClosed {
		t.Fatalf("expected CLOSED, got %s", sess.State())
	}
}

func TestHelloTimeoutClosesWithProtocolError(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the 5s Hello timeout")
	}
	h, url := newHarness(t)
	dial(t, url) // connect and send nothing

	err := awaitRunError(t, h, helloTimeout+2*time.Second)
	if kindOf(err) != relayerr.KindProtocolError {
		t.Fatalf("expected ProtocolError on Hello timeout, got %v", err)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateAwaitHello: "AWAIT_HELLO",
		StateActive:     "ACTIVE",
		StateClosed:     "CLOSED",
		State(42):       "UNKNOWN",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
