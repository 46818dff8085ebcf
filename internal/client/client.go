// Package client implements the three-operation client boundary
// spec.md §6 draws around the core protocol: submit_payload,
// on_incoming, and on_status_change. Everything on the other side of
// that boundary (terminal UI, OS clipboard watching, file chooser) is
// deliberately kept out of this package.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cliprelay/cliprelay/internal/crypto"
	"github.com/cliprelay/cliprelay/internal/ids"
	"github.com/cliprelay/cliprelay/internal/logging"
	"github.com/cliprelay/cliprelay/internal/protocol"
	"github.com/cliprelay/cliprelay/internal/recovery"
	"github.com/cliprelay/cliprelay/internal/replay"
	"github.com/cliprelay/cliprelay/internal/transport"
)

// Recognized MIME tags. The relay treats them as opaque bytes; only
// clients give them meaning.
const (
	MIMEText      = "text/plain;charset=utf-8"
	MIMEFileChunk = "application/x-cliprelay-file-chunk+json;base64"
)

// Plaintext size ceilings enforced before sealing, per payload kind.
const (
	maxTextBytes      = 256 * 1024
	maxFileChunkBytes = 64 * 1024
)

// Status is the four-value status spec.md's client boundary exposes to
// a caller's UI. The core never blocks on a UI decision; it only
// reports transitions.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnectedNoKey
	StatusConnectedKeyReady
	StatusError
)

// String returns a human-readable status name, for logging.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnectedNoKey:
		return "Connected-NoKey"
	case StatusConnectedKeyReady:
		return "Connected-KeyReady"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// IncomingPayload is what submit_payload's counterpart hands upward
// once an EncryptedMessage has passed the crypto open and the replay
// check.
type IncomingPayload struct {
	SenderDeviceID ids.DeviceID
	MIME           string
	Plaintext      []byte
}

// Config configures a Client.
type Config struct {
	RoomCode       string
	DeviceID       ids.DeviceID
	DeviceName     string
	OnStatusChange func(Status)
	OnPayload      func(IncomingPayload)
	Logger         *slog.Logger
}

// Client is the client-side protocol core: it owns the room key, the
// local peer-set view, and the outgoing message counter, and exposes
// exactly the three operations spec.md's external-collaborators
// section names. It does not itself decide what to show a user; it
// only calls back through OnStatusChange and OnPayload.
type Client struct {
	conn       *transport.Conn
	roomCode   string
	roomID     ids.RoomID
	deviceID   ids.DeviceID
	deviceName string
	logger     *slog.Logger

	mu      sync.Mutex
	members map[ids.DeviceID]string
	keyRing *crypto.KeyRing

	guard       *replay.Guard
	sendCounter atomic.Uint64

	status         atomic.Int32
	onStatusChange func(Status)
	onPayload      func(IncomingPayload)
}

// New builds a Client over an already-dialed connection. Start must be
// called before SubmitPayload or Serve.
func New(conn *transport.Conn, cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Client{
		conn:           conn,
		roomCode:       cfg.RoomCode,
		roomID:         crypto.DeriveRoomID(cfg.RoomCode),
		deviceID:       cfg.DeviceID,
		deviceName:     cfg.DeviceName,
		logger:         logger,
		members:        map[ids.DeviceID]string{cfg.DeviceID: cfg.DeviceName},
		guard:          replay.NewGuard(),
		onStatusChange: cfg.OnStatusChange,
		onPayload:      cfg.OnPayload,
	}
}

// Status returns the client's current status.
func (c *Client) Status() Status {
	return Status(c.status.Load())
}

// RoomID returns the relay-visible grouping key derived from the room
// code this client was constructed with.
func (c *Client) RoomID() ids.RoomID {
	return c.roomID
}

// Start sends the Hello frame and blocks for the relay's initial
// PeerList, the handshake every connection must complete before it can
// submit or receive payloads. Serve should be run afterward (typically
// in its own goroutine) to keep receiving control and payload frames.
func (c *Client) Start(ctx context.Context) error {
	hello := &protocol.Hello{RoomID: c.roomID, DeviceID: c.deviceID, DeviceName: c.deviceName}
	if err := c.conn.WriteFrame(&protocol.Envelope{Kind: protocol.KindHello, Body: hello.Encode()}); err != nil {
		c.setStatus(StatusError)
		return fmt.Errorf("client: send Hello: %w", err)
	}

	data, err := c.conn.ReadMessage()
	if err != nil {
		c.setStatus(StatusError)
		return fmt.Errorf("client: read initial PeerList: %w", err)
	}
	if err := c.OnIncoming(data); err != nil {
		c.setStatus(StatusError)
		return err
	}

	c.setStatus(StatusConnectedNoKey)
	return nil
}

// Serve reads raw messages off the connection and routes each through
// OnIncoming until the connection closes. ctx is checked before each
// read; a read that is already blocked returns only when the connection
// closes (for example through Close). This is the transport-facing
// loop; the boundary operations themselves never touch the socket
// directly.
func (c *Client) Serve(ctx context.Context) error {
	defer recovery.RecoverWithLog(c.logger, "client.Serve")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		data, err := c.conn.ReadMessage()
		if err != nil {
			c.setStatus(StatusDisconnected)
			return err
		}
		if err := c.OnIncoming(data); err != nil {
			c.logger.Debug("ignoring incoming frame", logging.KeyError, err)
		}
	}
}

// SubmitPayload is client-boundary operation 1: it seals plaintext
// under the current room key and hands the resulting EncryptedMessage
// to the transport. It refuses to send before a room key exists —
// callers should wait for Connected-KeyReady.
func (c *Client) SubmitPayload(mime string, plaintext []byte) error {
	if err := checkPayloadSize(mime, len(plaintext)); err != nil {
		return err
	}

	c.mu.Lock()
	keyRing := c.keyRing
	if keyRing == nil {
		c.mu.Unlock()
		return errors.New("client: no room key established yet")
	}
	counter := c.sendCounter.Add(1)
	ciphertext, err := keyRing.Seal(c.roomID, c.deviceID, counter, mime, plaintext)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("client: seal payload: %w", err)
	}

	msg := &protocol.EncryptedMessage{
		SenderDeviceID: c.deviceID,
		Counter:        counter,
		MIME:           mime,
		Ciphertext:     ciphertext,
	}
	env := &protocol.Envelope{Kind: protocol.KindEncryptedMessage, Body: msg.Encode()}
	return c.conn.WriteFrame(env)
}

// OnIncoming is client-boundary operation 2: it decodes a raw inbound
// message and routes it. Control frames update the local peer-set and,
// for SaltExchange, the room key; EncryptedMessage goes through the
// room key's Open, the replay guard, and upward delivery via OnPayload.
func (c *Client) OnIncoming(raw []byte) error {
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		return fmt.Errorf("client: decode incoming frame: %w", err)
	}

	switch env.Kind {
	case protocol.KindPeerList:
		pl, err := protocol.DecodePeerList(env.Body)
		if err != nil {
			return fmt.Errorf("client: decode PeerList: %w", err)
		}
		c.mu.Lock()
		c.members = map[ids.DeviceID]string{c.deviceID: c.deviceName}
		for _, d := range pl.Devices {
			c.members[d.DeviceID] = d.DeviceName
		}
		c.mu.Unlock()
		return nil

	case protocol.KindPeerJoined:
		pj, err := protocol.DecodePeerJoined(env.Body)
		if err != nil {
			return fmt.Errorf("client: decode PeerJoined: %w", err)
		}
		c.mu.Lock()
		c.members[pj.DeviceID] = pj.DeviceName
		c.mu.Unlock()
		return nil

	case protocol.KindPeerLeft:
		pl, err := protocol.DecodePeerLeft(env.Body)
		if err != nil {
			return fmt.Errorf("client: decode PeerLeft: %w", err)
		}
		c.mu.Lock()
		delete(c.members, pl.DeviceID)
		c.mu.Unlock()
		return nil

	case protocol.KindSaltExchange:
		se, err := protocol.DecodeSaltExchange(env.Body)
		if err != nil {
			return fmt.Errorf("client: decode SaltExchange: %w", err)
		}
		c.rotateKey(se.DeviceIDs)
		return nil

	case protocol.KindEncryptedMessage:
		return c.handleEncryptedMessage(env.Body)

	default:
		c.logger.Debug("ignoring unrecognized frame kind", logging.KeyFrameKind, protocol.KindName(env.Kind))
		return nil
	}
}

// rotateKey recomputes the room key from the device-id set a
// SaltExchange just delivered and installs it as the new active key,
// per spec.md §9: any membership change means a fresh derivation, with
// the outgoing key kept one rotation longer by KeyRing to absorb
// messages already in flight.
func (c *Client) rotateKey(deviceIDs []ids.DeviceID) {
	key := crypto.DeriveRoomKey(c.roomCode, deviceIDs)
	c.mu.Lock()
	if c.keyRing == nil {
		c.keyRing = crypto.NewKeyRing(key)
	} else {
		c.keyRing.Rotate(key)
	}
	c.mu.Unlock()
	c.setStatus(StatusConnectedKeyReady)
}

func (c *Client) handleEncryptedMessage(body []byte) error {
	msg, err := protocol.DecodeEncryptedMessage(body)
	if err != nil {
		return fmt.Errorf("client: decode EncryptedMessage: %w", err)
	}
	if msg.SenderDeviceID == c.deviceID {
		return nil
	}

	c.mu.Lock()
	keyRing := c.keyRing
	c.mu.Unlock()
	if keyRing == nil {
		return errors.New("client: EncryptedMessage arrived before any room key")
	}

	// Open before the replay check: a forged frame that fails to
	// authenticate must not advance the sender's counter high-water
	// mark, or an attacker could lock a genuine peer out by claiming a
	// huge counter.
	plaintext, err := keyRing.Open(c.roomID, msg.SenderDeviceID, msg.Counter, msg.MIME, msg.Ciphertext)
	if err != nil {
		return fmt.Errorf("client: open failed: %w", err)
	}

	if !c.guard.Check(msg.SenderDeviceID, msg.Counter) {
		return fmt.Errorf("client: replayed counter from %s", msg.SenderDeviceID.ShortString())
	}

	if c.onPayload != nil {
		c.onPayload(IncomingPayload{
			SenderDeviceID: msg.SenderDeviceID,
			MIME:           msg.MIME,
			Plaintext:      plaintext,
		})
	}
	return nil
}

func checkPayloadSize(mime string, n int) error {
	switch mime {
	case MIMEText:
		if n > maxTextBytes {
			return fmt.Errorf("client: clipboard text %d bytes exceeds %d", n, maxTextBytes)
		}
	case MIMEFileChunk:
		if n > maxFileChunkBytes {
			return fmt.Errorf("client: file chunk %d bytes exceeds %d", n, maxFileChunkBytes)
		}
	}
	return nil
}

// setStatus is client-boundary operation 3's producer side: it updates
// the status and, only on an actual transition, calls OnStatusChange.
func (c *Client) setStatus(s Status) {
	old := Status(c.status.Swap(int32(s)))
	if old == s {
		return
	}
	if c.onStatusChange != nil {
		c.onStatusChange(s)
	}
}

// Close tears down the underlying connection and reports Disconnected.
func (c *Client) Close() error {
	c.setStatus(StatusDisconnected)
	return c.conn.CloseNow()
}
