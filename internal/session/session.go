// Package session implements one relay connection's state machine
// (C4 in spec.md): AWAIT_HELLO -> ACTIVE -> CLOSED, with the reader,
// writer, and keepalive loops that drive it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cliprelay/cliprelay/internal/ids"
	"github.com/cliprelay/cliprelay/internal/logging"
	"github.com/cliprelay/cliprelay/internal/protocol"
	"github.com/cliprelay/cliprelay/internal/recovery"
	"github.com/cliprelay/cliprelay/internal/relayerr"
	"github.com/cliprelay/cliprelay/internal/room"
	"github.com/cliprelay/cliprelay/internal/transport"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// State is the session's position in its AWAIT_HELLO -> ACTIVE ->
// CLOSED state machine.
type State int32

const (
	StateAwaitHello State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitHello:
		return "AWAIT_HELLO"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

const (
	helloTimeout   = 5 * time.Second
	pingInterval   = 30 * time.Second
	pingTimeout    = 5 * time.Second
	maxMissedPings = 2
	drainTimeout   = 500 * time.Millisecond

	defaultRateLimitPerSec = 32
	defaultRateLimitBurst  = 64

	// Over-limit frames are dropped individually; only sustained abuse
	// closes the connection (spec.md §4.5).
	rateViolationWindow = 10 * time.Second
	rateViolationLimit  = 16
)

// Options carries the per-connection tunables the relay process
// exposes through its tuning config. Zero values select the defaults.
type Options struct {
	RateLimitPerSec int
	RateLimitBurst  int
}

// Metrics is the set of counters a Session reports into. Every field
// is optional; a nil func is simply not called.
type Metrics struct {
	OnFrameForwarded  func(bytes int)
	OnFrameDropped    func(reason relayerr.Kind)
	OnSessionOpened   func()
	OnSessionClosed   func(reason relayerr.Kind)
	OnHandshakeDone   func(elapsed time.Duration)
	OnHandshakeFailed func(reason relayerr.Kind)
	OnKeepaliveSent   func()
	OnKeepaliveMiss   func()
}

// Session owns one accepted connection end to end.
type Session struct {
	conn     *transport.Conn
	registry *room.Registry
	logger   *slog.Logger
	metrics  Metrics

	limiter *rate.Limiter
	state   atomic.Int32

	roomID     ids.RoomID
	deviceID   ids.DeviceID
	deviceName string

	sink *room.Sink
}

// State returns the session's current position in its state machine.
func (s *Session) State() State {
	return State(s.state.Load())
}

// New creates a session wrapping an accepted connection. Run must be
// called to drive it.
func New(conn *transport.Conn, registry *room.Registry, logger *slog.Logger, metrics Metrics, opts Options) *Session {
	perSec := opts.RateLimitPerSec
	if perSec <= 0 {
		perSec = defaultRateLimitPerSec
	}
	burst := opts.RateLimitBurst
	if burst <= 0 {
		burst = defaultRateLimitBurst
	}
	return &Session{
		conn:     conn,
		registry: registry,
		logger:   logger,
		metrics:  metrics,
		limiter:  rate.NewLimiter(rate.Limit(perSec), burst),
	}
}

// Run drives the session to completion: the Hello handshake, then the
// reader/writer/keepalive loops until the connection ends or ctx is
// canceled. It always returns once the session is fully torn down.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	started := time.Now()
	if err := s.awaitHello(ctx); err != nil {
		s.state.Store(int32(StateClosed))
		s.reportHandshakeFailed(err)
		return err
	}
	s.state.Store(int32(StateActive))
	if s.metrics.OnHandshakeDone != nil {
		s.metrics.OnHandshakeDone(time.Since(started))
	}
	if s.metrics.OnSessionOpened != nil {
		s.metrics.OnSessionOpened()
	}

	if err := s.announceJoin(); err != nil {
		s.state.Store(int32(StateClosed))
		s.registry.Remove(s.roomID, s.deviceID)
		s.reportClosed(err)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer recovery.RecoverWithLog(s.logger, "session.readLoop")
		return s.readLoop(gctx, cancel)
	})
	g.Go(func() error {
		defer recovery.RecoverWithLog(s.logger, "session.writeLoop")
		return s.writeLoop(gctx)
	})
	g.Go(func() error {
		defer recovery.RecoverWithLog(s.logger, "session.keepaliveLoop")
		return s.keepaliveLoop(gctx, cancel)
	})

	err := g.Wait()
	s.state.Store(int32(StateClosed))
	s.registry.Remove(s.roomID, s.deviceID)
	s.notifyLeave()
	s.reportClosed(err)
	return err
}

func (s *Session) reportClosed(err error) {
	if s.metrics.OnSessionClosed != nil {
		s.metrics.OnSessionClosed(classifyErr(err))
	}
}

func (s *Session) reportHandshakeFailed(err error) {
	if s.metrics.OnHandshakeFailed != nil {
		s.metrics.OnHandshakeFailed(classifyErr(err))
	}
}

func classifyErr(err error) relayerr.Kind {
	var relayErr *relayerr.Error
	if errors.As(err, &relayErr) {
		return relayErr.Kind
	}
	return relayerr.Kind("closed")
}

// CloseReason maps a Run error to the kind reported in the WebSocket
// close frame, so a rejected client learns why it was turned away.
func CloseReason(err error) relayerr.Kind {
	return classifyErr(err)
}

// awaitHello reads exactly one frame and requires it to be a valid
// Hello within helloTimeout; anything else is fatal, per spec.md §9's
// hardened fatal set.
func (s *Session) awaitHello(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()

	type result struct {
		env *protocol.Envelope
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		env, err := s.conn.ReadFrame()
		resultCh <- result{env, err}
	}()

	select {
	case <-ctx.Done():
		return relayerr.Wrap(relayerr.KindProtocolError, "no Hello within timeout", ctx.Err())
	case r := <-resultCh:
		if r.err != nil {
			if errors.Is(r.err, protocol.ErrFrameTooLarge) {
				return relayerr.Wrap(relayerr.KindFrameTooLarge, "oversize first frame", r.err)
			}
			return relayerr.Wrap(relayerr.KindInvalidFirstFrame, "unreadable first frame", r.err)
		}
		if r.env.Kind != protocol.KindHello {
			return relayerr.New(relayerr.KindInvalidFirstFrame, fmt.Sprintf("first frame was %s, not HELLO", protocol.KindName(r.env.Kind)))
		}
		hello, err := protocol.DecodeHello(r.env.Body)
		if err != nil {
			return relayerr.Wrap(relayerr.KindInvalidFirstFrame, "malformed Hello", err)
		}

		sink, existing, err := s.registry.Admit(hello.RoomID, hello.DeviceID, hello.DeviceName)
		if err != nil {
			return err
		}

		s.roomID = hello.RoomID
		s.deviceID = hello.DeviceID
		s.deviceName = hello.DeviceName
		s.sink = sink

		devices := make([]protocol.PeerDescriptor, len(existing))
		for i, m := range existing {
			devices[i] = protocol.PeerDescriptor{DeviceID: m.DeviceID, DeviceName: m.DeviceName}
		}
		peerList := &protocol.PeerList{Devices: devices}
		env := &protocol.Envelope{Kind: protocol.KindPeerList, Body: peerList.Encode()}
		if err := s.conn.WriteFrame(env); err != nil {
			s.registry.Remove(hello.RoomID, hello.DeviceID)
			return relayerr.Wrap(relayerr.KindPeerTimeout, "failed to send initial PeerList", err)
		}
		return nil
	}
}

// announceJoin notifies the rest of the room that s.deviceID has
// joined, and tells every member to rotate its room key.
func (s *Session) announceJoin() error {
	joined := &protocol.PeerJoined{DeviceID: s.deviceID, DeviceName: s.deviceName}
	env := &protocol.Envelope{Kind: protocol.KindPeerJoined, Body: joined.Encode()}
	data, err := env.Encode()
	if err != nil {
		return relayerr.Wrap(relayerr.KindMalformedFrame, "failed to encode PeerJoined", err)
	}
	s.registry.Fanout(s.roomID, s.deviceID, data)

	return s.broadcastSalt()
}

// notifyLeave runs after s.deviceID has been removed from the
// registry, so the SaltExchange it broadcasts reflects the remaining
// set only.
func (s *Session) notifyLeave() {
	left := &protocol.PeerLeft{DeviceID: s.deviceID}
	env := &protocol.Envelope{Kind: protocol.KindPeerLeft, Body: left.Encode()}
	data, err := env.Encode()
	if err != nil {
		s.logger.Error("failed to encode PeerLeft", logging.KeyError, err)
		return
	}
	s.registry.Fanout(s.roomID, s.deviceID, data)

	if err := s.broadcastSalt(); err != nil {
		s.logger.Error("failed to broadcast SaltExchange on leave", logging.KeyError, err)
	}
}

// broadcastSalt sends the current sorted device-id set to every member
// of the room, so all of them derive the same fresh room key.
func (s *Session) broadcastSalt() error {
	members := s.registry.Members(s.roomID)
	if len(members) == 0 {
		return nil
	}
	memberIDs := make([]ids.DeviceID, len(members))
	for i, m := range members {
		memberIDs[i] = m.DeviceID
	}
	salt := &protocol.SaltExchange{DeviceIDs: ids.SortDeviceIDs(memberIDs)}
	env := &protocol.Envelope{Kind: protocol.KindSaltExchange, Body: salt.Encode()}
	data, err := env.Encode()
	if err != nil {
		return relayerr.Wrap(relayerr.KindMalformedFrame, "failed to encode SaltExchange", err)
	}
	s.registry.Broadcast(s.roomID, data)
	return nil
}

// readLoop consumes frames off the connection until it closes or ctx
// is canceled.
func (s *Session) readLoop(ctx context.Context, cancel context.CancelFunc) error {
	defer cancel()

	violations := 0
	windowStart := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		env, err := s.conn.ReadFrame()
		if err != nil {
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				return relayerr.Wrap(relayerr.KindFrameTooLarge, "oversize frame", err)
			}
			if errors.Is(err, protocol.ErrMalformedFrame) {
				s.dropFrame(relayerr.KindMalformedFrame)
				s.logger.Debug("dropping malformed frame", logging.KeyError, err)
				continue
			}
			if errors.Is(err, transport.ErrNonBinaryMessage) {
				s.logger.Debug("ignoring text frame in ACTIVE state")
				continue
			}
			return relayerr.Wrap(relayerr.KindPeerTimeout, "connection read failed", err)
		}

		if !s.limiter.Allow() {
			if time.Since(windowStart) > rateViolationWindow {
				windowStart = time.Now()
				violations = 0
			}
			violations++
			s.dropFrame(relayerr.KindRateLimitExceeded)
			s.logger.Warn("dropping frame over rate limit",
				logging.KeyDeviceID, s.deviceID.ShortString(),
				logging.KeyCount, violations)
			if violations > rateViolationLimit {
				return relayerr.New(relayerr.KindRateLimitExceeded, "sustained frame rate limit violations")
			}
			continue
		}

		if err := s.handleFrame(env); err != nil {
			var relayErr *relayerr.Error
			if errors.As(err, &relayErr) && relayerr.IsFatal(relayErr.Kind) {
				return err
			}
			s.logger.Debug("ignoring frame", logging.KeyError, err)
		}
	}
}

// handleFrame dispatches one decoded frame in the ACTIVE state. Only
// EncryptedMessage does anything; every other kind is ignored at debug
// level to stay forward compatible (spec.md §9). The relay validates
// nothing about the ciphertext itself — counters and authentication
// are the receiving clients' business.
func (s *Session) handleFrame(env *protocol.Envelope) error {
	switch env.Kind {
	case protocol.KindEncryptedMessage:
		msg, err := protocol.DecodeEncryptedMessage(env.Body)
		if err != nil {
			return relayerr.Wrap(relayerr.KindMalformedFrame, "malformed EncryptedMessage", err)
		}
		if msg.SenderDeviceID != s.deviceID {
			s.dropFrame(relayerr.KindSenderMismatch)
			return relayerr.New(relayerr.KindSenderMismatch, "sender_device_id does not match session identity")
		}

		data, err := env.Encode()
		if err != nil {
			return relayerr.Wrap(relayerr.KindMalformedFrame, "failed to re-encode EncryptedMessage", err)
		}
		s.registry.Fanout(s.roomID, s.deviceID, data)
		if s.metrics.OnFrameForwarded != nil {
			s.metrics.OnFrameForwarded(len(data))
		}
		return nil

	default:
		s.logger.Debug("ignoring unexpected frame kind in ACTIVE state", logging.KeyFrameKind, protocol.KindName(env.Kind))
		return nil
	}
}

func (s *Session) dropFrame(kind relayerr.Kind) {
	if s.metrics.OnFrameDropped != nil {
		s.metrics.OnFrameDropped(kind)
	}
}

// writeLoop drains the session's Sink and writes each queued frame to
// the connection. On cancellation it keeps writing already-queued
// frames for up to drainTimeout before giving up on them.
func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.drainSink()
			return ctx.Err()
		case frame := <-s.sink.Recv():
			if err := s.writeRaw(frame); err != nil {
				return err
			}
		}
	}
}

func (s *Session) drainSink() {
	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) {
		select {
		case frame := <-s.sink.Recv():
			if err := s.writeRaw(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) writeRaw(frame []byte) error {
	env, err := protocol.DecodeEnvelope(frame)
	if err != nil {
		return relayerr.Wrap(relayerr.KindMalformedFrame, "corrupt queued frame", err)
	}
	if err := s.conn.WriteFrame(env); err != nil {
		return relayerr.Wrap(relayerr.KindPeerTimeout, "connection write failed", err)
	}
	return nil
}

// keepaliveLoop pings the peer on a fixed interval and closes the
// session after two consecutive missed pongs. It tears the connection
// down itself on failure so the blocked read loop unblocks too.
func (s *Session) keepaliveLoop(ctx context.Context, cancel context.CancelFunc) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, pingTimeout)
			err := s.conn.Ping(pingCtx)
			pingCancel()
			if s.metrics.OnKeepaliveSent != nil {
				s.metrics.OnKeepaliveSent()
			}
			if err != nil {
				missed++
				if s.metrics.OnKeepaliveMiss != nil {
					s.metrics.OnKeepaliveMiss()
				}
				if missed >= maxMissedPings {
					cancel()
					s.conn.CloseNow()
					return relayerr.Wrap(relayerr.KindPeerTimeout, "missed keepalive pings", err)
				}
				continue
			}
			missed = 0
		}
	}
}
