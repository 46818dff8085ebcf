// Package relay wires the room registry, session state machine, and
// WebSocket transport together behind an HTTP server exposing /ws,
// /healthz, and /metrics.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cliprelay/cliprelay/internal/logging"
	"github.com/cliprelay/cliprelay/internal/metrics"
	"github.com/cliprelay/cliprelay/internal/recovery"
	"github.com/cliprelay/cliprelay/internal/relayerr"
	"github.com/cliprelay/cliprelay/internal/room"
	"github.com/cliprelay/cliprelay/internal/session"
	"github.com/cliprelay/cliprelay/internal/transport"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"
)

// Config controls the relay HTTP server.
type Config struct {
	Address string

	// MaxConnections caps concurrently accepted WebSocket connections
	// across all rooms. Zero selects 10 * MaxRooms.
	MaxConnections int
	MaxRooms       int

	SinkQueueDepth  int
	RateLimitPerSec int
	RateLimitBurst  int
}

// DefaultConfig returns sane defaults for local development.
func DefaultConfig() Config {
	return Config{Address: "127.0.0.1:8080", MaxRooms: 10000}
}

func (c Config) maxConnections() int {
	if c.MaxConnections > 0 {
		return c.MaxConnections
	}
	maxRooms := c.MaxRooms
	if maxRooms <= 0 {
		maxRooms = 10000
	}
	return 10 * maxRooms
}

// Server is the relay's HTTP-facing process.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	registry *room.Registry

	server      *http.Server
	listener    net.Listener
	running     atomic.Bool
	connections atomic.Int64
}

// NewServer builds a relay server. It does not start listening until
// Start is called.
func NewServer(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.NewMetrics()
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
	}
	s.registry = room.NewRegistry(cfg.SinkQueueDepth, room.Observer{
		OnBackpressureDrop: func() { m.BackpressureDrops.Inc() },
		OnRoomCreated:      func() { m.RoomsActive.Inc() },
		OnRoomDeleted:      func() { m.RoomsActive.Dec() },
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// Start begins listening and serving in the background. Call Stop to
// shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go func() {
		defer recovery.RecoverWithLog(s.logger, "relay.httpServe")
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server exited", logging.KeyError, err)
		}
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.Swap(false) {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Addr returns the server's bound listen address, valid after Start.
func (s *Server) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.connections.Add(1) > int64(s.cfg.maxConnections()) {
		s.connections.Add(-1)
		s.metrics.RoomRejects.WithLabelValues("connection_cap").Inc()
		http.Error(w, "connection capacity reached", http.StatusServiceUnavailable)
		return
	}
	defer s.connections.Add(-1)

	ctx := context.Background()
	conn, err := transport.AcceptHTTP(ctx, w, r)
	if err != nil {
		s.logger.Debug("websocket accept failed", logging.KeyError, err)
		return
	}
	defer conn.CloseNow()

	sessionMetrics := session.Metrics{
		OnFrameForwarded: func(bytes int) {
			s.metrics.FramesForwarded.Inc()
			s.metrics.BytesForwarded.Add(float64(bytes))
		},
		OnFrameDropped: func(reason relayerr.Kind) {
			s.metrics.FramesDropped.WithLabelValues(string(reason)).Inc()
			if reason == relayerr.KindRateLimitExceeded {
				s.metrics.RateLimitDrops.Inc()
			}
		},
		OnSessionOpened: func() {
			s.metrics.SessionsTotal.Inc()
			s.metrics.SessionsActive.Inc()
			s.metrics.RoomJoins.Inc()
		},
		OnSessionClosed: func(reason relayerr.Kind) {
			s.metrics.SessionsActive.Dec()
			s.metrics.SessionsClosed.WithLabelValues(string(reason)).Inc()
		},
		OnHandshakeDone: func(elapsed time.Duration) {
			s.metrics.HelloLatency.Observe(elapsed.Seconds())
		},
		OnHandshakeFailed: func(reason relayerr.Kind) {
			s.metrics.RoomRejects.WithLabelValues(string(reason)).Inc()
		},
		OnKeepaliveSent: func() { s.metrics.KeepalivesSent.Inc() },
		OnKeepaliveMiss: func() { s.metrics.KeepaliveMisses.Inc() },
	}

	sess := session.New(conn, s.registry, s.logger, sessionMetrics, session.Options{
		RateLimitPerSec: s.cfg.RateLimitPerSec,
		RateLimitBurst:  s.cfg.RateLimitBurst,
	})
	if err := sess.Run(ctx); err != nil {
		// A rejected peer learns why through the close reason; a
		// normally departing one just sees the connection end.
		if kind := session.CloseReason(err); relayerr.IsFatal(kind) && kind != relayerr.KindPeerTimeout {
			conn.Close(websocket.StatusPolicyViolation, string(kind))
		}
		s.logger.Debug("session ended", logging.KeyError, err)
	}
}
