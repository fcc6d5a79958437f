// Package ws is the push gateway: browsers hold one WebSocket each, receive
// a user handle on connect, subscribe to the notification channels they are
// authorized for, and may issue match and chat requests over the same socket.
// Each connection is served by its own read goroutine.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/whisper/duochat/internal/lifecycle"
	"github.com/whisper/duochat/internal/messaging"
	"github.com/whisper/duochat/internal/metrics"
	"github.com/whisper/duochat/internal/protocol"
	"github.com/whisper/duochat/internal/ratelimit"
	"github.com/whisper/duochat/internal/user"
)

// ServerConfig holds tunable parameters for the gateway.
type ServerConfig struct {
	MaxConnections  int           // hard cap on total connections
	MaxMessageBytes int64         // largest accepted client frame
	WriteTimeout    time.Duration // timeout for WebSocket write operations
	Heartbeat       HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxConnections:  100000,
		MaxMessageBytes: 8 << 10,
		WriteTimeout:    10 * time.Second,
		Heartbeat:       DefaultHeartbeatConfig(),
	}
}

// Presence receives connection lifecycle signals.
type Presence interface {
	Connect(h user.Handle) error
	OnUserGone(ctx context.Context, id string, reason lifecycle.GoneReason)
}

// Authorizer decides channel subscriptions.
type Authorizer interface {
	Authorize(ctx context.Context, connID, channel string) error
	VerifyGrant(token, connID, channel string) error
}

// Server upgrades HTTP requests to WebSocket connections and bridges them to
// the notification bus.
type Server struct {
	config     ServerConfig
	conns      *ConnectionManager
	presence   Presence
	authz      Authorizer
	bus        messaging.Bus
	limiter    ratelimit.Limiter
	dispatcher *MessageDispatcher
	log        *zerolog.Logger
	done       chan struct{}
	closeOnce  sync.Once
	startedAt  time.Time
}

// NewServer creates a gateway. Subscribe and unsubscribe frames are handled
// by the server itself; request frames are added with RegisterRequests.
func NewServer(config ServerConfig, presence Presence, authz Authorizer, bus messaging.Bus, logger *zerolog.Logger) *Server {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	s := &Server{
		config:     config,
		conns:      NewConnectionManager(),
		presence:   presence,
		authz:      authz,
		bus:        bus,
		dispatcher: NewMessageDispatcher(logger),
		log:        logger,
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}
	s.dispatcher.Register(protocol.TypeSubscribe, s.handleSubscribe)
	s.dispatcher.Register(protocol.TypeUnsubscribe, s.handleUnsubscribe)
	return s
}

// SetLimiter enables per-IP connection limits and per-handle request limits.
func (s *Server) SetLimiter(l ratelimit.Limiter) {
	s.limiter = l
}

// Dispatcher returns the frame dispatcher so callers can register handlers.
func (s *Server) Dispatcher() *MessageDispatcher {
	return s.dispatcher
}

// Connections returns the live connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// ConnectionCount returns the number of open sockets.
func (s *Server) ConnectionCount() int {
	return s.conns.Count()
}

// Uptime returns how long the server has been running.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startedAt)
}

// Run drives the heartbeat until ctx is cancelled or Shutdown is called.
func (s *Server) Run(ctx context.Context) {
	s.runHeartbeat(ctx, s.config.Heartbeat)
}

// HandleUpgrade upgrades an HTTP request to a WebSocket connection, mints a
// user handle for it and starts its read loop.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.limiter != nil {
		ip := remoteIPFromRequest(r)
		if ok, _ := s.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect); !ok {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	h := user.New()
	c := newConnection(h.ID, conn, s.config.WriteTimeout)
	if err := s.presence.Connect(h); err != nil {
		s.log.Error().Err(err).Str("conn", h.ID).Msg("failed to register handle")
		conn.Close()
		return
	}

	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	send(s.log, c, protocol.TypeConnectionEstablished, protocol.ConnectionEstablishedMsg{
		SocketID:        c.ID,
		ActivityTimeout: int(s.config.Heartbeat.Interval / time.Second),
	})

	s.log.Debug().Str("conn", c.ID).Str("ip", c.RemoteIP).Int("total", s.conns.Count()).Msg("new connection")

	go s.readLoop(c)
}

// readLoop reads frames until the connection fails or closes. Control frames
// are answered inline; data frames go to the dispatcher.
func (s *Server) readLoop(c *Connection) {
	defer s.RemoveConnection(c, lifecycle.GoneClosed)

	rd := wsutil.Reader{
		Source:       c.Conn,
		State:        ws.StateServerSide,
		CheckUTF8:    true,
		MaxFrameSize: s.config.MaxMessageBytes,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug().Err(err).Str("conn", c.ID).Msg("read failed")
			}
			return
		}

		// Any frame proves the connection is alive.
		c.Touch()

		if hdr.OpCode.IsControl() {
			payload, err := io.ReadAll(&rd)
			if err != nil {
				return
			}
			switch hdr.OpCode {
			case ws.OpClose:
				_ = c.writeClose()
				return
			case ws.OpPing:
				if err := c.writePong(payload); err != nil {
					return
				}
			}
			continue
		}

		if hdr.OpCode != ws.OpText && hdr.OpCode != ws.OpBinary {
			if err := rd.Discard(); err != nil {
				return
			}
			continue
		}

		data, err := readMessage(&rd, s.config.MaxMessageBytes)
		if err != nil {
			sendError(s.log, c, protocol.CodeBadRequest, err.Error())
			return
		}
		if len(data) == 0 {
			continue
		}

		s.dispatcher.Dispatch(c, data)
	}
}

var errMessageTooLarge = errors.New("message too large")

// readMessage reads a whole, possibly fragmented, message of at most max
// bytes.
func readMessage(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, errMessageTooLarge
	}
	return data, nil
}

// RemoveConnection closes c, drops its subscriptions and reports the handle
// as gone. Concurrent calls for the same connection are safe; only the first
// one reports.
func (s *Server) RemoveConnection(c *Connection, reason lifecycle.GoneReason) {
	if !s.conns.Remove(c.ID) {
		return
	}
	c.releaseSubscriptions()
	metrics.ConnectionsTotal.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultRequestTimeout)
	defer cancel()
	s.presence.OnUserGone(ctx, c.ID, reason)

	s.log.Debug().Str("conn", c.ID).Int("total", s.conns.Count()).Msg("connection closed")
}

// SendMessage writes a text frame to the connection identified by connID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.WriteMessage(data)
}

// Shutdown stops accepting connections and closes every live one. Each
// closed connection is reported as gone so sessions are torn down.
func (s *Server) Shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		for _, c := range s.conns.All() {
			_ = c.writeClose()
			s.RemoveConnection(c, lifecycle.GoneClosed)
		}
		s.log.Info().Msg("gateway stopped, all connections closed")
	})
}

func (s *Server) handleSubscribe(ctx context.Context, c *Connection, msg interface{}) {
	m, ok := msg.(protocol.SubscribeMsg)
	if !ok {
		return
	}
	if m.Channel == "" {
		s.subscriptionError(c, m.Channel, protocol.CodeBadRequest, "channel is required")
		return
	}

	var err error
	if m.Auth != "" {
		err = s.authz.VerifyGrant(m.Auth, c.ID, m.Channel)
	} else {
		err = s.authz.Authorize(ctx, c.ID, m.Channel)
	}
	if err != nil {
		s.log.Debug().Err(err).Str("conn", c.ID).Str("channel", m.Channel).Msg("subscription refused")
		s.subscriptionError(c, m.Channel, protocol.CodeForbidden, "subscription not permitted")
		return
	}

	if !c.Subscribed(m.Channel) {
		sub, err := s.bus.Subscribe(m.Channel, func(ev messaging.Event) {
			data, err := protocol.NewEventMessage(ev)
			if err != nil {
				s.log.Error().Err(err).Str("event", ev.Name).Msg("failed to build event frame")
				return
			}
			if err := c.WriteMessage(data); err != nil {
				s.log.Debug().Err(err).Str("conn", c.ID).Str("event", ev.Name).Msg("event not delivered")
			}
		})
		if err != nil {
			s.log.Error().Err(err).Str("channel", m.Channel).Msg("bus subscribe failed")
			s.subscriptionError(c, m.Channel, protocol.CodeInternal, "subscription failed")
			return
		}
		if !c.addSubscription(m.Channel, sub) {
			_ = sub.Unsubscribe()
		}
	}

	send(s.log, c, protocol.TypeSubscriptionSucceeded, protocol.SubscriptionSucceededMsg{Channel: m.Channel})
}

func (s *Server) handleUnsubscribe(_ context.Context, c *Connection, msg interface{}) {
	m, ok := msg.(protocol.UnsubscribeMsg)
	if !ok {
		return
	}
	c.removeSubscription(m.Channel)
}

func (s *Server) subscriptionError(c *Connection, channel, code, message string) {
	send(s.log, c, protocol.TypeSubscriptionError, protocol.SubscriptionErrorMsg{
		Channel: channel,
		Code:    code,
		Message: message,
	})
}

func remoteIPFromRequest(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
