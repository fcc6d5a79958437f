package ws

import (
	"context"
	"time"

	"github.com/whisper/duochat/internal/lifecycle"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// runHeartbeat periodically pings every connection and evicts those that have
// gone stale. It returns when ctx is cancelled or the server shuts down.
func (s *Server) runHeartbeat(ctx context.Context, config HeartbeatConfig) {
	ticker := time.NewTicker(config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.checkConnections(config)
		}
	}
}

// checkConnections iterates over all active connections. Connections that have
// not had a successful read within Interval + Timeout are considered dead and
// removed with a timeout reason. All other connections receive a
// WebSocket-level ping frame which browsers answer automatically with a pong.
func (s *Server) checkConnections(config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			s.log.Info().
				Str("conn", c.ID).
				Dur("idle", idle.Round(time.Second)).
				Msg("heartbeat timeout")
			s.RemoveConnection(c, lifecycle.GoneTimedOut)
			continue
		}

		if err := c.WritePing(); err != nil {
			s.log.Debug().Err(err).Str("conn", c.ID).Msg("heartbeat ping failed")
			s.RemoveConnection(c, lifecycle.GoneClosed)
		}
	}
}
