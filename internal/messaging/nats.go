package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// SubjectPrefix is prepended to channel names to form NATS subjects.
const SubjectPrefix = "notify."

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "duochat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NATSBus is a Bus over NATS. Each channel maps to subject notify.<channel>
// and events travel as JSON-encoded Event values.
type NATSBus struct {
	conn *nats.Conn
	log  *zerolog.Logger
	mu   sync.Mutex
	subs map[*nats.Subscription]struct{}
}

// NewNATSBus connects to NATS with the given config and returns a ready bus.
// It returns an error if the initial connection fails.
func NewNATSBus(config NATSConfig, logger *zerolog.Logger) (*NATSBus, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats connected")

	return &NATSBus{
		conn: nc,
		log:  logger,
		subs: make(map[*nats.Subscription]struct{}),
	}, nil
}

// Publish implements Publisher.
func (b *NATSBus) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("nats marshal event: %w", err)
	}
	if err := b.conn.Publish(SubjectPrefix+ev.Channel, data); err != nil {
		if err == nats.ErrConnectionClosed {
			return ErrBusClosed
		}
		return fmt.Errorf("nats publish %s: %w", ev.Channel, err)
	}
	return nil
}

// Subscribe implements Bus. Undecodable messages are logged and dropped.
func (b *NATSBus) Subscribe(channel string, handler func(Event)) (Subscription, error) {
	subject := SubjectPrefix + channel
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping undecodable event")
			return
		}
		handler(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return &natsSub{bus: b, sub: sub}, nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (b *NATSBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		if err := sub.Drain(); err != nil {
			b.log.Warn().Err(err).Str("subject", sub.Subject).Msg("nats drain failed")
		}
	}
	b.subs = make(map[*nats.Subscription]struct{})

	if err := b.conn.Drain(); err != nil {
		b.log.Warn().Err(err).Msg("nats connection drain failed")
	}
}

type natsSub struct {
	bus *NATSBus
	sub *nats.Subscription
}

func (s *natsSub) Unsubscribe() error {
	s.bus.mu.Lock()
	_, ok := s.bus.subs[s.sub]
	delete(s.bus.subs, s.sub)
	s.bus.mu.Unlock()

	if !ok {
		return nil
	}
	if err := s.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", s.sub.Subject, err)
	}
	return nil
}
