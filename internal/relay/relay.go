// Package relay emits the pairing, message and disconnect notifications of a
// session onto the notification bus. It reads session state from the registry
// and never holds a lock while publishing.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/whisper/duochat/internal/chat"
	"github.com/whisper/duochat/internal/matching"
	"github.com/whisper/duochat/internal/messaging"
	"github.com/whisper/duochat/internal/metrics"
	"github.com/whisper/duochat/internal/session"
)

// ErrPublishFailure is returned when the bus rejected an event after all
// retries. The state change that triggered the event stays committed.
var ErrPublishFailure = errors.New("relay: publish failed")

// Config controls publish retries.
type Config struct {
	MaxTries        uint          // attempts per event, including the first
	InitialInterval time.Duration // delay before the first retry
	MaxInterval     time.Duration // cap on the delay between retries
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxTries:        3,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
	}
}

// Relay publishes session notifications.
type Relay struct {
	registry session.Registry
	bus      messaging.Publisher
	cfg      Config
	now      func() time.Time
	log      *zerolog.Logger
}

// New creates a relay publishing to bus.
func New(registry session.Registry, bus messaging.Publisher, cfg Config, logger *zerolog.Logger) *Relay {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 1
	}
	return &Relay{
		registry: registry,
		bus:      bus,
		cfg:      cfg,
		now:      time.Now,
		log:      logger,
	}
}

// NotifyMatch sends match-found to both members of a new session. Each member
// gets its own role and the session channel to subscribe to. Both publishes
// are attempted even if the first fails.
func (r *Relay) NotifyMatch(ctx context.Context, s *session.Session) error {
	var errs []error
	for _, member := range []string{s.A.ID, s.B.ID} {
		payload := chat.MatchFoundPayload{
			SessionID: s.ID,
			Role:      string(matching.RoleIn(s, member)),
			Channel:   s.Channel(),
		}
		if err := r.emit(ctx, messaging.UserChannel(member), messaging.EventMatchFound, payload); err != nil {
			r.log.Warn().Err(err).Str("session_id", s.ID).Str("user", member).Msg("match-found not delivered")
			errs = append(errs, err)
		}
	}
	r.observeSessions(ctx)
	return errors.Join(errs...)
}

// SendMessage relays text from senderID to the session channel.
func (r *Relay) SendMessage(ctx context.Context, sessionID, senderID, text string) (*chat.Message, error) {
	if strings.TrimSpace(sessionID) == "" || strings.TrimSpace(senderID) == "" {
		return nil, matching.ErrInvalidRequest
	}
	if err := chat.ValidateMessage(text); err != nil {
		return nil, fmt.Errorf("%w: %w", matching.ErrInvalidRequest, err)
	}

	s, err := r.registry.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("relay: load session %s: %w", sessionID, err)
	}
	if s == nil || !s.IsMember(senderID) {
		return nil, session.ErrNotAMember
	}
	if !s.Active() {
		return nil, session.ErrSessionClosed
	}

	msg := &chat.Message{
		SessionID: s.ID,
		SenderID:  senderID,
		Text:      text,
		SentAt:    r.now(),
	}
	if err := r.emit(ctx, s.Channel(), messaging.EventNewMessage, msg.Payload()); err != nil {
		return nil, err
	}
	return msg, nil
}

// NotifyDisconnect closes the session on behalf of leavingID and, if this
// call performed the close, publishes a single disconnect event. Closing an
// already closed session is a no-op.
func (r *Relay) NotifyDisconnect(ctx context.Context, sessionID, leavingID string, reason session.CloseReason) (*session.Session, error) {
	s, err := r.registry.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("relay: load session %s: %w", sessionID, err)
	}
	if s == nil || !s.IsMember(leavingID) {
		return nil, session.ErrNotAMember
	}

	closed, transitioned, err := r.registry.Close(ctx, sessionID, reason)
	if err != nil {
		return nil, fmt.Errorf("relay: close session %s: %w", sessionID, err)
	}
	if !transitioned {
		return closed, nil
	}

	metrics.SessionsClosed.WithLabelValues(string(reason)).Inc()
	r.observeSessions(ctx)
	r.log.Info().
		Str("session_id", sessionID).
		Str("user", leavingID).
		Str("reason", string(reason)).
		Msg("session closed")

	payload := chat.DisconnectPayload{Reason: string(reason), UserID: leavingID}
	if err := r.emit(ctx, closed.Channel(), messaging.EventDisconnect, payload); err != nil {
		return closed, err
	}
	return closed, nil
}

// emit publishes one event with bounded exponential backoff.
func (r *Relay) emit(ctx context.Context, channel, name string, payload interface{}) error {
	ev, err := messaging.NewEvent(channel, name, payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailure, err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := r.bus.Publish(ctx, ev)
		if errors.Is(err, messaging.ErrBusClosed) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(r.cfg.MaxTries))
	if err != nil {
		metrics.EventsPublished.WithLabelValues(name, "failed").Inc()
		return fmt.Errorf("%w: %s on %s: %w", ErrPublishFailure, name, channel, err)
	}

	metrics.EventsPublished.WithLabelValues(name, "ok").Inc()
	return nil
}

func (r *Relay) observeSessions(ctx context.Context) {
	if n, err := r.registry.CountActive(ctx); err == nil {
		metrics.ActiveSessions.Set(float64(n))
	}
}
