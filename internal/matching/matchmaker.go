package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/duochat/internal/metrics"
	"github.com/whisper/duochat/internal/session"
	"github.com/whisper/duochat/internal/user"
)

// Role breaks the symmetry between the two members of a new session. The
// requester whose call completed the pair is the initiator; the member who
// was already waiting is the responder.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// createAttempts bounds how many dequeued tickets one request may try before
// falling back to waiting.
const createAttempts = 2

// RoleIn returns the role userID holds in s. Sessions are created with the
// waiting member as A and the requester as B.
func RoleIn(s *session.Session, userID string) Role {
	if s != nil && s.B.ID == userID {
		return RoleInitiator
	}
	return RoleResponder
}

// Result is the outcome of a match request.
type Result struct {
	Matched  bool             // a session exists for the requester
	Existing bool             // the session predates this request (retry)
	Session  *session.Session // nil while waiting
	Role     Role
	Partner  user.Handle
}

// Matchmaker pairs requesters with the oldest waiting user. A single mutex
// makes check-session, dequeue and create one linearizable step, so two
// concurrent requests can never claim the same ticket.
type Matchmaker struct {
	mu       sync.Mutex
	queue    Queue
	registry session.Registry
	log      *zerolog.Logger
}

// NewMatchmaker creates a matchmaker over the given queue and registry.
func NewMatchmaker(queue Queue, registry session.Registry, logger *zerolog.Logger) *Matchmaker {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Matchmaker{queue: queue, registry: registry, log: logger}
}

// Queue returns the wait queue the matchmaker draws from.
func (m *Matchmaker) Queue() Queue {
	return m.queue
}

// RequestMatch pairs the requester immediately if anyone else is waiting and
// otherwise enqueues them. Repeated requests from an already paired or
// already waiting user return the current state without side effects.
func (m *Matchmaker) RequestMatch(ctx context.Context, requester user.Handle) (Result, error) {
	if !requester.Valid() {
		return Result{}, ErrInvalidRequest
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.requestLocked(ctx, requester)
	if err != nil {
		metrics.MatchRequests.WithLabelValues("error").Inc()
		return Result{}, err
	}

	switch {
	case res.Existing:
		metrics.MatchRequests.WithLabelValues("existing").Inc()
	case res.Matched:
		metrics.MatchRequests.WithLabelValues("matched").Inc()
	default:
		metrics.MatchRequests.WithLabelValues("waiting").Inc()
	}
	m.observeQueue(ctx)
	return res, nil
}

func (m *Matchmaker) requestLocked(ctx context.Context, requester user.Handle) (Result, error) {
	existing, err := m.registry.ActiveFor(ctx, requester.ID)
	if err != nil {
		return Result{}, fmt.Errorf("matching: lookup session for %s: %w", requester.ID, err)
	}
	if existing != nil {
		partner, _ := existing.Partner(requester.ID)
		return Result{
			Matched:  true,
			Existing: true,
			Session:  existing,
			Role:     RoleIn(existing, requester.ID),
			Partner:  partner,
		}, nil
	}

	waiting, err := m.queue.Contains(ctx, requester.ID)
	if err != nil {
		return Result{}, fmt.Errorf("matching: check queue for %s: %w", requester.ID, err)
	}
	if waiting {
		return Result{}, nil
	}

	for attempt := 0; attempt < createAttempts; attempt++ {
		ticket, err := m.queue.DequeueNext(ctx, requester.ID)
		if err != nil {
			return Result{}, fmt.Errorf("matching: dequeue: %w", err)
		}
		if ticket == nil {
			break
		}

		s, err := m.registry.Create(ctx, ticket.User, requester)
		if err == nil {
			metrics.MatchWait.Observe(time.Since(ticket.EnqueuedAt).Seconds())
			m.log.Info().
				Str("session_id", s.ID).
				Str("initiator", requester.ID).
				Str("responder", ticket.User.ID).
				Msg("paired")
			return Result{Matched: true, Session: s, Role: RoleInitiator, Partner: ticket.User}, nil
		}

		if errors.Is(err, session.ErrAlreadyInSession) || errors.Is(err, session.ErrSessionClosed) {
			m.log.Warn().Err(err).Str("ticket", ticket.User.ID).Msg("discarding ticket of unpairable user")
			continue
		}

		// Store failure: hand the ticket back so the waiting user is not lost.
		if rqErr := m.queue.Enqueue(ctx, ticket.User); rqErr != nil && !errors.Is(rqErr, ErrAlreadyWaiting) {
			m.log.Error().Err(rqErr).Str("ticket", ticket.User.ID).Msg("failed to requeue ticket")
		}
		return Result{}, fmt.Errorf("matching: create session: %w", err)
	}

	if err := m.queue.Enqueue(ctx, requester); err != nil && !errors.Is(err, ErrAlreadyWaiting) {
		return Result{}, fmt.Errorf("matching: enqueue %s: %w", requester.ID, err)
	}
	m.log.Debug().Str("user", requester.ID).Msg("enqueued")
	return Result{}, nil
}

// Cancel removes the user's ticket, if any. It takes the matchmaker lock so a
// cancelled ticket can never be dequeued by a request already in flight.
// Reports whether a ticket was removed.
func (m *Matchmaker) Cancel(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, ErrInvalidRequest
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	queued, err := m.queue.Contains(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("matching: check queue for %s: %w", userID, err)
	}
	if !queued {
		return false, nil
	}
	if err := m.queue.Remove(ctx, userID); err != nil {
		return false, fmt.Errorf("matching: remove %s: %w", userID, err)
	}
	m.observeQueue(ctx)
	return true, nil
}

func (m *Matchmaker) observeQueue(ctx context.Context) {
	if n, err := m.queue.Len(ctx); err == nil {
		metrics.MatchQueueSize.Set(float64(n))
	}
}
