// Package lifecycle tracks each user handle through Idle, Waiting, Paired and
// Disconnected, and turns transport signals (leave, cancel, connection gone)
// into queue eviction and session teardown. It is the request surface the
// HTTP layer and the push gateway call into.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/duochat/internal/chat"
	"github.com/whisper/duochat/internal/matching"
	"github.com/whisper/duochat/internal/relay"
	"github.com/whisper/duochat/internal/session"
	"github.com/whisper/duochat/internal/user"
)

// State is where a handle is in its lifecycle. Disconnected is terminal.
type State string

const (
	StateIdle         State = "idle"
	StateWaiting      State = "waiting"
	StatePaired       State = "paired"
	StateDisconnected State = "disconnected"
)

// GoneReason says how the transport lost a connection.
type GoneReason int

const (
	GoneClosed   GoneReason = iota // socket closed or read failed
	GoneTimedOut                   // heartbeat missed
)

func (r GoneReason) closeReason() session.CloseReason {
	if r == GoneTimedOut {
		return session.ReasonPartnerTimedOut
	}
	return session.ReasonPartnerLeft
}

// ErrDisconnected is returned for requests from a handle that already reached
// Disconnected. Reconnecting means minting a new handle.
var ErrDisconnected = fmt.Errorf("%w: handle is disconnected", matching.ErrInvalidRequest)

// DefaultRetention is how long disconnected handles are remembered.
const DefaultRetention = 10 * time.Minute

// MatchResult is what a match request returns to its caller.
type MatchResult struct {
	Matched   bool          `json:"matched"`
	SessionID string        `json:"sessionId,omitempty"`
	Role      matching.Role `json:"role,omitempty"`
	Channel   string        `json:"channel,omitempty"`
}

type entry struct {
	handle    user.Handle
	state     State
	sessionID string
	goneAt    time.Time
	reason    session.CloseReason // used to close a session that raced the departure
}

// Manager owns the per-handle state map. Its mutex is never held across
// matchmaker or relay calls.
type Manager struct {
	mu        sync.Mutex
	users     map[string]*entry
	forgotten map[string]struct{} // ids dropped by Forget; never registered again
	mm       *matching.Matchmaker
	registry session.Registry
	relay    *relay.Relay
	now      func() time.Time
	log      *zerolog.Logger
}

// NewManager creates a lifecycle manager.
func NewManager(mm *matching.Matchmaker, registry session.Registry, r *relay.Relay, logger *zerolog.Logger) *Manager {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Manager{
		users:     make(map[string]*entry),
		forgotten: make(map[string]struct{}),
		mm:        mm,
		registry:  registry,
		relay:     r,
		now:       time.Now,
		log:       logger,
	}
}

// Connect registers a new handle as Idle. Registering a known live handle is
// a no-op; a disconnected one is rejected.
func (m *Manager) Connect(h user.Handle) error {
	if !h.Valid() {
		return matching.ErrInvalidRequest
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.forgotten[h.ID]; ok {
		return ErrDisconnected
	}
	if e, ok := m.users[h.ID]; ok {
		if e.state == StateDisconnected {
			return ErrDisconnected
		}
		return nil
	}
	m.users[h.ID] = &entry{handle: h, state: StateIdle}
	return nil
}

// lookup returns the entry for id, registering unknown ids as Idle. A
// forgotten id gets a detached Disconnected entry so it stays terminal.
// Caller holds m.mu.
func (m *Manager) lookup(id string) *entry {
	e, ok := m.users[id]
	if !ok {
		if _, dead := m.forgotten[id]; dead {
			return &entry{handle: user.FromID(id), state: StateDisconnected, reason: session.ReasonSelfLeft}
		}
		e = &entry{handle: user.FromID(id), state: StateIdle}
		m.users[id] = e
	}
	return e
}

// RequestMatch pairs id with the oldest waiting user or queues it.
func (m *Manager) RequestMatch(ctx context.Context, id string) (MatchResult, error) {
	if strings.TrimSpace(id) == "" {
		return MatchResult{}, matching.ErrInvalidRequest
	}

	m.mu.Lock()
	e := m.lookup(id)
	if e.state == StateDisconnected {
		m.mu.Unlock()
		return MatchResult{}, ErrDisconnected
	}
	h := e.handle
	m.mu.Unlock()

	res, err := m.mm.RequestMatch(ctx, h)
	if err != nil {
		return MatchResult{}, err
	}
	return m.settle(ctx, e, res)
}

// settle records the outcome of a matchmaker call for e and reconciles it
// with departures that happened while the matchmaker was running.
func (m *Manager) settle(ctx context.Context, e *entry, res matching.Result) (MatchResult, error) {
	id := e.handle.ID

	var ghost string
	m.mu.Lock()
	gone := e.state == StateDisconnected
	// An empty reason means e was moved to Disconnected by its session
	// closing, not by its own departure.
	departed := e.reason != ""
	if !gone {
		if res.Matched {
			e.state = StatePaired
			e.sessionID = res.Session.ID
			if p, ok := m.users[res.Partner.ID]; ok {
				if p.state == StateDisconnected {
					ghost = p.handle.ID
				} else {
					p.state = StatePaired
					p.sessionID = res.Session.ID
				}
			}
		} else {
			e.state = StateWaiting
		}
	}
	m.mu.Unlock()

	if gone && res.Matched && !departed {
		return MatchResult{}, fmt.Errorf("%w: partner left before the match was delivered", session.ErrSessionClosed)
	}
	// The handle went away while the matchmaker was running; whatever the
	// request committed has to be undone.
	if gone {
		m.cleanup(ctx, id, m.reasonFor(id))
		return MatchResult{}, ErrDisconnected
	}
	if ghost != "" {
		m.cleanup(ctx, ghost, m.reasonFor(ghost))
	}

	if !res.Matched {
		return MatchResult{}, nil
	}
	if !res.Existing && ghost == "" {
		if err := m.relay.NotifyMatch(ctx, res.Session); err != nil {
			m.log.Warn().Err(err).Str("session_id", res.Session.ID).Msg("match notification incomplete")
		}
	}
	return MatchResult{
		Matched:   true,
		SessionID: res.Session.ID,
		Role:      res.Role,
		Channel:   res.Session.Channel(),
	}, nil
}

// SendMessage relays text from id into the session.
func (m *Manager) SendMessage(ctx context.Context, id, sessionID, text string) (*chat.Message, error) {
	return m.relay.SendMessage(ctx, sessionID, id, text)
}

// Leave closes the session on behalf of id. Leaving an already closed session
// is a no-op. Both members end up Disconnected.
func (m *Manager) Leave(ctx context.Context, id, sessionID string) error {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(sessionID) == "" {
		return matching.ErrInvalidRequest
	}

	s, err := m.relay.NotifyDisconnect(ctx, sessionID, id, session.ReasonSelfLeft)
	if s != nil {
		m.markSessionEnded(s)
	}
	return err
}

// Cancel withdraws id from matchmaking. Idle and Waiting handles move to
// Disconnected and any wait ticket is removed; a paired handle must Leave.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return matching.ErrInvalidRequest
	}

	m.mu.Lock()
	e := m.lookup(id)
	switch e.state {
	case StatePaired:
		m.mu.Unlock()
		return session.ErrAlreadyInSession
	case StateDisconnected:
		m.mu.Unlock()
		return nil
	}
	e.state = StateDisconnected
	e.goneAt = m.now()
	e.reason = session.ReasonSelfLeft
	m.mu.Unlock()

	if _, err := m.mm.Cancel(ctx, id); err != nil {
		return err
	}
	// A match may have completed between the state change and the cancel.
	if s, err := m.registry.ActiveFor(ctx, id); err == nil && s != nil {
		return m.closeFor(ctx, s, id, session.ReasonSelfLeft)
	}
	return nil
}

// OnUserGone is the liveness callback for the transport. It is safe to call
// more than once and for handles in any state.
func (m *Manager) OnUserGone(ctx context.Context, id string, reason GoneReason) {
	if id == "" {
		return
	}

	m.mu.Lock()
	e := m.lookup(id)
	if e.state != StateDisconnected {
		e.state = StateDisconnected
		e.goneAt = m.now()
		e.reason = reason.closeReason()
	}
	m.mu.Unlock()

	m.log.Debug().Str("user", id).Str("reason", string(reason.closeReason())).Msg("user gone")
	m.cleanup(ctx, id, reason.closeReason())
}

// cleanup evicts id's ticket and closes its active session, looking both up
// by id rather than trusting the recorded state.
func (m *Manager) cleanup(ctx context.Context, id string, reason session.CloseReason) {
	if _, err := m.mm.Cancel(ctx, id); err != nil {
		m.log.Warn().Err(err).Str("user", id).Msg("failed to evict wait ticket")
	}

	s, err := m.registry.ActiveFor(ctx, id)
	if err != nil {
		m.log.Warn().Err(err).Str("user", id).Msg("failed to look up session")
		return
	}
	if s == nil {
		return
	}
	if err := m.closeFor(ctx, s, id, reason); err != nil {
		m.log.Warn().Err(err).Str("user", id).Str("session_id", s.ID).Msg("disconnect not delivered")
	}
}

func (m *Manager) closeFor(ctx context.Context, s *session.Session, id string, reason session.CloseReason) error {
	closed, err := m.relay.NotifyDisconnect(ctx, s.ID, id, reason)
	if closed != nil {
		m.markSessionEnded(closed)
	}
	return err
}

// markSessionEnded moves both members of a closed session to Disconnected.
func (m *Manager) markSessionEnded(s *session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, id := range []string{s.A.ID, s.B.ID} {
		e, ok := m.users[id]
		if !ok || e.state == StateDisconnected {
			continue
		}
		e.state = StateDisconnected
		e.sessionID = s.ID
		e.goneAt = now
	}
}

// reasonFor returns the close reason recorded when id was disconnected.
func (m *Manager) reasonFor(id string) session.CloseReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.users[id]; ok && e.reason != "" {
		return e.reason
	}
	return session.ReasonPartnerLeft
}

// IsLive reports whether id is known and not Disconnected.
func (m *Manager) IsLive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.users[id]
	return ok && e.state != StateDisconnected
}

// IsGone reports whether id was seen here and has since reached
// Disconnected, including handles already dropped by Forget. Ids this
// process never saw are not gone.
func (m *Manager) IsGone(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.forgotten[id]; ok {
		return true
	}
	e, ok := m.users[id]
	return ok && e.state == StateDisconnected
}

// State returns the recorded state of id.
func (m *Manager) State(id string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.users[id]
	if !ok {
		return "", false
	}
	return e.state, true
}

// Session returns id's active session, falling back to the last session the
// handle was part of. Clients use it to recheck state after a missed push.
func (m *Manager) Session(ctx context.Context, id string) (*session.Session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, matching.ErrInvalidRequest
	}
	s, err := m.registry.ActiveFor(ctx, id)
	if err != nil || s != nil {
		return s, err
	}

	m.mu.Lock()
	var last string
	if e, ok := m.users[id]; ok {
		last = e.sessionID
	}
	m.mu.Unlock()

	if last == "" {
		return nil, nil
	}
	return m.registry.Get(ctx, last)
}
