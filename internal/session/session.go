// Package session is the authoritative registry of chat sessions: pairs of
// user handles that exchange messages until one of them leaves. A session is
// created Active by the matchmaker and transitions to Closed exactly once; it
// is never reopened.
package session

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/whisper/duochat/internal/user"
)

// State is the lifecycle state of a session.
type State string

const (
	StateActive State = "active"
	StateClosed State = "closed"
)

// CloseReason records why a session was closed.
type CloseReason string

const (
	ReasonSelfLeft        CloseReason = "self-left"
	ReasonPartnerLeft     CloseReason = "partner-left"
	ReasonPartnerTimedOut CloseReason = "partner-timed-out"
)

// DefaultRetention is how long a closed session stays readable so late
// senders get ErrSessionClosed instead of ErrNotAMember.
const DefaultRetention = 10 * time.Minute

var (
	ErrAlreadyInSession = errors.New("user already in an active session")
	ErrNotAMember       = errors.New("user is not a member of the session")
	ErrSessionClosed    = errors.New("session is closed")
	ErrInvalidPair      = errors.New("session members must be two distinct users")
)

// Session is a pairing of exactly two user handles. A is the member who was
// waiting when the pair formed and B the member whose request completed it.
type Session struct {
	ID           string      `json:"session_id"`
	A            user.Handle `json:"a"`
	B            user.Handle `json:"b"`
	State        State       `json:"state"`
	CreatedAt    time.Time   `json:"created_at"`
	ClosedAt     *time.Time  `json:"closed_at,omitempty"`
	ClosedReason CloseReason `json:"closed_reason,omitempty"`
}

// IsMember reports whether userID is one of the two members.
func (s *Session) IsMember(userID string) bool {
	return userID != "" && (userID == s.A.ID || userID == s.B.ID)
}

// Partner returns the other member, or false if userID is not a member.
func (s *Session) Partner(userID string) (user.Handle, bool) {
	switch userID {
	case s.A.ID:
		return s.B, true
	case s.B.ID:
		return s.A, true
	}
	return user.Handle{}, false
}

// Active reports whether the session is still open.
func (s *Session) Active() bool {
	return s.State == StateActive
}

// Channel is the shared notification channel both members subscribe to.
func (s *Session) Channel() string {
	return ChannelFor(s.ID)
}

// ChannelFor returns the shared channel name for a session id.
func ChannelFor(sessionID string) string {
	return "private-chat-" + sessionID
}

// DeriveID computes the session id from the two member ids. The ids are
// sorted first so both members arrive at the same value.
func DeriveID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	h := sha256.Sum256([]byte(strings.Join(ids, ":")))
	return fmt.Sprintf("%x", h[:16])
}

// Registry stores sessions and their membership. Implementations must make
// Create a single atomic check-and-insert and report from Close whether the
// call performed the transition.
type Registry interface {
	// Create opens a session for a and b. It fails with ErrAlreadyInSession
	// if either has an active session.
	Create(ctx context.Context, a, b user.Handle) (*Session, error)

	// Get returns a session by id, or nil if unknown.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// ActiveFor returns the user's active session, or nil.
	ActiveFor(ctx context.Context, userID string) (*Session, error)

	// PartnerOf returns the other member of the user's active session, or nil.
	PartnerOf(ctx context.Context, userID string) (*user.Handle, error)

	// Close marks the session closed with reason. The returned bool is true
	// only for the call that transitioned it; later calls are no-ops.
	Close(ctx context.Context, sessionID string, reason CloseReason) (*Session, bool, error)

	// CountActive returns the number of active sessions.
	CountActive(ctx context.Context) (int, error)
}

func validatePair(a, b user.Handle) error {
	if !a.Valid() || !b.Valid() || a.ID == b.ID {
		return ErrInvalidPair
	}
	return nil
}
