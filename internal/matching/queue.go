// Package matching pairs users who are looking for a chat partner. It owns the
// wait queue of tickets and the matchmaker that turns two waiting users into a
// session.
package matching

import (
	"context"
	"errors"
	"time"

	"github.com/whisper/duochat/internal/user"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrAlreadyWaiting = errors.New("user already waiting for a match")
)

// WaitTicket is a user's place in the queue.
type WaitTicket struct {
	User       user.Handle `json:"user"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
}

// Queue is the FIFO set of users seeking a partner. Every method is atomic
// with respect to concurrent callers.
type Queue interface {
	// Enqueue appends a ticket for u. Fails with ErrAlreadyWaiting if u
	// already holds one.
	Enqueue(ctx context.Context, u user.Handle) error

	// DequeueNext removes and returns the oldest ticket whose user is not
	// excludingID. Returns nil when no such ticket exists.
	DequeueNext(ctx context.Context, excludingID string) (*WaitTicket, error)

	// Remove drops the user's ticket. Removing an absent ticket is not an error.
	Remove(ctx context.Context, userID string) error

	// Contains reports whether the user holds a ticket.
	Contains(ctx context.Context, userID string) (bool, error)

	// Len returns the number of queued tickets.
	Len(ctx context.Context) (int, error)

	// Snapshot returns all tickets, oldest first.
	Snapshot(ctx context.Context) ([]WaitTicket, error)
}
