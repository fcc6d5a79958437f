// Package user defines the per-connection identity used throughout pairing.
// A Handle lives exactly as long as one client connection; a reconnect is a
// new Handle.
package user

import (
	"time"

	"github.com/google/uuid"
)

// Handle is an opaque identifier for one client connection.
type Handle struct {
	ID       string    `json:"id"`
	JoinedAt time.Time `json:"joined_at"`
}

// New mints a fresh handle with a random id.
func New() Handle {
	return Handle{ID: uuid.New().String(), JoinedAt: time.Now()}
}

// FromID wraps an id supplied by a transport (e.g. a socket id) into a handle
// joined now.
func FromID(id string) Handle {
	return Handle{ID: id, JoinedAt: time.Now()}
}

// Valid reports whether the handle carries an id.
func (h Handle) Valid() bool {
	return h.ID != ""
}
