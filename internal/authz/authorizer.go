// Package authz decides which notification channels a connection may
// subscribe to. A private user channel belongs to exactly one handle and a
// session channel to the two members of an active session.
package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/whisper/duochat/internal/messaging"
	"github.com/whisper/duochat/internal/session"
)

const (
	userChannelPrefix    = "private-user-"
	sessionChannelPrefix = "private-chat-"
)

// ErrForbidden is returned when a subscription is not permitted.
var ErrForbidden = errors.New("authz: subscription forbidden")

// Authorizer is the channel authorization hook.
type Authorizer struct {
	registry session.Registry
	grants   *GrantConfig
}

// New creates an authorizer. grants may be nil, in which case Grant and
// VerifyGrant always fail.
func New(registry session.Registry, grants *GrantConfig) *Authorizer {
	return &Authorizer{registry: registry, grants: grants}
}

// Authorize reports whether connID may subscribe to channel. It returns nil
// when permitted and an error wrapping ErrForbidden otherwise.
func (a *Authorizer) Authorize(ctx context.Context, connID, channel string) error {
	if connID == "" || channel == "" {
		return ErrForbidden
	}

	switch {
	case strings.HasPrefix(channel, userChannelPrefix):
		if channel != messaging.UserChannel(connID) {
			return fmt.Errorf("%w: %s is not the owner of %s", ErrForbidden, connID, channel)
		}
		return nil

	case strings.HasPrefix(channel, sessionChannelPrefix):
		sid := strings.TrimPrefix(channel, sessionChannelPrefix)
		s, err := a.registry.Get(ctx, sid)
		if err != nil {
			return fmt.Errorf("authz: load session %s: %w", sid, err)
		}
		if s == nil || !s.IsMember(connID) {
			return fmt.Errorf("%w: %s is not a member of %s", ErrForbidden, connID, channel)
		}
		if !s.Active() {
			return fmt.Errorf("%w: %s is closed", ErrForbidden, channel)
		}
		return nil
	}

	return fmt.Errorf("%w: unknown channel %s", ErrForbidden, channel)
}
