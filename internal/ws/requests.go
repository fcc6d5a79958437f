package ws

import (
	"context"
	"errors"

	"github.com/whisper/duochat/internal/chat"
	"github.com/whisper/duochat/internal/lifecycle"
	"github.com/whisper/duochat/internal/matching"
	"github.com/whisper/duochat/internal/protocol"
	"github.com/whisper/duochat/internal/ratelimit"
	"github.com/whisper/duochat/internal/relay"
	"github.com/whisper/duochat/internal/session"
)

// Requests is the request surface reachable over the socket. The connection's
// handle is always the acting user.
type Requests interface {
	RequestMatch(ctx context.Context, id string) (lifecycle.MatchResult, error)
	SendMessage(ctx context.Context, id, sessionID, text string) (*chat.Message, error)
	Leave(ctx context.Context, id, sessionID string) error
	Cancel(ctx context.Context, id string) error
}

// RegisterRequests wires find_match, message, leave and cancel_match frames
// to reqs.
func (s *Server) RegisterRequests(reqs Requests) {
	d := s.dispatcher

	d.Register(protocol.TypeFindMatch, func(ctx context.Context, c *Connection, _ interface{}) {
		if !s.allow(ctx, c, ratelimit.RuleMatch) {
			return
		}
		res, err := reqs.RequestMatch(ctx, c.ID)
		if err != nil {
			s.requestError(c, protocol.TypeFindMatch, err)
			return
		}
		send(s.log, c, protocol.TypeMatchResult, protocol.MatchResultMsg{
			Matched:   res.Matched,
			SessionID: res.SessionID,
			Role:      string(res.Role),
			Channel:   res.Channel,
		})
	})

	d.Register(protocol.TypeMessage, func(ctx context.Context, c *Connection, msg interface{}) {
		m, ok := msg.(protocol.ChatMsg)
		if !ok {
			return
		}
		if !s.allow(ctx, c, ratelimit.RuleMessage) {
			return
		}
		if _, err := reqs.SendMessage(ctx, c.ID, m.SessionID, m.Text); err != nil {
			s.requestError(c, protocol.TypeMessage, err)
			return
		}
		send(s.log, c, protocol.TypeAck, protocol.AckMsg{For: protocol.TypeMessage})
	})

	d.Register(protocol.TypeLeave, func(ctx context.Context, c *Connection, msg interface{}) {
		m, ok := msg.(protocol.LeaveMsg)
		if !ok {
			return
		}
		if err := reqs.Leave(ctx, c.ID, m.SessionID); err != nil && !errors.Is(err, relay.ErrPublishFailure) {
			s.requestError(c, protocol.TypeLeave, err)
			return
		}
		send(s.log, c, protocol.TypeAck, protocol.AckMsg{For: protocol.TypeLeave})
	})

	d.Register(protocol.TypeCancelMatch, func(ctx context.Context, c *Connection, _ interface{}) {
		if err := reqs.Cancel(ctx, c.ID); err != nil {
			s.requestError(c, protocol.TypeCancelMatch, err)
			return
		}
		send(s.log, c, protocol.TypeAck, protocol.AckMsg{For: protocol.TypeCancelMatch})
	})
}

// allow applies rule to the connection's handle and tells the client when it
// is throttled.
func (s *Server) allow(ctx context.Context, c *Connection, rule ratelimit.Rule) bool {
	if s.limiter == nil {
		return true
	}
	if ok, _ := s.limiter.Allow(ctx, c.ID, rule); ok {
		return true
	}
	send(s.log, c, protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: int(rule.Window.Seconds()),
	})
	return false
}

func (s *Server) requestError(c *Connection, frame string, err error) {
	code := ErrorCode(err)
	if code == protocol.CodeInternal {
		s.log.Error().Err(err).Str("conn", c.ID).Str("frame", frame).Msg("request failed")
	}
	sendError(s.log, c, code, err.Error())
}

// ErrorCode maps a core error to its protocol error code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, matching.ErrInvalidRequest):
		return protocol.CodeBadRequest
	case errors.Is(err, session.ErrNotAMember):
		return protocol.CodeNotAMember
	case errors.Is(err, matching.ErrAlreadyWaiting), errors.Is(err, session.ErrAlreadyInSession):
		return protocol.CodeConflict
	case errors.Is(err, session.ErrSessionClosed):
		return protocol.CodeSessionClosed
	case errors.Is(err, relay.ErrPublishFailure):
		return protocol.CodePublishFailure
	}
	return protocol.CodeInternal
}
