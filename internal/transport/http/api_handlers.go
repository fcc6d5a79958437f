package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/whisper/duochat/internal/authz"
	"github.com/whisper/duochat/internal/chat"
	"github.com/whisper/duochat/internal/lifecycle"
	"github.com/whisper/duochat/internal/matching"
	"github.com/whisper/duochat/internal/ratelimit"
	"github.com/whisper/duochat/internal/relay"
	"github.com/whisper/duochat/internal/session"
)

// Service is the request surface behind the API.
type Service interface {
	RequestMatch(ctx context.Context, id string) (lifecycle.MatchResult, error)
	SendMessage(ctx context.Context, id, sessionID, text string) (*chat.Message, error)
	Leave(ctx context.Context, id, sessionID string) error
	Cancel(ctx context.Context, id string) error
	State(id string) (lifecycle.State, bool)
	Session(ctx context.Context, id string) (*session.Session, error)
}

// Granter issues subscription grants.
type Granter interface {
	Grant(ctx context.Context, connID, channel string) (string, error)
}

// APIHandlers provides HTTP handlers for REST API endpoints.
type APIHandlers struct {
	svc     Service
	grants  Granter
	limiter ratelimit.Limiter
	log     *zerolog.Logger
}

// NewAPIHandlers creates a new API handlers instance.
func NewAPIHandlers(svc Service, grants Granter, limiter ratelimit.Limiter, logger *zerolog.Logger) *APIHandlers {
	return &APIHandlers{
		svc:     svc,
		grants:  grants,
		limiter: limiter,
		log:     logger,
	}
}

// MatchRequest is the body of POST /api/match and POST /api/cancel.
type MatchRequest struct {
	SocketID string `json:"socketId" binding:"required"`
}

// MatchResponse reports the outcome of a match request.
type MatchResponse struct {
	Status      string `json:"status"` // matched | waiting
	SessionID   string `json:"sessionId,omitempty"`
	Role        string `json:"role,omitempty"`
	ChannelName string `json:"channelName,omitempty"`
}

// MessageRequest is the body of POST /api/message.
type MessageRequest struct {
	SocketID  string `json:"socketId" binding:"required"`
	SessionID string `json:"sessionId" binding:"required"`
	Text      string `json:"text"`
}

// MessageResponse acknowledges a relayed message.
type MessageResponse struct {
	Status string `json:"status"`
	SentAt int64  `json:"sentAt"`
}

// LeaveRequest is the body of POST /api/leave.
type LeaveRequest struct {
	SocketID  string `json:"socketId" binding:"required"`
	SessionID string `json:"sessionId" binding:"required"`
}

// AuthRequest asks for a subscription grant. Form and JSON bodies are both
// accepted.
type AuthRequest struct {
	SocketID    string `form:"socket_id" json:"socket_id" binding:"required"`
	ChannelName string `form:"channel_name" json:"channel_name" binding:"required"`
}

// AuthResponse carries a signed subscription grant.
type AuthResponse struct {
	Auth string `json:"auth"`
}

// StatusResponse is a bare status body.
type StatusResponse struct {
	Status string `json:"status"`
}

// SessionResponse is the body of GET /api/session/:userId.
type SessionResponse struct {
	State   string       `json:"state"`
	Session *SessionView `json:"session"`
}

// SessionView is the caller's view of a session.
type SessionView struct {
	ID          string `json:"sessionId"`
	Status      string `json:"status"`
	Role        string `json:"role"`
	ChannelName string `json:"channelName"`
	CloseReason string `json:"closeReason,omitempty"`
}

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Match handles a match request.
// POST /api/match
func (h *APIHandlers) Match(c *gin.Context) {
	var req MatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid match request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "missing socketId"})
		return
	}
	if !h.allow(c, req.SocketID, ratelimit.RuleMatch) {
		return
	}

	res, err := h.svc.RequestMatch(c.Request.Context(), req.SocketID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !res.Matched {
		c.JSON(http.StatusOK, MatchResponse{Status: "waiting"})
		return
	}
	c.JSON(http.StatusOK, MatchResponse{
		Status:      "matched",
		SessionID:   res.SessionID,
		Role:        string(res.Role),
		ChannelName: res.Channel,
	})
}

// Message relays a chat message to the sender's partner.
// POST /api/message
func (h *APIHandlers) Message(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid message request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "missing fields"})
		return
	}
	if !h.allow(c, req.SocketID, ratelimit.RuleMessage) {
		return
	}

	msg, err := h.svc.SendMessage(c.Request.Context(), req.SocketID, req.SessionID, req.Text)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, MessageResponse{Status: "sent", SentAt: msg.SentAt.UnixMilli()})
}

// Leave ends the caller's session. The session is closed even when the
// partner could not be notified.
// POST /api/leave, POST /api/disconnect
func (h *APIHandlers) Leave(c *gin.Context) {
	var req LeaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid leave request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "missing fields"})
		return
	}

	err := h.svc.Leave(c.Request.Context(), req.SocketID, req.SessionID)
	if errors.Is(err, relay.ErrPublishFailure) {
		h.log.Warn().Err(err).Str("session_id", req.SessionID).Msg("partner not notified of leave")
		err = nil
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, StatusResponse{Status: "disconnected"})
}

// Cancel withdraws the caller from matchmaking.
// POST /api/cancel
func (h *APIHandlers) Cancel(c *gin.Context) {
	var req MatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid cancel request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "missing socketId"})
		return
	}

	if err := h.svc.Cancel(c.Request.Context(), req.SocketID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, StatusResponse{Status: "cancelled"})
}

// Auth issues a subscription grant for a private channel.
// POST /api/auth
func (h *APIHandlers) Auth(c *gin.Context) {
	var req AuthRequest
	if err := c.ShouldBind(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid auth request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "missing socket_id or channel_name"})
		return
	}
	if h.grants == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "subscription grants are disabled"})
		return
	}
	if !h.allow(c, req.SocketID, ratelimit.RuleAuth) {
		return
	}

	token, err := h.grants.Grant(c.Request.Context(), req.SocketID, req.ChannelName)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, AuthResponse{Auth: token})
}

// Session returns the caller's current or most recent session so a client
// that missed a push can recheck.
// GET /api/session/:userId
func (h *APIHandlers) Session(c *gin.Context) {
	id := c.Param("userId")
	state, ok := h.svc.State(id)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown user"})
		return
	}

	s, err := h.svc.Session(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := SessionResponse{State: string(state)}
	if s != nil {
		resp.Session = &SessionView{
			ID:          s.ID,
			Status:      string(s.State),
			Role:        string(matching.RoleIn(s, id)),
			ChannelName: s.Channel(),
			CloseReason: string(s.ClosedReason),
		}
	}
	c.JSON(http.StatusOK, resp)
}

// allow applies rule to identifier and writes 429 when it is exceeded.
func (h *APIHandlers) allow(c *gin.Context, identifier string, rule ratelimit.Rule) bool {
	if h.limiter == nil {
		return true
	}
	ok, err := h.limiter.Allow(c.Request.Context(), identifier, rule)
	if err != nil {
		h.log.Warn().Err(err).Str("rule", rule.Key).Msg("rate limiter unavailable")
	}
	if ok {
		return true
	}
	c.Header("Retry-After", strconv.Itoa(int(rule.Window.Seconds())))
	c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "rate limited"})
	return false
}

func (h *APIHandlers) fail(c *gin.Context, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(status, ErrorResponse{Error: "internal server error"})
		return
	}
	c.JSON(status, ErrorResponse{Error: err.Error()})
}

// StatusFor maps a core error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, matching.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotAMember), errors.Is(err, authz.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, matching.ErrAlreadyWaiting), errors.Is(err, session.ErrAlreadyInSession):
		return http.StatusConflict
	case errors.Is(err, session.ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, relay.ErrPublishFailure):
		return http.StatusBadGateway
	case errors.Is(err, authz.ErrNoGrants):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}
