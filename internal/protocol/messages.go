// Package protocol defines the frames exchanged between push gateway clients
// and the server. All frames are JSON objects with a "type" discriminator.
// Clients subscribe to notification channels and may also issue the match,
// message, leave and cancel requests over the same socket.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/whisper/duochat/internal/messaging"
)

// ---------------------------------------------------------------------------
// Frame type constants
// ---------------------------------------------------------------------------

// Client -> Server frame types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeFindMatch   = "find_match"
	TypeCancelMatch = "cancel_match"
	TypeMessage     = "message"
	TypeLeave       = "leave"
	TypePing        = "ping"
)

// Server -> Client frame types.
const (
	TypeConnectionEstablished = "connection_established"
	TypeSubscriptionSucceeded = "subscription_succeeded"
	TypeSubscriptionError     = "subscription_error"
	TypeEvent                 = "event"
	TypeMatchResult           = "match_result"
	TypeAck                   = "ack"
	TypeRateLimited           = "rate_limited"
	TypeError                 = "error"
	TypePong                  = "pong"
)

// Error codes carried by ErrorMsg and SubscriptionErrorMsg.
const (
	CodeBadRequest     = "bad_request"
	CodeForbidden      = "forbidden"
	CodeNotAMember     = "not_a_member"
	CodeConflict       = "conflict"
	CodeSessionClosed  = "session_closed"
	CodePublishFailure = "publish_failure"
	CodeInternal       = "internal"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the frame type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server frames
// ---------------------------------------------------------------------------

// SubscribeMsg asks to receive events on a channel. Auth is an optional
// grant issued by the HTTP auth endpoint; without it the gateway runs the
// channel check itself.
type SubscribeMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Auth    string `json:"auth,omitempty"`
}

// UnsubscribeMsg stops delivery for a channel.
type UnsubscribeMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// FindMatchMsg requests a partner for the connection's handle.
type FindMatchMsg struct {
	Type string `json:"type"`
}

// CancelMatchMsg withdraws a pending match request.
type CancelMatchMsg struct {
	Type string `json:"type"`
}

// ChatMsg sends text into a session.
type ChatMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// LeaveMsg ends a session.
type LeaveMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client frames
// ---------------------------------------------------------------------------

// ConnectionEstablishedMsg is the first frame on every socket. SocketID is
// the user handle for the lifetime of the connection.
type ConnectionEstablishedMsg struct {
	Type            string `json:"type"`
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"` // seconds
}

// SubscriptionSucceededMsg confirms a subscription.
type SubscriptionSucceededMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// SubscriptionErrorMsg reports a refused subscription.
type SubscriptionErrorMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventMsg forwards one bus event to a subscriber.
type EventMsg struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

// MatchResultMsg answers find_match.
type MatchResultMsg struct {
	Type      string `json:"type"`
	Matched   bool   `json:"matched"`
	SessionID string `json:"session_id,omitempty"`
	Role      string `json:"role,omitempty"`
	Channel   string `json:"channel,omitempty"`
}

// AckMsg confirms a request that has no other result.
type AckMsg struct {
	Type string `json:"type"`
	For  string `json:"for"`
}

// RateLimitedMsg is sent when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg communicates an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client frame.
// An error is returned for unknown or server-only frame types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSubscribe:
		var m SubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUnsubscribe:
		var m UnsubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeFindMatch:
		var m FindMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCancelMatch:
		var m CancelMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeave:
		var m LeaveMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded frame with msgType injected under
// the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// NewEventMessage wraps a bus event as an event frame.
func NewEventMessage(ev messaging.Event) ([]byte, error) {
	return NewServerMessage(TypeEvent, EventMsg{
		Channel: ev.Channel,
		Event:   ev.Name,
		Data:    ev.Data,
	})
}
