// Package chat holds the message model and the payloads the relay publishes
// on the notification bus.
package chat

import "time"

// Message is one relayed chat line. It is never persisted.
type Message struct {
	SessionID string    `json:"sessionId"`
	SenderID  string    `json:"senderId"`
	Text      string    `json:"text"`
	SentAt    time.Time `json:"sentAt"`
}

// MatchFoundPayload is sent to each member's private channel once a pair forms.
type MatchFoundPayload struct {
	SessionID string `json:"sessionId"`
	Role      string `json:"role"`    // "initiator" or "responder"
	Channel   string `json:"channel"` // session channel to subscribe to
}

// NewMessagePayload is published on the session channel for every message.
type NewMessagePayload struct {
	SenderID string `json:"senderId"`
	Text     string `json:"text"`
	SentAt   int64  `json:"sentAt"` // unix millis
}

// DisconnectPayload is published on the session channel when it closes.
type DisconnectPayload struct {
	Reason string `json:"reason"`
	UserID string `json:"userId"` // member whose departure closed the session
}

// Payload converts m into its bus payload.
func (m Message) Payload() NewMessagePayload {
	return NewMessagePayload{
		SenderID: m.SenderID,
		Text:     m.Text,
		SentAt:   m.SentAt.UnixMilli(),
	}
}
