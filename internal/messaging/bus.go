// Package messaging is the notification bus: components publish named events
// to named channels and remote clients, through the push gateway, receive
// them asynchronously. Two transports share one interface: an in-process
// LocalBus and a NATS-backed NATSBus for multi-instance deployments.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Event names published by the relay.
const (
	EventMatchFound = "match-found"
	EventNewMessage = "new-message"
	EventDisconnect = "disconnect"
)

// ErrBusClosed is returned by publishes and subscriptions after Close.
var ErrBusClosed = errors.New("messaging: bus closed")

// Event is one notification addressed to a channel.
type Event struct {
	Channel string          `json:"channel"`
	Name    string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

// NewEvent marshals payload into an Event.
func NewEvent(channel, name string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("messaging: marshal %s payload: %w", name, err)
	}
	return Event{Channel: channel, Name: name, Data: data}, nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Publisher sends events to channels.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscription is a live channel subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is a Publisher whose channels can also be subscribed to.
type Bus interface {
	Publisher
	Subscribe(channel string, handler func(Event)) (Subscription, error)
	Close()
}

// UserChannel is the private channel of one user.
func UserChannel(userID string) string {
	return "private-user-" + userID
}
