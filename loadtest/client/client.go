// Package client provides a WebSocket load test client for the duochat push
// gateway. It connects using gobwas/ws (the same library the server uses),
// records the socket id from connection_established, and tracks
// per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol frame types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server frame types.
const (
	TypeSubscribe   = "subscribe"
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

// Bus event names carried by event frames.
const (
	EventMatchFound = "match-found"
	EventNewMessage = "new-message"
	EventDisconnect = "disconnect"
)

// UserChannel is the private channel match-found is delivered on.
func UserChannel(socketID string) string {
	return "private-user-" + socketID
}

// Event is the decoded form of an event frame.
type Event struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

// MatchFound is the payload of a match-found event.
type MatchFound struct {
	SessionID string `json:"sessionId"`
	Role      string `json:"role"`
	Channel   string `json:"channel"`
}

// NewMessage is the payload of a new-message event.
type NewMessage struct {
	SenderID string `json:"senderId"`
	Text     string `json:"text"`
	SentAt   int64  `json:"sentAt"`
}

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client represents a single simulated user connection. It manages the
// WebSocket lifecycle and dispatches incoming frames to registered handlers.
type Client struct {
	conn     net.Conn
	socketID chan string
	id       string

	writeMu   sync.Mutex
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	onEvent   func(Event)
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a load test client connected to the given WebSocket URL and
// starts its read loop.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		socketID: make(chan string, 1),
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// Send sends a JSON frame to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		c.addError()
		return err
	}
	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return nil
}

// Subscribe asks the gateway for a channel.
func (c *Client) Subscribe(channel string) error {
	return c.Send(map[string]string{"type": TypeSubscribe, "channel": channel})
}

// On registers a handler for a server frame type. The handler receives the
// full raw JSON of the frame. Registering twice replaces the first handler.
func (c *Client) On(frameType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[frameType] = handler
	c.mu.Unlock()
}

// OnEvent registers the handler for event frames.
func (c *Client) OnEvent(handler func(Event)) {
	c.mu.Lock()
	c.onEvent = handler
	c.mu.Unlock()
}

// WaitForSocket blocks until the server has assigned a socket id or ctx is
// cancelled.
func (c *Client) WaitForSocket(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("connection closed before socket id was assigned")
	case id := <-c.socketID:
		c.mu.Lock()
		c.id = id
		c.mu.Unlock()
		return nil
	}
}

// SocketID returns the handle assigned by the server after WaitForSocket.
func (c *Client) SocketID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) addError() {
	c.mu.Lock()
	c.metrics.Errors++
	c.mu.Unlock()
}

// readLoop reads frames until the connection is closed. Server pings are
// answered by wsutil.
func (c *Client) readLoop() {
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.addError()
			}
			return
		}

		var envelope struct {
			Type     string `json:"type"`
			SocketID string `json:"socket_id"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		handler := c.handlers[envelope.Type]
		onEvent := c.onEvent
		c.mu.Unlock()

		switch envelope.Type {
		case TypeConnectionEstablished:
			select {
			case c.socketID <- envelope.SocketID:
			default:
			}
		case TypeEvent:
			if onEvent != nil {
				var ev Event
				if err := json.Unmarshal(data, &ev); err == nil {
					onEvent(ev)
				}
			}
		}
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}
