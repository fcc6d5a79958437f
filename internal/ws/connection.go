package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/duochat/internal/messaging"
)

// Connection represents a single WebSocket client connection with its
// associated metadata, its bus subscriptions and a write mutex for
// serializing outbound frames.
type Connection struct {
	ID        string    // user handle id (UUID), sent to the client as socket_id
	Conn      net.Conn  // underlying TCP connection
	RemoteIP  string    // client address without port
	CreatedAt time.Time // when the connection was established

	lastSeen     atomic.Int64 // unix nanos of the last frame received
	writeTimeout time.Duration
	writeMu      sync.Mutex // serializes writes to this connection

	subsMu sync.Mutex
	subs   map[string]messaging.Subscription // channel -> subscription
	closed bool
}

func newConnection(id string, conn net.Conn, writeTimeout time.Duration) *Connection {
	c := &Connection{
		ID:           id,
		Conn:         conn,
		RemoteIP:     remoteIP(conn.RemoteAddr()),
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
		subs:         make(map[string]messaging.Subscription),
	}
	c.Touch()
	return c
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns when the connection last received a frame.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	defer c.Conn.SetWriteDeadline(time.Time{})
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	return c.writeFrame(ws.NewPingFrame(nil))
}

func (c *Connection) writePong(payload []byte) error {
	return c.writeFrame(ws.NewPongFrame(payload))
}

func (c *Connection) writeClose() error {
	return c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
}

func (c *Connection) writeFrame(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	defer c.Conn.SetWriteDeadline(time.Time{})
	return ws.WriteFrame(c.Conn, f)
}

func (c *Connection) setWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// addSubscription records sub for channel. It returns false if the channel
// is already subscribed or the connection is closing; the caller then owns
// sub and must release it.
func (c *Connection) addSubscription(channel string, sub messaging.Subscription) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if c.closed {
		return false
	}
	if _, ok := c.subs[channel]; ok {
		return false
	}
	c.subs[channel] = sub
	return true
}

// Subscribed reports whether the connection holds a subscription to channel.
func (c *Connection) Subscribed(channel string) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	_, ok := c.subs[channel]
	return ok
}

func (c *Connection) removeSubscription(channel string) {
	c.subsMu.Lock()
	sub, ok := c.subs[channel]
	delete(c.subs, channel)
	c.subsMu.Unlock()
	if ok {
		_ = sub.Unsubscribe()
	}
}

// releaseSubscriptions drops every subscription and refuses new ones.
func (c *Connection) releaseSubscriptions() {
	c.subsMu.Lock()
	subs := c.subs
	c.subs = make(map[string]messaging.Subscription)
	c.closed = true
	c.subsMu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// ConnectionManager is a thread-safe registry of live connections keyed by
// handle id.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
	}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by id and closes the underlying network
// connection. Returns true if the connection was found and removed, false if
// it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given id, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
