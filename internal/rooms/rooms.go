// Package rooms implements named broadcast groups over WebSocket
// connections. A message sent to a room reaches every client currently
// joined to it. Clients own a bounded send queue drained by a write pump;
// a client that cannot keep up is closed rather than allowed to stall
// everyone else.
package rooms

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 54 * time.Second
)

// Room name constructors. One room per session, one per user (for
// cross-session delivery), one per private conversation, one global.
func SessionRoom(sessionID string) string   { return "session:" + sessionID }
func UserRoom(userID string) string         { return "user:" + userID }
func ConversationRoom(convID string) string { return "conv:" + convID }

// GlobalRoom is the single public chat room.
const GlobalRoom = "global"

// Conn is the transport surface a client writes to. *websocket.Conn
// satisfies it; tests substitute fakes.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is one connection's outbound half: a bounded queue plus the
// pump goroutine that drains it onto the socket.
type Client struct {
	ID string

	conn Conn
	send chan []byte
	done chan struct{}
	once sync.Once
	log  *slog.Logger
}

// NewClient wraps a connection. queueLen bounds the send queue.
func NewClient(id string, conn Conn, queueLen int, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		ID:   id,
		conn: conn,
		send: make(chan []byte, queueLen),
		done: make(chan struct{}),
		log:  log,
	}
}

// Send enqueues a frame for delivery. A full queue means the consumer is
// not keeping up: the client is closed and false is returned.
func (c *Client) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		c.log.Warn("send queue full, closing slow client", "conn_id", c.ID)
		c.Close()
		return false
	}
}

// Close shuts the client down. Safe to call more than once and from any
// goroutine; the underlying socket close unblocks the read loop.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Done is closed when the client has been shut down.
func (c *Client) Done() <-chan struct{} { return c.done }

// WritePump drains the send queue onto the socket and keeps the
// connection alive with periodic pings. Run it on its own goroutine, one
// per client.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("write failed, closing client", "conn_id", c.ID, "err", err)
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

// Registry maps room names to their joined clients.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Client
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]map[string]*Client)}
}

// Join adds the client to the room, creating the room if needed.
func (r *Registry) Join(room string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]*Client)
		r.rooms[room] = members
	}
	members[c.ID] = c
}

// Leave removes the client from the room; empty rooms are deleted.
func (r *Registry) Leave(room, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, clientID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// Broadcast sends a frame to every client in the room.
func (r *Registry) Broadcast(room string, data []byte) {
	for _, c := range r.members(room) {
		c.Send(data)
	}
}

// BroadcastExcept sends a frame to every client in the room but one,
// typically the originator of the event.
func (r *Registry) BroadcastExcept(room, exceptID string, data []byte) {
	for _, c := range r.members(room) {
		if c.ID == exceptID {
			continue
		}
		c.Send(data)
	}
}

// Count returns the number of clients in the room.
func (r *Registry) Count(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

func (r *Registry) members(room string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.rooms[room]))
	for _, c := range r.rooms[room] {
		out = append(out, c)
	}
	return out
}
