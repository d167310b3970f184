package api

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

const sendBufferSize = 256

// Client is one websocket connection served by this instance.
// Guests play under their connection id until a rejoin hands them an older identity.
type Client struct {
	ID string

	conn *websocket.Conn
	send chan []byte

	mu        sync.Mutex
	closed    bool
	playerID  string
	sessionID string
}

func newClient(id string, conn *websocket.Conn) *Client {
	return &Client{
		ID:       id,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		playerID: id,
	}
}

func (c *Client) PlayerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.playerID
}

func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sessionID
}

func (c *Client) setPlayerID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.playerID = id
}

// deliver queues msg without blocking. It reports false only when the queue is full;
// messages to a closed client are dropped.
func (c *Client) deliver(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return true
	}

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Hub tracks the local clients by connection id and by session room.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Client
	rooms map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		conns: make(map[string]*Client),
		rooms: make(map[string]map[*Client]struct{}),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.conns[c.ID] = c
}

// Unregister drops c from the hub and its room, then closes its send queue.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if h.conns[c.ID] == c {
		delete(h.conns, c.ID)
	}
	h.leaveLocked(c)
	h.mu.Unlock()

	c.close()
}

// Join moves c to the room of sid and returns the room it was in. An empty sid leaves the room.
func (h *Hub) Join(c *Client, sid string) (prev string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev = h.leaveLocked(c)
	if sid == "" {
		return prev
	}

	room, ok := h.rooms[sid]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[sid] = room
	}
	room[c] = struct{}{}

	c.mu.Lock()
	c.sessionID = sid
	c.mu.Unlock()

	return prev
}

func (h *Hub) leaveLocked(c *Client) string {
	c.mu.Lock()
	sid := c.sessionID
	c.sessionID = ""
	c.mu.Unlock()

	if room, ok := h.rooms[sid]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, sid)
		}
	}

	return sid
}

// SendToSession queues msg to every local member of sid.
func (h *Hub) SendToSession(sid string, msg []byte) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[sid]))
	for c := range h.rooms[sid] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.send(c, msg)
	}
	return len(targets)
}

// SendToConn queues msg to the connection id, if it is served here.
func (h *Hub) SendToConn(id string, msg []byte) bool {
	h.mu.RLock()
	c, ok := h.conns[id]
	h.mu.RUnlock()

	if !ok {
		return false
	}

	h.send(c, msg)
	return true
}

func (h *Hub) send(c *Client, msg []byte) {
	if c.deliver(msg) {
		return
	}

	// a full queue means the peer stopped reading; closing makes the read loop unwind
	slog.Warn("api: client send buffer full, closing connection", "connection", c.ID)
	if c.conn != nil {
		c.conn.Close()
	}
}

// Len returns the number of local clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.conns)
}
