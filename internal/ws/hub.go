package ws

import (
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Client represents one Engine.IO websocket session.
type Client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	mu      sync.Mutex
	closed  bool
	rooms   map[string]bool
}

// NewClient creates a new client with the given session id.
func NewClient(id string, conn *websocket.Conn, limiter *rate.Limiter) *Client {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	return &Client{
		id:      id,
		conn:    conn,
		send:    make(chan []byte, 256),
		limiter: limiter,
		rooms:   make(map[string]bool),
	}
}

// Send queues a message to be sent to the client.
func (c *Client) Send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
		// Buffer full, close the client
		c.closeLocked()
	}
}

// Close closes the client's send queue.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ID returns the Engine.IO session id.
func (c *Client) ID() string {
	return c.id
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// SendChan returns the send channel for the client.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}

// Allow reports whether the client may send another draw event now.
func (c *Client) Allow() bool {
	return c.limiter.Allow()
}

// Rooms returns the rooms the client has joined.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// Hub holds the members of one room.
type Hub struct {
	room    string
	clients map[*Client]bool
	mu      sync.RWMutex
}

// NewHub creates a new Hub for the given room.
func NewHub(room string) *Hub {
	return &Hub{
		room:    room,
		clients: make(map[*Client]bool),
	}
}

// Room returns the room name.
func (h *Hub) Room() string {
	return h.room
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = true
}

// Unregister removes a client from the hub and returns the remaining count.
func (h *Hub) Unregister(client *Client) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, client)
	return len(h.clients)
}

// Broadcast sends a message to every member except the given client.
func (h *Hub) Broadcast(data []byte, except *Client) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if client == except {
			continue
		}
		client.Send(data)
	}
}

// ClientCount returns the number of members.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HasClient reports whether the client is a member.
func (h *Hub) HasClient(client *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[client]
}

// HubManager manages the hubs of all rooms.
type HubManager struct {
	hubs map[string]*Hub
	mu   sync.Mutex
}

// NewHubManager creates a new HubManager.
func NewHubManager() *HubManager {
	return &HubManager{
		hubs: make(map[string]*Hub),
	}
}

// Join adds the client to a room, creating the room's hub if needed.
func (m *HubManager) Join(room string, client *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hub, ok := m.hubs[room]
	if !ok {
		hub = NewHub(room)
		m.hubs[room] = hub
	}
	hub.Register(client)

	client.mu.Lock()
	client.rooms[room] = true
	client.mu.Unlock()
}

// Leave removes the client from a room; empty rooms are dropped.
func (m *HubManager) Leave(room string, client *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveLocked(room, client)
}

func (m *HubManager) leaveLocked(room string, client *Client) {
	client.mu.Lock()
	delete(client.rooms, room)
	client.mu.Unlock()

	hub, ok := m.hubs[room]
	if !ok {
		return
	}
	if hub.Unregister(client) == 0 {
		delete(m.hubs, room)
	}
}

// LeaveAll removes the client from every room it joined.
func (m *HubManager) LeaveAll(client *Client) {
	rooms := client.Rooms()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, room := range rooms {
		m.leaveLocked(room, client)
	}
}

// Get returns the hub for the room, or nil if the room is empty.
func (m *HubManager) Get(room string) *Hub {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hubs[room]
}

// Broadcast sends a message to the room's members except the given client.
func (m *HubManager) Broadcast(room string, data []byte, except *Client) {
	if hub := m.Get(room); hub != nil {
		hub.Broadcast(data, except)
	}
}

// RoomCount returns the number of non-empty rooms.
func (m *HubManager) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hubs)
}

// Close drops every room; clients are left to their own pumps.
func (m *HubManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hubs = make(map[string]*Hub)
}
