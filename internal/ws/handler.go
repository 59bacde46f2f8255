package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/blueprints-rt/blueprints/internal/channel"
	"github.com/blueprints-rt/blueprints/internal/model"
	"github.com/blueprints-rt/blueprints/internal/transport/socketio"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to persist one drawn point.
	storeWait = 5 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 8192
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// PointAppender persists drawn points.
type PointAppender interface {
	AppendPoint(ctx context.Context, author, name string, p model.Point) ([]model.Point, error)
}

// Config configures the relay.
type Config struct {
	// DrawRate is the number of draw events per second accepted from one
	// client. Zero disables the limit.
	DrawRate float64

	PingInterval time.Duration
	PingTimeout  time.Duration
}

// drawMessage is the draw-event payload: the room plus a DrawEvent.
type drawMessage struct {
	Room   string       `json:"room"`
	Author string       `json:"author"`
	Name   string       `json:"name"`
	Point  *model.Point `json:"point"`
}

// updateMessage is the blueprint-update payload relayed to a room.
type updateMessage struct {
	Author string      `json:"author"`
	Name   string      `json:"name"`
	Point  model.Point `json:"point"`
}

// Handler handles Engine.IO websocket sessions for the relay.
type Handler struct {
	hubManager *HubManager
	store      PointAppender
	cfg        Config
}

// NewHandler creates a new relay handler.
func NewHandler(hubManager *HubManager, store PointAppender, cfg Config) *Handler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = socketio.DefaultPingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = socketio.DefaultPingTimeout
	}
	return &Handler{
		hubManager: hubManager,
		store:      store,
		cfg:        cfg,
	}
}

func (h *Handler) newLimiter() *rate.Limiter {
	if h.cfg.DrawRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(h.cfg.DrawRate)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(h.cfg.DrawRate), burst)
}

// HandleConnection upgrades the request and runs one Engine.IO session.
// Only the websocket transport of protocol version 4 is served.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	if q.Get("EIO") != "4" || q.Get("transport") != "websocket" {
		http.Error(w, `{"code":0,"message":"Transport unknown"}`, http.StatusBadRequest)
		return nil
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := NewClient(uuid.NewString(), conn, h.newLimiter())

	open, err := json.Marshal(socketio.OpenPayload{
		SID:          client.ID(),
		Upgrades:     []string{},
		PingInterval: int(h.cfg.PingInterval / time.Millisecond),
		PingTimeout:  int(h.cfg.PingTimeout / time.Millisecond),
		MaxPayload:   maxMessageSize,
	})
	if err != nil {
		conn.Close()
		return err
	}
	client.Send(socketio.EncodeEngine(socketio.EngineOpen, open))

	go h.writePump(client)
	go h.readPump(client)
	return nil
}

// readPump reads Engine.IO packets until the peer goes away or misses a ping.
func (h *Handler) readPump(client *Client) {
	defer func() {
		h.hubManager.LeaveAll(client)
		client.Close()
		client.Conn().Close()
	}()

	liveness := h.cfg.PingInterval + h.cfg.PingTimeout
	client.Conn().SetReadLimit(maxMessageSize)
	client.Conn().SetReadDeadline(time.Now().Add(liveness))

	for {
		_, message, err := client.Conn().ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Socket %s error: %v", client.ID(), err)
			}
			return
		}
		client.Conn().SetReadDeadline(time.Now().Add(liveness))

		typ, body, err := socketio.DecodeEngine(message)
		if err != nil {
			log.Printf("Socket %s sent a malformed packet: %v", client.ID(), err)
			continue
		}
		switch typ {
		case socketio.EngineClose:
			return
		case socketio.EngineMessage:
			if !h.handlePacket(client, body) {
				return
			}
		}
	}
}

// handlePacket processes one Socket.IO packet; false ends the session.
func (h *Handler) handlePacket(client *Client, body []byte) bool {
	p, err := socketio.DecodePacket(body)
	if err != nil {
		log.Printf("Socket %s sent a malformed packet: %v", client.ID(), err)
		return true
	}

	switch p.Type {
	case socketio.PacketConnect:
		if p.Namespace != "/" {
			data, _ := json.Marshal(map[string]string{"message": "Invalid namespace"})
			client.Send(socketio.Packet{Type: socketio.PacketConnectError, Namespace: p.Namespace, Data: data}.Encode())
			return true
		}
		ack, _ := socketio.EncodeConnect(map[string]string{"sid": client.ID()})
		client.Send(ack)
	case socketio.PacketDisconnect:
		return false
	case socketio.PacketEvent:
		name, args, err := p.Event()
		if err != nil {
			log.Printf("Socket %s sent a malformed event: %v", client.ID(), err)
			return true
		}
		h.handleEvent(client, name, args)
	}
	return true
}

// handleEvent routes one client event.
func (h *Handler) handleEvent(client *Client, name string, args []json.RawMessage) {
	switch name {
	case socketio.EventJoinRoom, socketio.EventLeaveRoom:
		var room string
		if len(args) == 0 || json.Unmarshal(args[0], &room) != nil || room == "" {
			log.Printf("Socket %s sent %s without a room", client.ID(), name)
			return
		}
		if name == socketio.EventJoinRoom {
			h.hubManager.Join(room, client)
		} else {
			h.hubManager.Leave(room, client)
		}
	case socketio.EventDraw:
		if len(args) == 0 {
			return
		}
		h.handleDraw(client, args[0])
	}
}

// handleDraw stores one drawn point, then relays it to the rest of the room.
func (h *Handler) handleDraw(client *Client, data json.RawMessage) {
	if !client.Allow() {
		log.Printf("Socket %s exceeded the draw rate, event dropped", client.ID())
		return
	}

	var msg drawMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Point == nil {
		log.Printf("Socket %s sent an invalid draw event", client.ID())
		return
	}
	if err := msg.Point.Validate(); err != nil {
		log.Printf("Socket %s sent an invalid point: %v", client.ID(), err)
		return
	}

	room := msg.Room
	if room == "" {
		key, err := channel.Key(msg.Author, msg.Name)
		if err != nil {
			log.Printf("Socket %s sent a draw event without a room", client.ID())
			return
		}
		room = key
	}

	if h.store != nil && msg.Author != "" && msg.Name != "" {
		ctx, cancel := context.WithTimeout(context.Background(), storeWait)
		_, err := h.store.AppendPoint(ctx, msg.Author, msg.Name, *msg.Point)
		cancel()
		if err != nil {
			log.Printf("Failed to store point for %s/%s: %v", msg.Author, msg.Name, err)
		}
	}

	out, err := socketio.EncodeEvent(socketio.EventBlueprintUpdate, updateMessage{
		Author: msg.Author,
		Name:   msg.Name,
		Point:  *msg.Point,
	})
	if err != nil {
		log.Printf("Failed to encode update: %v", err)
		return
	}
	h.hubManager.Broadcast(room, out, client)
}

// writePump pumps queued packets to the connection and pings the peer.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		client.Conn().Close()
	}()

	ping := socketio.EncodeEngine(socketio.EnginePing, nil)
	for {
		select {
		case message, ok := <-client.SendChan():
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Conn().WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// one Engine.IO packet per websocket frame
			if err := client.Conn().WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn().WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
		}
	}
}
