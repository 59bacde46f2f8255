// Package socketio implements the room socket adapter: a Socket.IO v5
// client over a fixed websocket transport, plus the packet codec the
// development relay shares.
package socketio

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/blueprints-rt/blueprints/internal/channel"
	"github.com/blueprints-rt/blueprints/internal/model"
	"github.com/blueprints-rt/blueprints/internal/transport"
)

const (
	// EndpointPath is the Socket.IO mount point.
	EndpointPath = "/socket.io/"

	// Events exchanged with the room server.
	EventJoinRoom        = "join-room"
	EventLeaveRoom       = "leave-room"
	EventDraw            = "draw-event"
	EventBlueprintUpdate = "blueprint-update"

	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
	sendBuffer       = 256
)

// Options tunes the reconnect policy. Zero values select the socket.io
// client defaults.
type Options struct {
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration
	Randomization     float64
}

// Adapter is a transport.Adapter over a Socket.IO server.
type Adapter struct {
	url   string
	hooks transport.Hooks
	opts  Options

	mu       sync.Mutex
	cancel   context.CancelFunc
	link     *link
	handlers map[uint64]transport.Handler
	nextID   uint64
	wg       sync.WaitGroup
}

var _ transport.Adapter = (*Adapter)(nil)

// link is one live websocket with its writer.
type link struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	// quit asks the writer to flush queued packets and close the socket.
	quit     chan struct{}
	mu       sync.Mutex
	pumping  bool
	stopping bool
}

// startPump marks the writer as running. It fails once shutdown has begun.
func (l *link) startPump() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopping {
		return false
	}
	l.pumping = true
	return true
}

// shutdown ends the link gracefully. A running writer flushes what is
// queued first; before the writer starts the socket is closed directly.
func (l *link) shutdown() {
	l.mu.Lock()
	l.stopping = true
	pumping := l.pumping
	l.mu.Unlock()

	if pumping {
		close(l.quit)
		return
	}
	l.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	l.close()
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
		l.ws.Close()
	})
}

// enqueue queues msg for the writer, dropping the link when the buffer is full.
func (l *link) enqueue(msg []byte) error {
	select {
	case <-l.done:
		return model.ErrTransportUnavailable
	default:
	}
	select {
	case l.send <- msg:
		return nil
	case <-l.done:
		return model.ErrTransportUnavailable
	default:
		l.close()
		return fmt.Errorf("%w: send buffer full", model.ErrTransportUnavailable)
	}
}

// New creates an adapter for the Socket.IO server under baseURL.
func New(baseURL string, hooks transport.Hooks, opts Options) (*Adapter, error) {
	endpoint, err := transport.WebsocketURL(baseURL, EndpointPath)
	if err != nil {
		return nil, err
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.ReconnectDelayMax <= 0 {
		opts.ReconnectDelayMax = 5 * time.Second
	}
	if opts.Randomization <= 0 {
		opts.Randomization = 0.5
	}
	return &Adapter{
		url:      endpoint + "?EIO=4&transport=websocket",
		hooks:    hooks,
		opts:     opts,
		handlers: make(map[uint64]transport.Handler),
	}, nil
}

// URL returns the websocket endpoint including the Engine.IO query.
func (a *Adapter) URL() string {
	return a.url
}

func (a *Adapter) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.opts.ReconnectDelay
	b.MaxInterval = a.opts.ReconnectDelayMax
	b.RandomizationFactor = a.opts.Randomization
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Connect starts the connection loop. A second call while running is a no-op.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.wg.Add(1)
	go a.run(runCtx)
	return nil
}

// Disconnect stops the connection loop and waits for it to exit. Events
// already queued are written before the socket closes.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	a.wg.Wait()
	return nil
}

// Connected reports whether the namespace handshake has completed.
func (a *Adapter) Connected() bool {
	return a.current() != nil
}

func (a *Adapter) current() *link {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.link
}

// run keeps a socket open until ctx is done, backing off between attempts.
func (a *Adapter) run(ctx context.Context) {
	defer a.wg.Done()

	b := a.newBackOff()
	for {
		connected, err := a.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			b.Reset()
		}
		delay := b.NextBackOff()
		glog.Infof("[sio] %s: %v, retrying in %s", a.url, err, delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// session runs one socket from dial to loss. connected reports whether the
// namespace handshake completed.
func (a *Adapter) session(ctx context.Context) (connected bool, err error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, a.url, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", model.ErrTransportUnavailable, err)
	}

	l := &link{
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
		quit: make(chan struct{}),
	}
	defer l.close()

	stop := context.AfterFunc(ctx, l.shutdown)
	defer stop()

	open, err := handshake(ws)
	if err != nil {
		return false, fmt.Errorf("%w: %v", model.ErrTransportUnavailable, err)
	}
	liveness := open.Liveness()

	if !l.startPump() {
		return false, ctx.Err()
	}
	go writePump(l)

	a.mu.Lock()
	a.link = l
	a.mu.Unlock()

	glog.V(1).Infof("[sio] connected to %s as %s", a.url, open.SID)
	a.hooks.Connected()

	err = a.readPump(l, liveness)

	a.mu.Lock()
	a.link = nil
	a.mu.Unlock()

	if ctx.Err() != nil {
		glog.V(1).Infof("[sio] disconnected from %s", a.url)
		return true, ctx.Err()
	}
	err = fmt.Errorf("%w: %v", model.ErrTransportUnavailable, err)
	a.hooks.Disconnected(err)
	return true, err
}

// handshake reads the Engine.IO open packet and connects the default namespace.
func handshake(ws *websocket.Conn) (*OpenPayload, error) {
	ws.SetReadDeadline(time.Now().Add(handshakeTimeout))

	_, msg, err := ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("failed to read open packet: %w", err)
	}
	typ, body, err := DecodeEngine(msg)
	if err != nil {
		return nil, err
	}
	if typ != EngineOpen {
		return nil, fmt.Errorf("%w: expected open packet, got %q", ErrMalformed, typ)
	}
	var open OpenPayload
	if err := json.Unmarshal(body, &open); err != nil {
		return nil, fmt.Errorf("%w: open payload: %v", ErrMalformed, err)
	}

	connect, _ := EncodeConnect(nil)
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, connect); err != nil {
		return nil, fmt.Errorf("failed to send connect: %w", err)
	}

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("failed to read connect ack: %w", err)
		}
		typ, body, err := DecodeEngine(msg)
		if err != nil {
			return nil, err
		}
		switch typ {
		case EnginePing:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			ws.WriteMessage(websocket.TextMessage, EncodeEngine(EnginePong, body))
			continue
		case EngineMessage:
		default:
			continue
		}
		p, err := DecodePacket(body)
		if err != nil {
			return nil, err
		}
		switch p.Type {
		case PacketConnect:
			return &open, nil
		case PacketConnectError:
			return nil, fmt.Errorf("namespace refused: %s", p.Data)
		}
	}
}

// readPump answers pings and dispatches events until the socket fails or
// the server stops pinging within the liveness window.
func (a *Adapter) readPump(l *link, liveness time.Duration) error {
	l.ws.SetReadDeadline(time.Now().Add(liveness))
	for {
		_, msg, err := l.ws.ReadMessage()
		if err != nil {
			return err
		}
		typ, body, err := DecodeEngine(msg)
		if err != nil {
			glog.Infof("[sio] %v", err)
			continue
		}

		switch typ {
		case EnginePing:
			l.ws.SetReadDeadline(time.Now().Add(liveness))
			l.enqueue(EncodeEngine(EnginePong, body))
		case EngineClose:
			return fmt.Errorf("server closed the session")
		case EngineMessage:
			p, err := DecodePacket(body)
			if err != nil {
				glog.Infof("[sio] %v", err)
				continue
			}
			switch p.Type {
			case PacketEvent:
				a.dispatch(p)
			case PacketDisconnect:
				return fmt.Errorf("server disconnected the namespace")
			}
		}
	}
}

func (a *Adapter) dispatch(p Packet) {
	name, args, err := p.Event()
	if err != nil {
		glog.Infof("[sio] %v: %v", model.ErrDecode, err)
		return
	}
	if name != EventBlueprintUpdate {
		glog.V(2).Infof("[sio] ignoring event %s", name)
		return
	}
	if len(args) == 0 {
		glog.Infof("[sio] %v: %s without payload", model.ErrDecode, name)
		return
	}
	glog.V(2).Infof("[sio] %s <- %s", name, args[0])

	a.mu.Lock()
	handlers := make([]transport.Handler, 0, len(a.handlers))
	ids := make([]uint64, 0, len(a.handlers))
	for id := range a.handlers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		handlers = append(handlers, a.handlers[id])
	}
	a.mu.Unlock()

	for _, h := range handlers {
		h(args[0])
	}
}

// writePump serializes writes to the socket. On quit it sends whatever is
// still queued, then the close frame.
func writePump(l *link) {
	for {
		select {
		case <-l.done:
			return
		case <-l.quit:
			flush(l)
			return
		case msg := <-l.send:
			if err := write(l.ws, msg); err != nil {
				l.close()
				return
			}
		}
	}
}

func flush(l *link) {
	defer l.close()
	for {
		select {
		case msg := <-l.send:
			if err := write(l.ws, msg); err != nil {
				return
			}
		default:
			l.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

func write(ws *websocket.Conn, msg []byte) error {
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, msg)
}

func (a *Adapter) emit(l *link, event string, args ...any) error {
	msg, err := EncodeEvent(event, args...)
	if err != nil {
		return err
	}
	if err := l.enqueue(msg); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	glog.V(2).Infof("[sio] %s -> %s", event, msg)
	return nil
}

// Subscribe joins ref's room and registers h for blueprint updates. The
// update event is shared by every room on the socket, so h sees them all.
func (a *Adapter) Subscribe(ref channel.Ref, h transport.Handler) (func(), error) {
	l := a.current()
	if l == nil {
		return nil, fmt.Errorf("join %s: %w", ref.Subscribe, model.ErrTransportUnavailable)
	}
	if err := a.emit(l, EventJoinRoom, ref.Subscribe); err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.nextID++
	id := a.nextID
	a.handlers[id] = h
	a.mu.Unlock()
	glog.V(1).Infof("[sio] joined %s", ref.Subscribe)

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.handlers, id)
			live := a.link == l
			a.mu.Unlock()
			if live {
				a.emit(l, EventLeaveRoom, ref.Subscribe)
			}
		})
	}, nil
}

// Publish emits a draw event carrying payload's fields plus the room.
func (a *Adapter) Publish(ref channel.Ref, payload any) error {
	l := a.current()
	if l == nil {
		glog.V(1).Infof("[sio] not connected, dropping message for %s", ref.Publish)
		return fmt.Errorf("publish %s: %w", ref.Publish, model.ErrTransportUnavailable)
	}
	body, err := withRoom(ref.Publish, payload)
	if err != nil {
		return err
	}
	return a.emit(l, EventDraw, body)
}

// withRoom merges a "room" field into a JSON object payload.
func withRoom(room string, payload any) (map[string]json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	roomJSON, _ := json.Marshal(room)
	fields["room"] = roomJSON
	return fields, nil
}
