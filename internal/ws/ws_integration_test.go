package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blueprints-rt/blueprints/internal/board"
	"github.com/blueprints-rt/blueprints/internal/channel"
	"github.com/blueprints-rt/blueprints/internal/model"
	"github.com/blueprints-rt/blueprints/internal/session"
	"github.com/blueprints-rt/blueprints/internal/transport"
	"github.com/blueprints-rt/blueprints/internal/transport/socketio"
)

// memStore records appended points per blueprint.
type memStore struct {
	mu     sync.Mutex
	points map[string][]model.Point
}

func newMemStore() *memStore {
	return &memStore{points: make(map[string][]model.Point)}
}

func (m *memStore) AppendPoint(ctx context.Context, author, name string, p model.Point) ([]model.Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := author + "/" + name
	m.points[key] = append(m.points[key], p)
	return append([]model.Point(nil), m.points[key]...), nil
}

func (m *memStore) get(author, name string) []model.Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Point(nil), m.points[author+"/"+name]...)
}

func setupTestRelay(t *testing.T, cfg Config) (*Service, *memStore, *httptest.Server) {
	t.Helper()
	store := newMemStore()
	svc := NewService(store, cfg)
	srv := httptest.NewServer(svc)
	t.Cleanup(func() {
		srv.Close()
		svc.Close()
	})
	return svc, store, srv
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// rawClient speaks the wire protocol directly.
type rawClient struct {
	t    *testing.T
	conn *websocket.Conn
	open socketio.OpenPayload
}

func dialRaw(t *testing.T, srv *httptest.Server) *rawClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket.io/?EIO=4&transport=websocket"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	c := &rawClient{t: t, conn: conn}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read open packet: %v", err)
	}
	if msg[0] != byte(socketio.EngineOpen) {
		t.Fatalf("expected open packet, got %q", msg)
	}
	if err := json.Unmarshal(msg[1:], &c.open); err != nil {
		t.Fatalf("invalid open payload: %v", err)
	}
	return c
}

func (c *rawClient) write(msg string) {
	c.t.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		c.t.Fatalf("write failed: %v", err)
	}
}

// next returns the next non-ping message, or "" after timeout.
func (c *rawClient) next(timeout time.Duration) string {
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return ""
		}
		if string(msg) == "2" {
			c.conn.WriteMessage(websocket.TextMessage, []byte("3"))
			continue
		}
		return string(msg)
	}
}

func (c *rawClient) connect() {
	c.t.Helper()
	c.write("40")
	ack := c.next(time.Second)
	if !strings.HasPrefix(ack, "40{") || !strings.Contains(ack, c.open.SID) {
		c.t.Fatalf("expected connect ack with sid %s, got %q", c.open.SID, ack)
	}
}

func TestHandshake(t *testing.T) {
	_, _, srv := setupTestRelay(t, Config{})

	c := dialRaw(t, srv)
	if c.open.SID == "" {
		t.Error("open packet should carry a sid")
	}
	if c.open.PingInterval != int(socketio.DefaultPingInterval/time.Millisecond) {
		t.Errorf("unexpected ping interval %d", c.open.PingInterval)
	}
	c.connect()
}

func TestHandshakeRejectsPolling(t *testing.T) {
	_, _, srv := setupTestRelay(t, Config{})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket.io/?EIO=4&transport=polling"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("polling transport should be refused")
	}
	if resp == nil || resp.StatusCode != 400 {
		t.Errorf("expected 400, got %v", resp)
	}
}

func TestInvalidNamespace(t *testing.T) {
	_, _, srv := setupTestRelay(t, Config{})

	c := dialRaw(t, srv)
	c.write("40/admin,")
	reply := c.next(time.Second)
	if !strings.HasPrefix(reply, "44/admin,") {
		t.Errorf("expected connect error, got %q", reply)
	}
}

func TestDrawRelaysToOtherMembers(t *testing.T) {
	svc, store, srv := setupTestRelay(t, Config{})
	room := "blueprints.alice.house"

	sender, peer, outsider := dialRaw(t, srv), dialRaw(t, srv), dialRaw(t, srv)
	for _, c := range []*rawClient{sender, peer, outsider} {
		c.connect()
	}
	sender.write(`42["join-room","` + room + `"]`)
	peer.write(`42["join-room","` + room + `"]`)
	outsider.write(`42["join-room","blueprints.bob.shed"]`)
	waitFor(t, "room members", func() bool {
		hub := svc.HubManager().Get(room)
		return hub != nil && hub.ClientCount() == 2
	})

	sender.write(`42["draw-event",{"room":"` + room + `","author":"alice","name":"house","point":{"x":3,"y":4}}]`)

	got := peer.next(time.Second)
	want := `42["blueprint-update",{"author":"alice","name":"house","point":{"x":3,"y":4}}]`
	if got != want {
		t.Errorf("peer got %q, want %q", got, want)
	}
	if msg := sender.next(200 * time.Millisecond); msg != "" {
		t.Errorf("sender should not receive its own draw, got %q", msg)
	}
	if msg := outsider.next(200 * time.Millisecond); msg != "" {
		t.Errorf("other rooms should not receive the draw, got %q", msg)
	}

	points := store.get("alice", "house")
	if len(points) != 1 || points[0] != (model.Point{X: 3, Y: 4}) {
		t.Errorf("expected the point to be stored, got %v", points)
	}
}

func TestLeaveRoom(t *testing.T) {
	svc, _, srv := setupTestRelay(t, Config{})
	room := "blueprints.alice.house"

	c := dialRaw(t, srv)
	c.connect()
	c.write(`42["join-room","` + room + `"]`)
	waitFor(t, "join", func() bool { return svc.HubManager().Get(room) != nil })

	c.write(`42["leave-room","` + room + `"]`)
	waitFor(t, "leave", func() bool { return svc.HubManager().Get(room) == nil })
}

func TestDisconnectLeavesRooms(t *testing.T) {
	svc, _, srv := setupTestRelay(t, Config{})

	c := dialRaw(t, srv)
	c.connect()
	c.write(`42["join-room","a"]`)
	c.write(`42["join-room","b"]`)
	waitFor(t, "joins", func() bool { return svc.HubManager().RoomCount() == 2 })

	c.conn.Close()
	waitFor(t, "cleanup", func() bool { return svc.HubManager().RoomCount() == 0 })
}

func TestInvalidDrawIsDropped(t *testing.T) {
	svc, store, srv := setupTestRelay(t, Config{})
	room := "blueprints.alice.house"

	sender, peer := dialRaw(t, srv), dialRaw(t, srv)
	sender.connect()
	peer.connect()
	peer.write(`42["join-room","` + room + `"]`)
	waitFor(t, "join", func() bool { return svc.HubManager().Get(room) != nil })

	sender.write(`42["draw-event",{"room":"` + room + `","author":"alice","name":"house","point":{"x":-1,"y":4}}]`)
	sender.write(`42["draw-event",{"room":"` + room + `","author":"alice","name":"house"}]`)

	if msg := peer.next(200 * time.Millisecond); msg != "" {
		t.Errorf("invalid draws should not be relayed, got %q", msg)
	}
	if points := store.get("alice", "house"); len(points) != 0 {
		t.Errorf("invalid draws should not be stored, got %v", points)
	}
}

func TestDrawRateLimit(t *testing.T) {
	svc, store, srv := setupTestRelay(t, Config{DrawRate: 1})
	room := "blueprints.alice.house"

	sender, peer := dialRaw(t, srv), dialRaw(t, srv)
	sender.connect()
	peer.connect()
	peer.write(`42["join-room","` + room + `"]`)
	waitFor(t, "join", func() bool { return svc.HubManager().Get(room) != nil })

	for i := 0; i < 5; i++ {
		sender.write(`42["draw-event",{"room":"` + room + `","author":"alice","name":"house","point":{"x":1,"y":1}}]`)
	}

	if msg := peer.next(time.Second); msg == "" {
		t.Fatal("the first draw should be relayed")
	}
	if msg := peer.next(200 * time.Millisecond); msg != "" {
		t.Errorf("draws above the rate should be dropped, got %q", msg)
	}
	if points := store.get("alice", "house"); len(points) != 1 {
		t.Errorf("expected 1 stored point, got %d", len(points))
	}
}

func TestMissedPingClosesSocket(t *testing.T) {
	_, _, srv := setupTestRelay(t, Config{PingInterval: 50 * time.Millisecond, PingTimeout: 50 * time.Millisecond})

	c := dialRaw(t, srv)
	c.connect()

	// read without answering pings until the server gives up
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				t.Fatal("server should close a socket that stops answering pings")
			}
			return
		}
	}
}

func TestAdapterRoundTrip(t *testing.T) {
	svc, _, srv := setupTestRelay(t, Config{})

	connected := make(chan struct{}, 2)
	hooks := transport.Hooks{OnConnect: func() { connected <- struct{}{} }}
	a, err := socketio.New(srv.URL, hooks, socketio.Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	b, err := socketio.New(srv.URL, hooks, socketio.Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()
	a.Connect(ctx)
	b.Connect(ctx)
	defer a.Disconnect()
	defer b.Disconnect()

	for i := 0; i < 2; i++ {
		select {
		case <-connected:
		case <-time.After(3 * time.Second):
			t.Fatal("adapters did not connect")
		}
	}

	ref, err := channel.For(model.TransportRoomSocket, "alice", "house")
	if err != nil {
		t.Fatalf("For failed: %v", err)
	}
	got := make(chan json.RawMessage, 1)
	if _, err := a.Subscribe(ref, func(json.RawMessage) {}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := b.Subscribe(ref, func(body json.RawMessage) { got <- body }); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	waitFor(t, "room members", func() bool {
		hub := svc.HubManager().Get(ref.Key)
		return hub != nil && hub.ClientCount() == 2
	})

	if err := a.Publish(ref, model.DrawEvent{Author: "alice", Name: "house", Point: model.Point{X: 7, Y: 8}}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case body := <-got:
		var ev model.DrawEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			t.Fatalf("invalid update: %v", err)
		}
		if ev.Point != (model.Point{X: 7, Y: 8}) || ev.Author != "alice" || ev.Name != "house" {
			t.Errorf("unexpected update %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("update not delivered")
	}
}

func TestSessionsShareDrawing(t *testing.T) {
	svc, store, srv := setupTestRelay(t, Config{})
	factory := session.NewFactory(session.Endpoints{RoomSocket: srv.URL})
	ctx := context.Background()

	alice := session.New(factory, board.NewStore())
	bob := session.New(factory, board.NewStore())
	defer alice.Teardown()
	defer bob.Teardown()

	updates := make(chan session.Update, 4)
	if err := alice.Start(ctx, model.TransportRoomSocket, "alice", "house", func(session.Update) {}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := bob.Start(ctx, model.TransportRoomSocket, "alice", "house", func(u session.Update) { updates <- u }); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "subscriptions", func() bool {
		hub := svc.HubManager().Get("blueprints.alice.house")
		return alice.State() == session.StateSubscribed && bob.State() == session.StateSubscribed &&
			hub != nil && hub.ClientCount() == 2
	})

	if !alice.PublishDraw(model.Point{X: 10, Y: 20}) {
		t.Fatal("PublishDraw should hand the point to the transport")
	}

	select {
	case u := <-updates:
		if u.Mode != model.UpdateAppend || u.Point != (model.Point{X: 10, Y: 20}) {
			t.Errorf("unexpected update %+v", u)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("peer session did not receive the draw")
	}

	if got := bob.Store().Points(); len(got) != 1 || got[0] != (model.Point{X: 10, Y: 20}) {
		t.Errorf("peer store = %v", got)
	}
	if got := alice.Store().Points(); len(got) != 1 {
		t.Errorf("sender store should hold its optimistic copy, got %v", got)
	}
	waitFor(t, "storage", func() bool { return len(store.get("alice", "house")) == 1 })
}

func TestSessionSwitchLeavesOldRoom(t *testing.T) {
	svc, _, srv := setupTestRelay(t, Config{})
	factory := session.NewFactory(session.Endpoints{RoomSocket: srv.URL})
	ctx := context.Background()

	s := session.New(factory, board.NewStore())
	defer s.Teardown()

	if err := s.Start(ctx, model.TransportRoomSocket, "alice", "house", func(session.Update) {}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "first room", func() bool { return svc.HubManager().Get("blueprints.alice.house") != nil })

	if err := s.Start(ctx, model.TransportRoomSocket, "alice", "barn", func(session.Update) {}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "switch", func() bool {
		return svc.HubManager().Get("blueprints.alice.house") == nil &&
			svc.HubManager().Get("blueprints.alice.barn") != nil
	})
	if n := svc.HubManager().RoomCount(); n != 1 {
		t.Errorf("expected exactly one room, got %d", n)
	}
}

// members snapshots the clients of room.
func members(svc *Service, room string) []*Client {
	hub := svc.HubManager().Get(room)
	if hub == nil {
		return nil
	}
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	clients := make([]*Client, 0, len(hub.clients))
	for c := range hub.clients {
		clients = append(clients, c)
	}
	return clients
}

func TestDrawBurstKeepsOrder(t *testing.T) {
	svc, store, srv := setupTestRelay(t, Config{})
	room := "blueprints.alice.house"

	sender, peer := dialRaw(t, srv), dialRaw(t, srv)
	sender.connect()
	peer.connect()
	peer.write(`42["join-room","` + room + `"]`)
	waitFor(t, "join", func() bool { return svc.HubManager().Get(room) != nil })

	const n = 20
	for i := 0; i < n; i++ {
		sender.write(`42["draw-event",{"room":"` + room + `","author":"alice","name":"house","point":{"x":` + strconv.Itoa(i) + `,"y":1}}]`)
	}

	for i := 0; i < n; i++ {
		want := `42["blueprint-update",{"author":"alice","name":"house","point":{"x":` + strconv.Itoa(i) + `,"y":1}}]`
		if got := peer.next(time.Second); got != want {
			t.Fatalf("update %d: got %q, want %q", i, got, want)
		}
	}
	points := store.get("alice", "house")
	if len(points) != n {
		t.Fatalf("expected %d stored points, got %d", n, len(points))
	}
	for i, p := range points {
		if p.X != i {
			t.Fatalf("stored point %d has x=%d", i, p.X)
		}
	}
}

func TestSessionRejoinsAfterServerDrop(t *testing.T) {
	svc, _, srv := setupTestRelay(t, Config{})
	room := "blueprints.alice.house"
	factory := session.NewFactory(session.Endpoints{RoomSocket: srv.URL})

	peer := dialRaw(t, srv)
	peer.connect()
	peer.write(`42["join-room","` + room + `"]`)

	updates := make(chan session.Update, 4)
	bob := session.New(factory, board.NewStore())
	defer bob.Teardown()
	if err := bob.Start(context.Background(), model.TransportRoomSocket, "alice", "house", func(u session.Update) { updates <- u }); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "bob joins", func() bool {
		return bob.State() == session.StateSubscribed && len(members(svc, room)) == 2
	})

	var dropped string
	for _, c := range members(svc, room) {
		if c.ID() != peer.open.SID {
			dropped = c.ID()
			c.Conn().Close()
		}
	}

	waitFor(t, "bob rejoins", func() bool {
		clients := members(svc, room)
		if len(clients) != 2 || bob.State() != session.StateSubscribed {
			return false
		}
		for _, c := range clients {
			if c.ID() == dropped {
				return false
			}
		}
		return true
	})

	peer.write(`42["draw-event",{"room":"` + room + `","author":"alice","name":"house","point":{"x":5,"y":6}}]`)
	select {
	case u := <-updates:
		if u.Mode != model.UpdateAppend || u.Point != (model.Point{X: 5, Y: 6}) {
			t.Errorf("unexpected update %+v", u)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no update after the reconnect")
	}
}
