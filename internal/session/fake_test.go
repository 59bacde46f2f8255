package session

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/blueprints-rt/blueprints/internal/channel"
	"github.com/blueprints-rt/blueprints/internal/model"
	"github.com/blueprints-rt/blueprints/internal/transport"
)

// fakeNet builds fakeAdapters and relays published payloads to the other
// adapters subscribed to the same channel key.
type fakeNet struct {
	autoConnect bool

	mu          sync.Mutex
	adapters    []*fakeAdapter
	liveSubs    int
	maxLiveSubs int
}

func (n *fakeNet) factory(kind model.TransportKind, hooks transport.Hooks) (transport.Adapter, error) {
	a := &fakeAdapter{net: n, kind: kind, hooks: hooks}
	n.mu.Lock()
	n.adapters = append(n.adapters, a)
	n.mu.Unlock()
	return a, nil
}

func (n *fakeNet) adapter(i int) *fakeAdapter {
	n.mu.Lock()
	defer n.mu.Unlock()
	if i >= len(n.adapters) {
		return nil
	}
	return n.adapters[i]
}

func (n *fakeNet) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.adapters)
}

func (n *fakeNet) live() (current, max int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.liveSubs, n.maxLiveSubs
}

func (n *fakeNet) subscribed(delta int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.liveSubs += delta
	if n.liveSubs > n.maxLiveSubs {
		n.maxLiveSubs = n.liveSubs
	}
}

func (n *fakeNet) relay(from *fakeAdapter, key string, body []byte) {
	n.mu.Lock()
	peers := append([]*fakeAdapter(nil), n.adapters...)
	n.mu.Unlock()

	for _, a := range peers {
		if a != from {
			a.deliverTo(key, body)
		}
	}
}

type fakeSub struct {
	ref    channel.Ref
	h      transport.Handler
	active bool
}

type fakeAdapter struct {
	net   *fakeNet
	kind  model.TransportKind
	hooks transport.Hooks

	mu          sync.Mutex
	connected   bool
	started     bool
	disconnects int
	subs        []*fakeSub
	published   []json.RawMessage
}

func (a *fakeAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	a.started = true
	a.mu.Unlock()
	if a.net.autoConnect {
		a.goLive()
	}
	return nil
}

func (a *fakeAdapter) Disconnect() error {
	a.mu.Lock()
	a.connected = false
	a.disconnects++
	a.mu.Unlock()
	a.dropSubs()
	return nil
}

func (a *fakeAdapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *fakeAdapter) Subscribe(ref channel.Ref, h transport.Handler) (func(), error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil, model.ErrTransportUnavailable
	}
	sub := &fakeSub{ref: ref, h: h, active: true}
	a.subs = append(a.subs, sub)
	a.mu.Unlock()
	a.net.subscribed(1)

	return func() {
		a.mu.Lock()
		wasActive := sub.active
		sub.active = false
		a.mu.Unlock()
		if wasActive {
			a.net.subscribed(-1)
		}
	}, nil
}

func (a *fakeAdapter) Publish(ref channel.Ref, payload any) error {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return model.ErrTransportUnavailable
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.published = append(a.published, body)
	a.mu.Unlock()
	a.net.relay(a, ref.Key, body)
	return nil
}

// goLive brings the link up and runs the connect hook.
func (a *fakeAdapter) goLive() {
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	a.hooks.Connected()
}

// goDown drops the link the way a transport fault would.
func (a *fakeAdapter) goDown() {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	a.dropSubs()
	a.hooks.Disconnected(model.ErrTransportUnavailable)
}

func (a *fakeAdapter) dropSubs() {
	a.mu.Lock()
	dropped := 0
	for _, s := range a.subs {
		if s.active {
			s.active = false
			dropped++
		}
	}
	a.mu.Unlock()
	if dropped > 0 {
		a.net.subscribed(-dropped)
	}
}

// deliver hands body to every active subscription and returns how many got it.
func (a *fakeAdapter) deliver(body string) int {
	return a.deliverTo("", []byte(body))
}

func (a *fakeAdapter) deliverTo(key string, body []byte) int {
	a.mu.Lock()
	var handlers []transport.Handler
	for _, s := range a.subs {
		if s.active && (key == "" || s.ref.Key == key) {
			handlers = append(handlers, s.h)
		}
	}
	a.mu.Unlock()

	for _, h := range handlers {
		h(json.RawMessage(body))
	}
	return len(handlers)
}

// lastHandler returns the most recent subscription's handler, live or not,
// to simulate a message already in flight.
func (a *fakeAdapter) lastHandler() transport.Handler {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.subs) == 0 {
		return nil
	}
	return a.subs[len(a.subs)-1].h
}

func (a *fakeAdapter) activeSubs() []channel.Ref {
	a.mu.Lock()
	defer a.mu.Unlock()
	var refs []channel.Ref
	for _, s := range a.subs {
		if s.active {
			refs = append(refs, s.ref)
		}
	}
	return refs
}

func (a *fakeAdapter) publishedEvents() []model.DrawEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	events := make([]model.DrawEvent, 0, len(a.published))
	for _, body := range a.published {
		var e model.DrawEvent
		json.Unmarshal(body, &e)
		events = append(events, e)
	}
	return events
}
