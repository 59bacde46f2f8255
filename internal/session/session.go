// Package session keeps one client attached to the realtime feed of one
// blueprint, on whichever transport the caller picks.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"github.com/blueprints-rt/blueprints/internal/board"
	"github.com/blueprints-rt/blueprints/internal/channel"
	"github.com/blueprints-rt/blueprints/internal/model"
	"github.com/blueprints-rt/blueprints/internal/transport"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateSubscribed
	StateTornDown
)

const subscribePoll = 20 * time.Millisecond

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateTornDown:
		return "torn-down"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Update is passed to the update callback after an inbound change has been
// applied to the store.
type Update struct {
	Mode model.UpdateMode
	// Point is the appended point in append mode.
	Point model.Point
	// Points is the store content after the update.
	Points []model.Point
}

// UpdateFunc receives inbound updates. It runs on the adapter's delivery
// goroutine, one call at a time per connection, and may call PublishDraw.
// It must not call Start or Teardown synchronously.
type UpdateFunc func(Update)

// Session owns at most one live adapter and one subscription. Start and
// Teardown are its only lifecycle entry points.
type Session struct {
	factory transport.Factory
	store   *board.Store
	origin  string

	// lifecycleMu serializes Start and Teardown.
	lifecycleMu sync.Mutex

	mu      sync.Mutex
	current *run
	state   State
}

// New creates an idle Session. Inbound updates are applied to store; a nil
// store gets a fresh one.
func New(factory transport.Factory, store *board.Store) *Session {
	if store == nil {
		store = board.NewStore()
	}
	return &Session{
		factory: factory,
		store:   store,
		origin:  ulid.Make().String(),
		state:   StateIdle,
	}
}

// Store returns the point store the session writes to.
func (s *Session) Store() *board.Store {
	return s.store
}

// Origin returns the id stamped on this session's outbound draw events.
func (s *Session) Origin() string {
	return s.origin
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	r := s.current
	state := s.state
	s.mu.Unlock()

	if r == nil {
		return state
	}
	return r.currentState()
}

// WaitSubscribed blocks until the session is Subscribed or ctx is done. It
// fails at once when nothing is attached.
func (s *Session) WaitSubscribed(ctx context.Context) error {
	ticker := time.NewTicker(subscribePoll)
	defer ticker.Stop()

	for {
		switch state := s.State(); state {
		case StateSubscribed:
			return nil
		case StateIdle, StateTornDown:
			return fmt.Errorf("wait for subscription: session is %s: %w", state, model.ErrTransportUnavailable)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for subscription: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Target returns what the live session is attached to. ok is false when
// nothing is attached.
func (s *Session) Target() (kind model.TransportKind, author, name string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return "", "", "", false
	}
	return s.current.kind, s.current.author, s.current.name, true
}

// Start tears down any previous attachment, then connects to the feed of
// (author, name) over kind. It returns once the connection attempt has been
// started; the session turns Subscribed when the link comes up.
//
// Only caller input errors are returned. The store is left untouched;
// callers hydrate it from the persistence API.
func (s *Session) Start(ctx context.Context, kind model.TransportKind, author, name string, onUpdate UpdateFunc) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.teardown()

	ref, err := channel.For(kind, author, name)
	if err != nil {
		return err
	}

	r := &run{
		session:  s,
		kind:     kind,
		author:   author,
		name:     name,
		ref:      ref,
		state:    StateConnecting,
		onUpdate: onUpdate,
	}
	adapter, err := s.factory(kind, transport.Hooks{
		OnConnect:    r.connected,
		OnDisconnect: r.disconnected,
	})
	if err != nil {
		return fmt.Errorf("failed to create %s adapter: %w", kind, err)
	}
	r.adapter = adapter

	s.mu.Lock()
	s.current = r
	s.mu.Unlock()

	glog.V(1).Infof("[session] %s: connecting over %s", ref, kind)
	if err := adapter.Connect(ctx); err != nil {
		glog.Infof("[session] %s: %v", ref, err)
	}
	return nil
}

// Teardown releases the subscription and the adapter. No update callback
// runs after it returns. It is safe to call at any time, any number of times.
func (s *Session) Teardown() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.teardown()
}

func (s *Session) teardown() {
	s.mu.Lock()
	r := s.current
	s.current = nil
	if r != nil {
		s.state = StateTornDown
	}
	s.mu.Unlock()

	if r != nil {
		r.close()
		glog.V(1).Infof("[session] %s: torn down", r.ref)
	}
}

// PublishDraw appends p to the store and publishes it to peers. It reports
// whether the point was handed to the transport; draws outside the
// Subscribed state are kept locally only.
func (s *Session) PublishDraw(p model.Point) bool {
	if err := p.Validate(); err != nil {
		glog.Infof("[session] %v", err)
		return false
	}
	s.store.Append(p)

	s.mu.Lock()
	r := s.current
	s.mu.Unlock()

	if r == nil || r.currentState() != StateSubscribed {
		glog.V(1).Infof("[session] %v: not subscribed", model.ErrPublishIgnored)
		return false
	}

	event := model.DrawEvent{Author: r.author, Name: r.name, Point: p, Origin: s.origin}
	if err := r.adapter.Publish(r.ref, event); err != nil {
		glog.V(1).Infof("[session] %s: %v: %v", r.ref, model.ErrPublishIgnored, err)
		return false
	}
	return true
}

// run is one attachment, from Start to teardown.
type run struct {
	session *Session
	kind    model.TransportKind
	author  string
	name    string
	ref     channel.Ref
	adapter transport.Adapter

	// deliverMu is held while an inbound message is processed, so close
	// waits for an in-progress callback.
	deliverMu sync.Mutex

	mu          sync.Mutex
	state       State
	closed      bool
	onUpdate    UpdateFunc
	unsubscribe func()
}

func (r *run) currentState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// connected subscribes on every link-up, releasing the handle from the
// previous link first.
func (r *run) connected() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	stale := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()

	if stale != nil {
		stale()
	}

	unsubscribe, err := r.adapter.Subscribe(r.ref, r.handle)
	if err != nil {
		glog.Infof("[session] %s: %v", r.ref, err)
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		unsubscribe()
		return
	}
	r.unsubscribe = unsubscribe
	r.state = StateSubscribed
	r.mu.Unlock()

	glog.V(1).Infof("[session] %s: subscribed", r.ref)
}

func (r *run) disconnected(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.state = StateConnecting
	glog.V(1).Infof("[session] %s: link lost: %v", r.ref, err)
}

// handle decodes, filters and applies one inbound message.
func (r *run) handle(body json.RawMessage) {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	r.mu.Lock()
	onUpdate := r.onUpdate
	r.mu.Unlock()
	if onUpdate == nil {
		return
	}

	u, err := model.DecodeUpdate(body)
	if err != nil {
		glog.Infof("[session] %s: dropping message: %v", r.ref, err)
		return
	}
	if !u.Addressed(r.author, r.name) && !(r.kind.Fenced() && u.Anonymous()) {
		glog.V(2).Infof("[session] %s: ignoring update for %s/%s", r.ref, u.Author, u.Name)
		return
	}

	store := r.session.store
	update := Update{Mode: u.Mode}
	switch u.Mode {
	case model.UpdateAppend:
		if u.Origin != "" && u.Origin == r.session.origin {
			return
		}
		store.Append(u.Point)
		update.Point = u.Point
	case model.UpdateReplace:
		store.Replace(u.Points)
	}
	update.Points = store.Points()

	onUpdate(update)
}

// close stops delivery, then releases the adapter and the subscription.
func (r *run) close() {
	r.deliverMu.Lock()
	r.mu.Lock()
	r.closed = true
	r.onUpdate = nil
	r.state = StateTornDown
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()
	r.deliverMu.Unlock()

	// Closing the link releases the broker-side subscription, so the
	// handle is only dropped afterwards and sends nothing on the wire.
	if err := r.adapter.Disconnect(); err != nil {
		glog.Infof("[session] %s: disconnect: %v", r.ref, err)
	}
	if unsubscribe != nil {
		unsubscribe()
	}
}
