// Package stomp implements the topic broker adapter: STOMP 1.2 frames
// carried over a websocket to a broker with one topic per blueprint.
package stomp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	gostomp "github.com/go-stomp/stomp/v3"
	"github.com/golang/glog"

	"github.com/blueprints-rt/blueprints/internal/channel"
	"github.com/blueprints-rt/blueprints/internal/model"
	"github.com/blueprints-rt/blueprints/internal/transport"
	"github.com/blueprints-rt/blueprints/internal/transport/wsconn"
)

const (
	// EndpointPath is where the broker accepts websocket connections.
	EndpointPath = "/ws-blueprints"

	reconnectDelay  = time.Second
	heartBeat       = 10 * time.Second
	disconnectWait  = 2 * time.Second
	unsubscribeWait = 500 * time.Millisecond

	contentTypeJSON = "application/json"
)

// Options tunes an Adapter. Zero values select the defaults.
type Options struct {
	ReconnectDelay time.Duration
	HeartBeat      time.Duration
}

// Adapter is a transport.Adapter over a STOMP broker.
type Adapter struct {
	url   string
	host  string
	hooks transport.Hooks
	opts  Options

	mu     sync.Mutex
	cancel context.CancelFunc
	link   *link
	wg     sync.WaitGroup
}

var _ transport.Adapter = (*Adapter)(nil)

// link is one broker connection. lost is closed when it must be abandoned.
type link struct {
	conn *gostomp.Conn
	ws   *wsconn.Conn
	lost chan struct{}
	once sync.Once

	mu      sync.Mutex
	closing bool
	// releases tracks UNSUBSCRIBE frames still waiting for their receipt.
	releases sync.WaitGroup
}

func (l *link) drop() {
	l.once.Do(func() { close(l.lost) })
}

// release sends UNSUBSCRIBE for sub without blocking the caller. Brokers
// that never acknowledge it cost at most unsubscribeWait.
func (l *link) release(sub *gostomp.Subscription, dest string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing {
		return
	}
	l.releases.Add(1)
	go func() {
		defer l.releases.Done()
		if err := sub.Unsubscribe(); err != nil {
			glog.V(1).Infof("[stomp] unsubscribe %s: %v", dest, err)
		}
	}()
}

func (l *link) close(graceful bool) {
	// go-stomp must not close the connection under a pending Unsubscribe.
	l.mu.Lock()
	l.closing = true
	l.mu.Unlock()
	l.releases.Wait()
	if graceful {
		done := make(chan struct{})
		go func() {
			l.conn.Disconnect()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(disconnectWait):
		}
	}
	l.ws.Close()
}

// New creates an adapter for the broker served under baseURL.
func New(baseURL string, hooks transport.Hooks, opts Options) (*Adapter, error) {
	endpoint, err := transport.WebsocketURL(baseURL, EndpointPath)
	if err != nil {
		return nil, err
	}
	u, _ := url.Parse(endpoint)
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = reconnectDelay
	}
	if opts.HeartBeat <= 0 {
		opts.HeartBeat = heartBeat
	}
	return &Adapter{
		url:   endpoint,
		host:  u.Hostname(),
		hooks: hooks,
		opts:  opts,
	}, nil
}

// URL returns the broker websocket endpoint.
func (a *Adapter) URL() string {
	return a.url
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

// Disconnect stops the connection loop and waits for it to exit.
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

// Connected reports whether a broker session is live.
func (a *Adapter) Connected() bool {
	return a.current() != nil
}

func (a *Adapter) current() *link {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.link
}

// run keeps a broker session open until ctx is done, retrying at a fixed
// interval.
func (a *Adapter) run(ctx context.Context) {
	defer a.wg.Done()

	b := backoff.NewConstantBackOff(a.opts.ReconnectDelay)
	for {
		err := a.session(ctx)
		if ctx.Err() != nil {
			return
		}
		glog.Infof("[stomp] %s: %v, retrying in %s", a.url, err, a.opts.ReconnectDelay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(b.NextBackOff()):
		}
	}
}

// session holds one broker connection open until it is lost or ctx ends.
func (a *Adapter) session(ctx context.Context) error {
	ws, err := wsconn.Dial(ctx, a.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrTransportUnavailable, err)
	}

	conn, err := gostomp.Connect(ws,
		gostomp.ConnOpt.HeartBeat(a.opts.HeartBeat, a.opts.HeartBeat),
		gostomp.ConnOpt.Host(a.host),
		gostomp.ConnOpt.UnsubscribeReceiptTimeout(unsubscribeWait),
	)
	if err != nil {
		ws.Close()
		return fmt.Errorf("%w: stomp connect: %v", model.ErrTransportUnavailable, err)
	}

	l := &link{conn: conn, ws: ws, lost: make(chan struct{})}
	a.mu.Lock()
	a.link = l
	a.mu.Unlock()

	glog.V(1).Infof("[stomp] connected to %s", a.url)
	a.hooks.Connected()

	select {
	case <-ctx.Done():
	case <-ws.Done():
	case <-l.lost:
	}

	a.mu.Lock()
	a.link = nil
	a.mu.Unlock()

	if ctx.Err() != nil {
		l.close(true)
		glog.V(1).Infof("[stomp] disconnected from %s", a.url)
		return ctx.Err()
	}

	l.close(false)
	err = ws.Err()
	if err == nil {
		err = fmt.Errorf("broker session ended")
	}
	err = fmt.Errorf("%w: %v", model.ErrTransportUnavailable, err)
	a.hooks.Disconnected(err)
	return err
}

// Subscribe subscribes to ref.Subscribe on the live broker session. The
// returned function stops delivery at once; closing the link releases the
// broker side too, so calling it after Disconnect sends nothing.
func (a *Adapter) Subscribe(ref channel.Ref, h transport.Handler) (func(), error) {
	l := a.current()
	if l == nil {
		return nil, fmt.Errorf("subscribe %s: %w", ref.Subscribe, model.ErrTransportUnavailable)
	}

	sub, err := l.conn.Subscribe(ref.Subscribe, gostomp.AckAuto)
	if err != nil {
		l.drop()
		return nil, fmt.Errorf("subscribe %s: %w: %v", ref.Subscribe, model.ErrTransportUnavailable, err)
	}
	glog.V(1).Infof("[stomp] subscribed to %s", ref.Subscribe)

	stopped := new(atomic.Bool)
	go a.deliver(l, sub, ref.Subscribe, h, stopped)

	var once sync.Once
	return func() {
		once.Do(func() {
			stopped.Store(true)
			if a.current() != l {
				return
			}
			l.release(sub, ref.Subscribe)
		})
	}, nil
}

// deliver hands each message of sub to h in arrival order. It drains sub
// until the broker closes it so the connection never blocks on a stopped
// subscription.
func (a *Adapter) deliver(l *link, sub *gostomp.Subscription, dest string, h transport.Handler, stopped *atomic.Bool) {
	for msg := range sub.C {
		if stopped.Load() {
			continue
		}
		if msg.Err != nil {
			// go-stomp closes the connection after an ERROR frame; the
			// reconnect loop in run brings the link back.
			glog.Infof("[stomp] broker error on %s: %v", dest, msg.Err)
			continue
		}
		if !json.Valid(msg.Body) {
			glog.Infof("[stomp] %v: dropping non-JSON message on %s", model.ErrDecode, dest)
			continue
		}
		glog.V(2).Infof("[stomp] %s <- %s", dest, msg.Body)
		h(json.RawMessage(msg.Body))
	}
	if !stopped.Load() {
		l.drop()
	}
}

// Publish sends payload as JSON to ref.Publish.
func (a *Adapter) Publish(ref channel.Ref, payload any) error {
	l := a.current()
	if l == nil {
		glog.V(1).Infof("[stomp] not connected, dropping message for %s", ref.Publish)
		return fmt.Errorf("publish %s: %w", ref.Publish, model.ErrTransportUnavailable)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	if err := l.conn.Send(ref.Publish, contentTypeJSON, body); err != nil {
		l.drop()
		return fmt.Errorf("publish %s: %w: %v", ref.Publish, model.ErrTransportUnavailable, err)
	}
	glog.V(2).Infof("[stomp] %s -> %s", ref.Publish, body)
	return nil
}
