// Package transport defines the capability set every realtime adapter offers.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/blueprints-rt/blueprints/internal/channel"
	"github.com/blueprints-rt/blueprints/internal/model"
)

// Handler receives one inbound message body. Bodies are valid JSON.
type Handler func(body json.RawMessage)

// Hooks report link state changes. Both run on the adapter's connection
// goroutine and may call Subscribe and Publish.
type Hooks struct {
	// OnConnect runs each time the link becomes live, including after a reconnect.
	OnConnect func()
	// OnDisconnect runs when a live link drops. It does not run after Disconnect.
	OnDisconnect func(err error)
}

// Connected invokes OnConnect if set.
func (h Hooks) Connected() {
	if h.OnConnect != nil {
		h.OnConnect()
	}
}

// Disconnected invokes OnDisconnect if set.
func (h Hooks) Disconnected(err error) {
	if h.OnDisconnect != nil {
		h.OnDisconnect(err)
	}
}

// Adapter wraps one pub/sub transport. Adapters reconnect on their own but
// never restore subscriptions; the OnConnect hook is where callers do that.
type Adapter interface {
	// Connect starts the connection loop and returns without waiting for the
	// link. Cancelling ctx has the same effect as Disconnect.
	Connect(ctx context.Context) error
	// Disconnect stops the loop and closes the link. It is idempotent.
	Disconnect() error
	// Subscribe registers h for messages on ref. The returned function
	// cancels the subscription and is a no-op once the link is gone.
	Subscribe(ref channel.Ref, h Handler) (func(), error)
	// Publish sends payload as JSON. It fails with
	// model.ErrTransportUnavailable when the link is not live.
	Publish(ref channel.Ref, payload any) error
	// Connected reports whether the link is live.
	Connected() bool
}

// Factory builds the adapter for a transport kind.
type Factory func(kind model.TransportKind, hooks Hooks) (Adapter, error)

// WebsocketURL turns an http(s) base URL into a ws(s) URL for path.
func WebsocketURL(base, path string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid base url %q: %w", base, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid base url %q: unsupported scheme", base)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid base url %q: missing host", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}
