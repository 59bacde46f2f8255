package session

import (
	"fmt"

	"github.com/blueprints-rt/blueprints/internal/model"
	"github.com/blueprints-rt/blueprints/internal/transport"
	"github.com/blueprints-rt/blueprints/internal/transport/socketio"
	"github.com/blueprints-rt/blueprints/internal/transport/stomp"
)

// Endpoints holds the base URL of each realtime transport.
type Endpoints struct {
	TopicBroker string
	RoomSocket  string
}

// NewFactory returns a factory building the STOMP and Socket.IO adapters.
func NewFactory(endpoints Endpoints) transport.Factory {
	return func(kind model.TransportKind, hooks transport.Hooks) (transport.Adapter, error) {
		switch kind {
		case model.TransportTopicBroker:
			a, err := stomp.New(endpoints.TopicBroker, hooks, stomp.Options{})
			if err != nil {
				return nil, err
			}
			return a, nil
		case model.TransportRoomSocket:
			a, err := socketio.New(endpoints.RoomSocket, hooks, socketio.Options{})
			if err != nil {
				return nil, err
			}
			return a, nil
		}
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownTransport, kind)
	}
}
