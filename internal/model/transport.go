package model

import (
	"fmt"
	"strings"
)

// TransportKind selects the realtime transport a session runs on.
type TransportKind string

const (
	// TransportTopicBroker is STOMP over websocket with one topic per blueprint.
	TransportTopicBroker TransportKind = "stomp"
	// TransportRoomSocket is Socket.IO rooms with a shared update event.
	TransportRoomSocket TransportKind = "socketio"
)

// ParseTransportKind maps a user-facing name to a TransportKind.
func ParseTransportKind(s string) (TransportKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stomp":
		return TransportTopicBroker, nil
	case "socketio", "socket.io", "io":
		return TransportRoomSocket, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTransport, s)
}

// Fenced reports whether the transport delivers only the subscribed
// blueprint's messages, so payloads may omit their identity.
func (k TransportKind) Fenced() bool {
	return k == TransportTopicBroker
}
