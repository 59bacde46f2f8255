// Package channel derives transport-specific channel names for a blueprint.
package channel

import (
	"fmt"
	"strings"

	"github.com/blueprints-rt/blueprints/internal/model"
)

const (
	keyPrefix = "blueprints"

	// TopicPrefix is the broker destination prefix for blueprint topics.
	TopicPrefix = "/topic/"

	// DrawDestination is the broker application destination for draw events.
	DrawDestination = "/app/draw"
)

// segmentEscaper keeps '.' unambiguous as the key separator.
var segmentEscaper = strings.NewReplacer("%", "%25", ".", "%2E", "/", "%2F")

// Ref addresses one blueprint's channel on one transport.
type Ref struct {
	Kind model.TransportKind
	// Key is the logical name, blueprints.<author>.<name>.
	Key string
	// Subscribe is the destination, or room, to listen on.
	Subscribe string
	// Publish is the destination, or room, draw events are sent to.
	Publish string
}

// String returns the logical key.
func (r Ref) String() string {
	return r.Key
}

// Key returns the logical channel key for (author, name).
func Key(author, name string) (string, error) {
	if strings.TrimSpace(author) == "" || strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("%w: author=%q name=%q", model.ErrInvalidIdentifier, author, name)
	}
	return keyPrefix + "." + segmentEscaper.Replace(author) + "." + segmentEscaper.Replace(name), nil
}

// For resolves the channel of (author, name) on the given transport.
func For(kind model.TransportKind, author, name string) (Ref, error) {
	key, err := Key(author, name)
	if err != nil {
		return Ref{}, err
	}

	switch kind {
	case model.TransportTopicBroker:
		return Ref{Kind: kind, Key: key, Subscribe: TopicPrefix + key, Publish: DrawDestination}, nil
	case model.TransportRoomSocket:
		return Ref{Kind: kind, Key: key, Subscribe: key, Publish: key}, nil
	}
	return Ref{}, fmt.Errorf("%w: %q", model.ErrUnknownTransport, kind)
}

// Topic returns the broker topic for (author, name).
func Topic(author, name string) (string, error) {
	ref, err := For(model.TransportTopicBroker, author, name)
	if err != nil {
		return "", err
	}
	return ref.Subscribe, nil
}
