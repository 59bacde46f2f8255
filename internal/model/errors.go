package model

import "errors"

var (
	// ErrInvalidIdentifier is returned when an author or blueprint name is empty.
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrUnknownTransport is returned for a transport kind that has no adapter.
	ErrUnknownTransport = errors.New("unknown transport kind")

	// ErrTransportUnavailable is returned when the realtime link is not live.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrDecode is returned when an inbound message does not have the expected shape.
	ErrDecode = errors.New("decode error")

	// ErrPublishIgnored is returned when a draw arrives while the session is not subscribed.
	ErrPublishIgnored = errors.New("publish ignored")

	// ErrInvalidPoint is returned when a point has a negative coordinate.
	ErrInvalidPoint = errors.New("invalid point")

	// ErrBlueprintNotFound is returned when a blueprint does not exist.
	ErrBlueprintNotFound = errors.New("blueprint not found")

	// ErrBlueprintExists is returned when creating a blueprint whose (author, name) is taken.
	ErrBlueprintExists = errors.New("blueprint already exists")
)
