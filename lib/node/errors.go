package node

import "errors"

var (
	// ErrClosed is returned by Send after the messenger has been closed
	ErrClosed = errors.New("node queue closed")

	// ErrInvalidEvent is returned for events the node cannot interpret
	ErrInvalidEvent = errors.New("invalid event")
)
