package transport

import "errors"

var (
	// ErrNotConnected is returned when a write is attempted while the channel
	// is down.
	ErrNotConnected = errors.New("transport not connected")

	// ErrClosed is returned when the client has been shut down for good.
	ErrClosed = errors.New("transport closed")
)
