package client

import "errors"

var (
	// ErrUnauthorized is returned when the server rejects credentials or a
	// restored token fails structural validation.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNoToken is returned when an operation needs a token and none has
	// been installed yet.
	ErrNoToken = errors.New("no token installed")
)
