package wsclient

import "errors"

var (
	// ErrNotConnected is returned by Send while no connection is open.
	ErrNotConnected = errors.New("not connected")

	// ErrAlreadyConnected is returned by Connect on a running client.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrClientClosed is returned when Disconnect raced a Connect.
	ErrClientClosed = errors.New("client closed")
)
