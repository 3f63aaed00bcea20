package presence

import "errors"

var (
	// ErrMissingUserID is returned when a heartbeat carries no user id.
	// Transports must reject such input before it reaches the store.
	ErrMissingUserID = errors.New("presence: missing user id")

	// ErrClosed is returned by operations on a store that has been shut down.
	ErrClosed = errors.New("presence: store closed")
)
