package auth

import "errors"

var (
	// ErrUnauthenticated is returned when the request carries no identity at all.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrInvalidToken is returned when a token is present but fails verification.
	ErrInvalidToken = errors.New("invalid token")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid auth config")
)
