package userstore

import "errors"

var (
	// ErrNotFound is returned when the durable store has no record for the user.
	ErrNotFound = errors.New("userstore: user not found")

	// ErrInvalidInput is returned for empty ids or missing dependencies.
	ErrInvalidInput = errors.New("userstore: invalid input")
)

// OpError wraps a backend failure with the operation that caused it.
type OpError struct {
	Backend string
	Op      string
	Err     error
}

func (e *OpError) Error() string {
	return "userstore: " + e.Backend + " " + e.Op + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error { return e.Err }

func opErr(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Backend: backend, Op: op, Err: err}
}
