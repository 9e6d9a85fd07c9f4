package messaging

import "errors"

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrClosed           = errors.New("connection closed")
	ErrTimeout          = errors.New("request timed out")
)

// Error is a failure reported by the messaging service.
type Error struct {
	Code    string
	Message string
	// Kind is the sentinel matching Code, if any.
	Kind error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Unwrap lets errors.Is match the sentinel for the service code.
func (e *Error) Unwrap() error {
	return e.Kind
}
