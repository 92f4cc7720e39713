package training

import (
	"errors"
	"fmt"
)

// Error kinds. Every fatal error returned by Controller.Run matches exactly
// one of these with errors.Is.
var (
	ErrData          = errors.New("data error")
	ErrModelFit      = errors.New("model fit error")
	ErrPersistence   = errors.New("persistence error")
	ErrResourceQuery = errors.New("resource query error")
	ErrRender        = errors.New("render error")
	ErrInterrupted   = errors.New("interrupted")
)

// SessionError records where in the session a failure happened.
type SessionError struct {
	Kind  error
	Chunk int // -1 outside the chunk loop
	Op    string
	Err   error
}

func (e *SessionError) Error() string {
	if e.Chunk >= 0 {
		return fmt.Sprintf("%v: chunk %d: %s: %v", e.Kind, e.Chunk, e.Op, e.Err)
	}
	return fmt.Sprintf("%v: %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *SessionError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func newSessionError(kind error, chunk int, op string, err error) *SessionError {
	return &SessionError{Kind: kind, Chunk: chunk, Op: op, Err: err}
}
