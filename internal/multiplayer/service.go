package multiplayer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// SessionService is the session directory the writer talks to.
//
// A successful call returns the server's document and a nil error. A
// precondition failure returns the server's current document together with an
// error matching ErrPreconditionFailed. Any other failure returns a nil
// document.
type SessionService interface {
	WriteSession(ctx context.Context, doc *SessionDocument, mode WriteMode) (*SessionDocument, error)
	WriteSessionByHandle(ctx context.Context, doc *SessionDocument, mode WriteMode, handleID string) (*SessionDocument, error)
	GetCurrentSession(ctx context.Context, ref SessionReference) (*SessionDocument, error)
}

var (
	// ErrPreconditionFailed marks an optimistic concurrency conflict (409/412).
	// The accompanying document is authoritative.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrSessionGone is returned when the writer is not bound to a session.
	ErrSessionGone = errors.New("session no longer exists")

	// ErrNoLocalUser is returned when a write is attempted without a local user.
	ErrNoLocalUser = errors.New("no local user, call AddLocalUser first")

	// ErrWriterReset is returned when the writer was destroyed while a call was in flight.
	ErrWriterReset = errors.New("session writer was reset")

	// ErrNotFound is returned by services for unknown sessions or handles.
	ErrNotFound = errors.New("session not found")
)

// ServiceError is a non-2xx answer from the session directory.
type ServiceError struct {
	StatusCode int
	Message    string
}

func (e *ServiceError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("session service: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("session service: %d %s", e.StatusCode, e.Message)
}

// Is lets errors.Is match 409/412 against ErrPreconditionFailed and 404 against ErrNotFound.
func (e *ServiceError) Is(target error) bool {
	switch target {
	case ErrPreconditionFailed:
		return e.StatusCode == http.StatusPreconditionFailed || e.StatusCode == http.StatusConflict
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// IsAuthoritative reports whether a write result should be adopted:
// either the call succeeded or it failed with a precondition conflict.
func IsAuthoritative(err error) bool {
	return err == nil || errors.Is(err, ErrPreconditionFailed)
}

// ErrorMessage returns the message carried into events for err.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var se *ServiceError
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	return err.Error()
}
