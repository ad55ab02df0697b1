package notesync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrCorruptRecord     = errors.New("corrupt record")
	ErrCapacity          = errors.New("storage capacity exceeded")
	ErrNotProvisioned    = errors.New("remote store is not provisioned")
	ErrRetryExhausted    = errors.New("retry attempts exhausted")
	ErrRemoteNotFound    = errors.New("remote object not found")
	ErrRemoteUnavailable = errors.New("remote store unavailable")
	ErrNotImplemented    = errors.New("not implemented")
	ErrClosed            = errors.New("engine closed")
)

// RemoteError carries the HTTP-level detail of a failed remote call while
// remaining matchable against the package sentinels via errors.Is.
type RemoteError struct {
	Status  int
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote call failed: status=%d code=%s message=%s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("remote call failed: status=%d message=%s", e.Status, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrRemoteNotFound:
		return e.Status == 404
	case ErrCapacity:
		return e.Status == 507
	case ErrNotProvisioned:
		return e.Status == 409
	case ErrRemoteUnavailable:
		return e.Status == 429 || e.Status >= 500
	}
	return false
}
