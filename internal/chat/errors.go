package chat

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyMessage       = errors.New("chat: message has neither body nor attachment")
	ErrAlreadySubscribed  = errors.New("chat: conversation already has an open subscription")
	ErrNotFailed          = errors.New("chat: message is not in failed state")
	ErrReconciliationMiss = errors.New("chat: no pending message to reconcile")
)

// NetworkError covers transport failures, timeouts, non-2xx responses and
// responses that could not be decoded.
type NetworkError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError is returned for 401 responses so callers can send the user back
// to sign-in.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unauthorized (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("unauthorized (status %d): %s", e.StatusCode, e.Message)
}

type UnsupportedAttachmentError struct {
	Kind   AttachmentKind
	Reason string
}

func (e *UnsupportedAttachmentError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("unsupported attachment %q", e.Kind)
	}
	return fmt.Sprintf("unsupported attachment %q: %s", e.Kind, e.Reason)
}

// IsAuth reports whether err carries an *AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
