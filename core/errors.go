package core

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNoCredential means no session exists. It is a valid unauthenticated
	// state, not a transport failure.
	ErrNoCredential = errors.New("no stored credential")

	// ErrNotConfirmed is returned when the confirmation gate declines a
	// destructive operation.
	ErrNotConfirmed = errors.New("operation not confirmed")

	// ErrDiscarded is returned when a result arrives after its component was
	// torn down and was therefore not applied.
	ErrDiscarded = errors.New("result discarded after close")
)

// ValidationCode classifies local validation failures.
type ValidationCode string

const (
	CodeUnsupportedType ValidationCode = "unsupported_type"
	CodeFileTooLarge    ValidationCode = "file_too_large"
	CodeMissingFile     ValidationCode = "missing_file"
	CodeEmptyQuestion   ValidationCode = "empty_question"
	CodeEmptyTitle      ValidationCode = "empty_title"
)

// ValidationError is a local rejection. It never reaches the network.
type ValidationError struct {
	Field   string
	Code    ValidationCode
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// HTTPError is a failed remote call. Status is 0 when the request never got a
// response.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Status == 0 {
		return "request failed: " + e.Message
	}
	return fmt.Sprintf("remote returned status %d: %s", e.Status, e.Message)
}

// Unauthorized reports whether the remote rejected the credential.
func (e *HTTPError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized
}

// StateConflictError is raised by a state machine guard when an operation is
// attempted from a state that does not allow it.
type StateConflictError struct {
	Op    string
	State string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("cannot %s while %s", e.Op, e.State)
}

// IsValidation reports whether err is a local validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsStateConflict reports whether err was raised by a state guard.
func IsStateConflict(err error) bool {
	var se *StateConflictError
	return errors.As(err, &se)
}
