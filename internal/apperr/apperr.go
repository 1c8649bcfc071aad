// Package apperr defines the error taxonomy shared by every component.
// Callers branch on the kind with errors.Is; the HTTP layer maps kinds to
// status codes.
package apperr

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// Kind sentinels. Wrap them with the helpers below so errors.Is keeps working
// through fmt.Errorf chains.
var (
	ErrValidation        = errors.New("validation failed")
	ErrConflict          = errors.New("conflict")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNotFound          = errors.New("not found")
	ErrExpired           = errors.New("expired")
	ErrExternal          = errors.New("external service failure")
	ErrInternal          = errors.New("internal error")
)

func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func NotFound(what, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, what, id)
}

func Expired(what, id string) error {
	return fmt.Errorf("%w: %s %s", ErrExpired, what, id)
}

func External(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrExternal, op, err)
}

// Internal wraps an unexpected failure with an opaque correlation id so the
// cause can be traced from logs without leaking details to the caller.
func Internal(err error) error {
	return fmt.Errorf("%w [%s]: %v", ErrInternal, newCorrelationID(), err)
}

func newCorrelationID() string {
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
