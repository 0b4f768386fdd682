package cache

import (
	"errors"
	"fmt"
)

var (
	// ErrCacheCorrupted reports undecodable rows or identity mismatches. It is never repaired.
	ErrCacheCorrupted = errors.New("cache: corrupted")
	// ErrStorageIO reports failures of the underlying database.
	ErrStorageIO = errors.New("cache: storage i/o")
	// ErrSessionNotFound reports that no session was ever saved; callers treat it as a first run.
	ErrSessionNotFound = errors.New("cache: session not found")
	// ErrParticipantNotFound reports a lookup for a participant that was never saved.
	ErrParticipantNotFound = errors.New("cache: participant not found")
	// ErrMalformedPayload reports a write whose payload the cache could not read back.
	ErrMalformedPayload = errors.New("cache: malformed payload")

	errMissingDatabase  = errors.New("database handle is required")
	errMissingCodec     = errors.New("codec is required")
	errIdentityMismatch = errors.New("unified id mismatch")
)

// Error carries an operation.reason code alongside the failure kind and its cause.
type Error struct {
	code string
	kind error
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %v", e.code, e.kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.code, e.kind, e.err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.err == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.err}
}

// Code returns the operation.reason code.
func (e *Error) Code() string {
	return e.code
}

func newCacheError(operation, reason string, kind, cause error) error {
	return &Error{code: fmt.Sprintf("%s.%s", operation, reason), kind: kind, err: cause}
}
