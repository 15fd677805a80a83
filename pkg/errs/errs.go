// Package errs defines the error kinds shared by the engine packages.
package errs

import (
	"errors"
	"fmt"
)

var (
	_ error = (*ProtocolError)(nil)
	_ error = (*ValidationError)(nil)
	_ error = (*PersistenceError)(nil)
)

// ErrTransientData marks a fetch that succeeded but returned nothing usable.
// Background loops retry on it and never hand it to callers.
var ErrTransientData = errors.New("transient data error")

// Wrap prefixes err with text. A nil err stays nil.
func Wrap(err error, text string) error {
	if err == nil {
		return nil
	}
	if text == "" {
		return err
	}
	return fmt.Errorf("%s: %w", text, err)
}

// ProtocolError is a non-success answer from the broker.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("broker protocol error %d: %s", e.Code, e.Message)
}

// ValidationError reports a missing or malformed field. It is fatal to the
// operation that produced it and is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

// Validation is a shorthand constructor.
func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// PersistenceError is returned after a failed transaction has been rolled back.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Persistence wraps err as a PersistenceError for op. A nil err stays nil.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsProtocol reports whether err carries a broker ProtocolError.
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
