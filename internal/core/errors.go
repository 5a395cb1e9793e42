package core

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not_found")

// ValidationError is bad caller input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// DecryptionError means the encrypted payload could not be opened: a
// malformed envelope, a wrong key or no passphrase configured.
type DecryptionError struct {
	Field string
	Err   error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decrypt %s: %v", e.Field, e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsDecryption(err error) bool {
	var d *DecryptionError
	return errors.As(err, &d)
}
