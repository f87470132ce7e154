package sealbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions
var (
	// Data errors
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	ErrDecodeFailed  = errors.New("stored record could not be decoded")

	// Engine errors
	ErrEngineFault      = errors.New("storage engine fault")
	ErrVersionDowngrade = errors.New("stored schema version is newer than requested")
	ErrTableMissing     = errors.New("table does not exist")
	ErrTableExists      = errors.New("table already exists")
	ErrIndexMissing     = errors.New("index does not exist")
	ErrCursorNoKey      = errors.New("cursor has no key")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ErrorWithContext adds additional context to errors for better debugging and logging
type ErrorWithContext struct {
	Err     error
	Context map[string]interface{}
}

func (e *ErrorWithContext) Error() string {
	if len(e.Context) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (context: %+v)", e.Err, e.Context)
}

func (e *ErrorWithContext) Unwrap() error {
	return e.Err
}

// WithContext adds context to an error
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Err:     err,
		Context: context,
	}
}

// Common error checking helpers

// IsNotFound checks if an error is a "not found" error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists checks if an error is an "already exists" error
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsDecodeFailed checks if an error came from a record that could not be
// parsed back into its domain entity. Migrations treat this as fatal:
// silently dropping session material would turn a diagnosable corruption
// into data loss.
func IsDecodeFailed(err error) bool {
	return errors.Is(err, ErrDecodeFailed)
}

// IsEngineFault checks if an error originated in the underlying storage engine
func IsEngineFault(err error) bool {
	return errors.Is(err, ErrEngineFault) || errors.Is(err, ErrCursorNoKey)
}

// engineError wraps a raw engine failure in ErrEngineFault so callers can
// classify it without depending on the engine's own error types.
func engineError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrEngineFault, op, err)
}

// decodeError wraps a parse failure in ErrDecodeFailed, keeping the table
// name for diagnosis.
func decodeError(table string, err error) error {
	if !errors.Is(err, ErrDecodeFailed) {
		err = fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return WithContext(err, map[string]interface{}{
		"table": table,
	})
}
