package commit

import (
	"errors"
	"fmt"
)

// ErrCodeIntegrityPanic identifies IntegrityPanic errors.
const ErrCodeIntegrityPanic = "INTEGRITY_PANIC"

// IntegrityPanic reports that durable state failed an integrity check: a
// corrupt WAL record, a state file whose Merkle root does not recompute, or
// a WAL whose last COMMIT disagrees with the live state file.
//
// A manager that raised an IntegrityPanic refuses every further write.
// Operator intervention is required.
type IntegrityPanic struct {
	// Source names the failing artifact: "wal", "state" or "commit".
	Source string
	// Message describes the mismatch.
	Message string
	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *IntegrityPanic) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", ErrCodeIntegrityPanic, e.Source, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", ErrCodeIntegrityPanic, e.Source, e.Message)
}

// Unwrap returns the underlying cause.
func (e *IntegrityPanic) Unwrap() error {
	return e.Cause
}

func integrityPanic(source string, cause error, format string, args ...any) *IntegrityPanic {
	return &IntegrityPanic{Source: source, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// IsIntegrityPanic reports whether err wraps an IntegrityPanic.
// Uses errors.As to handle wrapped errors.
func IsIntegrityPanic(err error) bool {
	var ip *IntegrityPanic
	return errors.As(err, &ip)
}

// ErrSimulatedCrash is returned when a crash hook stops a commit midway.
// The manager behaves as if the process died at that point: nothing is
// cleaned up and the manager accepts no further writes.
var ErrSimulatedCrash = errors.New("simulated crash")

// ErrClosed is returned by operations on a closed manager.
var ErrClosed = errors.New("commit manager closed")
