package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/synchrony/internal/ir"
)

// ErrorCode categorizes graph errors.
type ErrorCode string

const (
	// ErrCodeCircularDependency indicates the batch's dependency graph has a
	// cycle and the batch was rejected without executing anything.
	ErrCodeCircularDependency ErrorCode = "CIRCULAR_DEPENDENCY"

	// ErrCodeConflictReporting indicates an edge claimed an account on which
	// its endpoints do not conflict. This is an internal defect.
	ErrCodeConflictReporting ErrorCode = "CONFLICT_REPORTING"
)

// CircularDependencyError is returned by Schedule for cyclic graphs.
type CircularDependencyError struct {
	// Cycle lists one concrete cycle in edge order, starting from its
	// earliest-submitted member. The last member has an edge back to the first.
	Cycle []ir.TxID

	// Blocked lists every transaction that could not be scheduled, in
	// submission order. It includes the cycle and everything downstream of it.
	Blocked []ir.TxID
}

// Error implements the error interface.
func (e *CircularDependencyError) Error() string {
	path := make([]string, 0, len(e.Cycle)+1)
	for _, id := range e.Cycle {
		path = append(path, string(id))
	}
	if len(e.Cycle) > 0 {
		path = append(path, string(e.Cycle[0]))
	}
	blocked := make([]string, len(e.Blocked))
	for i, id := range e.Blocked {
		blocked[i] = string(id)
	}
	return fmt.Sprintf("%s: cycle %s (blocked: %s)",
		ErrCodeCircularDependency, strings.Join(path, " -> "), strings.Join(blocked, ", "))
}

// Code returns ErrCodeCircularDependency.
func (e *CircularDependencyError) Code() ErrorCode {
	return ErrCodeCircularDependency
}

// NewCircularDependencyError creates a CircularDependencyError.
func NewCircularDependencyError(cycle, blocked []ir.TxID) *CircularDependencyError {
	return &CircularDependencyError{Cycle: cycle, Blocked: blocked}
}

// IsCycleError reports whether err wraps a CircularDependencyError.
// Uses errors.As to handle wrapped errors.
func IsCycleError(err error) bool {
	var ce *CircularDependencyError
	return errors.As(err, &ce)
}

// ConflictReportingError reports an edge whose claimed account carries no
// conflicting access.
type ConflictReportingError struct {
	TxA     ir.TxID
	TxB     ir.TxID
	Account ir.AccountKey
	Message string
}

// Error implements the error interface.
func (e *ConflictReportingError) Error() string {
	if e.Account != "" {
		return fmt.Sprintf("%s: %s (%s -> %s, account=%s)", ErrCodeConflictReporting, e.Message, e.TxA, e.TxB, e.Account)
	}
	return fmt.Sprintf("%s: %s (%s -> %s)", ErrCodeConflictReporting, e.Message, e.TxA, e.TxB)
}

// Code returns ErrCodeConflictReporting.
func (e *ConflictReportingError) Code() ErrorCode {
	return ErrCodeConflictReporting
}

// NewConflictReportingError creates a ConflictReportingError.
func NewConflictReportingError(a, b ir.TxID, account ir.AccountKey, msg string) *ConflictReportingError {
	return &ConflictReportingError{TxA: a, TxB: b, Account: account, Message: msg}
}

// IsConflictReportingError reports whether err wraps a ConflictReportingError.
func IsConflictReportingError(err error) bool {
	var cre *ConflictReportingError
	return errors.As(err, &cre)
}
