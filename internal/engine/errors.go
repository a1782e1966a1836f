package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/synchrony/internal/graph"
	"github.com/roach88/synchrony/internal/ir"
)

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeEffectFailed indicates a transaction effect returned an error,
	// panicked or touched an account outside its declared footprint.
	ErrCodeEffectFailed ErrorCode = "EFFECT_FAILED"

	// ErrCodeRolledBack indicates the batch was abandoned before or during
	// commit and left no trace in committed state.
	ErrCodeRolledBack ErrorCode = "ROLLED_BACK"

	// ErrCodeLinearizability indicates the parallel result differed from a
	// sequential re-execution (strict verify mode only).
	ErrCodeLinearizability ErrorCode = "LINEARIZABILITY_VIOLATION"

	// ErrCodeMergeCollision indicates two transactions in one level wrote
	// the same account. The scheduler never produces such a level, so this
	// is an internal defect.
	ErrCodeMergeCollision ErrorCode = "MERGE_COLLISION"
)

// EffectExecutionError reports the failing transaction of a batch.
//
// When several transactions fail in the same level, TxID names the earliest
// in submission order and All aggregates every failure.
type EffectExecutionError struct {
	// TxID is the failing transaction.
	TxID ir.TxID

	// Level is the zero-based level the transaction ran in.
	Level int

	// Cause is the error returned (or panic recovered) from the effect.
	Cause error

	// All aggregates every failure in the level, including Cause.
	All error
}

// Error implements the error interface.
func (e *EffectExecutionError) Error() string {
	return fmt.Sprintf("%s: tx %s (level %d): %v", ErrCodeEffectFailed, e.TxID, e.Level, e.Cause)
}

// Unwrap returns the cause.
func (e *EffectExecutionError) Unwrap() error {
	return e.Cause
}

// Code returns the error code.
func (e *EffectExecutionError) Code() ErrorCode {
	return ErrCodeEffectFailed
}

// MergeCollisionError reports two same-level transactions writing one account.
type MergeCollisionError struct {
	Level   int
	Account ir.AccountKey
	First   ir.TxID
	Second  ir.TxID
}

// Error implements the error interface.
func (e *MergeCollisionError) Error() string {
	return fmt.Sprintf("%s: level %d: %s and %s both wrote %q", ErrCodeMergeCollision, e.Level, e.First, e.Second, e.Account)
}

// Code returns the error code.
func (e *MergeCollisionError) Code() ErrorCode {
	return ErrCodeMergeCollision
}

// RollbackError reports a batch that did not commit. The committed state
// is exactly what it was before the batch was submitted.
type RollbackError struct {
	// BatchID identifies the batch.
	BatchID string

	// State is the commit state machine state the batch ended in. A batch
	// that failed before BEGIN reports IDLE.
	State string

	// Cause is the underlying failure, typically *EffectExecutionError.
	Cause error
}

// Error implements the error interface.
func (e *RollbackError) Error() string {
	return fmt.Sprintf("%s: batch %s (state %s): %v", ErrCodeRolledBack, e.BatchID, e.State, e.Cause)
}

// Unwrap returns the cause.
func (e *RollbackError) Unwrap() error {
	return e.Cause
}

// Code returns the error code.
func (e *RollbackError) Code() ErrorCode {
	return ErrCodeRolledBack
}

// LinearizabilityError reports a parallel result that a sequential
// re-execution in dependency order did not reproduce.
type LinearizabilityError struct {
	BatchID    string
	Order      []ir.TxID
	Parallel   ir.Hash
	Sequential ir.Hash
	// Accounts lists the keys whose values differ.
	Accounts []ir.AccountKey
}

// Error implements the error interface.
func (e *LinearizabilityError) Error() string {
	accts := make([]string, len(e.Accounts))
	for i, a := range e.Accounts {
		accts[i] = string(a)
	}
	return fmt.Sprintf("%s: batch %s: parallel root %s != sequential root %s (accounts: %s)",
		ErrCodeLinearizability, e.BatchID, e.Parallel.Short(), e.Sequential.Short(), strings.Join(accts, ", "))
}

// Code returns the error code.
func (e *LinearizabilityError) Code() ErrorCode {
	return ErrCodeLinearizability
}

// IsEffectError reports whether err wraps an EffectExecutionError.
// Uses errors.As to handle wrapped errors.
func IsEffectError(err error) bool {
	var ee *EffectExecutionError
	return errors.As(err, &ee)
}

// IsRollbackError reports whether err wraps a RollbackError.
func IsRollbackError(err error) bool {
	var re *RollbackError
	return errors.As(err, &re)
}

// IsLinearizabilityError reports whether err wraps a LinearizabilityError.
func IsLinearizabilityError(err error) bool {
	var le *LinearizabilityError
	return errors.As(err, &le)
}

// IsMergeCollision reports whether err wraps a MergeCollisionError.
func IsMergeCollision(err error) bool {
	var me *MergeCollisionError
	return errors.As(err, &me)
}

// IsCycleError reports whether err wraps a graph.CircularDependencyError.
func IsCycleError(err error) bool {
	return graph.IsCycleError(err)
}
