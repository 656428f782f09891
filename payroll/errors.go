/*
errors.go - Error taxonomy for the payroll engine

PURPOSE:
  All error types in one place. Every structured error carries the entity or
  period id needed to correct the input, and unwraps to a sentinel so callers
  can branch with errors.Is.

ERROR CATEGORIES:
  NotFoundError          unknown entity reference
  InvalidStateError      operation disallowed by the current state
  RuleEvaluationError    malformed or missing rule / terms (one employee only)
  PeriodArchivedError    attempted mutation of archived history
  InvalidTransitionError illegal lifecycle transition
  NotFinalizedError      invoice issuance on stale or provisional results
  ValidationError        malformed caller input

None of these are retryable: every operation is local and deterministic, so
the same call fails the same way until the data is corrected.
*/
package payroll

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidState      = errors.New("invalid state")
	ErrRuleEvaluation    = errors.New("rule evaluation failed")
	ErrPeriodArchived    = errors.New("period archived")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotFinalized      = errors.New("result not finalized")
	ErrInvalidInput      = errors.New("invalid input")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

type NotFoundError struct {
	Kind string // "employee", "entry", "period", ...
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.ID) }
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

type InvalidStateError struct {
	Kind   string
	ID     string
	State  string
	Reason string
}

func (e *InvalidStateError) Error() string {
	if e.State != "" {
		return fmt.Sprintf("%s %q in state %s: %s", e.Kind, e.ID, e.State, e.Reason)
	}
	return fmt.Sprintf("%s %q: %s", e.Kind, e.ID, e.Reason)
}
func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// RuleEvaluationError aborts the computation of one employee only.
type RuleEvaluationError struct {
	EmployeeID  EmployeeID
	PeriodID    PeriodID
	RuleID      RuleID
	RuleVersion int
	EntryID     EntryID
	Err         error
}

func (e *RuleEvaluationError) Error() string {
	msg := fmt.Sprintf("rule evaluation for employee %s in period %s", e.EmployeeID, e.PeriodID)
	if e.RuleID != "" {
		msg += fmt.Sprintf(" (rule %s v%d)", e.RuleID, e.RuleVersion)
	}
	if e.EntryID != "" {
		msg += fmt.Sprintf(" at entry %s", e.EntryID)
	}
	return msg + ": " + e.Err.Error()
}

func (e *RuleEvaluationError) Unwrap() []error { return []error{ErrRuleEvaluation, e.Err} }

type PeriodArchivedError struct {
	PeriodID PeriodID
	Date     Date
}

func (e *PeriodArchivedError) Error() string {
	if e.Date.IsZero() {
		return fmt.Sprintf("period %s is archived; manual override required", e.PeriodID)
	}
	return fmt.Sprintf("date %s falls in archived period %s; manual override required", e.Date, e.PeriodID)
}
func (e *PeriodArchivedError) Unwrap() error { return ErrPeriodArchived }

type InvalidTransitionError struct {
	PeriodID PeriodID
	From     PeriodState
	Event    string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("period %s: cannot %s from state %s", e.PeriodID, e.Event, e.From)
}
func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

type NotFinalizedError struct {
	ResultID ResultID
	PeriodID PeriodID
	Status   ResultStatus
	Reason   string
}

func (e *NotFinalizedError) Error() string {
	return fmt.Sprintf("result %s (period %s, status %s) is not finalized: %s", e.ResultID, e.PeriodID, e.Status, e.Reason)
}
func (e *NotFinalizedError) Unwrap() error { return ErrNotFinalized }

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("invalid %s: %s", e.Field, e.Message) }
func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsClientError returns true if the error is due to caller input or state.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrPeriodArchived) ||
		errors.Is(err, ErrNotFinalized) ||
		errors.Is(err, ErrRuleEvaluation)
}
