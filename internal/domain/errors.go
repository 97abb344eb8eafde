package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the stores.
var (
	ErrExecutionNotFound = errors.New("execution not found")
	ErrResourceNotFound  = errors.New("resource not found")
	ErrDataNotFound      = errors.New("data not found")
	ErrDuplicate         = errors.New("item already exists")
)

// StatusTransitionError reports a conditional update rejected because the
// current status is no longer a legal predecessor. Another worker has
// already advanced the row; callers treat this as benign.
type StatusTransitionError struct {
	Identifiers Identifiers
	From        Status
	To          Status
}

func (e *StatusTransitionError) Error() string {
	return fmt.Sprintf("illegal status transition %s -> %s for execution %s", e.From, e.To, e.Identifiers.ExecutionID)
}

// MultipleCompletionsError is the terminal-to-terminal specialization of
// StatusTransitionError. It is the no-op signal for redelivered messages.
type MultipleCompletionsError struct {
	Identifiers Identifiers
	Current     Status
	To          Status
}

func (e *MultipleCompletionsError) Error() string {
	return fmt.Sprintf("execution %s already completed with status %s", e.Identifiers.ExecutionID, e.Current)
}

// NewTransitionError picks the right rejection type for a failed
// conditional update given the status observed after the failure.
func NewTransitionError(ids Identifiers, current, to Status) error {
	if current.IsTerminal() {
		return &MultipleCompletionsError{Identifiers: ids, Current: current, To: to}
	}
	return &StatusTransitionError{Identifiers: ids, From: current, To: to}
}

// IsBenignTransitionFailure reports whether err means the row was already
// advanced by another worker, in which case handlers drop the message.
func IsBenignTransitionFailure(err error) bool {
	var ste *StatusTransitionError
	var mce *MultipleCompletionsError
	return errors.As(err, &ste) || errors.As(err, &mce)
}

// CapacityExhaustedError reports that the admission counter is at its
// ceiling. The execution stays PENDING; the next free promotes it.
type CapacityExhaustedError struct {
	TenantID     string
	ResourceType ResourceType
}

func (e *CapacityExhaustedError) Error() string {
	return fmt.Sprintf("resource capacity exhausted for tenant %s type %s", e.TenantID, e.ResourceType)
}

func IsCapacityExhausted(err error) bool {
	var cee *CapacityExhaustedError
	return errors.As(err, &cee)
}

// DispatchError reports a vendor-side failure while handing an execution to
// its runner. The execution transitions to FAILED.
type DispatchError struct {
	Runner Runner
	Err    error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch to %s failed: %v", e.Runner, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// ValidationError is a programmer error on input shape. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
