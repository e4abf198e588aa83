// internal/task/errors.go
package task

import (
	"errors"
	"fmt"
)

// Rejection categories. Every rejection returned by the engine wraps one of
// these, so callers match with errors.Is.
var (
	// ErrValidation indicates a request with malformed or missing fields.
	ErrValidation = errors.New("validation error")

	// ErrCycleDetected indicates a dependency edge would close a cycle.
	ErrCycleDetected = errors.New("cycle detected")

	// ErrUnknownDependency indicates depends_on names a task that does not exist.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrScopeTooLarge indicates a task exceeds the decomposition threshold.
	ErrScopeTooLarge = errors.New("scope too large")

	// ErrInvalidTransition indicates a status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrVerificationFailed indicates the gate returned Fail.
	ErrVerificationFailed = errors.New("verification failed")

	// ErrNotFound indicates the task or decision does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a concurrent writer committed first.
	ErrConflict = errors.New("version conflict")

	// ErrLeaseHeld indicates the caller does not hold the task's lease.
	ErrLeaseHeld = errors.New("lease held by another owner")

	// ErrDecisionImmutable indicates an edit to an accepted or rejected decision.
	ErrDecisionImmutable = errors.New("decision immutable")

	// ErrEscalationRequired indicates a task exhausted its verification attempts.
	ErrEscalationRequired = errors.New("escalation required")
)

// Error is a rejection naming the originating entity.
type Error struct {
	Kind   error
	ID     string
	Reason string
}

func (e *Error) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%v: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%v: %s: %s", e.Kind, e.ID, e.Reason)
}

// Unwrap returns the category sentinel.
func (e *Error) Unwrap() error {
	return e.Kind
}

// Validation returns an ErrValidation rejection for id.
func Validation(id, reason string) *Error {
	return &Error{Kind: ErrValidation, ID: id, Reason: reason}
}

// NotFound returns an ErrNotFound rejection for id.
func NotFound(id string) *Error {
	return &Error{Kind: ErrNotFound, ID: id, Reason: "does not exist"}
}

// Conflict returns an ErrConflict rejection for id.
func Conflict(id string, want, got int64) *Error {
	return &Error{Kind: ErrConflict, ID: id, Reason: fmt.Sprintf("expected version %d, found %d", want, got)}
}

// kinds pairs every sentinel with the stable name used for metric labels
// and API error codes. Names never change when a message is reworded.
var kinds = []struct {
	err  error
	name string
}{
	{ErrValidation, "validation"},
	{ErrCycleDetected, "cycle_detected"},
	{ErrUnknownDependency, "unknown_dependency"},
	{ErrScopeTooLarge, "scope_too_large"},
	{ErrInvalidTransition, "invalid_transition"},
	{ErrVerificationFailed, "verification_failed"},
	{ErrNotFound, "not_found"},
	{ErrConflict, "conflict"},
	{ErrLeaseHeld, "lease_held"},
	{ErrDecisionImmutable, "decision_immutable"},
	{ErrEscalationRequired, "escalation_required"},
}

// KindOf returns the category sentinel of err, or nil when err is not a rejection.
func KindOf(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.err
		}
	}
	return nil
}

// KindName returns the stable name of err's category, or "" when err is not
// a rejection.
func KindName(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return ""
}

// KindByName is the inverse of KindName.
func KindByName(name string) (error, bool) {
	for _, k := range kinds {
		if k.name == name {
			return k.err, true
		}
	}
	return nil, false
}
