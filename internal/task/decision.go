// internal/task/decision.go
package task

import (
	"fmt"
	"strings"
	"time"
)

// DecisionStatus is the lifecycle state of a Decision.
type DecisionStatus string

const (
	DecisionProposed DecisionStatus = "proposed"
	DecisionAccepted DecisionStatus = "accepted"
	DecisionRejected DecisionStatus = "rejected"
)

// Valid reports whether s is a known decision status.
func (s DecisionStatus) Valid() bool {
	return s == DecisionProposed || s == DecisionAccepted || s == DecisionRejected
}

// Decision records an architectural choice. Once it leaves proposed it is
// immutable.
type Decision struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Status      DecisionStatus `json:"status"`
	Reasoning   string         `json:"reasoning,omitempty"`
	DecidedBy   string         `json:"decided_by,omitempty"`
	Version     int64          `json:"version"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Validate checks the decision's own fields.
func (d *Decision) Validate() error {
	if err := ValidateID(d.ID); err != nil {
		return Validation(d.ID, err.Error())
	}
	if strings.TrimSpace(d.Description) == "" {
		return Validation(d.ID, "description is required")
	}
	if !d.Status.Valid() {
		return Validation(d.ID, fmt.Sprintf("unknown decision status %q", d.Status))
	}
	return nil
}

// CheckDecisionUpdate enforces the one-way lifecycle between the stored
// decision prev and the proposed replacement next. prev is nil on create.
func CheckDecisionUpdate(prev, next *Decision) error {
	if prev == nil {
		if next.Status != DecisionProposed {
			return Validation(next.ID, "decisions are created as proposed")
		}
		return nil
	}
	if prev.Status != DecisionProposed {
		return &Error{Kind: ErrDecisionImmutable, ID: prev.ID, Reason: fmt.Sprintf("decision is %s", prev.Status)}
	}
	if next.Status != DecisionProposed && strings.TrimSpace(next.Reasoning) == "" {
		return Validation(next.ID, fmt.Sprintf("reasoning is required to mark a decision %s", next.Status))
	}
	return nil
}
