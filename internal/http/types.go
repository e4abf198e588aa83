package http

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/taskgraph/internal/auditor"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
	"github.com/fyrsmithlabs/taskgraph/internal/telemetry"
	"github.com/fyrsmithlabs/taskgraph/internal/verify"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status    string                  `json:"status"`
	Session   string                  `json:"session"`
	Telemetry *telemetry.HealthStatus `json:"telemetry,omitempty"`
}

// StartBody is the request body for POST /api/v1/tasks/:id/start.
type StartBody struct {
	Owner       string `json:"owner"`
	Deliverable string `json:"deliverable,omitempty"`
}

// TransitionBody is the request body for block, unblock, skip and release.
type TransitionBody struct {
	Owner  string `json:"owner,omitempty"`
	Reason string `json:"reason"`
}

// VerifyBody is the request body for POST /api/v1/tasks/:id/verify.
type VerifyBody struct {
	Owner    string          `json:"owner,omitempty"`
	Evidence verify.Evidence `json:"evidence"`
}

// NoteBody is the request body for POST /api/v1/tasks/:id/notes.
type NoteBody struct {
	Text string `json:"text"`
}

// LeaseBody is the request body for POST /api/v1/lease.
type LeaseBody struct {
	Owner string `json:"owner"`
}

// ResumeBody is the request body for POST /api/v1/resume.
type ResumeBody struct {
	Expected string `json:"expected"`
}

// DecideBody is the request body for accept and reject.
type DecideBody struct {
	By        string `json:"by,omitempty"`
	Reasoning string `json:"reasoning"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Error kinds on the wire.
const (
	KindValidation         = "validation"
	KindCycleDetected      = "cycle_detected"
	KindUnknownDependency  = "unknown_dependency"
	KindScopeTooLarge      = "scope_too_large"
	KindInvalidTransition  = "invalid_transition"
	KindVerificationFailed = "verification_failed"
	KindNotFound           = "not_found"
	KindConflict           = "conflict"
	KindLeaseHeld          = "lease_held"
	KindDecisionImmutable  = "decision_immutable"
	KindEscalation         = "escalation_required"
	KindInternal           = "internal"

	auditorKindPrefix = "auditor_"
)

func kindName(sentinel error) string {
	if name := task.KindName(sentinel); name != "" {
		return name
	}
	return KindInternal
}

// Err converts a decoded error body back into an error that matches the
// same sentinels the engine returned.
func (r ErrorResponse) Err() error {
	if k, ok := task.KindByName(r.Kind); ok {
		return &task.Error{Kind: k, ID: r.ID, Reason: r.Reason}
	}
	if kind, ok := strings.CutPrefix(r.Kind, auditorKindPrefix); ok {
		return &auditor.Error{Auditor: r.ID, Kind: auditor.ErrorKind(kind), Reason: r.Reason}
	}
	if r.Error == "" {
		return errors.New(r.Kind)
	}
	return fmt.Errorf("%s", r.Error)
}
