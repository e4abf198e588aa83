package auditor

import (
	"errors"
	"fmt"
)

// ErrAuditor matches every *Error with errors.Is.
var ErrAuditor = errors.New("auditor error")

// ErrorKind classifies an auditor failure.
type ErrorKind string

const (
	KindUnknownAuditor  ErrorKind = "unknown_auditor"
	KindScopeRejected   ErrorKind = "scope_rejected"
	KindTimeout         ErrorKind = "timeout"
	KindMalformedOutput ErrorKind = "malformed_output"
	KindFailed          ErrorKind = "analyzer_failed"
)

// Error is a failed invocation.
type Error struct {
	Auditor string
	Kind    ErrorKind
	Reason  string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("auditor %s: %s: %s", e.Auditor, e.Kind, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches ErrAuditor.
func (e *Error) Is(target error) bool {
	return target == ErrAuditor
}

// KindOf returns the kind of an auditor error, or "" when err is not one.
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}
