// Package engine provides the core types and components of the Patina
// orchestration core: Planner -> Executor -> Reducer over a DAG of
// sandboxed execution units.
package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for retry and propagation decisions.
type ErrorKind string

const (
	// ErrorKindTool indicates a remote tool failure. Retriability is
	// decided by the tool's own error code.
	ErrorKindTool ErrorKind = "TOOL"

	// ErrorKindCode indicates a script runtime error, a static rejection,
	// or an invalid plan.
	ErrorKindCode ErrorKind = "CODE"

	// ErrorKindPolicy indicates a capability denial or an ungated write.
	ErrorKindPolicy ErrorKind = "POLICY"

	// ErrorKindBudget indicates a per-node or per-run limit breach.
	ErrorKindBudget ErrorKind = "BUDGET"

	// ErrorKindSandbox indicates a worker crash, protocol violation,
	// or watchdog kill.
	ErrorKindSandbox ErrorKind = "SANDBOX"
)

// Error is the typed error recorded in run traces and returned across
// component boundaries. Message is redacted: it never carries raw tool
// payloads, secrets, or script source.
type Error struct {
	// Kind is the error taxonomy bucket.
	Kind ErrorKind `json:"kind"`

	// Code is a stable machine-readable code within the kind.
	Code string `json:"code"`

	// Message is a redacted human-readable message, safe to render.
	Message string `json:"message"`

	// Retriable marks failures worth a retry attempt.
	Retriable bool `json:"retriable"`

	// NodeID is the plan node the error is recorded against, if any.
	NodeID string `json:"node_id,omitempty"`

	// Err is the underlying cause. Not serialized.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s/%s (node=%s): %s", e.Kind, e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on kind and code so sentinel comparisons work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

// NewError creates a typed error.
func NewError(kind ErrorKind, code, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: message,
		Err:     cause,
	}
}

// WithNode attaches the owning node id.
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// AsRetriable marks the error retriable.
func (e *Error) AsRetriable() *Error {
	e.Retriable = true
	return e
}

// KindOf returns the kind of err, or "" when err is not a typed Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the code of err, or "" when err is not a typed Error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetriable reports whether err carries the retriable flag.
func IsRetriable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retriable
	}
	return false
}

// AsError converts err to a typed Error, classifying unknown errors as
// CODE/INTERNAL. The message of an unknown error is kept; callers are
// expected to have redacted payloads before wrapping.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewError(ErrorKindCode, CodeInternal, err.Error(), err)
}

// Stable error codes. The kind/code pair is part of the wire surface
// exported to the worker subprocess and to tool servers.
const (
	// CODE
	CodePlanInvalid    = "PLAN_INVALID"
	CodeStaticRejected = "STATIC_REJECTED"
	CodeScriptFailed   = "SCRIPT_FAILED"
	CodeInternal       = "INTERNAL"

	// POLICY
	CodeCapabilityDenied = "CAPABILITY_DENIED"
	CodeWriteUngated     = "WRITE_UNGATED"
	CodeApprovalDenied   = "APPROVAL_DENIED"

	// BUDGET
	CodeCPULimit    = "CPU_LIMIT"
	CodeMemLimit    = "MEM_LIMIT"
	CodeOpLimit     = "OP_LIMIT"
	CodeOutputLimit = "OUTPUT_LIMIT"
	CodeTokenLimit  = "TOKEN_LIMIT"
	CodeRunLimit    = "RUN_LIMIT"

	// SANDBOX
	CodeProcCrash   = "PROC_CRASH"
	CodeUnavailable = "UNAVAILABLE"

	// TOOL
	CodeToolFailed   = "CALL_FAILED"
	CodeToolNotFound = "NOT_FOUND"
	CodeToolTimeout  = "TIMEOUT"
	CodeRateLimited  = "RATE_LIMITED"
)
