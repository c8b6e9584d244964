package types

import (
	"errors"
	"fmt"
)

// ErrorCode is the machine-readable error classification returned to
// RPC callers. Every operation failure maps to exactly one code.
type ErrorCode string

const (
	CodeNotFound              ErrorCode = "not_found"
	CodeValidationFailed      ErrorCode = "validation_failed"
	CodeLimitExceeded         ErrorCode = "limit_exceeded"
	CodeStaleVersion          ErrorCode = "stale_version"
	CodeManualApprovalBlocked ErrorCode = "manual_approval_blocked"
	CodeInvalidTransition     ErrorCode = "invalid_transition"
	CodeTimeout               ErrorCode = "timeout"
	CodeInternal              ErrorCode = "internal"
)

// OpError is a structured operation error carrying a code callers can
// branch on programmatically.
type OpError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *OpError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *OpError) Unwrap() error { return e.Err }

// NewOpError builds an OpError with a formatted message.
func NewOpError(code ErrorCode, format string, args ...any) *OpError {
	return &OpError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapOpError attaches a code and message to an underlying error.
func WrapOpError(code ErrorCode, err error, format string, args ...any) *OpError {
	return &OpError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Sentinel errors used across subsystems. They carry their code so that
// CodeOf can classify wrapped chains without string matching.
var (
	ErrNotFound              = &OpError{Code: CodeNotFound, Message: "not found"}
	ErrStaleVersion          = &OpError{Code: CodeStaleVersion, Message: "version changed underneath update"}
	ErrInvalidTransition     = &OpError{Code: CodeInvalidTransition, Message: "invalid state transition"}
	ErrLimitExceeded         = &OpError{Code: CodeLimitExceeded, Message: "limit exceeded"}
	ErrManualApprovalBlocked = &OpError{Code: CodeManualApprovalBlocked, Message: "auto-review owns this phase"}
	ErrLockTimeout           = &OpError{Code: CodeTimeout, Message: "advisory lock not acquired within deadline"}
)

// CodeOf extracts the error code from err, walking the wrap chain.
// Unclassified errors are internal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var op *OpError
	if errors.As(err, &op) {
		return op.Code
	}
	return CodeInternal
}
