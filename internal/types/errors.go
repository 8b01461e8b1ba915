package types

import (
	"fmt"
	"strings"
)

// Kind classifies every failure the pipeline can attribute to a layer or to
// the registry.
type Kind string

const (
	KindSyntaxError             Kind = "SyntaxError"
	KindSecurityViolation       Kind = "SecurityViolation"
	KindSourceTooLong           Kind = "SourceTooLong"
	KindUnsupportedLanguage     Kind = "UnsupportedLanguage"
	KindReasoningUnavailable    Kind = "ReasoningUnavailable"
	KindReasoningRejected       Kind = "ReasoningRejected"
	KindValidationTimeout       Kind = "ValidationTimeout"
	KindSandboxResourceExceeded Kind = "SandboxResourceExceeded"
	KindSandboxTimeout          Kind = "SandboxTimeout"
	KindSandboxNonZeroExit      Kind = "SandboxNonZeroExit"
	KindCancelled               Kind = "Cancelled"
	KindAlreadyRegistered       Kind = "AlreadyRegistered"
	KindVersionNotFound         Kind = "VersionNotFound"
	KindNotFound                Kind = "NotFound"
	KindChecksumMismatch        Kind = "ChecksumMismatch"
	KindInternal                Kind = "InternalError"
)

// Reason is the typed, human-readable cause attached to a layer result.
type Reason struct {
	Kind   Kind   `json:"kind,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func NewReason(kind Kind, format string, args ...any) Reason {
	return Reason{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func (r Reason) IsZero() bool { return r.Kind == "" && r.Detail == "" }

// String renders the reason as Kind{detail}, or the bare kind when there is no
// detail.
func (r Reason) String() string {
	if r.Kind == "" {
		return r.Detail
	}
	if strings.TrimSpace(r.Detail) == "" {
		return string(r.Kind)
	}
	return string(r.Kind) + "{" + r.Detail + "}"
}

// InternalError wraps a genuine infrastructure fault (disk full, spawn failure).
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	if e.Op == "" {
		return "internal error: " + e.Err.Error()
	}
	return fmt.Sprintf("internal error: %s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

func NewInternalError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &InternalError{Op: op, Err: err}
}
