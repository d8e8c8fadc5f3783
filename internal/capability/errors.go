package capability

import (
	"errors"
	"fmt"
)

// Registry and execution errors.
var (
	// ErrNotFound is returned when no capability has the requested id.
	ErrNotFound = errors.New("capability not found")

	// ErrUnavailable is returned when a capability exists but its
	// status disqualifies execution.
	ErrUnavailable = errors.New("capability unavailable")

	// ErrAlreadyRegistered is returned when registering a duplicate id.
	ErrAlreadyRegistered = errors.New("capability already registered")

	// ErrPermissionDenied is returned when a privilege check fails.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrBlocked is returned when a capability id is excluded from
	// automatic re-evolution after repeated failure.
	ErrBlocked = errors.New("capability blocked")

	// ErrEmptyID is returned for descriptors without an id.
	ErrEmptyID = errors.New("capability id cannot be empty")

	// ErrInvalidID is returned when an id is not of the form category.name.
	ErrInvalidID = errors.New("invalid capability id")

	// ErrUnknownProviderKind is returned for provider kinds outside the
	// closed set.
	ErrUnknownProviderKind = errors.New("unknown provider kind")
)

// FaultKind partitions execution failures for callers that react
// differently per class (retry policy, user reporting).
type FaultKind string

const (
	FaultValidation       FaultKind = "validation"
	FaultNotFound         FaultKind = "not_found"
	FaultUnavailable      FaultKind = "unavailable"
	FaultPermission       FaultKind = "permission_denied"
	FaultTimeout          FaultKind = "timeout"
	FaultResourceExceeded FaultKind = "resource_exceeded"
	FaultProvider         FaultKind = "provider_fault"
	FaultCompile          FaultKind = "compile_error"
	FaultBlocked          FaultKind = "blocked"
)

// ExecutionError is the structured failure returned by the execute path.
// It is never fatal to the host process.
type ExecutionError struct {
	Kind    FaultKind
	Message string
	Cause   error
}

func (e *ExecutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// NewExecutionError builds an ExecutionError wrapping cause (may be nil).
func NewExecutionError(kind FaultKind, msg string, cause error) *ExecutionError {
	return &ExecutionError{Kind: kind, Message: msg, Cause: cause}
}

// FaultKindOf extracts the fault kind from err, or FaultProvider when err
// is not an ExecutionError.
func FaultKindOf(err error) FaultKind {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return FaultProvider
}
