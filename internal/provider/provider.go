// Package provider implements the closed set of execution strategies
// backing capabilities: built-in functions, sandboxed scripts,
// dynamically loaded artifacts, external processes and external APIs.
// All variant-specific failure handling stays inside this package; the
// registry only sees the uniform Execute contract and structured
// ExecutionError values.
package provider

import (
	"context"
	"errors"

	"protean/internal/capability"
	"protean/internal/sandbox"
)

// Provider executes one capability. Implementations must be safe for
// concurrent use; execution may block and is always called outside the
// registry's lock.
type Provider interface {
	// Kind identifies the strategy variant.
	Kind() capability.ProviderKind

	// Execute runs the capability. Failures come back as
	// *capability.ExecutionError; they are never fatal to the host.
	Execute(ctx context.Context, input map[string]any) (map[string]any, error)
}

// mapSandboxErr translates sandbox taxonomy into execution faults so the
// retry policy downstream can distinguish ceiling aborts from script bugs.
func mapSandboxErr(err error) *capability.ExecutionError {
	var rx *sandbox.ResourceExceeded
	if errors.As(err, &rx) {
		kind := capability.FaultResourceExceeded
		if rx.Limit == "wall_clock" {
			kind = capability.FaultTimeout
		}
		return capability.NewExecutionError(kind, "script exceeded resource ceiling", err)
	}
	var ce *sandbox.CompileError
	if errors.As(err, &ce) {
		return capability.NewExecutionError(capability.FaultCompile, "script failed to compile", err)
	}
	var re *sandbox.RuntimeError
	if errors.As(err, &re) {
		return capability.NewExecutionError(capability.FaultProvider, "script raised a fault", err)
	}
	return capability.NewExecutionError(capability.FaultProvider, "script execution failed", err)
}
