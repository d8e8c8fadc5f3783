package provider

import (
	"context"

	"protean/internal/capability"
)

// BuiltInFunc is the signature of a trusted, compiled-in capability.
type BuiltInFunc func(ctx context.Context, input map[string]any) (map[string]any, error)

// BuiltIn wraps an in-process function. No sandboxing: built-ins are
// compiled into the host and trusted by construction.
type BuiltIn struct {
	fn BuiltInFunc
}

// NewBuiltIn wraps fn as a provider.
func NewBuiltIn(fn BuiltInFunc) *BuiltIn {
	return &BuiltIn{fn: fn}
}

func (b *BuiltIn) Kind() capability.ProviderKind { return capability.KindBuiltIn }

func (b *BuiltIn) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	out, err := b.fn(ctx, input)
	if err != nil {
		var ee *capability.ExecutionError
		if ok := asExecutionError(err, &ee); ok {
			return nil, ee
		}
		return nil, capability.NewExecutionError(capability.FaultProvider, "builtin failed", err)
	}
	return out, nil
}

func asExecutionError(err error, target **capability.ExecutionError) bool {
	e, ok := err.(*capability.ExecutionError)
	if ok {
		*target = e
	}
	return ok
}
