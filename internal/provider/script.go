package provider

import (
	"context"
	"fmt"
	"os"

	"protean/internal/capability"
	"protean/internal/sandbox"
)

// Script runs a capability inside the resource-bounded sandbox. The
// program is compiled once at construction and re-executed per call; the
// sandbox guarantees no state leaks between runs.
type Script struct {
	sb   *sandbox.Sandbox
	prog *sandbox.Program
}

// NewScript compiles source under name and returns a provider for it.
func NewScript(sb *sandbox.Sandbox, name, source string) (*Script, error) {
	prog, err := sb.Compile(name, source)
	if err != nil {
		return nil, mapSandboxErr(err)
	}
	return &Script{sb: sb, prog: prog}, nil
}

// NewScriptFromFile compiles the script stored at the artifact path.
func NewScriptFromFile(sb *sandbox.Sandbox, path string) (*Script, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, capability.NewExecutionError(capability.FaultProvider,
			fmt.Sprintf("script artifact %s unreadable", path), err)
	}
	return NewScript(sb, path, string(source))
}

func (s *Script) Kind() capability.ProviderKind { return capability.KindScript }

func (s *Script) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	out, err := s.sb.Run(ctx, s.prog, input)
	if err != nil {
		return nil, mapSandboxErr(err)
	}
	return out, nil
}
