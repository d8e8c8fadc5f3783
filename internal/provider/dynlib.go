package provider

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"protean/internal/capability"
)

// entrySymbol is the well-known entry point a dynamic-library artifact
// must export: func Run(input map[string]any) (map[string]any, error).
const entrySymbol = "main.Run"

// DynamicLibrary loads a Go source artifact into an embedded interpreter
// and dispatches calls through its entry symbol. Interpreting instead of
// dlopen-style loading keeps load failures recoverable: a bad artifact is
// caught at the boundary and reported, never a process abort.
type DynamicLibrary struct {
	mu   sync.Mutex // the interpreter is not safe for concurrent use
	run  func(map[string]any) (map[string]any, error)
	path string
}

// LoadDynamicLibrary reads and interprets the artifact at path and
// resolves its entry symbol. Any failure here is a load failure the
// caller converts into a descriptor status change.
func LoadDynamicLibrary(path string) (p *DynamicLibrary, err error) {
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, capability.NewExecutionError(capability.FaultProvider,
				fmt.Sprintf("artifact %s paniced during load: %v", path, r), nil)
		}
	}()

	source, err := os.ReadFile(path)
	if err != nil {
		return nil, capability.NewExecutionError(capability.FaultProvider,
			fmt.Sprintf("artifact %s unreadable", path), err)
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, capability.NewExecutionError(capability.FaultProvider, "interpreter stdlib load failed", err)
	}

	code := string(source)
	if !strings.Contains(code, "package ") {
		code = "package main\n\n" + code
	}
	if _, err := i.Eval(code); err != nil {
		return nil, capability.NewExecutionError(capability.FaultCompile,
			fmt.Sprintf("artifact %s failed to load", path), err)
	}

	v, err := i.Eval(entrySymbol)
	if err != nil {
		return nil, capability.NewExecutionError(capability.FaultProvider,
			fmt.Sprintf("entry symbol %s not found in %s", entrySymbol, path), err)
	}
	run, ok := v.Interface().(func(map[string]any) (map[string]any, error))
	if !ok {
		return nil, capability.NewExecutionError(capability.FaultProvider,
			fmt.Sprintf("entry symbol %s has wrong signature (want func(map[string]any) (map[string]any, error))", entrySymbol), nil)
	}

	return &DynamicLibrary{run: run, path: path}, nil
}

func (d *DynamicLibrary) Kind() capability.ProviderKind { return capability.KindDynamicLibrary }

func (d *DynamicLibrary) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	type result struct {
		out map[string]any
		err error
	}
	ch := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: capability.NewExecutionError(capability.FaultProvider,
					fmt.Sprintf("artifact %s paniced: %v", d.path, r), nil)}
			}
		}()
		d.mu.Lock()
		defer d.mu.Unlock()
		out, err := d.run(input)
		ch <- result{out: out, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			var ee *capability.ExecutionError
			if asExecutionError(r.err, &ee) {
				return nil, ee
			}
			return nil, capability.NewExecutionError(capability.FaultProvider, "artifact returned an error", r.err)
		}
		return r.out, nil
	case <-ctx.Done():
		// The interpreter goroutine cannot be preempted; it is
		// abandoned and the mutex keeps later calls serialized.
		return nil, capability.NewExecutionError(capability.FaultTimeout,
			fmt.Sprintf("artifact %s execution cancelled", d.path), ctx.Err())
	}
}
