package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"protean/internal/capability"
	"protean/internal/sandbox"
)

func TestBuiltInExecute(t *testing.T) {
	p := NewBuiltIn(func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"echo": input["msg"]}, nil
	})

	out, err := p.Execute(context.Background(), map[string]any{"msg": "hi"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out["echo"] != "hi" {
		t.Errorf("echo = %v, want hi", out["echo"])
	}
	if p.Kind() != capability.KindBuiltIn {
		t.Errorf("Kind = %v", p.Kind())
	}
}

func TestBuiltInError(t *testing.T) {
	p := NewBuiltIn(func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return nil, errors.New("boom")
	})

	_, err := p.Execute(context.Background(), nil)
	var ee *capability.ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("expected *ExecutionError, got %T", err)
	}
	if ee.Kind != capability.FaultProvider {
		t.Errorf("kind = %v, want provider_fault", ee.Kind)
	}
}

func TestScriptExecute(t *testing.T) {
	sb := sandbox.New(sandbox.DefaultConfig())
	p, err := NewScript(sb, "upper.star", `
def run(input):
    return {"out": input["s"].upper()}
`)
	if err != nil {
		t.Fatalf("NewScript failed: %v", err)
	}

	out, err := p.Execute(context.Background(), map[string]any{"s": "abc"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out["out"] != "ABC" {
		t.Errorf("out = %v, want ABC", out["out"])
	}
}

func TestScriptResourceFaultKind(t *testing.T) {
	cfg := sandbox.DefaultConfig()
	cfg.MaxOps = 100
	sb := sandbox.New(cfg)

	p, err := NewScript(sb, "spin.star", `
def run(input):
    while True:
        pass
`)
	if err != nil {
		t.Fatalf("NewScript failed: %v", err)
	}

	_, err = p.Execute(context.Background(), nil)
	var ee *capability.ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("expected *ExecutionError, got %T: %v", err, err)
	}
	if ee.Kind != capability.FaultResourceExceeded {
		t.Errorf("kind = %v, want resource_exceeded", ee.Kind)
	}
}

func TestScriptCompileFaultKind(t *testing.T) {
	sb := sandbox.New(sandbox.DefaultConfig())
	_, err := NewScript(sb, "bad.star", "def run(:\n")
	var ee *capability.ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("expected *ExecutionError, got %T", err)
	}
	if ee.Kind != capability.FaultCompile {
		t.Errorf("kind = %v, want compile_error", ee.Kind)
	}
}

func TestDynamicLibraryLoadAndExecute(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "word_count.go")
	src := `package main

import "strings"

func Run(input map[string]any) (map[string]any, error) {
	text, _ := input["text"].(string)
	return map[string]any{"words": len(strings.Fields(text))}, nil
}
`
	if err := os.WriteFile(artifact, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := LoadDynamicLibrary(artifact)
	if err != nil {
		t.Fatalf("LoadDynamicLibrary failed: %v", err)
	}

	out, err := p.Execute(context.Background(), map[string]any{"text": "one two three"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out["words"] != 3 {
		t.Errorf("words = %v, want 3", out["words"])
	}
}

func TestDynamicLibraryLoadFailureIsCaught(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "broken.go")
	if err := os.WriteFile(artifact, []byte("package main\nfunc Run( {"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadDynamicLibrary(artifact)
	if err == nil {
		t.Fatal("expected load error for broken artifact")
	}
	var ee *capability.ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("expected *ExecutionError, got %T", err)
	}
}

func TestDynamicLibraryMissingEntrySymbol(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "noentry.go")
	if err := os.WriteFile(artifact, []byte("package main\n\nfunc Other() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadDynamicLibrary(artifact); err == nil {
		t.Fatal("expected error for missing entry symbol")
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tool.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProcessExecute(t *testing.T) {
	path := writeScript(t, `cat >/dev/null
echo '{"output":{"status":"ok"}}'
`)
	p := NewProcess(path, nil, 5*time.Second)

	out, err := p.Execute(context.Background(), map[string]any{"x": 1})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out["status"] != "ok" {
		t.Errorf("status = %v, want ok", out["status"])
	}
}

func TestProcessReportedError(t *testing.T) {
	path := writeScript(t, `cat >/dev/null
echo '{"error":"tool exploded"}'
`)
	p := NewProcess(path, nil, 5*time.Second)

	_, err := p.Execute(context.Background(), nil)
	var ee *capability.ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("expected *ExecutionError, got %T: %v", err, err)
	}
	if ee.Kind != capability.FaultProvider {
		t.Errorf("kind = %v, want provider_fault", ee.Kind)
	}
}

func TestProcessTimeoutKillsGroup(t *testing.T) {
	path := writeScript(t, `sleep 30
`)
	p := NewProcess(path, nil, 200*time.Millisecond)

	start := time.Now()
	_, err := p.Execute(context.Background(), nil)
	elapsed := time.Since(start)

	var ee *capability.ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("expected *ExecutionError, got %T: %v", err, err)
	}
	if ee.Kind != capability.FaultTimeout {
		t.Errorf("kind = %v, want timeout", ee.Kind)
	}
	if elapsed > 5*time.Second {
		t.Errorf("kill took %v, expected prompt termination", elapsed)
	}
}

func TestExternalAPIExecute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"answer":42}`))
	}))
	defer srv.Close()

	p := NewExternalAPI(srv.URL, map[string]string{"X-Token": "t"}, 5*time.Second)
	out, err := p.Execute(context.Background(), map[string]any{"q": "life"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out["answer"] != float64(42) {
		t.Errorf("answer = %v, want 42", out["answer"])
	}
}

func TestExternalAPIServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewExternalAPI(srv.URL, nil, 5*time.Second)
	_, err := p.Execute(context.Background(), nil)
	var ee *capability.ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("expected *ExecutionError, got %T: %v", err, err)
	}
	if ee.Kind != capability.FaultProvider {
		t.Errorf("kind = %v, want provider_fault", ee.Kind)
	}
}
