package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = 2 * time.Second
	return cfg
}

func TestCompileAndRun(t *testing.T) {
	sb := New(testConfig())

	prog, err := sb.Compile("echo.star", `
def run(input):
    return {"echo": input["message"], "length": len(input["message"])}
`)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	out, err := sb.Run(context.Background(), prog, map[string]any{"message": "hello"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out["echo"] != "hello" {
		t.Errorf("echo = %v, want hello", out["echo"])
	}
	if out["length"] != int64(5) {
		t.Errorf("length = %v (%T), want 5", out["length"], out["length"])
	}
}

func TestCompileError(t *testing.T) {
	sb := New(testConfig())

	_, err := sb.Compile("bad.star", "def run(input:\n")
	var ce *CompileError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CompileError, got %T: %v", err, err)
	}
}

func TestRuntimeErrorDistinct(t *testing.T) {
	sb := New(testConfig())

	prog, err := sb.Compile("boom.star", `
def run(input):
    fail("boom")
`)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	_, err = sb.Run(context.Background(), prog, nil)
	var re *RuntimeError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RuntimeError, got %T: %v", err, err)
	}
	var rx *ResourceExceeded
	if errors.As(err, &rx) {
		t.Error("script fault must not classify as ResourceExceeded")
	}
}

func TestMissingEntryFunction(t *testing.T) {
	sb := New(testConfig())

	prog, err := sb.Compile("noentry.star", "x = 1\n")
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	_, err = sb.Run(context.Background(), prog, nil)
	var re *RuntimeError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RuntimeError for missing run(), got %v", err)
	}
}

func TestUnboundedLoopHitsOperationCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.MaxOps = 100
	sb := New(cfg)

	prog, err := sb.Compile("spin.star", `
def run(input):
    while True:
        pass
`)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	start := time.Now()
	_, err = sb.Run(context.Background(), prog, nil)
	elapsed := time.Since(start)

	var rx *ResourceExceeded
	if !errors.As(err, &rx) {
		t.Fatalf("expected *ResourceExceeded, got %T: %v", err, err)
	}
	if rx.Limit != "operations" {
		t.Errorf("limit = %q, want operations", rx.Limit)
	}
	if elapsed > time.Second {
		t.Errorf("abort took %v, expected well under a second", elapsed)
	}
}

func TestWallClockCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.MaxOps = 0 // only the clock guards this run
	cfg.Timeout = 100 * time.Millisecond
	sb := New(cfg)

	prog, err := sb.Compile("spin.star", `
def run(input):
    while True:
        pass
`)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	start := time.Now()
	_, err = sb.Run(context.Background(), prog, nil)
	elapsed := time.Since(start)

	var rx *ResourceExceeded
	if !errors.As(err, &rx) {
		t.Fatalf("expected *ResourceExceeded, got %T: %v", err, err)
	}
	if rx.Limit != "wall_clock" {
		t.Errorf("limit = %q, want wall_clock", rx.Limit)
	}
	if elapsed > 2*time.Second {
		t.Errorf("abort took %v after a 100ms ceiling", elapsed)
	}
}

func TestContextCancellation(t *testing.T) {
	cfg := testConfig()
	cfg.MaxOps = 0
	cfg.Timeout = time.Minute
	sb := New(cfg)

	prog, err := sb.Compile("spin.star", `
def run(input):
    while True:
        pass
`)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = sb.Run(ctx, prog, nil)
	var rx *ResourceExceeded
	if !errors.As(err, &rx) {
		t.Fatalf("expected *ResourceExceeded on cancellation, got %v", err)
	}
}

func TestProgramReuseIsStateless(t *testing.T) {
	sb := New(testConfig())

	prog, err := sb.Compile("counter.star", `
count = [0]

def run(input):
    count[0] += 1
    return count[0]
`)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		out, err := sb.Run(context.Background(), prog, nil)
		if err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
		// Top level re-initialises each run, so the counter never
		// observes prior invocations.
		if out["result"] != int64(1) {
			t.Fatalf("run %d leaked state: got %v", i, out["result"])
		}
	}
}

func TestResultStringCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.MaxStringLen = 16
	sb := New(cfg)

	prog, err := sb.Compile("big.star", `
def run(input):
    return "x" * 1000
`)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	_, err = sb.Run(context.Background(), prog, nil)
	var rx *ResourceExceeded
	if !errors.As(err, &rx) {
		t.Fatalf("expected *ResourceExceeded, got %v", err)
	}
	if rx.Limit != "string_size" {
		t.Errorf("limit = %q, want string_size", rx.Limit)
	}
}

func TestResultCollectionCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCollectionLen = 4
	sb := New(cfg)

	prog, err := sb.Compile("biglist.star", `
def run(input):
    return [i for i in range(100)]
`)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	_, err = sb.Run(context.Background(), prog, nil)
	var rx *ResourceExceeded
	if !errors.As(err, &rx) {
		t.Fatalf("expected *ResourceExceeded, got %v", err)
	}
	if rx.Limit != "collection_size" {
		t.Errorf("limit = %q, want collection_size", rx.Limit)
	}
}

func TestExprDepthScreen(t *testing.T) {
	cfg := testConfig()
	cfg.MaxExprDepth = 8
	sb := New(cfg)

	deep := "def run(input):\n    return "
	for i := 0; i < 20; i++ {
		deep += "("
	}
	deep += "1"
	for i := 0; i < 20; i++ {
		deep += ")"
	}
	deep += "\n"

	_, err := sb.Compile("deep.star", deep)
	var rx *ResourceExceeded
	if !errors.As(err, &rx) {
		t.Fatalf("expected *ResourceExceeded at compile time, got %v", err)
	}
	if rx.Limit != "nesting_depth" {
		t.Errorf("limit = %q, want nesting_depth", rx.Limit)
	}
}

func TestEval(t *testing.T) {
	sb := New(testConfig())

	prog, err := sb.Compile("lib.star", `
def double(x):
    return 2 * x

def run(input):
    return double(input.get("n", 0))
`)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	v, err := sb.Eval(context.Background(), prog, "double(21)")
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	if v != int64(42) {
		t.Errorf("Eval = %v, want 42", v)
	}
}

func TestBracketDepthIgnoresStrings(t *testing.T) {
	if d := bracketDepth(`x = "((((((((("`); d != 0 {
		t.Errorf("depth = %d, want 0 for bracketed string literal", d)
	}
	if d := bracketDepth("f(g(h(1)))"); d != 3 {
		t.Errorf("depth = %d, want 3", d)
	}
}
