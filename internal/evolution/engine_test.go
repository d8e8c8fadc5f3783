package evolution

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"protean/internal/capability"
	"protean/internal/generate"
	"protean/internal/history"
	"protean/internal/registry"
	"protean/internal/sandbox"
)

const goodScript = "```starlark\ndef run(input):\n    return {\"ok\": True}\n```"

// memStore backs both the engine and the ledger in tests.
type memStore struct {
	mu       sync.Mutex
	records  map[string]*capability.EvolutionRecord
	order    []string
	versions map[string][]*capability.VersionEntry
}

func newMemStore() *memStore {
	return &memStore{
		records:  make(map[string]*capability.EvolutionRecord),
		versions: make(map[string][]*capability.VersionEntry),
	}
}

func (m *memStore) SaveRecord(r *capability.EvolutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[r.ID]; !ok {
		m.order = append(m.order, r.ID)
	}
	cp := *r
	cp.FeedbackHistory = append([]capability.Feedback(nil), r.FeedbackHistory...)
	m.records[r.ID] = &cp
	return nil
}

func (m *memStore) LoadRecords(capID string) ([]*capability.EvolutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*capability.EvolutionRecord
	for _, id := range m.order {
		r := m.records[id]
		if capID == "" || r.CapabilityID == capID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) LoadRecord(id string) (*capability.EvolutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) AppendVersion(v *capability.VersionEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *v
	m.versions[v.CapabilityID] = append([]*capability.VersionEntry{&cp}, m.versions[v.CapabilityID]...)
	return nil
}

func (m *memStore) History(id string) ([]*capability.VersionEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versions[id], nil
}

// scriptedGenerator returns canned responses in order, recording every
// prompt it sees.
type scriptedGenerator struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int
	prompts   []string
}

func (g *scriptedGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := g.calls
	g.calls++
	g.prompts = append(g.prompts, prompt)
	if i < len(g.errs) && g.errs[i] != nil {
		return "", g.errs[i]
	}
	if i < len(g.responses) {
		return g.responses[i], nil
	}
	return g.responses[len(g.responses)-1], nil
}

func newTestEngine(t *testing.T, gen generate.Generator, store Store) (*Engine, *registry.Registry) {
	t.Helper()
	sb := sandbox.New(sandbox.DefaultConfig())
	reg := registry.New(nil)

	ms, ok := store.(*memStore)
	if !ok && store != nil {
		t.Fatalf("store must be *memStore")
	}
	if ms == nil {
		ms = newMemStore()
		store = ms
	}

	cfg := DefaultConfig()
	cfg.ArtifactDir = t.TempDir()
	cfg.ValidateTimeout = 2 * time.Second

	ledger := history.NewLedger(ms, reg, NewProviderLoader(sb, time.Second))
	eng, err := NewEngine(cfg, Deps{
		Generator: gen,
		Registry:  reg,
		Sandbox:   sb,
		Ledger:    ledger,
		Store:     store,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return eng, reg
}

func TestRequestCapabilityRejections(t *testing.T) {
	eng, _ := newTestEngine(t, generate.Static(goodScript), nil)
	ctx := context.Background()

	if _, err := eng.RequestCapability(ctx, "noseparator", "x", capability.KindScript); !errors.Is(err, capability.ErrInvalidID) {
		t.Errorf("invalid id: got %v", err)
	}
	if _, err := eng.RequestCapability(ctx, "a.b", "x", capability.KindBuiltIn); !errors.Is(err, ErrNotEvolvable) {
		t.Errorf("builtin: got %v", err)
	}
	if _, err := eng.RequestCapability(ctx, "a.b", "x", capability.KindExternalAPI); !errors.Is(err, ErrNotEvolvable) {
		t.Errorf("external api: got %v", err)
	}

	if _, err := eng.RequestCapability(ctx, "a.b", "x", capability.KindScript); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, err := eng.RequestCapability(ctx, "a.b", "again", capability.KindScript); !errors.Is(err, ErrEvolutionInFlight) {
		t.Errorf("duplicate in-flight: got %v", err)
	}
}

func TestEvolveScriptFirstTry(t *testing.T) {
	eng, reg := newTestEngine(t, generate.Static(goodScript), nil)
	ctx := context.Background()

	recID, err := eng.RequestCapability(ctx, "text.echo", "echo the input", capability.KindScript)
	if err != nil {
		t.Fatalf("RequestCapability: %v", err)
	}

	n, err := eng.RunPendingEvolutions(ctx)
	if err != nil {
		t.Fatalf("RunPendingEvolutions: %v", err)
	}
	if n != 1 {
		t.Fatalf("processed %d, want 1", n)
	}

	rec, err := eng.GetRecord(recID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.Status != capability.EvolutionActive {
		t.Fatalf("record status = %s, want active", rec.Status)
	}
	if rec.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", rec.Attempt)
	}
	if rec.ArtifactPath == "" {
		t.Error("artifact path not recorded")
	}
	if _, err := os.Stat(rec.ArtifactPath); err != nil {
		t.Errorf("artifact missing on disk: %v", err)
	}

	desc, err := reg.Get("text.echo")
	if err != nil {
		t.Fatalf("descriptor not registered: %v", err)
	}
	if desc.Status != capability.StatusAvailable {
		t.Errorf("descriptor status = %s, want available", desc.Status)
	}
	if desc.Version != "1" {
		t.Errorf("version = %s, want 1", desc.Version)
	}

	out, err := reg.Execute(ctx, "text.echo", map[string]any{"v": "x"})
	if err != nil {
		t.Fatalf("Execute evolved capability: %v", err)
	}
	if out["ok"] != true {
		t.Errorf("output = %v", out)
	}
}

func TestEvolveRetriesWithFeedback(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		"```starlark\ndef run(input:\n    return 1\n```", // syntax error
		"```starlark\ndef broken(input):\n    return 1\n```", // no run()
		goodScript,
	}}
	eng, _ := newTestEngine(t, gen, nil)
	ctx := context.Background()

	recID, err := eng.RequestCapability(ctx, "math.add", "add two numbers", capability.KindScript)
	if err != nil {
		t.Fatalf("RequestCapability: %v", err)
	}
	if _, err := eng.RunPendingEvolutions(ctx); err != nil {
		t.Fatalf("RunPendingEvolutions: %v", err)
	}

	rec, err := eng.GetRecord(recID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.Status != capability.EvolutionActive {
		t.Fatalf("status = %s, want active; feedback: %+v", rec.Status, rec.FeedbackHistory)
	}
	if rec.Attempt != 3 {
		t.Errorf("attempt = %d, want 3", rec.Attempt)
	}
	if len(rec.FeedbackHistory) != 2 {
		t.Fatalf("feedback entries = %d, want 2: %+v", len(rec.FeedbackHistory), rec.FeedbackHistory)
	}
	if rec.FeedbackHistory[0].Attempt != 1 || rec.FeedbackHistory[1].Attempt != 2 {
		t.Errorf("feedback attempts = %+v", rec.FeedbackHistory)
	}

	// Later prompts must carry the earlier diagnostics.
	last := gen.prompts[len(gen.prompts)-1]
	if !strings.Contains(last, rec.FeedbackHistory[0].Feedback) {
		t.Errorf("final prompt missing first feedback:\n%s", last)
	}
}

func TestEvolveExhaustionBlocksCapability(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{"```starlark\ndef run(:\n```"}}
	eng, _ := newTestEngine(t, gen, nil)
	ctx := context.Background()

	recID, err := eng.RequestCapability(ctx, "bad.cap", "never compiles", capability.KindScript)
	if err != nil {
		t.Fatalf("RequestCapability: %v", err)
	}
	if _, err := eng.RunPendingEvolutions(ctx); err != nil {
		t.Fatalf("RunPendingEvolutions: %v", err)
	}

	rec, _ := eng.GetRecord(recID)
	if rec.Status != capability.EvolutionFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}
	if rec.Attempt != DefaultConfig().MaxAttempts {
		t.Errorf("attempt = %d, want %d", rec.Attempt, DefaultConfig().MaxAttempts)
	}

	// The id is now blocked for automatic re-evolution.
	if _, err := eng.RequestCapability(ctx, "bad.cap", "try again", capability.KindScript); !errors.Is(err, capability.ErrBlocked) {
		t.Fatalf("expected ErrBlocked, got %v", err)
	}

	if !eng.UnblockCapability("bad.cap") {
		t.Error("UnblockCapability returned false for a blocked id")
	}
	if eng.UnblockCapability("bad.cap") {
		t.Error("UnblockCapability not idempotent")
	}
	if _, err := eng.RequestCapability(ctx, "bad.cap", "try again", capability.KindScript); err != nil {
		t.Errorf("request after unblock: %v", err)
	}
}

func TestRunPendingNeverDoubleProcesses(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 8)
	gen := generate.Func(func(ctx context.Context, prompt string) (string, error) {
		started <- struct{}{}
		<-release
		return goodScript, nil
	})
	eng, _ := newTestEngine(t, gen, nil)
	ctx := context.Background()

	if _, err := eng.RequestCapability(ctx, "slow.cap", "x", capability.KindScript); err != nil {
		t.Fatalf("RequestCapability: %v", err)
	}

	results := make(chan int, 2)
	go func() {
		n, _ := eng.RunPendingEvolutions(ctx)
		results <- n
	}()

	// Wait until the first pass owns the record, then start a second pass.
	<-started
	n2, err := eng.RunPendingEvolutions(ctx)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	close(release)
	n1 := <-results

	if n1+n2 != 1 {
		t.Errorf("record processed %d times, want exactly once", n1+n2)
	}
}

func TestRunPendingRefusedWhenSurvivalFails(t *testing.T) {
	sb := sandbox.New(sandbox.DefaultConfig())
	reg := registry.New(nil)
	ms := newMemStore()

	// Point the artifact dir at a regular file so the load probe fails.
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.ArtifactDir = blocker
	eng, err := NewEngine(cfg, Deps{
		Generator: generate.Static(goodScript),
		Registry:  reg,
		Sandbox:   sb,
		Ledger:    history.NewLedger(ms, reg, NewProviderLoader(sb, time.Second)),
		Store:     ms,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	inv := eng.Survival(context.Background())
	if inv.CanEvolve {
		t.Fatal("expected CanEvolve == false")
	}
	if _, err := eng.RunPendingEvolutions(context.Background()); !errors.Is(err, ErrEvolutionSuspended) {
		t.Fatalf("expected ErrEvolutionSuspended, got %v", err)
	}
}

func TestRehydrateRestoresPendingAndBlocked(t *testing.T) {
	ms := newMemStore()
	eng, _ := newTestEngine(t, &scriptedGenerator{responses: []string{"```starlark\nbad(\n```"}}, ms)
	ctx := context.Background()

	if _, err := eng.RequestCapability(ctx, "doomed.cap", "x", capability.KindScript); err != nil {
		t.Fatalf("RequestCapability: %v", err)
	}
	if _, err := eng.RunPendingEvolutions(ctx); err != nil {
		t.Fatalf("RunPendingEvolutions: %v", err)
	}
	if _, err := eng.RequestCapability(ctx, "waiting.cap", "y", capability.KindScript); err != nil {
		t.Fatalf("RequestCapability: %v", err)
	}

	// A fresh engine over the same store sees the same state.
	eng2, _ := newTestEngine(t, generate.Static(goodScript), ms)

	if _, err := eng2.RequestCapability(ctx, "doomed.cap", "x", capability.KindScript); !errors.Is(err, capability.ErrBlocked) {
		t.Errorf("blocked id not restored: %v", err)
	}
	if _, err := eng2.RequestCapability(ctx, "waiting.cap", "y", capability.KindScript); !errors.Is(err, ErrEvolutionInFlight) {
		t.Errorf("pending record not restored: %v", err)
	}

	n, err := eng2.RunPendingEvolutions(ctx)
	if err != nil {
		t.Fatalf("RunPendingEvolutions after restart: %v", err)
	}
	if n != 1 {
		t.Errorf("processed %d, want the 1 restored pending record", n)
	}
}

func TestListRecordsOrderAndFilter(t *testing.T) {
	eng, _ := newTestEngine(t, generate.Static(goodScript), nil)
	ctx := context.Background()

	for _, id := range []string{"a.one", "a.two", "b.one"} {
		if _, err := eng.RequestCapability(ctx, id, "d "+id, capability.KindScript); err != nil {
			t.Fatalf("RequestCapability %s: %v", id, err)
		}
	}

	all := eng.ListRecords("")
	if len(all) != 3 {
		t.Fatalf("records = %d, want 3", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].CreatedAt.Before(all[i-1].CreatedAt) {
			t.Errorf("records out of order at %d", i)
		}
	}

	only := eng.ListRecords("a.two")
	if len(only) != 1 || only[0].CapabilityID != "a.two" {
		t.Errorf("filtered records = %+v", only)
	}
}

func TestExtractCodeBlock(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"tagged fence", "intro\n```starlark\ncode here\n```\noutro", "code here"},
		{"untagged fence", "```\nplain\n```", "plain"},
		{"preferred lang wins", "```python\npy\n```\n```go\ngolang\n```", "py"},
		{"raw code no fences", "def run(input):\n    return input", "def run(input):\n    return input"},
		{"unterminated fence", "```starlark\nnever closed", ""},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ExtractCodeBlock(tc.in, "starlark", "python")
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSafetyScreen(t *testing.T) {
	screen := NewSafetyScreen()

	clean := `package main

import "strings"

func Run(input map[string]any) (map[string]any, error) {
	return map[string]any{"out": strings.ToUpper("x")}, nil
}
`
	if err := screen.Check(clean); err != nil {
		t.Errorf("clean artifact rejected: %v", err)
	}

	dirty := []string{
		"package main\n\nimport \"os/exec\"\n\nfunc Run() { exec.Command(\"sh\") }\n",
		"package main\n\nimport \"unsafe\"\n\nvar p unsafe.Pointer\n",
		"package main\n\nimport \"syscall\"\n\nvar _ = syscall.Kill\n",
		"package main\n\nimport \"os\"\n\nfunc Run() { os.RemoveAll(\"/\") }\n",
	}
	for i, code := range dirty {
		if err := screen.Check(code); err == nil {
			t.Errorf("dirty artifact %d passed the screen", i)
		}
	}

	if err := screen.Check("not go at all {"); err == nil {
		t.Error("unparseable artifact passed the screen")
	}
}

func TestSurvivalCheckerHealthy(t *testing.T) {
	sb := sandbox.New(sandbox.DefaultConfig())
	c := NewSurvivalChecker(sb, t.TempDir(), false)

	inv := c.Check(context.Background())
	if !inv.CanCompile || !inv.CanLoadCapabilities || !inv.CanCommunicate || !inv.CanEvolve {
		t.Fatalf("healthy runtime reported unhealthy: %+v", inv)
	}
	if inv.CheckedAt.IsZero() {
		t.Error("CheckedAt not set")
	}
}

func ExampleExtractCodeBlock() {
	text := "Here is the code:\n```go\npackage main\n```"
	fmt.Println(ExtractCodeBlock(text, "go"))
	// Output: package main
}
