// Package evolution implements the generate → compile → validate → load
// pipeline that grows new capabilities at runtime, plus the survival
// checker that decides whether evolving is safe at all.
package evolution

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"protean/internal/capability"
	"protean/internal/generate"
	"protean/internal/history"
	"protean/internal/logging"
	"protean/internal/provider"
	"protean/internal/registry"
	"protean/internal/sandbox"
)

var (
	// ErrEvolutionSuspended is returned when the survival checker says
	// the runtime can no longer evolve safely.
	ErrEvolutionSuspended = errors.New("evolution suspended: survival invariants violated")

	// ErrNotEvolvable is returned for provider kinds the pipeline cannot
	// produce artifacts for.
	ErrNotEvolvable = errors.New("provider kind not evolvable")

	// ErrEvolutionInFlight is returned when a non-terminal record already
	// targets the capability id.
	ErrEvolutionInFlight = errors.New("evolution already in flight")
)

// Pipeline stage names recorded in feedback entries.
const (
	stageGenerate = "generate"
	stageCompile  = "compile"
	stageValidate = "validate"
)

// Store persists evolution records across restarts. Optional.
type Store interface {
	SaveRecord(r *capability.EvolutionRecord) error
	LoadRecords(capabilityID string) ([]*capability.EvolutionRecord, error)
	LoadRecord(id string) (*capability.EvolutionRecord, error)
}

// Config bounds the pipeline.
type Config struct {
	ArtifactDir     string        `yaml:"artifact_dir"`
	MaxAttempts     int           `yaml:"max_attempts"`
	Concurrency     int           `yaml:"concurrency"`
	ProcessTimeout  time.Duration `yaml:"process_timeout"`
	ValidateTimeout time.Duration `yaml:"validate_timeout"`
	// ProbeToolchain makes the survival check require a working `go`
	// binary. Enable when Process capabilities are evolvable.
	ProbeToolchain bool `yaml:"probe_toolchain"`
}

func DefaultConfig() Config {
	return Config{
		ArtifactDir:     "artifacts",
		MaxAttempts:     3,
		Concurrency:     4,
		ProcessTimeout:  30 * time.Second,
		ValidateTimeout: 5 * time.Second,
	}
}

// Deps are the engine's collaborators.
type Deps struct {
	Generator generate.Generator
	Registry  *registry.Registry
	Sandbox   *sandbox.Sandbox
	Ledger    *history.Ledger
	Store     Store // may be nil for an in-memory engine
}

// Engine runs evolution pipelines. Safe for concurrent use.
type Engine struct {
	cfg      Config
	gen      generate.Generator
	reg      *registry.Registry
	sb       *sandbox.Sandbox
	tightSb  *sandbox.Sandbox
	ledger   *history.Ledger
	store    Store
	loader   *ProviderLoader
	compiler *ToolchainCompiler
	safety   *SafetyScreen
	survival *SurvivalChecker
	log      *zap.Logger

	mu      sync.Mutex
	records map[string]*capability.EvolutionRecord // by record id
	pending map[string]*capability.EvolutionRecord // non-terminal, by capability id
	claimed map[string]bool                        // capability ids a pass is working on
	blocked map[string]bool
}

func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if deps.Generator == nil {
		return nil, generate.ErrNoGenerator
	}
	if deps.Registry == nil || deps.Sandbox == nil || deps.Ledger == nil {
		return nil, errors.New("evolution engine requires a registry, sandbox and ledger")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.ValidateTimeout <= 0 {
		cfg.ValidateTimeout = DefaultConfig().ValidateTimeout
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = DefaultConfig().ProcessTimeout
	}

	e := &Engine{
		cfg:      cfg,
		gen:      deps.Generator,
		reg:      deps.Registry,
		sb:       deps.Sandbox,
		tightSb:  sandbox.New(deps.Sandbox.Config().Tightened()),
		ledger:   deps.Ledger,
		store:    deps.Store,
		loader:   NewProviderLoader(deps.Sandbox, cfg.ProcessTimeout),
		compiler: NewToolchainCompiler(filepath.Join(cfg.ArtifactDir, "bin"), 0),
		safety:   NewSafetyScreen(),
		survival: NewSurvivalChecker(deps.Sandbox, cfg.ArtifactDir, cfg.ProbeToolchain),
		log:      logging.Named(logging.CategoryEvolution),
		records:  make(map[string]*capability.EvolutionRecord),
		pending:  make(map[string]*capability.EvolutionRecord),
		claimed:  make(map[string]bool),
		blocked:  make(map[string]bool),
	}
	if err := e.rehydrate(); err != nil {
		return nil, err
	}
	return e, nil
}

// rehydrate reloads records from the store: non-terminal records go back
// on the pending queue, and a capability whose latest record failed
// stays blocked across restarts.
func (e *Engine) rehydrate() error {
	if e.store == nil {
		return nil
	}
	recs, err := e.store.LoadRecords("")
	if err != nil {
		return fmt.Errorf("failed to rehydrate evolution records: %w", err)
	}

	latest := make(map[string]*capability.EvolutionRecord)
	for _, r := range recs {
		e.records[r.ID] = r
		latest[r.CapabilityID] = r
		if !r.Status.Terminal() {
			e.pending[r.CapabilityID] = r
		}
	}
	for id, r := range latest {
		if r.Status == capability.EvolutionFailed {
			e.blocked[id] = true
		}
	}
	if len(recs) > 0 {
		e.log.Info("evolution records rehydrated",
			zap.Int("records", len(recs)),
			zap.Int("pending", len(e.pending)),
			zap.Int("blocked", len(e.blocked)))
	}
	return nil
}

// Survival reports the current survival invariants without mutating
// anything.
func (e *Engine) Survival(ctx context.Context) *SurvivalInvariants {
	return e.survival.Check(ctx)
}

// RequestCapability queues an evolution and returns the record id. The
// pipeline never runs inline; callers drive it with RunPendingEvolutions.
func (e *Engine) RequestCapability(ctx context.Context, capID, description string, kind capability.ProviderKind) (string, error) {
	if !strings.Contains(capID, ".") {
		return "", fmt.Errorf("%w: %q must be category.name", capability.ErrInvalidID, capID)
	}
	switch kind {
	case capability.KindScript, capability.KindDynamicLibrary, capability.KindProcess:
	case capability.KindBuiltIn, capability.KindExternalAPI:
		return "", fmt.Errorf("%w: %s", ErrNotEvolvable, kind)
	default:
		return "", fmt.Errorf("%w: %q", capability.ErrUnknownProviderKind, kind)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.blocked[capID] {
		return "", fmt.Errorf("%w: %s", capability.ErrBlocked, capID)
	}
	if _, inFlight := e.pending[capID]; inFlight {
		return "", fmt.Errorf("%w: %s", ErrEvolutionInFlight, capID)
	}

	now := time.Now().UTC()
	rec := &capability.EvolutionRecord{
		ID:           uuid.NewString(),
		CapabilityID: capID,
		Description:  description,
		Status:       capability.EvolutionRequested,
		ProviderKind: kind,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	e.records[rec.ID] = rec
	e.pending[capID] = rec
	e.persist(rec)

	e.reg.SetEvolving(capID)
	e.log.Info("evolution requested",
		zap.String("record", rec.ID),
		zap.String("id", capID),
		zap.String("kind", string(kind)))
	return rec.ID, nil
}

// RunPendingEvolutions drives every unclaimed pending record through the
// pipeline and returns how many it processed. Concurrent calls never
// double-process a capability id.
func (e *Engine) RunPendingEvolutions(ctx context.Context) (int, error) {
	if inv := e.survival.Check(ctx); !inv.CanEvolve {
		e.log.Warn("evolution pass refused", zap.Any("diagnostics", inv.Diagnostics))
		return 0, ErrEvolutionSuspended
	}

	e.mu.Lock()
	var batch []*capability.EvolutionRecord
	for capID, rec := range e.pending {
		if e.claimed[capID] {
			continue
		}
		e.claimed[capID] = true
		batch = append(batch, rec)
	}
	e.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, rec := range batch {
		rec := rec
		g.Go(func() error {
			defer e.release(rec.CapabilityID)
			e.process(gctx, rec)
			return gctx.Err()
		})
	}
	err := g.Wait()
	return len(batch), err
}

func (e *Engine) release(capID string) {
	e.mu.Lock()
	delete(e.claimed, capID)
	e.mu.Unlock()
}

// process runs one record to a terminal status. Pipeline failures are
// recorded as feedback and retried up to MaxAttempts; they are never
// returned as errors.
func (e *Engine) process(ctx context.Context, rec *capability.EvolutionRecord) {
	for rec.Attempt < e.cfg.MaxAttempts {
		if ctx.Err() != nil {
			return // still pending; a later pass resumes
		}
		e.mutate(rec, func() { rec.Attempt++ })
		version := e.nextVersion(rec.CapabilityID)

		e.setStatus(rec, capability.EvolutionGenerating)
		code, feedback := e.generateStage(ctx, rec)
		if feedback != "" {
			e.fail(rec, stageGenerate, feedback)
			continue
		}
		e.mutate(rec, func() { rec.SourceCode = code })

		e.setStatus(rec, capability.EvolutionCompiling)
		artifact, feedback := e.compileStage(ctx, rec, code, version)
		if feedback != "" {
			e.fail(rec, stageCompile, feedback)
			continue
		}
		e.mutate(rec, func() { rec.ArtifactPath = artifact })

		e.setStatus(rec, capability.EvolutionValidating)
		if feedback := e.validateStage(ctx, rec, code, artifact); feedback != "" {
			e.fail(rec, stageValidate, feedback)
			continue
		}

		e.setStatus(rec, capability.EvolutionLoading)
		if err := e.load(rec, artifact, version); err != nil {
			e.fail(rec, stageValidate, err.Error())
			continue
		}

		e.setStatus(rec, capability.EvolutionActive)
		e.finish(rec)
		e.log.Info("capability evolved",
			zap.String("record", rec.ID),
			zap.String("id", rec.CapabilityID),
			zap.Int("attempts", rec.Attempt))
		return
	}

	e.setStatus(rec, capability.EvolutionFailed)
	e.finish(rec)
	e.mu.Lock()
	e.blocked[rec.CapabilityID] = true
	e.mu.Unlock()
	e.reg.MarkUnavailable(rec.CapabilityID,
		fmt.Sprintf("evolution failed after %d attempts", rec.Attempt))
	e.log.Warn("capability blocked after repeated failure",
		zap.String("record", rec.ID),
		zap.String("id", rec.CapabilityID))
}

func (e *Engine) generateStage(ctx context.Context, rec *capability.EvolutionRecord) (code, feedback string) {
	raw, err := e.gen.Generate(ctx, e.buildPrompt(rec))
	if err != nil {
		return "", fmt.Sprintf("generation failed: %v", err)
	}
	code = ExtractCodeBlock(raw, fenceLangs(rec.ProviderKind)...)
	if code == "" {
		return "", "response contained no usable code block"
	}
	return code, ""
}

// compileStage turns source into an artifact on disk and returns its
// path, or feedback describing why it cannot be built. Artifact names
// carry the version so older artifacts stay intact for rollback.
func (e *Engine) compileStage(ctx context.Context, rec *capability.EvolutionRecord, code, version string) (artifact, feedback string) {
	switch rec.ProviderKind {
	case capability.KindScript:
		if _, err := e.sb.Compile(rec.CapabilityID, code); err != nil {
			return "", err.Error()
		}
		return e.writeArtifact(rec, code, version, ".star")

	case capability.KindDynamicLibrary:
		if err := e.safety.Check(code); err != nil {
			return "", err.Error()
		}
		path, feedback := e.writeArtifact(rec, code, version, ".go")
		if feedback != "" {
			return "", feedback
		}
		// Loading through the interpreter is the compile check.
		if _, err := provider.LoadDynamicLibrary(path); err != nil {
			return "", err.Error()
		}
		return path, ""

	case capability.KindProcess:
		if err := e.safety.Check(code); err != nil {
			return "", err.Error()
		}
		bin, out, err := e.compiler.Compile(ctx, rec.CapabilityID+".v"+version, code)
		e.mutate(rec, func() { rec.CompileOutput = out })
		if err != nil {
			if out != "" {
				return "", out
			}
			return "", err.Error()
		}
		return bin, ""
	}
	return "", fmt.Sprintf("kind %s has no compile stage", rec.ProviderKind)
}

// validateStage smoke-tests the artifact under tightened limits.
func (e *Engine) validateStage(ctx context.Context, rec *capability.EvolutionRecord, code, artifact string) string {
	var (
		prov provider.Provider
		err  error
	)
	switch rec.ProviderKind {
	case capability.KindScript:
		prov, err = provider.NewScript(e.tightSb, rec.CapabilityID, code)
	case capability.KindDynamicLibrary:
		prov, err = provider.LoadDynamicLibrary(artifact)
	case capability.KindProcess:
		prov = provider.NewProcess(artifact, nil, e.cfg.ValidateTimeout)
	}
	if err != nil {
		return err.Error()
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.ValidateTimeout)
	defer cancel()
	if _, err := prov.Execute(runCtx, map[string]any{}); err != nil {
		return fmt.Sprintf("smoke test failed: %v", err)
	}
	return ""
}

// load promotes the artifact: descriptor upsert, version ledger entry.
func (e *Engine) load(rec *capability.EvolutionRecord, artifact, version string) error {
	name := rec.CapabilityID[strings.Index(rec.CapabilityID, ".")+1:]
	prov, err := e.loader.LoadProvider(rec.ProviderKind, name, artifact)
	if err != nil {
		return err
	}

	desc := &capability.Descriptor{
		ID:           rec.CapabilityID,
		Name:         name,
		Description:  rec.Description,
		Type:         capability.TypeInternal,
		ProviderKind: rec.ProviderKind,
		Status:       capability.StatusAvailable,
		Version:      version,
		ArtifactPath: artifact,
		Metadata:     map[string]string{"evolved_from": rec.ID},
	}
	if err := e.reg.Replace(desc, prov); err != nil {
		return err
	}
	return e.ledger.RecordVersion(rec.CapabilityID, version, artifact,
		capability.VersionEvolved, rec.Description)
}

func (e *Engine) nextVersion(capID string) string {
	hist, err := e.ledger.History(capID)
	if err != nil {
		e.log.Warn("version history unavailable", zap.String("id", capID), zap.Error(err))
	}
	return strconv.Itoa(len(hist) + 1)
}

func (e *Engine) writeArtifact(rec *capability.EvolutionRecord, code, version, ext string) (string, string) {
	if err := os.MkdirAll(e.cfg.ArtifactDir, 0o755); err != nil {
		return "", err.Error()
	}
	path := filepath.Join(e.cfg.ArtifactDir, rec.CapabilityID+".v"+version+ext)
	if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
		return "", err.Error()
	}
	return path, ""
}

func (e *Engine) fail(rec *capability.EvolutionRecord, stage, feedback string) {
	e.mutate(rec, func() { rec.AddFeedback(stage, feedback) })
	e.log.Debug("pipeline stage failed",
		zap.String("record", rec.ID),
		zap.String("stage", stage),
		zap.Int("attempt", rec.Attempt),
		zap.String("feedback", feedback))
}

func (e *Engine) setStatus(rec *capability.EvolutionRecord, status capability.EvolutionStatus) {
	e.mutate(rec, func() { rec.Status = status })
}

// mutate applies a record change under the engine lock so readers that
// copy records never observe a torn write, then persists.
func (e *Engine) mutate(rec *capability.EvolutionRecord, fn func()) {
	e.mu.Lock()
	fn()
	rec.UpdatedAt = time.Now().UTC()
	e.mu.Unlock()
	e.persist(rec)
}

// finish removes a terminal record from the pending queue.
func (e *Engine) finish(rec *capability.EvolutionRecord) {
	e.mu.Lock()
	if cur, ok := e.pending[rec.CapabilityID]; ok && cur.ID == rec.ID {
		delete(e.pending, rec.CapabilityID)
	}
	e.mu.Unlock()
}

func (e *Engine) persist(rec *capability.EvolutionRecord) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveRecord(rec); err != nil {
		e.log.Warn("record persist failed", zap.String("record", rec.ID), zap.Error(err))
	}
}

// UnblockCapability clears the block on an id so it may be requested
// again. Reports whether the id was blocked; idempotent.
func (e *Engine) UnblockCapability(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.blocked[id] {
		return false
	}
	delete(e.blocked, id)
	e.log.Info("capability unblocked", zap.String("id", id))
	return true
}

// ListRecords returns records, optionally filtered by capability id,
// oldest first.
func (e *Engine) ListRecords(capabilityID string) []*capability.EvolutionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*capability.EvolutionRecord, 0, len(e.records))
	for _, r := range e.records {
		if capabilityID != "" && r.CapabilityID != capabilityID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sortRecords(out)
	return out
}

// GetRecord returns one record by id.
func (e *Engine) GetRecord(id string) (*capability.EvolutionRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", capability.ErrNotFound, id)
	}
	cp := *r
	return &cp, nil
}

func sortRecords(recs []*capability.EvolutionRecord) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}

func fenceLangs(kind capability.ProviderKind) []string {
	switch kind {
	case capability.KindScript:
		return []string{"starlark", "python"}
	default:
		return []string{"go"}
	}
}

func (e *Engine) buildPrompt(rec *capability.EvolutionRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Implement the capability %q.\n\nDescription: %s\n\n",
		rec.CapabilityID, rec.Description)
	b.WriteString(contractFor(rec.ProviderKind))

	if len(rec.FeedbackHistory) > 0 {
		b.WriteString("\nPrevious attempts failed. Fix every issue below:\n")
		for _, f := range rec.FeedbackHistory {
			fmt.Fprintf(&b, "- attempt %d, %s stage: %s\n", f.Attempt, f.Stage, f.Feedback)
		}
	}
	b.WriteString("\nReturn only the code in a single fenced code block.\n")
	return b.String()
}

func contractFor(kind capability.ProviderKind) string {
	switch kind {
	case capability.KindScript:
		return "Write a Starlark module that defines run(input), where input is a dict. " +
			"Return a dict of results. No loads, no imports, no unbounded loops.\n"
	case capability.KindDynamicLibrary:
		return "Write a single Go file in package main that defines " +
			"Run(input map[string]any) (map[string]any, error). " +
			"Standard library only; no unsafe, syscall, os/exec or cgo.\n"
	case capability.KindProcess:
		return "Write a Go main package that reads one JSON line {\"input\": {...}} " +
			"from stdin and writes one JSON line {\"output\": {...}} or " +
			"{\"error\": \"...\"} to stdout, then exits. " +
			"Standard library only; no unsafe, syscall, os/exec or cgo.\n"
	default:
		return ""
	}
}
