// Package runtime wires the store, registry, sandbox, evolution engine
// and version ledger into the single facade the host program talks to.
package runtime

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"protean/internal/capability"
	"protean/internal/config"
	"protean/internal/evolution"
	"protean/internal/generate"
	"protean/internal/history"
	"protean/internal/logging"
	"protean/internal/provider"
	"protean/internal/registry"
	"protean/internal/sandbox"
	"protean/internal/store"
)

const externalAPITimeout = 30 * time.Second

// Runtime owns every subsystem. One per process.
type Runtime struct {
	cfg       *config.Config
	store     *store.Store
	sb        *sandbox.Sandbox
	reg       *registry.Registry
	loader    *evolution.ProviderLoader
	ledger    *history.Ledger
	engine    *evolution.Engine
	watcher   *registry.ArtifactWatcher
	evolvable bool
	log       *zap.Logger
}

// New builds the runtime: opens the store, rehydrates the registry and
// engine, and starts the artifact watcher. The generator comes from the
// config; hosts that bring their own use NewWithGenerator.
func New(cfg *config.Config) (*Runtime, error) {
	gen, err := generatorFrom(cfg)
	if err != nil {
		return nil, err
	}
	evolvable := cfg.Generator.Backend != "" && cfg.Generator.Backend != "none"
	return newRuntime(cfg, gen, evolvable)
}

// NewWithGenerator builds the runtime around a caller-supplied
// generation backend.
func NewWithGenerator(cfg *config.Config, gen generate.Generator) (*Runtime, error) {
	if gen == nil {
		return nil, generate.ErrNoGenerator
	}
	return newRuntime(cfg, gen, true)
}

func newRuntime(cfg *config.Config, gen generate.Generator, evolvable bool) (*Runtime, error) {
	st, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, err
	}

	sb := sandbox.New(cfg.Sandbox)
	reg := registry.New(st)
	loader := evolution.NewProviderLoader(sb, cfg.Evolution.ProcessTimeout)
	ledger := history.NewLedger(st, reg, loader)

	engine, err := evolution.NewEngine(cfg.Evolution, evolution.Deps{
		Generator: gen,
		Registry:  reg,
		Sandbox:   sb,
		Ledger:    ledger,
		Store:     st,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	rt := &Runtime{
		cfg:       cfg,
		store:     st,
		sb:        sb,
		reg:       reg,
		loader:    loader,
		ledger:    ledger,
		engine:    engine,
		evolvable: evolvable,
		log:       logging.Named(logging.CategoryRuntime),
	}

	if err := rt.rehydrateRegistry(); err != nil {
		st.Close()
		return nil, err
	}

	if err := os.MkdirAll(cfg.Evolution.ArtifactDir, 0o755); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	watcher, err := registry.WatchArtifacts(reg, cfg.Evolution.ArtifactDir)
	if err != nil {
		// Degraded but alive: removed artifacts surface on next execute.
		rt.log.Warn("artifact watcher unavailable", zap.Error(err))
	} else {
		rt.watcher = watcher
	}
	return rt, nil
}

func generatorFrom(cfg *config.Config) (generate.Generator, error) {
	switch cfg.Generator.Backend {
	case "gemini":
		return generate.NewGemini(context.Background(), cfg.Generator.APIKey, cfg.Generator.Model)
	case "", "none":
		return generate.Func(func(ctx context.Context, prompt string) (string, error) {
			return "", generate.ErrNoGenerator
		}), nil
	default:
		return nil, fmt.Errorf("unknown generator backend %q", cfg.Generator.Backend)
	}
}

// rehydrateRegistry rebuilds provider handles for every persisted
// descriptor. A descriptor whose provider cannot be rebuilt is kept as
// Unavailable with the reason; nothing is ever dropped.
func (rt *Runtime) rehydrateRegistry() error {
	descs, err := rt.store.LoadDescriptors()
	if err != nil {
		return err
	}
	for _, d := range descs {
		prov, reason := rt.rebuildProvider(d)
		if err := rt.reg.Restore(d, prov, reason); err != nil {
			rt.log.Warn("descriptor restore failed", zap.String("id", d.ID), zap.Error(err))
		}
	}
	if len(descs) > 0 {
		rt.log.Info("registry rehydrated", zap.Int("capabilities", len(descs)))
	}
	return nil
}

func (rt *Runtime) rebuildProvider(d *capability.Descriptor) (provider.Provider, string) {
	switch d.ProviderKind {
	case capability.KindScript, capability.KindDynamicLibrary, capability.KindProcess:
		if d.ArtifactPath == "" {
			return nil, "no artifact on record"
		}
		prov, err := rt.loader.LoadProvider(d.ProviderKind, d.Name, d.ArtifactPath)
		if err != nil {
			return nil, err.Error()
		}
		return prov, ""
	case capability.KindExternalAPI:
		endpoint := d.Metadata["endpoint"]
		if endpoint == "" {
			return nil, "no endpoint on record"
		}
		return provider.NewExternalAPI(endpoint, nil, externalAPITimeout), ""
	case capability.KindBuiltIn:
		return nil, "builtin must be re-registered at startup"
	}
	return nil, fmt.Sprintf("unknown provider kind %s", d.ProviderKind)
}

// Close shuts the runtime down, flushing logs last.
func (rt *Runtime) Close() error {
	if rt.watcher != nil {
		rt.watcher.Close()
	}
	err := rt.store.Close()
	logging.Sync()
	return err
}

// RegisterCapability installs a capability. Hosts use this for builtins
// and manually shipped artifacts; evolved capabilities install
// themselves through the engine.
func (rt *Runtime) RegisterCapability(desc *capability.Descriptor, prov provider.Provider) error {
	if err := rt.reg.Register(desc, prov); err != nil {
		return err
	}
	if desc.ArtifactPath != "" {
		return rt.ledger.RecordVersion(desc.ID, desc.Version, desc.ArtifactPath,
			capability.VersionManual, "registered by host")
	}
	return nil
}

// RegisterBuiltIn installs a trusted in-process function, replacing the
// Unavailable placeholder left by a previous run if one exists.
func (rt *Runtime) RegisterBuiltIn(desc *capability.Descriptor, fn provider.BuiltInFunc) error {
	desc.ProviderKind = capability.KindBuiltIn
	return rt.reg.Replace(desc, provider.NewBuiltIn(fn))
}

// Tool-layer boundary. Everything the host exposes to its agent goes
// through these.

func (rt *Runtime) ListCapabilities() []*capability.Descriptor { return rt.reg.ListAll() }

func (rt *Runtime) GetCapability(id string) (*capability.Descriptor, error) {
	return rt.reg.Get(id)
}

func (rt *Runtime) ListAvailableIDs() []string { return rt.reg.ListAvailableIDs() }

func (rt *Runtime) Stats() registry.Stats { return rt.reg.Stats() }

func (rt *Runtime) GenerateBrief(maxLen int) string { return rt.reg.GenerateBrief(maxLen) }

func (rt *Runtime) ExecuteCapability(ctx context.Context, id string, input map[string]any) (map[string]any, error) {
	return rt.reg.Execute(ctx, id, input)
}

func (rt *Runtime) DeprecateCapability(id string) error { return rt.reg.Deprecate(id) }

func (rt *Runtime) RequestCapability(ctx context.Context, id, description string, kind capability.ProviderKind) (string, error) {
	if !rt.evolvable {
		return "", generate.ErrNoGenerator
	}
	return rt.engine.RequestCapability(ctx, id, description, kind)
}

func (rt *Runtime) RunPendingEvolutions(ctx context.Context) (int, error) {
	return rt.engine.RunPendingEvolutions(ctx)
}

func (rt *Runtime) ListEvolutionRecords(capabilityID string) []*capability.EvolutionRecord {
	return rt.engine.ListRecords(capabilityID)
}

func (rt *Runtime) GetEvolutionRecord(id string) (*capability.EvolutionRecord, error) {
	return rt.engine.GetRecord(id)
}

func (rt *Runtime) UnblockCapability(id string) bool { return rt.engine.UnblockCapability(id) }

func (rt *Runtime) Survival(ctx context.Context) *evolution.SurvivalInvariants {
	return rt.engine.Survival(ctx)
}

func (rt *Runtime) History(capabilityID string) ([]*capability.VersionEntry, error) {
	return rt.ledger.History(capabilityID)
}

func (rt *Runtime) Rollback(capabilityID, reason string) (*capability.VersionEntry, error) {
	return rt.ledger.Rollback(capabilityID, reason)
}
