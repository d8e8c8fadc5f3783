// Package logging provides the process-wide zap logger with per-subsystem
// named children. Call Init once at startup; before that every accessor
// returns a no-op logger so library code can log unconditionally.
package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Subsystem categories used across the runtime.
const (
	CategoryRegistry  = "registry"
	CategorySandbox   = "sandbox"
	CategoryProvider  = "provider"
	CategoryEvolution = "evolution"
	CategoryStore     = "store"
	CategoryHistory   = "history"
	CategoryRuntime   = "runtime"
)

var (
	mu   sync.RWMutex
	base = zap.NewNop()
)

// Init builds the global logger. Level is one of debug, info, warn, error.
// When path is empty, logs go to stderr.
func Init(level, path string) error {
	cfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	if path != "" {
		cfg.OutputPaths = []string{path}
		cfg.ErrorOutputPaths = []string{path}
	}
	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	mu.Lock()
	base = logger
	mu.Unlock()
	return nil
}

// L returns the process logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Named returns a child logger for a subsystem category.
func Named(category string) *zap.Logger {
	return L().Named(category)
}

// Sync flushes buffered log entries. Safe to call on shutdown paths.
func Sync() {
	_ = L().Sync()
}

// SetLogger replaces the global logger. Intended for tests.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		base = zap.NewNop()
		return
	}
	base = l
}
