package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Evolution.MaxAttempts)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NotEmpty(t, cfg.Storage.DatabasePath)
	assert.NotZero(t, cfg.Sandbox.MaxOps)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `storage:
  database_path: /tmp/x.db
evolution:
  max_attempts: 7
  artifact_dir: /tmp/artifacts
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/x.db", cfg.Storage.DatabasePath)
	assert.Equal(t, 7, cfg.Evolution.MaxAttempts)
	assert.Equal(t, "/tmp/artifacts", cfg.Evolution.ArtifactDir)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Unset fields keep their defaults.
	assert.NotZero(t, cfg.Sandbox.MaxOps)
	assert.Equal(t, "none", cfg.Generator.Backend)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(":\n  - not yaml"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PROTEAN_DB", "/override/db.sqlite")
	t.Setenv("PROTEAN_LOG_LEVEL", "warn")
	t.Setenv("PROTEAN_MAX_ATTEMPTS", "5")
	t.Setenv("PROTEAN_SANDBOX_TIMEOUT", "250ms")
	t.Setenv("GEMINI_API_KEY", "test-key")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "/override/db.sqlite", cfg.Storage.DatabasePath)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 5, cfg.Evolution.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Sandbox.Timeout)
	assert.Equal(t, "gemini", cfg.Generator.Backend)
	assert.Equal(t, "test-key", cfg.Generator.APIKey)
}

func TestEnvOverrideIgnoresGarbage(t *testing.T) {
	t.Setenv("PROTEAN_MAX_ATTEMPTS", "not-a-number")
	t.Setenv("PROTEAN_SANDBOX_TIMEOUT", "soon")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Evolution.MaxAttempts)
	assert.Equal(t, Default().Sandbox.Timeout, cfg.Sandbox.Timeout)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := Default()
	cfg.Evolution.MaxAttempts = 9
	require.NoError(t, cfg.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, got.Evolution.MaxAttempts)
}
