package evolution

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"protean/internal/sandbox"
)

// SurvivalInvariants is a point-in-time snapshot of whether the runtime
// can still evolve itself. Transient; never persisted.
type SurvivalInvariants struct {
	CanCompile          bool              `json:"can_compile"`
	CanLoadCapabilities bool              `json:"can_load_capabilities"`
	CanCommunicate      bool              `json:"can_communicate"`
	CanEvolve           bool              `json:"can_evolve"`
	Diagnostics         map[string]string `json:"diagnostics,omitempty"`
	CheckedAt           time.Time         `json:"checked_at"`
}

// SurvivalChecker probes the invariants the evolution loop depends on.
// Stateless; probes never mutate runtime state beyond a scratch file in
// the artifact directory.
type SurvivalChecker struct {
	sb          *sandbox.Sandbox
	artifactDir string
	// probeToolchain additionally requires a working `go` binary, for
	// deployments that evolve Process capabilities.
	probeToolchain bool
}

func NewSurvivalChecker(sb *sandbox.Sandbox, artifactDir string, probeToolchain bool) *SurvivalChecker {
	return &SurvivalChecker{sb: sb, artifactDir: artifactDir, probeToolchain: probeToolchain}
}

const survivalProbeScript = "def run(input):\n    return input\n"

// Check runs every probe and reports the combined verdict.
func (c *SurvivalChecker) Check(ctx context.Context) *SurvivalInvariants {
	inv := &SurvivalInvariants{
		Diagnostics: make(map[string]string),
		CheckedAt:   time.Now().UTC(),
	}

	inv.CanCompile = true
	if _, err := c.sb.Compile("survival_probe", survivalProbeScript); err != nil {
		inv.CanCompile = false
		inv.Diagnostics["sandbox_compile"] = err.Error()
	}
	if c.probeToolchain {
		if err := exec.CommandContext(ctx, "go", "version").Run(); err != nil {
			inv.CanCompile = false
			inv.Diagnostics["go_toolchain"] = err.Error()
		}
	}

	inv.CanLoadCapabilities = c.probeArtifactDir(inv.Diagnostics)

	// The probe itself ran, so the runtime can still talk to its caller.
	inv.CanCommunicate = true

	inv.CanEvolve = inv.CanCompile && inv.CanLoadCapabilities
	return inv
}

func (c *SurvivalChecker) probeArtifactDir(diag map[string]string) bool {
	if err := os.MkdirAll(c.artifactDir, 0o755); err != nil {
		diag["artifact_dir"] = err.Error()
		return false
	}
	probe := filepath.Join(c.artifactDir, ".survival_probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		diag["artifact_dir"] = err.Error()
		return false
	}
	os.Remove(probe)
	return true
}
