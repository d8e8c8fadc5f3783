package evolution

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ToolchainCompiler builds Process-kind artifacts into standalone
// binaries with the host Go toolchain.
type ToolchainCompiler struct {
	binDir  string
	timeout time.Duration
}

func NewToolchainCompiler(binDir string, timeout time.Duration) *ToolchainCompiler {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &ToolchainCompiler{binDir: binDir, timeout: timeout}
}

// Compile builds source into a binary named after the capability.
// The combined toolchain output is returned either way so failures can
// feed back into the next generation attempt.
func (c *ToolchainCompiler) Compile(ctx context.Context, name, source string) (binPath, output string, err error) {
	if err := os.MkdirAll(c.binDir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create binary dir: %w", err)
	}

	tmpDir, err := os.MkdirTemp("", "protean-build-*")
	if err != nil {
		return "", "", fmt.Errorf("failed to create build dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	code := source
	if !strings.Contains(code, "package main") {
		code = "package main\n\n" + code
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "main.go"), []byte(code), 0o644); err != nil {
		return "", "", fmt.Errorf("failed to write source: %w", err)
	}

	module := strings.ReplaceAll(name, ".", "_")
	mod := fmt.Sprintf("module %s\n\ngo 1.24\n", module)
	if err := os.WriteFile(filepath.Join(tmpDir, "go.mod"), []byte(mod), 0o644); err != nil {
		return "", "", fmt.Errorf("failed to write go.mod: %w", err)
	}

	binPath = filepath.Join(c.binDir, module)

	buildCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(buildCtx, "go", "build", "-ldflags", "-s -w", "-o", binPath, ".")
	cmd.Dir = tmpDir
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")

	out, err := cmd.CombinedOutput()
	output = string(out)
	if err != nil {
		return "", output, fmt.Errorf("go build failed: %w", err)
	}
	return binPath, output, nil
}
