package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"protean/internal/capability"
)

// processRequest is the single framed request written to the child's
// stdin, one JSON document per line.
type processRequest struct {
	Input map[string]any `json:"input"`
}

// processResponse is the single framed response expected on stdout.
type processResponse struct {
	Output map[string]any `json:"output"`
	Error  string         `json:"error,omitempty"`
}

// Process spawns an external binary per call and speaks the framed
// JSON request/response protocol over its pipes. The child runs in its
// own process group so a timeout kills helpers it spawned too.
type Process struct {
	binaryPath string
	args       []string
	timeout    time.Duration
}

// NewProcess builds a provider for the binary at binaryPath. A zero
// timeout falls back to 30s; a capability must never run unbounded.
func NewProcess(binaryPath string, args []string, timeout time.Duration) *Process {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Process{binaryPath: binaryPath, args: args, timeout: timeout}
}

func (p *Process) Kind() capability.ProviderKind { return capability.KindProcess }

func (p *Process) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	if _, err := os.Stat(p.binaryPath); err != nil {
		return nil, capability.NewExecutionError(capability.FaultProvider,
			fmt.Sprintf("binary %s not found", p.binaryPath), err)
	}

	reqLine, err := json.Marshal(processRequest{Input: input})
	if err != nil {
		return nil, capability.NewExecutionError(capability.FaultValidation, "input not serializable", err)
	}
	reqLine = append(reqLine, '\n')

	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, p.binaryPath, p.args...)
	cmd.Stdin = bytes.NewReader(reqLine)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// On cancellation take down the whole process group, not just the
	// direct child.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, capability.NewExecutionError(capability.FaultTimeout,
				fmt.Sprintf("process exceeded %s budget", p.timeout), runCtx.Err())
		}
		if runCtx.Err() != nil {
			return nil, capability.NewExecutionError(capability.FaultTimeout, "process execution cancelled", runCtx.Err())
		}
		return nil, capability.NewExecutionError(capability.FaultProvider,
			fmt.Sprintf("process failed: %s", firstLine(stderr.String())), err)
	}

	var resp processResponse
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp); err != nil {
		return nil, capability.NewExecutionError(capability.FaultProvider,
			fmt.Sprintf("malformed process response: %s", firstLine(stdout.String())), err)
	}
	if resp.Error != "" {
		return nil, capability.NewExecutionError(capability.FaultProvider, resp.Error, nil)
	}
	return resp.Output, nil
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
