// Package sandbox executes short, untrusted (often LLM-authored) Starlark
// scripts under hard resource ceilings so no script can starve or hang the
// host. Scripts are compiled once into a Program and re-run many times;
// every run gets a fresh guarded thread, so no state leaks across calls.
//
// The script contract: the module must define
//
//	def run(input):
//	    ...
//
// where input is a dict and the return value converts to a structured Go
// value.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
	"go.uber.org/zap"

	"protean/internal/logging"
)

const entryFunction = "run"

// cancelWallClock is the reason passed to Thread.Cancel on timeout; the
// starlark runtime embeds it in the resulting EvalError message.
const cancelWallClock = "wall clock ceiling exceeded"

// stepsExceeded is the cancellation reason the starlark runtime uses when
// SetMaxExecutionSteps trips.
const stepsExceeded = "too many steps"

// Config fixes the resource ceilings of a sandbox. Immutable per sandbox
// instance; attach tighter configs by constructing a second sandbox.
type Config struct {
	// MaxOps caps interpreter execution steps per run. 0 means unlimited.
	MaxOps uint64 `yaml:"max_ops"`

	// Timeout caps the wall clock per run.
	Timeout time.Duration `yaml:"timeout"`

	// MaxStringLen caps any string in the result value.
	MaxStringLen int `yaml:"max_string_len"`

	// MaxCollectionLen caps any list, tuple or dict in the result value.
	MaxCollectionLen int `yaml:"max_collection_len"`

	// MaxValueDepth caps nesting of the result value.
	MaxValueDepth int `yaml:"max_value_depth"`

	// MaxExprDepth caps syntactic bracket nesting, screened at compile
	// time before the resolver runs.
	MaxExprDepth int `yaml:"max_expr_depth"`
}

// DefaultConfig returns the ceilings used for regular capability execution.
func DefaultConfig() Config {
	return Config{
		MaxOps:           500_000,
		Timeout:          5 * time.Second,
		MaxStringLen:     1 << 20, // 1 MiB
		MaxCollectionLen: 10_000,
		MaxValueDepth:    32,
		MaxExprDepth:     64,
	}
}

// Tightened returns a copy of c with every ceiling halved, used by the
// evolution engine when smoke-testing candidate scripts.
func (c Config) Tightened() Config {
	t := c
	if t.MaxOps > 1 {
		t.MaxOps /= 2
	}
	if t.Timeout > 0 {
		t.Timeout /= 2
	}
	if t.MaxCollectionLen > 1 {
		t.MaxCollectionLen /= 2
	}
	if t.MaxStringLen > 1 {
		t.MaxStringLen /= 2
	}
	return t
}

// Program is a compiled script, safe for concurrent re-execution.
type Program struct {
	name string
	prog *starlark.Program
}

// Name returns the script name the program was compiled under.
func (p *Program) Name() string { return p.name }

// Sandbox compiles and runs scripts under one Config.
type Sandbox struct {
	cfg  Config
	opts *syntax.FileOptions
	log  *zap.Logger
}

// New creates a sandbox with the given ceilings.
func New(cfg Config) *Sandbox {
	return &Sandbox{
		cfg: cfg,
		// Recursion stays off: together with the step ceiling this
		// bounds call depth without a dedicated stack guard.
		opts: &syntax.FileOptions{
			Set:             true,
			While:           true,
			TopLevelControl: true,
			GlobalReassign:  true,
		},
		log: logging.Named(logging.CategorySandbox),
	}
}

// Config returns the ceilings this sandbox enforces.
func (s *Sandbox) Config() Config { return s.cfg }

// Compile parses and resolves source into a reusable Program. Pure: no
// user code executes. Syntax and resolution faults return *CompileError.
func (s *Sandbox) Compile(name, source string) (*Program, error) {
	if s.cfg.MaxExprDepth > 0 {
		if depth := bracketDepth(source); depth > s.cfg.MaxExprDepth {
			return nil, &ResourceExceeded{
				Script: name,
				Limit:  "nesting_depth",
				Detail: fmt.Sprintf("expression nesting %d exceeds ceiling %d", depth, s.cfg.MaxExprDepth),
			}
		}
	}

	_, prog, err := starlark.SourceProgramOptions(s.opts, name, source, predeclared().Has)
	if err != nil {
		return nil, &CompileError{Script: name, Detail: err.Error()}
	}
	return &Program{name: name, prog: prog}, nil
}

// Run initialises a fresh thread for the program and invokes run(input).
// The returned value is converted to a structured Go map; a non-dict
// result is wrapped as {"result": value}.
func (s *Sandbox) Run(ctx context.Context, p *Program, input map[string]any) (map[string]any, error) {
	out, err := s.call(ctx, p, input)
	if err != nil {
		return nil, err
	}
	if m, ok := out.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"result": out}, nil
}

// Eval initialises the program and evaluates a single expression against
// its globals. Used by validation probes.
func (s *Sandbox) Eval(ctx context.Context, p *Program, expr string) (any, error) {
	thread, stop := s.guardedThread(ctx, p.name)
	defer stop()

	globals, err := p.prog.Init(thread, predeclared())
	if err != nil {
		return nil, s.classify(p.name, thread, err)
	}
	v, err := starlark.EvalOptions(s.opts, thread, "<expr>", expr, globals)
	if err != nil {
		return nil, s.classify(p.name, thread, err)
	}
	return fromStarlark(v, s.cfg, 0)
}

func (s *Sandbox) call(ctx context.Context, p *Program, input map[string]any) (any, error) {
	thread, stop := s.guardedThread(ctx, p.name)
	defer stop()

	start := time.Now()
	globals, err := p.prog.Init(thread, predeclared())
	if err != nil {
		return nil, s.classify(p.name, thread, err)
	}

	fn, ok := globals[entryFunction]
	if !ok {
		return nil, &RuntimeError{
			Script: p.name,
			Detail: fmt.Sprintf("script does not define %s(input)", entryFunction),
		}
	}

	arg, err := toStarlark(input)
	if err != nil {
		return nil, &RuntimeError{Script: p.name, Detail: err.Error()}
	}

	v, err := starlark.Call(thread, fn, starlark.Tuple{arg}, nil)
	if err != nil {
		return nil, s.classify(p.name, thread, err)
	}

	s.log.Debug("script executed",
		zap.String("script", p.name),
		zap.Uint64("steps", thread.Steps),
		zap.Duration("elapsed", time.Since(start)))

	return fromStarlark(v, s.cfg, 0)
}

// guardedThread builds a thread with the step ceiling armed and a watchdog
// that cancels it on wall-clock expiry or context cancellation. The
// returned stop func must be called before the thread is abandoned.
func (s *Sandbox) guardedThread(ctx context.Context, name string) (*starlark.Thread, func()) {
	thread := &starlark.Thread{Name: name}
	if s.cfg.MaxOps > 0 {
		thread.SetMaxExecutionSteps(s.cfg.MaxOps)
	}

	done := make(chan struct{})
	if s.cfg.Timeout > 0 || ctx.Done() != nil {
		timer := time.NewTimer(watchdogBudget(s.cfg.Timeout))
		go func() {
			defer timer.Stop()
			select {
			case <-timer.C:
				thread.Cancel(cancelWallClock)
			case <-ctx.Done():
				thread.Cancel(cancelWallClock)
			case <-done:
			}
		}()
	}
	return thread, func() { close(done) }
}

func watchdogBudget(d time.Duration) time.Duration {
	if d <= 0 {
		// No configured timeout: keep a generous backstop so a
		// cancelled context is still honored promptly.
		return time.Hour
	}
	return d
}

// classify maps a starlark error to the sandbox taxonomy. Guard-triggered
// cancellations surface as ResourceExceeded; everything else the script
// raised itself is a RuntimeError.
func (s *Sandbox) classify(name string, thread *starlark.Thread, err error) error {
	var evalErr *starlark.EvalError
	msg := err.Error()
	backtrace := ""
	if errors.As(err, &evalErr) {
		msg = evalErr.Msg
		backtrace = evalErr.Backtrace()
	}

	switch {
	case strings.Contains(msg, stepsExceeded):
		return &ResourceExceeded{
			Script: name,
			Limit:  "operations",
			Detail: fmt.Sprintf("step ceiling %d exceeded", s.cfg.MaxOps),
		}
	case strings.Contains(msg, cancelWallClock):
		return &ResourceExceeded{
			Script: name,
			Limit:  "wall_clock",
			Detail: fmt.Sprintf("wall clock ceiling %s exceeded", s.cfg.Timeout),
		}
	default:
		return &RuntimeError{Script: name, Detail: msg, Backtrace: backtrace}
	}
}

// predeclared is the environment visible to scripts beyond the starlark
// universe. Kept empty: scripts get pure computation only.
func predeclared() starlark.StringDict {
	return starlark.StringDict{}
}

// bracketDepth measures maximum paren/bracket/brace nesting, ignoring
// string literals. A cheap syntactic screen that rejects pathologically
// nested expressions before the resolver recurses over them.
func bracketDepth(source string) int {
	depth, max := 0, 0
	var quote byte
	escaped := false
	for i := 0; i < len(source); i++ {
		c := source[i]
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '(', '[', '{':
			depth++
			if depth > max {
				max = depth
			}
		case ')', ']', '}':
			if depth > 0 {
				depth--
			}
		case '#':
			for i < len(source) && source[i] != '\n' {
				i++
			}
		}
	}
	return max
}
