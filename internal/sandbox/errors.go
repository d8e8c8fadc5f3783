package sandbox

import "fmt"

// CompileError reports a script that failed to parse or resolve.
type CompileError struct {
	Script string
	Detail string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile error in %s: %s", e.Script, e.Detail)
}

// RuntimeError reports a fault raised by the script itself, e.g. a
// fail() call, a type error or a missing entry function.
type RuntimeError struct {
	Script    string
	Detail    string
	Backtrace string
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error in %s: %s", e.Script, e.Detail)
}

// ResourceExceeded reports a guard-triggered abort. It is a termination
// signal distinct from RuntimeError: the script did nothing wrong except
// exceed a ceiling, and retry policy treats that differently.
type ResourceExceeded struct {
	Script string
	Limit  string // "operations", "wall_clock", "string_size", "collection_size", "nesting_depth"
	Detail string
}

func (e *ResourceExceeded) Error() string {
	return fmt.Sprintf("resource ceiling exceeded in %s (%s): %s", e.Script, e.Limit, e.Detail)
}
