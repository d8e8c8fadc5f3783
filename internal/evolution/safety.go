package evolution

import (
	"fmt"
	"go/parser"
	"go/token"
	"regexp"
	"strings"
)

// SafetyScreen rejects generated Go artifacts that reach for the
// machinery a capability must never touch. Scripts don't pass through
// here; the sandbox confines them structurally.
type SafetyScreen struct {
	forbiddenImports []string
	forbiddenCalls   []*regexp.Regexp
}

func NewSafetyScreen() *SafetyScreen {
	return &SafetyScreen{
		forbiddenImports: []string{
			"unsafe",
			"syscall",
			"runtime/cgo",
			"plugin",
			"debug/",
			"os/exec",
			"net/rpc",
		},
		forbiddenCalls: []*regexp.Regexp{
			regexp.MustCompile(`\bos\.RemoveAll\b`),
			regexp.MustCompile(`\bos\.Chmod\b`),
			regexp.MustCompile(`\bos\.Chown\b`),
			regexp.MustCompile(`\bos\.Setenv\b`),
			regexp.MustCompile(`\bunsafe\.Pointer\b`),
			regexp.MustCompile(`import\s+"C"`),
			regexp.MustCompile(`#cgo\s`),
		},
	}
}

// Check parses code as a Go file and returns an error naming every
// violation found, or nil when the artifact is clean.
func (s *SafetyScreen) Check(code string) error {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "artifact.go", code, parser.ParseComments)
	if err != nil {
		return fmt.Errorf("artifact does not parse: %w", err)
	}

	var violations []string
	for _, imp := range file.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		for _, forbidden := range s.forbiddenImports {
			if path == forbidden || strings.HasPrefix(path, forbidden) {
				violations = append(violations,
					fmt.Sprintf("forbidden import %q at %s", path, fset.Position(imp.Pos())))
			}
		}
	}

	for i, line := range strings.Split(code, "\n") {
		for _, pattern := range s.forbiddenCalls {
			if pattern.MatchString(line) {
				violations = append(violations,
					fmt.Sprintf("forbidden call at line %d: %s", i+1, strings.TrimSpace(line)))
			}
		}
	}

	if len(violations) > 0 {
		return fmt.Errorf("safety screen rejected artifact: %s", strings.Join(violations, "; "))
	}
	return nil
}
