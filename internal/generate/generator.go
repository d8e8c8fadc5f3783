// Package generate is the boundary to the code-generation collaborator.
// The evolution engine hands it a prompt describing the capability to
// build plus accumulated failure feedback; it returns source text.
package generate

import (
	"context"
	"errors"
)

// ErrNoGenerator signals that the runtime was configured without a
// generation backend; evolution requests are accepted but never progress
// past Requested.
var ErrNoGenerator = errors.New("no generator configured")

// Generator produces capability source code from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Func adapts a function to the Generator interface.
type Func func(ctx context.Context, prompt string) (string, error)

func (f Func) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Static returns the same source on every call. Useful for smoke tests
// and for seeding a capability from a known-good artifact.
func Static(source string) Generator {
	return Func(func(ctx context.Context, prompt string) (string, error) {
		return source, nil
	})
}
