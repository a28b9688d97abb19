// Package model wraps the language-model invocation behind a small
// interface so the orchestrator can be tested with doubles.
package model

import "context"

// Generator turns a prompt into model output text. Implementations bound
// their own wait and classify failures via the fault package.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}
