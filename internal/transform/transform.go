// Package transform defines the Transform contract: the component that
// actually produces output artifacts from input artifacts, optionally
// declaring additional sources. Concrete transforms (template rendering,
// Markdown, image processing, ...) are external collaborators that
// implement this interface; weave ships only trivial examples in
// internal/builtins for demonstration and testing.
package transform

import (
	"context"
	"fmt"
)

// Result is what a Transform returns on success. A nil Result means
// "the only source is the input path; outputs are the declared output
// paths". A non-nil Result lets a transform declare additional or
// different sources (templates, packed file lists, fetched URLs) and,
// less commonly, a different set of outputs than was requested.
type Result struct {
	// Sources, if non-nil, overrides the default source list ([]Path{input}).
	// Elements are either plain path strings or *custody.Entry values for
	// non-path dependencies.
	Sources []any
	// Outputs, if non-nil, overrides the computed output paths.
	Outputs []string
}

// Transform produces output artifacts from an input path, given the
// output paths a Rule's path calculators computed. It must be idempotent
// with respect to its declared sources: given identical source content,
// its outputs must be byte-identical — this is what makes content
// hashing a safe substitute for re-running it.
type Transform interface {
	Name() string
	Run(ctx context.Context, input string, outputs []string) (*Result, error)
}

// Func adapts a plain function to the Transform interface for simple,
// stateless transforms.
type Func struct {
	FuncName string
	RunFunc  func(ctx context.Context, input string, outputs []string) (*Result, error)
}

func (f Func) Name() string { return f.FuncName }

func (f Func) Run(ctx context.Context, input string, outputs []string) (*Result, error) {
	return f.RunFunc(ctx, input, outputs)
}

// Error reports a failure raised by a Transform, identifying the input
// path and the transform that failed.
type Error struct {
	TransformName string
	Input         string
	Err           error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transform %q on %q: %v", e.TransformName, e.Input, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds an *Error identifying the failing transform and input.
func Wrap(t Transform, input string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{TransformName: t.Name(), Input: input, Err: err}
}

// sourcesOrDefault resolves the sources a completed Run should be recorded
// against: the transform's declared sources, or just input if it declared
// none.
func sourcesOrDefault(result *Result, input string) []any {
	if result != nil && result.Sources != nil {
		return result.Sources
	}
	return []any{input}
}

// outputsOrDefault resolves the outputs a completed Run should be recorded
// against: the transform's declared outputs, or the computed paths if it
// declared none.
func outputsOrDefault(result *Result, computed []string) []string {
	if result != nil && result.Outputs != nil {
		return result.Outputs
	}
	return computed
}

// Apply runs t and resolves the effective (sources, outputs) pair for
// custody recording. It exists as a small, independently testable seam
// between Transform.Run and the Rule evaluator in internal/rule.
func Apply(ctx context.Context, t Transform, input string, computedOutputs []string) (sources []any, outputs []string, err error) {
	result, err := t.Run(ctx, input, computedOutputs)
	if err != nil {
		return nil, nil, Wrap(t, input, err)
	}
	return sourcesOrDefault(result, input), outputsOrDefault(result, computedOutputs), nil
}
