// Package rule implements Rule: the binding of a matcher, an ordered
// sequence of path calculators (with stop sentinels), and an optional
// transform, plus the per-file evaluation algorithm that ties the whole
// rule composition algebra together.
package rule

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"weave/internal/custody"
	"weave/internal/match"
	"weave/internal/pathcalc"
	"weave/internal/settings"
	"weave/internal/transform"
)

// Stop is the stop sentinel: a marker in a rule's path-calc sequence
// indicating that produced outputs must not be re-enqueued even if they
// land in the working directory.
var Stop pathcalc.PathCalc = stopSentinel{}

type stopSentinel struct{}

func (stopSentinel) Calc(settings.Settings, string, match.Witness) (string, error) {
	panic("rule: Stop sentinel must never be evaluated")
}

func isStop(p pathcalc.PathCalc) bool {
	_, ok := p.(stopSentinel)
	return ok
}

// Rule is a single entry in an engine's pipeline: a matcher, zero or more
// path calculators, and an optional transform, with stop/continue
// policy.
type Rule struct {
	Matcher   match.Matcher
	PathCalcs []pathcalc.PathCalc
	Transform transform.Transform
}

// MatchError reports a Matcher that panicked while evaluating a path.
type MatchError struct {
	Path string
	Err  error
}

func (e *MatchError) Error() string { return fmt.Sprintf("matching %q: %v", e.Path, e.Err) }
func (e *MatchError) Unwrap() error  { return e.Err }

// OutputPathError reports a path calculator that produced a path outside
// every known context directory.
type OutputPathError struct {
	Path string
}

func (e *OutputPathError) Error() string {
	return fmt.Sprintf("output path %q lies outside input_dir, output_dir, and working_dir", e.Path)
}

// Outcome is the result of evaluating a Rule against a single file.
type Outcome struct {
	// Matched reports whether the Rule's matcher matched path at all. If
	// false, every other field is zero and the caller must try the next
	// rule.
	Matched bool
	// Drop reports a drop rule: the file matched but produces no output.
	Drop bool
	// Skipped reports that the outputs were already fresh and the
	// transform was not rerun.
	Skipped bool
	// Outputs lists the output paths actually recorded for this file
	// (the transform's declared outputs, or the computed ones).
	Outputs []string
	// Enqueue lists outputs that fell under working_dir and should be
	// re-processed, empty if the rule's trailing stop sentinel suppressed
	// re-enqueuing.
	Enqueue []string
}

// Evaluate runs the full per-file matching, path calculation, staleness,
// and transform-application algorithm against path, using store for
// staleness checks and custody recording. It returns
// Outcome{Matched: false} if the rule's matcher does not apply to path.
func Evaluate(ctx context.Context, r Rule, dirs settings.Settings, store *custody.Store, path string) (Outcome, error) {
	witness, err := safeMatch(r.Matcher, dirs, path)
	if err != nil {
		return Outcome{}, &MatchError{Path: path, Err: err}
	}
	if witness == nil {
		return Outcome{}, nil
	}

	calcs, halt := partition(r.PathCalcs)

	if len(calcs) == 0 {
		return Outcome{Matched: true, Drop: true}, nil
	}

	computed := make([]string, 0, len(calcs))
	seen := map[string]struct{}{}
	for _, calc := range calcs {
		out, err := calc.Calc(dirs, path, witness)
		if err != nil {
			return Outcome{}, fmt.Errorf("computing output path for %q: %w", path, err)
		}
		if !withinKnownDir(dirs, out) {
			return Outcome{}, &OutputPathError{Path: out}
		}
		if _, dup := seen[out]; dup {
			continue
		}
		seen[out] = struct{}{}
		computed = append(computed, out)
	}

	stale, reason := store.RefreshNeeded(path, computed)
	if !stale {
		priorOutputs, err := store.SkipStep(path, computed)
		if err != nil {
			return Outcome{}, err
		}
		outputs := priorOutputs
		if outputs == nil {
			outputs = computed
		}
		return Outcome{Matched: true, Skipped: true, Outputs: outputs, Enqueue: enqueueTargets(dirs, outputs, halt)}, nil
	}

	var sources []any
	outputs := computed
	if r.Transform != nil {
		s, o, err := transform.Apply(ctx, r.Transform, path, computed)
		if err != nil {
			return Outcome{}, err
		}
		sources, outputs = s, o
	} else {
		sources = []any{path}
	}

	if err := store.AddStep(sources, outputs, reason); err != nil {
		return Outcome{}, err
	}

	return Outcome{Matched: true, Outputs: outputs, Enqueue: enqueueTargets(dirs, outputs, halt)}, nil
}

// safeMatch isolates a Matcher panic (e.g. a user-supplied regex callback)
// into an error, so one misbehaving matcher does not take down the whole
// engine scan.
func safeMatch(m match.Matcher, dirs settings.Settings, path string) (w match.Witness, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return m.Match(dirs, path), nil
}

// partition splits a rule's path-calc sequence into the actual
// calculators (dropping stop sentinels) and a halt flag, set true if the
// sequence is empty, consists only of stops, or ends in a stop.
func partition(calcs []pathcalc.PathCalc) (actual []pathcalc.PathCalc, halt bool) {
	if len(calcs) == 0 {
		return nil, true
	}
	halt = isStop(calcs[len(calcs)-1])
	for _, c := range calcs {
		if !isStop(c) {
			actual = append(actual, c)
		}
	}
	return actual, halt
}

func withinKnownDir(dirs settings.Settings, path string) bool {
	for _, key := range [...]settings.ContextDir{settings.InputDir, settings.OutputDir, settings.WorkingDir} {
		rel, err := filepath.Rel(dirs.Dir(key), path)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// enqueueTargets returns the subset of outputs that fall under
// working_dir, unless halt suppresses re-enqueuing.
func enqueueTargets(dirs settings.Settings, outputs []string, halt bool) []string {
	if halt {
		return nil
	}
	var targets []string
	for _, out := range outputs {
		rel, err := filepath.Rel(dirs.Dir(settings.WorkingDir), out)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			targets = append(targets, out)
		}
	}
	return targets
}
