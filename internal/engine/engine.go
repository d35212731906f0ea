// Package engine implements the driver that discovers input files, scans
// them against an ordered rule list, re-processes the working directory
// to a fixpoint, cleans up orphaned outputs, and persists the Custody
// Store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"weave/internal/custody"
	"weave/internal/dependency"
	"weave/internal/rule"
	"weave/internal/settings"
	"weave/internal/trace"
)

// EngineVersion participates in custody cache parameters: bumping it
// forces every existing cache to be treated as stale.
const EngineVersion = "weave/1"

// defaultMaxPasses bounds the working-directory fixpoint loop.
const defaultMaxPasses = 64

// FailurePolicy selects how the Engine reacts to a rule or transform
// error. The default is Strict.
type FailurePolicy int

const (
	// Strict aborts the run on the first error.
	Strict FailurePolicy = iota
	// Robust collects errors and keeps processing remaining files.
	Robust
)

// RunReport summarizes one Engine.Run invocation.
type RunReport struct {
	// Errors collected under Robust policy; empty under Strict (which
	// returns the first error directly instead).
	Errors []error
	// OrphansRemoved lists output paths deleted because nothing in this
	// run produced them.
	OrphansRemoved []string
	Trace          trace.Trace
}

// Engine drives a build: it owns the resolved Settings, the ordered rule
// list, the Custody Store, and the failure/iteration policy.
type Engine struct {
	dirs     settings.Settings
	rules    []rule.Rule
	store    *custody.Store
	log      *slog.Logger
	policy    FailurePolicy
	maxPasses int
	trace     trace.Trace
	cycles    *cycleTracker
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger overrides the Engine's structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithFailurePolicy selects Strict (default) or Robust error propagation.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithMaxPasses overrides the working-directory fixpoint iteration cap
// (default 64).
func WithMaxPasses(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxPasses = n
		}
	}
}

// New constructs an Engine bound to dirs and rules, evaluated in order
// (first match wins). It runs the dependency audit before returning.
func New(dirs settings.Settings, rules []rule.Rule, opts ...Option) (*Engine, error) {
	e := &Engine{
		dirs:      dirs,
		rules:     rules,
		log:       slog.Default(),
		policy:    Strict,
		maxPasses: defaultMaxPasses,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.store = custody.New(dirs, EngineVersion, e.log)

	if err := e.AuditTransforms(); err != nil {
		return nil, err
	}
	return e, nil
}

// AuditTransforms checks every rule's transform that implements
// dependency.AvailabilityAware, returning the first unsatisfied
// dependency.UnsatisfiedError it finds.
func (e *Engine) AuditTransforms() error {
	for _, r := range e.rules {
		aware, ok := r.Transform.(dependency.AvailabilityAware)
		if !ok {
			continue
		}
		for _, dep := range aware.Dependencies() {
			if dep.Needed() && !dep.Satisfied() {
				return &dependency.UnsatisfiedError{Transform: r.Transform.Name(), Dependency: dep}
			}
		}
	}
	return nil
}

// RegisterCustodyKind installs a freshness checker for a custody entry
// kind a Transform declares.
func (e *Engine) RegisterCustodyKind(kind string, checker custody.Checker) {
	e.store.RegisterKind(kind, checker)
}

// Trace returns the accumulated build trace, canonicalized for stable
// comparison and serialization.
func (e *Engine) Trace() trace.Trace {
	cp := e.trace
	cp.Canonicalize()
	return cp
}

// scanFile runs every rule against path in order until one matches,
// returning the outcome of the first match. A nil outcome with no error
// means no rule matched path at all.
func (e *Engine) scanFile(ctx context.Context, path string) (*rule.Outcome, int, error) {
	for idx, r := range e.rules {
		outcome, err := rule.Evaluate(ctx, r, e.dirs, e.store, path)
		if err != nil {
			e.trace.Record(trace.Event{Kind: trace.RuleFailed, Path: path, Rule: idx, Reason: err.Error()})
			return nil, idx, err
		}
		if !outcome.Matched {
			continue
		}
		e.recordOutcome(path, idx, outcome)
		return &outcome, idx, nil
	}
	return nil, -1, nil
}

func (e *Engine) recordOutcome(path string, idx int, outcome rule.Outcome) {
	e.trace.Record(trace.Event{Kind: trace.RuleMatched, Path: path, Rule: idx})
	switch {
	case outcome.Drop:
		e.trace.Record(trace.Event{Kind: trace.RuleDropped, Path: path, Rule: idx})
	case outcome.Skipped:
		e.trace.Record(trace.Event{Kind: trace.RuleSkipped, Path: path, Rule: idx})
	default:
		e.trace.Record(trace.Event{Kind: trace.RuleRan, Path: path, Rule: idx})
	}
}

// Process runs the full scan-and-fixpoint loop: every file discovered
// under input_dir is scanned once against the rule list, then
// working_dir is repeatedly rediscovered and scanned until a pass
// produces no new files, bounded by the pass cap (see WithMaxPasses) and
// cycle detection.
func (e *Engine) Process(ctx context.Context) error {
	var errs []error

	visit := func(path string) error {
		outcome, idx, err := e.scanFile(ctx, path)
		if err != nil {
			if e.policy == Strict {
				return err
			}
			errs = append(errs, err)
			return nil
		}
		if outcome == nil {
			return nil
		}
		for _, enq := range outcome.Enqueue {
			if err := e.observeCycle(idx, enq); err != nil {
				return err
			}
		}
		return nil
	}

	inputFiles, err := Discover(e.dirs.Dir(settings.InputDir))
	if err != nil {
		return fmt.Errorf("engine: discovering input_dir: %w", err)
	}
	for _, path := range inputFiles {
		if err := visit(path); err != nil {
			return err
		}
	}

	seen := map[string]struct{}{}
	for pass := 0; pass < e.maxPasses; pass++ {
		workingFiles, err := Discover(e.dirs.Dir(settings.WorkingDir))
		if err != nil {
			return fmt.Errorf("engine: discovering working_dir: %w", err)
		}

		var fresh []string
		for _, path := range workingFiles {
			if _, ok := seen[path]; ok {
				continue
			}
			seen[path] = struct{}{}
			fresh = append(fresh, path)
		}
		if len(fresh) == 0 {
			break
		}
		for _, path := range fresh {
			if err := visit(path); err != nil {
				return err
			}
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// observeCycle feeds a (rule, output) pair produced during Process into
// the cycle tracker, translating a detected cycle into a *CycleError.
func (e *Engine) observeCycle(ruleIdx int, output string) error {
	if e.cycles == nil {
		e.cycles = newCycleTracker(2)
	}
	return e.cycles.Observe(ruleIdx, output)
}

// Run executes one full build: optionally purging output_dir and
// working_dir, loading the Custody Store, processing every file to a
// fixpoint, removing orphaned outputs, and saving the store. Under
// Strict policy (the default) the store is not saved on a fatal error;
// Robust saves whatever was accumulated even if some files failed.
func (e *Engine) Run(ctx context.Context) (RunReport, error) {
	if e.dirs.PurgeDirs {
		if err := purgeDir(e.dirs.Dir(settings.OutputDir)); err != nil {
			return RunReport{}, fmt.Errorf("engine: purging output_dir: %w", err)
		}
		if err := purgeDir(e.dirs.Dir(settings.WorkingDir)); err != nil {
			return RunReport{}, fmt.Errorf("engine: purging working_dir: %w", err)
		}
	}

	if err := e.store.Load(e.dirs.CustodyCache); err != nil {
		return RunReport{}, err
	}

	runErr := e.Process(ctx)

	var fatal *CycleError
	if errors.As(runErr, &fatal) {
		return RunReport{Trace: e.Trace()}, runErr
	}
	if runErr != nil && e.policy == Strict {
		return RunReport{Trace: e.Trace()}, runErr
	}

	orphans, err := e.removeOrphans()
	if err != nil {
		return RunReport{Trace: e.Trace()}, err
	}

	if e.dirs.CustodyCache != "" {
		if err := e.store.Save(e.dirs.CustodyCache); err != nil {
			return RunReport{OrphansRemoved: orphans, Trace: e.Trace()}, err
		}
	}

	report := RunReport{OrphansRemoved: orphans, Trace: e.Trace()}
	var joined interface{ Unwrap() []error }
	if errors.As(runErr, &joined) {
		report.Errors = joined.Unwrap()
	}
	return report, nil
}

// removeOrphans deletes every output_dir artifact that the previous
// Custody graph recorded but this run did not reproduce, then prunes
// any directory left empty by those deletions, bottom-up.
func (e *Engine) removeOrphans() ([]string, error) {
	current := map[string]struct{}{}
	for _, p := range e.store.AllOutputPaths() {
		current[p] = struct{}{}
	}

	outputRoot := e.dirs.Dir(settings.OutputDir)
	var removed []string
	dirs := map[string]struct{}{}
	for _, prior := range e.store.PriorOutputPaths() {
		if _, ok := current[prior]; ok {
			continue
		}
		if !isWithinDir(outputRoot, prior) {
			continue
		}
		if err := os.Remove(prior); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("engine: removing orphan %q: %w", prior, err)
		}
		e.store.ForgetOutput(prior)
		e.trace.Record(trace.Event{Kind: trace.OrphanRemoved, Path: prior})
		removed = append(removed, prior)
		dirs[filepath.Dir(prior)] = struct{}{}
	}

	pruneEmptyDirs(outputRoot, dirs)
	return removed, nil
}

// pruneEmptyDirs removes any directory in candidates (and its now-empty
// ancestors, up to but excluding root) left with no entries. Candidates are
// visited in no particular order; each one is walked upward, so a parent
// only disappears once its last child directory has.
func pruneEmptyDirs(root string, candidates map[string]struct{}) {
	ordered := make([]string, 0, len(candidates))
	for d := range candidates {
		ordered = append(ordered, d)
	}
	for i := 0; i < len(ordered); i++ {
		dir := ordered[i]
		for isWithinDir(root, dir) {
			entries, err := os.ReadDir(dir)
			if err != nil || len(entries) > 0 {
				break
			}
			if err := os.Remove(dir); err != nil {
				break
			}
			dir = filepath.Dir(dir)
		}
	}
}

// isWithinDir reports whether dir is a strict descendant of root; root
// itself reports false. Unlike custody.GenericizePath and
// rule.withinKnownDir, which accept root, this excludes it so root is
// never pruned.
func isWithinDir(root, dir string) bool {
	if dir == root {
		return false
	}
	rel, err := filepath.Rel(root, dir)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// purgeDir removes every entry beneath dir without removing dir itself.
func purgeDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
