package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"weave/internal/match"
	"weave/internal/pathcalc"
	"weave/internal/rule"
	"weave/internal/settings"
	"weave/internal/transform"
)

func newDirs(t *testing.T, cachePath string) settings.Settings {
	t.Helper()
	dirs, err := settings.Resolve(settings.InputSettings{
		InputDir:     t.TempDir(),
		CustodyCache: cachePath,
	})
	if err != nil {
		t.Fatalf("settings.Resolve: %v", err)
	}
	return dirs
}

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func mustMatch(t *testing.T, pattern string, parent settings.ContextDir) match.Matcher {
	t.Helper()
	m, err := match.NewRegexMatcher(pattern, parent)
	if err != nil {
		t.Fatalf("NewRegexMatcher(%q): %v", pattern, err)
	}
	return m
}

// writeTransform builds a transform that writes fixed content to every
// requested output, for tests that don't care about round-tripping input
// bytes.
func writeTransform(name, content string) transform.Transform {
	return transform.Func{
		FuncName: name,
		RunFunc: func(ctx context.Context, input string, outputs []string) (*transform.Result, error) {
			for _, out := range outputs {
				if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
					return nil, err
				}
				if err := os.WriteFile(out, []byte(content), 0o644); err != nil {
					return nil, err
				}
			}
			return nil, nil
		},
	}
}

// TestDropRuleThenRenderRule: hidden files are dropped, Markdown is rendered.
func TestDropRuleThenRenderRule(t *testing.T) {
	dirs := newDirs(t, "")
	write(t, filepath.Join(dirs.InputDir, ".hidden"), "secret")
	write(t, filepath.Join(dirs.InputDir, "a.md"), "# hi")

	rules := []rule.Rule{
		{Matcher: mustMatch(t, `^\..*`, "")},
		{
			Matcher:   mustMatch(t, `^(?P<stem>.+)\.md$`, ""),
			PathCalcs: []pathcalc.PathCalc{pathcalc.NewDirPathCalc(settings.OutputDir, ".html")},
			Transform: writeTransform("render", "<p>hi</p>"),
		},
	}

	eng, err := New(dirs, rules)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dirs.OutputDir, "a.html")); err != nil {
		t.Errorf("expected output_dir/a.html to exist: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dirs.OutputDir, ".hidden")); !os.IsNotExist(err) {
		t.Errorf("expected output_dir/.hidden to never exist, stat err = %v", err)
	}
}

// TestTwoStagePipelineThroughWorkingDir: Markdown renders into working_dir,
// then a second rule minifies working_dir HTML into output_dir with a
// trailing stop.
func TestTwoStagePipelineThroughWorkingDir(t *testing.T) {
	dirs := newDirs(t, "")
	write(t, filepath.Join(dirs.InputDir, "post.md"), "# hi")

	rules := []rule.Rule{
		{
			Matcher:   mustMatch(t, `^(?P<stem>.+)\.md$`, settings.InputDir),
			PathCalcs: []pathcalc.PathCalc{pathcalc.NewDirPathCalc(settings.WorkingDir, ".html")},
			Transform: writeTransform("render-md", "<html>hi</html>"),
		},
		{
			Matcher:   mustMatch(t, `^(?P<stem>.+)\.html$`, settings.WorkingDir),
			PathCalcs: []pathcalc.PathCalc{pathcalc.NewDirPathCalc(settings.OutputDir, ".html"), rule.Stop},
			Transform: writeTransform("minify", "<html>hi</html>"),
		},
	}

	eng, err := New(dirs, rules)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	out := filepath.Join(dirs.OutputDir, "post.html")
	if _, err := os.Stat(out); err != nil {
		t.Errorf("expected output_dir/post.html to exist: %v", err)
	}

	// Exactly one file should exist in output_dir.
	entries, err := os.ReadDir(dirs.OutputDir)
	if err != nil {
		t.Fatalf("ReadDir(output_dir): %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("output_dir has %d entries, want 1", len(entries))
	}
}

// TestSingleSourceFansOutToMultipleOutputs: one rule with two calculators
// and a transform producing both outputs from a single source.
func TestSingleSourceFansOutToMultipleOutputs(t *testing.T) {
	dirs := newDirs(t, "")
	write(t, filepath.Join(dirs.InputDir, "photo.jpg"), "binary-ish-content")

	rules := []rule.Rule{
		{
			Matcher: mustMatch(t, `^(?P<stem>.+)\.jpg$`, ""),
			PathCalcs: []pathcalc.PathCalc{
				pathcalc.NewDirPathCalc(settings.OutputDir, ".jpg"),
				pathcalc.NewDirPathCalcTo(filepath.Join(dirs.OutputDir, "thumbs"), ".jpg"),
			},
			Transform: writeTransform("thumbnail", "fan-out-content"),
		},
	}

	eng, err := New(dirs, rules)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dirs.OutputDir, "photo.jpg")); err != nil {
		t.Errorf("expected full-size output: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dirs.OutputDir, "thumbs", "photo.jpg")); err != nil {
		t.Errorf("expected thumbnail output: %v", err)
	}
}

// TestTemplateSourceInvalidatesOutputWhenChanged: a transform declares the
// template file as a second path source alongside the input; modifying the
// template alone must invalidate the output on the next run.
func TestTemplateSourceInvalidatesOutputWhenChanged(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "cache.json")
	inputDir := t.TempDir()
	templatePath := filepath.Join(inputDir, "template.html")
	write(t, filepath.Join(inputDir, "post.md"), "# hi")
	write(t, templatePath, "<html>{{body}}</html>")

	dirs, err := settings.Resolve(settings.InputSettings{InputDir: inputDir, CustodyCache: cachePath})
	if err != nil {
		t.Fatalf("settings.Resolve: %v", err)
	}

	var renders int
	renderWithTemplate := transform.Func{
		FuncName: "render-with-template",
		RunFunc: func(ctx context.Context, input string, outputs []string) (*transform.Result, error) {
			renders++
			tmpl, err := os.ReadFile(templatePath)
			if err != nil {
				return nil, err
			}
			for _, out := range outputs {
				write(t, out, string(tmpl))
			}
			return &transform.Result{Sources: []any{input, templatePath}}, nil
		},
	}

	rules := []rule.Rule{
		{
			Matcher:   mustMatch(t, `^(?P<stem>.+)\.md$`, ""),
			PathCalcs: []pathcalc.PathCalc{pathcalc.NewDirPathCalc(settings.OutputDir, ".html")},
			Transform: renderWithTemplate,
		},
		{Matcher: mustMatch(t, `^template\.html$`, "")},
	}

	run := func() {
		eng, err := New(dirs, rules)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if _, err := eng.Run(context.Background()); err != nil {
			t.Fatalf("Run: %v", err)
		}
	}

	run()
	if renders != 1 {
		t.Fatalf("renders after first run = %d, want 1", renders)
	}

	run()
	if renders != 1 {
		t.Fatalf("renders after unchanged second run = %d, want 1 (should be cached)", renders)
	}

	write(t, templatePath, "<html>{{body}} v2</html>")
	run()
	if renders != 2 {
		t.Fatalf("renders after template change = %d, want 2", renders)
	}
}

// TestDeletedSourceRemovesOrphanedOutput: once a render has succeeded,
// deleting the source must remove the output it alone produced.
func TestDeletedSourceRemovesOrphanedOutput(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "cache.json")
	inputDir := t.TempDir()
	mdPath := filepath.Join(inputDir, "a.md")
	write(t, mdPath, "# hi")

	dirs, err := settings.Resolve(settings.InputSettings{InputDir: inputDir, CustodyCache: cachePath})
	if err != nil {
		t.Fatalf("settings.Resolve: %v", err)
	}

	rules := []rule.Rule{
		{
			Matcher:   mustMatch(t, `^(?P<stem>.+)\.md$`, ""),
			PathCalcs: []pathcalc.PathCalc{pathcalc.NewDirPathCalc(settings.OutputDir, ".html")},
			Transform: writeTransform("render", "<p>hi</p>"),
		},
	}

	run := func() {
		eng, err := New(dirs, rules)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if _, err := eng.Run(context.Background()); err != nil {
			t.Fatalf("Run: %v", err)
		}
	}

	run()
	outPath := filepath.Join(dirs.OutputDir, "a.html")
	if _, err := os.Stat(outPath); err != nil {
		t.Fatalf("expected output after first run: %v", err)
	}

	if err := os.Remove(mdPath); err != nil {
		t.Fatal(err)
	}
	run()

	if _, err := os.Stat(outPath); !os.IsNotExist(err) {
		t.Errorf("expected orphaned output removed, stat err = %v", err)
	}
}

// TestExternallyModifiedOutputIsRerun: once a render has succeeded,
// hand-editing the output must be detected as stale and overwritten on
// rerun.
func TestExternallyModifiedOutputIsRerun(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "cache.json")
	inputDir := t.TempDir()
	write(t, filepath.Join(inputDir, "a.md"), "# hi")

	dirs, err := settings.Resolve(settings.InputSettings{InputDir: inputDir, CustodyCache: cachePath})
	if err != nil {
		t.Fatalf("settings.Resolve: %v", err)
	}

	var renders int
	rules := []rule.Rule{
		{
			Matcher:   mustMatch(t, `^(?P<stem>.+)\.md$`, ""),
			PathCalcs: []pathcalc.PathCalc{pathcalc.NewDirPathCalc(settings.OutputDir, ".html")},
			Transform: transform.Func{
				FuncName: "render",
				RunFunc: func(ctx context.Context, input string, outputs []string) (*transform.Result, error) {
					renders++
					for _, out := range outputs {
						write(t, out, "<p>hi</p>")
					}
					return nil, nil
				},
			},
		},
	}

	run := func() {
		eng, err := New(dirs, rules)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if _, err := eng.Run(context.Background()); err != nil {
			t.Fatalf("Run: %v", err)
		}
	}

	run()
	if renders != 1 {
		t.Fatalf("renders = %d, want 1", renders)
	}

	outPath := filepath.Join(dirs.OutputDir, "a.html")
	write(t, outPath, "<p>tampered by hand</p>")

	run()
	if renders != 2 {
		t.Fatalf("renders after tampering = %d, want 2 (expected rerun)", renders)
	}
	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "<p>hi</p>" {
		t.Errorf("output = %q, want the transform's content restored", data)
	}
}

// TestIdempotence: running twice over an unchanged tree produces no
// additional transform executions on the second run.
func TestIdempotence(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "cache.json")
	inputDir := t.TempDir()
	write(t, filepath.Join(inputDir, "a.md"), "# hi")

	dirs, err := settings.Resolve(settings.InputSettings{InputDir: inputDir, CustodyCache: cachePath})
	if err != nil {
		t.Fatalf("settings.Resolve: %v", err)
	}

	var renders int
	rules := []rule.Rule{
		{
			Matcher:   mustMatch(t, `^(?P<stem>.+)\.md$`, ""),
			PathCalcs: []pathcalc.PathCalc{pathcalc.NewDirPathCalc(settings.OutputDir, ".html")},
			Transform: transform.Func{
				FuncName: "render",
				RunFunc: func(ctx context.Context, input string, outputs []string) (*transform.Result, error) {
					renders++
					for _, out := range outputs {
						write(t, out, "<p>hi</p>")
					}
					return nil, nil
				},
			},
		},
	}

	for i := 0; i < 2; i++ {
		eng, err := New(dirs, rules)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if _, err := eng.Run(context.Background()); err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
	}
	if renders != 1 {
		t.Errorf("renders across two identical runs = %d, want 1", renders)
	}
}

// TestEmptyInputDirIsNoop covers the empty input_dir boundary behavior.
func TestEmptyInputDirIsNoop(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "cache.json")
	dirs := newDirs(t, cachePath)

	eng, err := New(dirs, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	report, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.OrphansRemoved) != 0 {
		t.Errorf("expected no orphans on an empty tree, got %v", report.OrphansRemoved)
	}
	if _, err := os.Stat(cachePath); err != nil {
		t.Errorf("expected a cache file saved even for an empty run: %v", err)
	}
}

// TestZeroOutputTransformIsDropStyleSuccess covers the boundary behavior
// where a transform declares zero outputs.
func TestZeroOutputTransformIsDropStyleSuccess(t *testing.T) {
	dirs := newDirs(t, "")
	write(t, filepath.Join(dirs.InputDir, "a.ignore"), "x")

	rules := []rule.Rule{
		{
			Matcher:   mustMatch(t, `\.ignore$`, ""),
			PathCalcs: []pathcalc.PathCalc{pathcalc.NewDirPathCalc(settings.OutputDir, ".out")},
			Transform: transform.Func{
				FuncName: "discard",
				RunFunc: func(ctx context.Context, input string, outputs []string) (*transform.Result, error) {
					return &transform.Result{Outputs: []string{}}, nil
				},
			},
		},
	}

	eng, err := New(dirs, rules)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
