package pathcalc

import (
	"path/filepath"
	"testing"

	"weave/internal/match"
	"weave/internal/settings"
)

func testDirs(t *testing.T) settings.Settings {
	t.Helper()
	s, err := settings.Resolve(settings.InputSettings{InputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("settings.Resolve: %v", err)
	}
	return s
}

func TestVerbatim(t *testing.T) {
	dirs := testDirs(t)
	calc := Verbatim("/anywhere/file.txt")
	got, err := calc.Calc(dirs, filepath.Join(dirs.InputDir, "a.md"), nil)
	if err != nil {
		t.Fatalf("Calc: %v", err)
	}
	if got != "/anywhere/file.txt" {
		t.Errorf("Calc() = %q, want verbatim path", got)
	}
}

func TestDirPathCalcSwapsExtension(t *testing.T) {
	dirs := testDirs(t)
	calc := NewDirPathCalc(settings.OutputDir, ".html")
	input := filepath.Join(dirs.InputDir, "sub", "a.md")
	got, err := calc.Calc(dirs, input, nil)
	if err != nil {
		t.Fatalf("Calc: %v", err)
	}
	want := filepath.Join(dirs.OutputDir, "sub", "a.html")
	if got != want {
		t.Errorf("Calc() = %q, want %q", got, want)
	}
}

func TestDirPathCalcCompoundExtensionViaStemGroup(t *testing.T) {
	dirs := testDirs(t)
	calc := NewDirPathCalc(settings.OutputDir, ".html")
	re, err := match.NewRegexMatcher(`^(?P<stem>.+)\.tar\.gz$`, "")
	if err != nil {
		t.Fatalf("NewRegexMatcher: %v", err)
	}
	input := filepath.Join(dirs.InputDir, "archive.tar.gz")
	w := re.Match(dirs, input)
	if w == nil {
		t.Fatal("expected regex to match archive.tar.gz")
	}

	got, err := calc.Calc(dirs, input, w)
	if err != nil {
		t.Fatalf("Calc: %v", err)
	}
	want := filepath.Join(dirs.OutputDir, "archive.html")
	if got != want {
		t.Errorf("Calc() = %q, want %q", got, want)
	}
}

func TestWebIndexPathCalc(t *testing.T) {
	dirs := testDirs(t)
	inner := NewDirPathCalc(settings.OutputDir, ".html")
	calc := NewWebIndexPathCalc(inner)

	got, err := calc.Calc(dirs, filepath.Join(dirs.InputDir, "about.md"), nil)
	if err != nil {
		t.Fatalf("Calc: %v", err)
	}
	want := filepath.Join(dirs.OutputDir, "about", "index.html")
	if got != want {
		t.Errorf("Calc() = %q, want %q", got, want)
	}

	got, err = calc.Calc(dirs, filepath.Join(dirs.InputDir, "index.md"), nil)
	if err != nil {
		t.Fatalf("Calc: %v", err)
	}
	want = filepath.Join(dirs.OutputDir, "index.html")
	if got != want {
		t.Errorf("Calc() = %q, want %q (index should not be re-nested)", got, want)
	}
}
