package match

import (
	"path/filepath"
	"regexp"
	"strings"

	"weave/internal/settings"
)

// RegexWitness is the witness a RegexMatcher produces: the underlying
// regexp submatch data plus named-group lookup, notably the `stem` and
// `ext` named groups consumed by DirPathCalc's extension swap.
type RegexWitness struct {
	// Input is the string the pattern was evaluated against (the path made
	// relative to ParentDir, or to input_dir if ParentDir is unset).
	Input string
	// re is retained to resolve named groups from submatches.
	re         *regexp.Regexp
	submatches []string
}

// Group returns the named capture group's value and whether it
// participated in the match. A group that exists in the pattern but did
// not match (e.g. inside an unmatched alternation) reports ok=false.
func (w *RegexWitness) Group(name string) (value string, ok bool) {
	if w == nil || w.re == nil {
		return "", false
	}
	idx := w.re.SubexpIndex(name)
	if idx < 0 || idx >= len(w.submatches) {
		return "", false
	}
	if loc := w.re.FindStringSubmatchIndex(w.Input); loc == nil || loc[2*idx] < 0 {
		return "", false
	}
	return w.submatches[idx], true
}

// RegexMatcher matches a path's string form against a regular
// expression.
type RegexMatcher struct {
	Pattern *regexp.Regexp
	// ParentDir, if set, restricts matching to paths under that named
	// context directory and anchors the matched string to the path
	// relative to it. If unset, paths are made relative to input_dir.
	ParentDir settings.ContextDir
}

// NewRegexMatcher compiles pattern and returns a RegexMatcher. parentDir
// may be the empty string to default to input_dir.
func NewRegexMatcher(pattern string, parentDir settings.ContextDir) (*RegexMatcher, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &RegexMatcher{Pattern: re, ParentDir: parentDir}, nil
}

func (m *RegexMatcher) Match(dirs settings.Settings, path string) Witness {
	parent := m.ParentDir
	if parent == "" {
		parent = settings.InputDir
	}
	parentPath := dirs.Dir(parent)

	rel, err := filepath.Rel(parentPath, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		if m.ParentDir != "" {
			return nil
		}
		// No explicit parent_dir was requested: fall back to the raw path
		// form rather than refusing to match (e.g. already-relative inputs
		// passed directly by a test).
		rel = path
	}
	rel = filepath.ToSlash(rel)

	sub := m.Pattern.FindStringSubmatch(rel)
	if sub == nil {
		return nil
	}
	return &RegexWitness{Input: rel, re: m.Pattern, submatches: sub}
}
