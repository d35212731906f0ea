// Package pathcalc implements the Path Calculator half of weave's rule
// composition algebra: translating an (input path, match witness) pair
// into an output path.
package pathcalc

import (
	"path/filepath"
	"strings"

	"weave/internal/match"
	"weave/internal/settings"
)

// PathCalc computes an output path from an input path and the witness its
// rule's Matcher produced.
type PathCalc interface {
	Calc(dirs settings.Settings, inputPath string, witness match.Witness) (string, error)
}

// Func adapts a plain function to the PathCalc interface.
type Func func(dirs settings.Settings, inputPath string, witness match.Witness) (string, error)

func (f Func) Calc(dirs settings.Settings, inputPath string, witness match.Witness) (string, error) {
	return f(dirs, inputPath, witness)
}

// Verbatim returns a PathCalc that ignores its input entirely and always
// places the file at path: an explicit "place here verbatim" calculator
// for rules that target a single fixed destination.
func Verbatim(path string) PathCalc {
	return Func(func(settings.Settings, string, match.Witness) (string, error) {
		return path, nil
	})
}

// trimExtPrefix strips a named `stem` or `ext` capture from path's final
// component, letting DirPathCalc handle compound extensions (e.g.
// `.tar.gz`) that path/filepath's single-dot Ext cannot express.
func trimExtPrefix(path string, w match.Witness) string {
	rw, ok := w.(*match.RegexWitness)
	if !ok {
		return path
	}
	if stem, ok := rw.Group("stem"); ok && stem != "" {
		dir, _ := filepath.Split(path)
		return filepath.Join(dir, filepath.Base(stem))
	}
	if ext, ok := rw.Group("ext"); ok && ext != "" {
		if strings.HasSuffix(path, ext) {
			return strings.TrimSuffix(path, ext)
		}
	}
	return path
}

// DirPathCalc re-roots an input path under a destination directory,
// optionally swapping its extension and applying a user transform.
type DirPathCalc struct {
	// Dest names one of the three context directories (input_dir/
	// output_dir/working_dir); an explicit path goes in DestPath instead.
	Dest settings.ContextDir
	// DestPath is used instead of Dest when Dest is empty, for an explicit
	// destination outside the three named directories.
	DestPath string
	// Ext, if non-empty, replaces the input path's extension. A leading
	// dot is expected (e.g. ".html").
	Ext string
	// Transform, if set, is applied to the path relative to its source
	// directory before it is re-rooted under Dest.
	Transform func(rel string) string
}

// NewDirPathCalc returns a DirPathCalc targeting one of the three named
// context directories.
func NewDirPathCalc(dest settings.ContextDir, ext string) *DirPathCalc {
	return &DirPathCalc{Dest: dest, Ext: ext}
}

// NewDirPathCalcTo returns a DirPathCalc targeting an explicit directory
// outside the three named context directories.
func NewDirPathCalcTo(destPath string, ext string) *DirPathCalc {
	return &DirPathCalc{DestPath: destPath, Ext: ext}
}

func (c *DirPathCalc) destDir(dirs settings.Settings) string {
	if c.Dest != "" {
		return dirs.Dir(c.Dest)
	}
	return c.DestPath
}

func (c *DirPathCalc) Calc(dirs settings.Settings, inputPath string, witness match.Witness) (string, error) {
	path := inputPath
	if c.Ext != "" {
		path = trimExtPrefix(path, witness)
	}

	parent := dirs.Dir(settings.InputDir)
	rel, err := filepath.Rel(parent, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		parent = dirs.Dir(settings.WorkingDir)
		rel, err = filepath.Rel(parent, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			// Neither input_dir nor working_dir is an ancestor: fall back
			// to the path's base name rather than erroring, so paths
			// constructed directly in tests still resolve to something.
			rel = filepath.Base(path)
		}
	}

	if c.Transform != nil {
		rel = c.Transform(rel)
	}

	newPath := filepath.Join(c.destDir(dirs), rel)
	if c.Ext != "" {
		newPath = replaceExt(newPath, c.Ext)
	}
	return newPath, nil
}

func replaceExt(path, ext string) string {
	base := filepath.Base(path)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	return filepath.Join(filepath.Dir(path), base+ext)
}

// WebIndexPathCalc nests an HTML output so its extension can be omitted in
// URLs: `a/b.html` becomes `a/b/index.html`, while `a/index.html` is left
// untouched.
type WebIndexPathCalc struct {
	Inner     *DirPathCalc
	IndexBase string // defaults to "index"
}

// NewWebIndexPathCalc wraps a DirPathCalc with index-nesting behavior.
func NewWebIndexPathCalc(inner *DirPathCalc) *WebIndexPathCalc {
	return &WebIndexPathCalc{Inner: inner, IndexBase: "index"}
}

func (c *WebIndexPathCalc) Calc(dirs settings.Settings, inputPath string, witness match.Witness) (string, error) {
	indexBase := c.IndexBase
	if indexBase == "" {
		indexBase = "index"
	}
	inner := *c.Inner
	inner.Transform = func(rel string) string {
		if c.Inner.Transform != nil {
			rel = c.Inner.Transform(rel)
		}
		return webTransform(rel, indexBase)
	}
	return inner.Calc(dirs, inputPath, witness)
}

func webTransform(rel, indexBase string) string {
	ext := filepath.Ext(rel)
	stem := strings.TrimSuffix(filepath.Base(rel), ext)
	if stem == indexBase {
		return rel
	}
	dir := strings.TrimSuffix(rel, ext)
	return filepath.Join(dir, indexBase+ext)
}
