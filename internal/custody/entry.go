package custody

import (
	"crypto/sha1"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	"weave/internal/settings"
)

// Entry is a record of one artifact's kind, key, and kind-specific
// metadata. Two kinds are built in ("path" and "glob_manifest");
// transforms may register additional kinds via Store.RegisterKind.
type Entry struct {
	Kind string
	Key  string
	Meta map[string]any
}

func (e *Entry) String() string {
	return e.Kind + ":" + e.Key
}

// Get returns a metadata value by name.
func (e *Entry) Get(name string) (any, bool) {
	if e == nil || e.Meta == nil {
		return nil, false
	}
	v, ok := e.Meta[name]
	return v, ok
}

// Checksum computes the SHA-1 content hash of a file. A directory
// checksums to the empty string: directory paths have no content
// identity of their own.
func Checksum(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// GenericizePath turns an absolute path into a portable cache key by
// replacing whichever of input_dir/output_dir/working_dir is its ancestor
// with that directory's named-prefix form.
func GenericizePath(dirs settings.Settings, path string) string {
	for _, dirKey := range [...]settings.ContextDir{settings.InputDir, settings.OutputDir, settings.WorkingDir} {
		parent := dirs.Dir(dirKey)
		rel, err := filepath.Rel(parent, path)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return string(dirKey) + "/" + filepath.ToSlash(rel)
		}
	}
	return filepath.ToSlash(path)
}

// DegenericizePath reverses GenericizePath, turning a key back into an
// absolute path under the current Settings' directories.
func DegenericizePath(dirs settings.Settings, key string) string {
	parts := strings.SplitN(key, "/", 2)
	if len(parts) != 2 {
		return key
	}
	dirKey := settings.ContextDir(parts[0])
	switch dirKey {
	case settings.InputDir, settings.OutputDir, settings.WorkingDir:
		return filepath.Join(dirs.Dir(dirKey), filepath.FromSlash(parts[1]))
	default:
		return key
	}
}

// EntryFromPath builds a "path"-kind Entry for path: its key is the
// genericized path and its meta holds sha1/m_time/size.
func EntryFromPath(dirs settings.Settings, path string) (*Entry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	sum, err := Checksum(path)
	if err != nil {
		return nil, err
	}
	return &Entry{
		Kind: "path",
		Key:  GenericizePath(dirs, path),
		Meta: map[string]any{
			"sha1":   sum,
			"m_time": float64(info.ModTime().UnixNano()) / 1e9,
			"size":   info.Size(),
		},
	}, nil
}

// GlobManifestEntry builds a "glob_manifest"-kind Entry recording which
// files matched pattern (a filepath.Glob pattern, e.g. "*.md") within
// parentDir at the time of recording. Its key is
// "<genericized parentDir>:<pattern>"; meta holds "files", the ordered
// list of genericized paths that matched. Staleness is judged by
// re-globbing parentDir and comparing the resulting set against files,
// not by comparing order, so two recordings that matched the same files
// in a different order are both considered fresh.
func GlobManifestEntry(dirs settings.Settings, parentDir, pattern string) (*Entry, error) {
	matches, err := filepath.Glob(filepath.Join(parentDir, pattern))
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			continue
		}
		files = append(files, GenericizePath(dirs, m))
	}
	key := GenericizePath(dirs, parentDir) + ":" + pattern
	return &Entry{
		Kind: "glob_manifest",
		Key:  key,
		Meta: map[string]any{"files": files},
	}, nil
}

// EnsureEntry resolves a source value (either a plain path string or an
// already-constructed *Entry) into an *Entry.
func EnsureEntry(dirs settings.Settings, source any) (*Entry, error) {
	switch v := source.(type) {
	case *Entry:
		return v, nil
	case Entry:
		return &v, nil
	case string:
		return EntryFromPath(dirs, v)
	default:
		panic("custody: source must be a path string or *Entry")
	}
}
