// Package custody implements a content-addressed dependency graph
// tracking which source artifacts produced which output artifacts, an
// extensible staleness-check mechanism keyed by entry kind, orphan
// detection, and a persistent on-disk representation that is both
// human-inspectable and stable across runs.
package custody

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"weave/internal/settings"
)

// Checker decides whether a stored Entry of a given kind is still current.
// Registered per kind via Store.RegisterKind; the built-in "path" checker
// rehashes the file and compares sha1.
type Checker func(entry *Entry) bool

// Store decides whether a prospective transform run must rerun, records
// the results of runs, identifies orphans, and persists the graph. A
// Store is not safe for concurrent use, matching the engine's
// single-threaded execution model.
type Store struct {
	dirs   settings.Settings
	engine string // engine version identifier, part of cache parameters
	log    *slog.Logger

	checkers map[string]Checker

	parameters map[string]string

	graph Graph
	meta  MetaStore

	priorParameters map[string]string
	priorGraph      Graph
	priorMeta       MetaStore
	staleParameters bool

	cachePath string // retained across Load/Save even if the file didn't exist
}

// New constructs a Store bound to dirs, ready to Load a cache file.
// engineVersion participates in cache parameters: any mismatch on Load
// forces a full rebuild.
func New(dirs settings.Settings, engineVersion string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{
		dirs:            dirs,
		engine:          engineVersion,
		log:             log,
		checkers:        map[string]Checker{},
		graph:           Graph{},
		meta:            MetaStore{},
		priorGraph:      Graph{},
		priorMeta:       MetaStore{},
		staleParameters: true,
	}
	s.parameters = dirs.Parameters(engineVersion)
	s.RegisterKind("path", s.checkPath)
	s.RegisterKind("glob_manifest", s.checkGlobManifest)
	return s
}

// RegisterKind installs a freshness predicate for a custody entry kind.
// Transforms that declare custom kinds (URL fetches, packed file lists,
// ...) register their checker here, scoped to this Store rather than
// any process-wide registry.
func (s *Store) RegisterKind(kind string, checker Checker) {
	s.checkers[kind] = checker
}

func (s *Store) checkPath(entry *Entry) bool {
	want, _ := entry.Get("sha1")
	wantStr, _ := want.(string)
	path := DegenericizePath(s.dirs, entry.Key)
	got, err := Checksum(path)
	if err != nil {
		return false
	}
	return got == wantStr
}

// checkGlobManifest re-globs the directory named by entry.Key's prefix and
// reports whether the resulting file set matches the stored "files" list
// exactly, ignoring order: entry.Key has the form
// "<genericized dir>:<pattern>".
func (s *Store) checkGlobManifest(entry *Entry) bool {
	idx := strings.LastIndex(entry.Key, ":")
	if idx < 0 {
		return false
	}
	dirKey, pattern := entry.Key[:idx], entry.Key[idx+1:]
	parentDir := DegenericizePath(s.dirs, dirKey)

	matches, err := filepath.Glob(filepath.Join(parentDir, pattern))
	if err != nil {
		return false
	}
	current := map[string]struct{}{}
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			return false
		}
		if info.IsDir() {
			continue
		}
		current[GenericizePath(s.dirs, m)] = struct{}{}
	}

	raw, ok := entry.Get("files")
	if !ok {
		return false
	}
	want := map[string]struct{}{}
	switch v := raw.(type) {
	case []string:
		for _, f := range v {
			want[f] = struct{}{}
		}
	case []any:
		for _, f := range v {
			s, ok := f.(string)
			if !ok {
				return false
			}
			want[s] = struct{}{}
		}
	default:
		return false
	}

	if len(want) != len(current) {
		return false
	}
	for f := range want {
		if _, ok := current[f]; !ok {
			return false
		}
	}
	return true
}

// CacheError reports a corrupt, unreadable, or unwritable cache file.
type CacheError struct {
	Path string
	Op   string
	Err  error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("custody: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// Load reads a cache file from path. A missing file starts the Store
// empty (caching is simply cold, not an error); a corrupt or unreadable
// file is downgraded to a logged warning and the Store also starts empty.
// If the loaded parameters differ from the Store's current settings, the
// Store starts empty but retains path for a future Save.
func (s *Store) Load(path string) error {
	s.cachePath = path
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.staleParameters = true
			return nil
		}
		s.log.Warn("custody cache unreadable, starting full rebuild", "path", path, "error", err)
		s.staleParameters = true
		return nil
	}

	file, err := decodeCacheFile(data)
	if err != nil {
		s.log.Warn("custody cache corrupt, starting full rebuild", "path", path, "error", err)
		s.staleParameters = true
		return nil
	}

	s.staleParameters = !parametersEqual(s.parameters, file.Parameters)
	if s.staleParameters {
		s.log.Info("custody cache parameters changed, starting full rebuild", "path", path)
		return nil
	}
	s.priorParameters = file.Parameters
	s.priorGraph = file.Graph
	s.priorMeta = file.Meta
	return nil
}

func parametersEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// Save atomically writes the Store's current graph and entries to path:
// write-then-rename so a partial write never clobbers a previously valid
// file. Write failures are fatal.
func (s *Store) Save(path string) error {
	file := cacheFile{
		Parameters: s.parameters,
		Graph:      s.graph,
		Meta:       s.meta,
	}
	data, err := encodeCacheFile(file)
	if err != nil {
		return &CacheError{Path: path, Op: "encoding", Err: err}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &CacheError{Path: path, Op: "saving", Err: err}
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return &CacheError{Path: path, Op: "saving", Err: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &CacheError{Path: path, Op: "saving", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &CacheError{Path: path, Op: "saving", Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return &CacheError{Path: path, Op: "saving", Err: err}
	}
	return nil
}

// updateMeta stores entry in serializable form.
func (s *Store) updateMeta(entry *Entry) {
	s.meta[entry.Key] = entry
}

// AddStep records a successful transform run: it updates entries for
// every source (hashing file sources) and every output, and records
// graph edges for every output pointing at every source with the full
// output list.
func (s *Store) AddStep(sources []any, outputs []string, reason string) error {
	s.log.Info("rule ran", "reason", reason, "sources", len(sources), "outputs", len(outputs))

	keys := make([]string, 0, len(outputs))
	for _, outPath := range outputs {
		entry, err := EntryFromPath(s.dirs, outPath)
		if err != nil {
			return fmt.Errorf("custody: recording output %q: %w", outPath, err)
		}
		keys = append(keys, entry.Key)
		s.updateMeta(entry)
	}

	for _, src := range sources {
		entry, err := EnsureEntry(s.dirs, src)
		if err != nil {
			return fmt.Errorf("custody: recording source: %w", err)
		}
		s.updateMeta(entry)
		for _, outKey := range keys {
			if s.graph[outKey] == nil {
				s.graph[outKey] = map[string][]string{}
			}
			s.graph[outKey][entry.Key] = keys
		}
	}
	return nil
}

// SkipStep records that a run was skipped: it re-records the source and
// its prior outputs from the files on disk (each is rehashed; there is no
// timestamp-only refresh), and returns
// the prior outputs so the caller (the Rule evaluator) can enqueue them
// for further processing exactly as if they had just been produced.
func (s *Store) SkipStep(source string, outputs []string) ([]string, error) {
	inEntry, err := EntryFromPath(s.dirs, source)
	if err != nil {
		return nil, fmt.Errorf("custody: skip_step source %q: %w", source, err)
	}

	if len(outputs) == 0 {
		s.updateMeta(inEntry)
		return nil, nil
	}

	outKey := GenericizePath(s.dirs, outputs[0])
	priorSiblings, ok := s.priorGraph[outKey][inEntry.Key]
	if !ok {
		// Nothing recorded previously for this exact (source, output)
		// edge; fall back to the computed outputs as-is.
		s.log.Info("rule skipped", "source", source)
		s.updateMeta(inEntry)
		return outputs, nil
	}

	priorOutputs := make([]string, len(priorSiblings))
	for i, k := range priorSiblings {
		priorOutputs[i] = DegenericizePath(s.dirs, k)
	}
	s.log.Info("rule skipped", "source", source, "outputs", len(priorOutputs))

	s.updateMeta(inEntry)
	for _, outK := range priorSiblings {
		entry, err := EntryFromPath(s.dirs, DegenericizePath(s.dirs, outK))
		if err != nil {
			return nil, fmt.Errorf("custody: skip_step output %q: %w", outK, err)
		}
		s.updateMeta(entry)
		if s.graph[entry.Key] == nil {
			s.graph[entry.Key] = map[string][]string{}
		}
		for srcKey, sibs := range s.priorGraph[outK] {
			s.graph[entry.Key][srcKey] = sibs
			if _, ok := s.meta[srcKey]; !ok {
				if prior, ok := s.priorMeta[srcKey]; ok {
					s.meta[srcKey] = prior
				}
			}
		}
	}
	return priorOutputs, nil
}

// checkPrior checks whether the current resource corresponding to key
// matches its historical fingerprint, dispatching to the checker
// registered for the prior entry's kind.
func (s *Store) checkPrior(key string) bool {
	prior, ok := s.priorMeta[key]
	if !ok {
		return false
	}
	checker, ok := s.checkers[prior.Kind]
	if !ok {
		s.log.Warn("no checker registered for custody kind", "kind", prior.Kind)
		return false
	}
	return checker(prior)
}

// findUpstream returns every source key one step upstream of any of
// outputs, per the prior graph.
func (s *Store) findUpstream(outputs []string) map[string]struct{} {
	result := map[string]struct{}{}
	for _, out := range outputs {
		key := GenericizePath(s.dirs, out)
		for srcKey := range s.priorGraph[key] {
			result[srcKey] = struct{}{}
		}
	}
	return result
}

// RefreshNeeded implements the staleness algorithm in order: parameters,
// then missing outputs, then missing/changed upstream sources, then
// externally-modified outputs.
func (s *Store) RefreshNeeded(source string, outputs []string) (stale bool, reason string) {
	if s.staleParameters {
		return true, "stale parameters"
	}

	for _, out := range outputs {
		if _, err := os.Stat(out); err != nil {
			return true, fmt.Sprintf("missing output (%s)", out)
		}
	}

	upstream := s.findUpstream(outputs)
	sourceKey := GenericizePath(s.dirs, source)
	if _, ok := upstream[sourceKey]; !ok {
		return true, fmt.Sprintf("missing upstream record (%s)", source)
	}
	for upKey := range upstream {
		if !s.checkPrior(upKey) {
			return true, fmt.Sprintf("stale upstream (%s)", upKey)
		}
	}

	for _, out := range outputs {
		outKey := GenericizePath(s.dirs, out)
		priorEntry, ok := s.priorMeta[outKey]
		if !ok {
			continue
		}
		wantSum, _ := priorEntry.Get("sha1")
		wantStr, _ := wantSum.(string)
		gotStr, err := Checksum(out)
		if err != nil {
			return true, fmt.Sprintf("missing output (%s)", out)
		}
		if gotStr != wantStr {
			return true, fmt.Sprintf("output was modified externally (%s)", out)
		}
	}

	return false, "up to date"
}

// RefreshNeededEntries is RefreshNeeded generalized to arbitrary source
// entries (paths or custody.Entry values), used when a Rule's Transform
// wants to pre-check staleness against declared non-path sources before
// running.
func (s *Store) RefreshNeededEntries(sources []any, outputs []string) (stale bool, reason string) {
	if s.staleParameters {
		return true, "stale parameters"
	}
	for _, out := range outputs {
		if _, err := os.Stat(out); err != nil {
			return true, fmt.Sprintf("missing output (%s)", out)
		}
	}

	upstream := s.findUpstream(outputs)
	for _, src := range sources {
		entry, err := EnsureEntry(s.dirs, src)
		if err != nil {
			return true, fmt.Sprintf("missing upstream record (%v)", src)
		}
		if _, ok := upstream[entry.Key]; !ok {
			return true, fmt.Sprintf("missing upstream record (%s)", entry.Key)
		}
	}
	for upKey := range upstream {
		if !s.checkPrior(upKey) {
			return true, fmt.Sprintf("stale upstream (%s)", upKey)
		}
	}
	for _, out := range outputs {
		outKey := GenericizePath(s.dirs, out)
		priorEntry, ok := s.priorMeta[outKey]
		if !ok {
			continue
		}
		wantSum, _ := priorEntry.Get("sha1")
		wantStr, _ := wantSum.(string)
		gotStr, err := Checksum(out)
		if err != nil {
			return true, fmt.Sprintf("missing output (%s)", out)
		}
		if gotStr != wantStr {
			return true, fmt.Sprintf("output was modified externally (%s)", out)
		}
	}
	return false, "up to date"
}

// AllOutputPaths returns every output key currently in the graph,
// expressed as absolute paths: the set of artifacts the current run
// touched, used by orphan detection.
func (s *Store) AllOutputPaths() []string {
	paths := make([]string, 0, len(s.graph))
	for key := range s.graph {
		paths = append(paths, DegenericizePath(s.dirs, key))
	}
	return paths
}

// PriorOutputPaths returns every output key that was present in the
// previously loaded graph, expressed as absolute paths.
func (s *Store) PriorOutputPaths() []string {
	paths := make([]string, 0, len(s.priorGraph))
	for key := range s.priorGraph {
		paths = append(paths, DegenericizePath(s.dirs, key))
	}
	return paths
}

// ForgetOutput removes key's graph entry and meta entry, used by orphan
// cleanup once the backing file has been deleted.
func (s *Store) ForgetOutput(outPath string) {
	key := GenericizePath(s.dirs, outPath)
	delete(s.graph, key)
	delete(s.meta, key)
}
