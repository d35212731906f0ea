// Package settings resolves user-provided build configuration into the
// immutable record the rest of weave builds against.
package settings

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ContextDir names one of the three directories every Rule and Transform
// operates relative to.
type ContextDir string

const (
	InputDir   ContextDir = "input_dir"
	OutputDir  ContextDir = "output_dir"
	WorkingDir ContextDir = "working_dir"
)

// ConfigError reports an invalid or incomplete settings file. The CLI
// maps ConfigError to exit code 2.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// InputSettings is the shape a project's YAML configuration file takes,
// prior to resolution. Every field is optional except InputDir.
type InputSettings struct {
	InputDir     string `yaml:"input_dir"`
	OutputDir    string `yaml:"output_dir"`
	WorkingDir   string `yaml:"working_dir"`
	CustodyCache string `yaml:"custody_cache"`
	PurgeDirs    *bool  `yaml:"purge_dirs"`
}

// Settings is the fully resolved, immutable build configuration. Every
// directory is an absolute, cleaned path so it can be compared for equality
// and safely embedded in cache parameters.
type Settings struct {
	InputDir     string
	OutputDir    string
	WorkingDir   string
	CustodyCache string // empty means caching is disabled
	PurgeDirs    bool

	// ownedWorkingDir records whether WorkingDir was synthesized by Resolve
	// (an unset working_dir gets a fresh per-run scratch directory) rather
	// than supplied by the caller.
	ownedWorkingDir bool
}

// OwnsWorkingDir reports whether WorkingDir was synthesized by Resolve
// rather than supplied by the caller. Callers that own a scratch directory
// may choose to remove it after a run completes.
func (s Settings) OwnsWorkingDir() bool { return s.ownedWorkingDir }

// Dir returns the resolved path for one of the three named context
// directories. It panics on an unknown key, mirroring an out-of-range slice
// index: this is a programming error, not a runtime condition.
func (s Settings) Dir(key ContextDir) string {
	switch key {
	case InputDir:
		return s.InputDir
	case OutputDir:
		return s.OutputDir
	case WorkingDir:
		return s.WorkingDir
	default:
		panic(fmt.Sprintf("settings: unknown context dir %q", key))
	}
}

// Parameters returns the subset of settings that invalidate an entire
// custody cache when changed. Values are strings so they serialize
// identically regardless of platform path conventions.
func (s Settings) Parameters(engineVersion string) map[string]string {
	return map[string]string{
		"input_dir":      s.InputDir,
		"output_dir":     s.OutputDir,
		"working_dir":    s.WorkingDir,
		"engine_version": engineVersion,
	}
}

// LoadFile reads a YAML settings document from path and resolves it.
func LoadFile(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, &ConfigError{Field: "path", Message: err.Error()}
	}

	var in InputSettings
	if err := yaml.Unmarshal(data, &in); err != nil {
		return Settings{}, &ConfigError{Field: "path", Message: fmt.Sprintf("parsing %s: %v", path, err)}
	}
	return Resolve(in)
}

// Resolve validates an InputSettings and fills in defaults to produce an
// immutable Settings record:
//
//   - input_dir is required.
//   - output_dir defaults to {input_dir}/build.
//   - working_dir defaults to a freshly created per-run scratch directory.
//   - custody_cache may be left unset, disabling caching.
func Resolve(in InputSettings) (Settings, error) {
	if in.InputDir == "" {
		return Settings{}, &ConfigError{Field: "input_dir", Message: "is required"}
	}
	inputDir, err := filepath.Abs(in.InputDir)
	if err != nil {
		return Settings{}, &ConfigError{Field: "input_dir", Message: err.Error()}
	}
	if info, err := os.Stat(inputDir); err != nil || !info.IsDir() {
		return Settings{}, &ConfigError{Field: "input_dir", Message: fmt.Sprintf("%s is not a directory", inputDir)}
	}

	outputDir := in.OutputDir
	if outputDir == "" {
		outputDir = filepath.Join(inputDir, "build")
	}
	outputDir, err = filepath.Abs(outputDir)
	if err != nil {
		return Settings{}, &ConfigError{Field: "output_dir", Message: err.Error()}
	}

	if outputDir == inputDir {
		return Settings{}, &ConfigError{Field: "output_dir", Message: "must not equal input_dir"}
	}

	var ownedWorkingDir bool
	workingDir := in.WorkingDir
	if workingDir == "" {
		workingDir = filepath.Join(os.TempDir(), "weave-"+uuid.NewString())
		ownedWorkingDir = true
	}
	workingDir, err = filepath.Abs(workingDir)
	if err != nil {
		return Settings{}, &ConfigError{Field: "working_dir", Message: err.Error()}
	}
	if workingDir == inputDir {
		return Settings{}, &ConfigError{Field: "working_dir", Message: "must not equal input_dir"}
	}

	var custodyCache string
	if in.CustodyCache != "" {
		custodyCache, err = filepath.Abs(in.CustodyCache)
		if err != nil {
			return Settings{}, &ConfigError{Field: "custody_cache", Message: err.Error()}
		}
	}

	var purgeDirs bool
	if in.PurgeDirs != nil {
		purgeDirs = *in.PurgeDirs
	}

	if ownedWorkingDir {
		if err := os.MkdirAll(workingDir, 0o755); err != nil {
			return Settings{}, &ConfigError{Field: "working_dir", Message: err.Error()}
		}
	}

	return Settings{
		InputDir:        inputDir,
		OutputDir:       outputDir,
		WorkingDir:      workingDir,
		CustodyCache:    custodyCache,
		PurgeDirs:       purgeDirs,
		ownedWorkingDir: ownedWorkingDir,
	}, nil
}
