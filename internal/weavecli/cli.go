// Package weavecli wires the Cobra command tree for cmd/weave: a "build"
// command that drives one full Engine.Run and a "doctor" command that runs
// the dependency audit without touching any files.
package weavecli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"weave/internal/builtins"
	"weave/internal/engine"
	"weave/internal/match"
	"weave/internal/pathcalc"
	"weave/internal/rule"
	"weave/internal/settings"
)

// ConfigExitError marks an error that should surface as exit code 2
// (misconfiguration), wrapping a *settings.ConfigError or equivalent.
type ConfigExitError struct {
	Err error
}

func (e *ConfigExitError) Error() string { return e.Err.Error() }
func (e *ConfigExitError) Unwrap() error { return e.Err }

// AsConfigExitError is a thin errors.As wrapper so main doesn't need to
// import the errors package just to unwrap one type.
func AsConfigExitError(err error, target **ConfigExitError) bool {
	return errors.As(err, target)
}

// NewRootCommand builds the weave command tree.
func NewRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "weave",
		Short: "Run a rule-based file processing pipeline",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "weave.yaml", "path to the project settings file")

	root.AddCommand(newBuildCommand(&configPath))
	root.AddCommand(newDoctorCommand(&configPath))
	return root
}

func newBuildCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Run the pipeline once: discover, process, clean up orphans, save the cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs, err := loadSettings(*configPath)
			if err != nil {
				return err
			}

			log := slog.New(slog.NewTextHandler(os.Stderr, nil))
			eng, err := engine.New(dirs, demoRules(), engine.WithLogger(log))
			if err != nil {
				return err
			}
			report, err := eng.Run(cmd.Context())
			if err != nil {
				return err
			}
			for _, orphan := range report.OrphansRemoved {
				log.Info("removed orphan", "path", orphan)
			}
			return nil
		},
	}
}

func newDoctorCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Audit the configured rules' transform dependencies without running a build",
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs, err := loadSettings(*configPath)
			if err != nil {
				return err
			}
			_, err = engine.New(dirs, demoRules())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "all declared transform dependencies are satisfied")
			return nil
		},
	}
}

func loadSettings(path string) (settings.Settings, error) {
	dirs, err := settings.LoadFile(path)
	if err != nil {
		var cfgErr *settings.ConfigError
		if errors.As(err, &cfgErr) {
			return settings.Settings{}, &ConfigExitError{Err: cfgErr}
		}
		return settings.Settings{}, err
	}
	return dirs, nil
}

// demoRules builds a small illustrative pipeline — drop dotfiles, copy
// everything else through verbatim — so `weave build`/`weave doctor` are
// runnable out of the box without a user-supplied rule set. Real projects
// supply their own rules via the public matcher/calculator/transform
// abstractions.
func demoRules() []rule.Rule {
	dotfile, err := match.NewRegexMatcher(`(^|/)\..+`, "")
	if err != nil {
		panic(err)
	}
	everything, err := match.NewRegexMatcher(`.*`, "")
	if err != nil {
		panic(err)
	}

	return []rule.Rule{
		{Matcher: dotfile},
		{
			Matcher:   everything,
			PathCalcs: []pathcalc.PathCalc{pathcalc.NewDirPathCalc(settings.OutputDir, "")},
			Transform: builtins.Copy{},
		},
	}
}
