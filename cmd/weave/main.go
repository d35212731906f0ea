// Command weave drives a rule-based file pipeline from a YAML settings
// file, demonstrating the external configuration contract every real
// project's own main package would follow.
package main

import (
	"fmt"
	"os"

	"weave/internal/weavecli"
)

// Exit codes match the contract every collaborator CLI is expected to
// honor: 0 success, 1 user-visible failure, 2 misconfiguration.
const (
	exitSuccess = 0
	exitFailure = 1
	exitConfig  = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cmd := weavecli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		var ce *weavecli.ConfigExitError
		if weavecli.AsConfigExitError(err, &ce) {
			fmt.Fprintln(os.Stderr, ce.Error())
			return exitConfig
		}
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}
	return exitSuccess
}
