// Package main is the entry point for the vastor-upgrade job.
//
// vastor-upgrade moves a vastor storage cluster from its deployed
// version to a target version: it reads cluster state, validates the
// transition, applies the bundled Helm chart per component in
// dependency order, and verifies health after each step. Progress is
// forward-only; a failed component halts the run and nothing is rolled
// back.
//
// Commands: run, plan, version, completion.
//
// For detailed usage information, run:
//
//	vastor-upgrade --help
package main

import (
	"fmt"
	"os"

	"github.com/vastor-io/vastor-upgrade/cmd/vastor-upgrade/commands"
)

// Version information set by goreleaser at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersionInfo(version, commit, date)
	if err := commands.Root().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
