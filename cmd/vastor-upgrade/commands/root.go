// Package commands defines the CLI command structure and flag bindings.
//
// This package contains cobra command definitions that handle argument
// parsing, flag binding, and validation. Command execution is delegated
// to handler functions in the handlers package.
package commands

import "github.com/spf13/cobra"

// Root returns the root command for the vastor-upgrade CLI.
func Root() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vastor-upgrade",
		Short: "Upgrade a vastor storage cluster to a target version",
	}

	cmd.AddCommand(Run())
	cmd.AddCommand(Plan())
	cmd.AddCommand(Version())
	cmd.AddCommand(Completion())

	return cmd
}
