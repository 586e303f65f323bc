package commands

import (
	"github.com/spf13/cobra"

	"github.com/vastor-io/vastor-upgrade/cmd/vastor-upgrade/handlers"
)

// Plan returns the command that previews an upgrade without applying
// anything. It reads the deployed version, runs the compatibility
// check, and prints the component sequence the run would follow.
func Plan() *cobra.Command {
	var opts handlers.PlanOptions

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Preview the upgrade without applying anything",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.Plan(cmd.Context(), opts)
		},
	}

	bindClusterFlags(cmd, &opts.ClusterOptions)

	return cmd
}
