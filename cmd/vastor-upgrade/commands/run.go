package commands

import (
	"github.com/spf13/cobra"

	"github.com/vastor-io/vastor-upgrade/cmd/vastor-upgrade/handlers"
)

// Run returns the command that performs the upgrade.
//
// The run acquires a cluster-scoped lease, validates the version
// transition, applies the chart component by component, and verifies
// health after each apply. A second invocation against a cluster with a
// live run fails immediately without touching the cluster.
//
// Required flags (unless supplied via --config):
//
//	--target-version: Version the cluster is upgraded to
//	--chart-dir: Unpacked chart directory baked into the job image
//
// Optional flags:
//
//	--config, -c: Path to a YAML configuration file
//	--force: Bypass health gating (compatibility checks still apply)
//	--restart-data-plane: Roll io-engine pods after the control plane converges
//
// Environment variables:
//
//	VASTOR_REST_ENDPOINT, VASTOR_NAMESPACE, KUBECONFIG, POD_NAME
func Run() *cobra.Command {
	var opts handlers.RunOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Perform the cluster upgrade",
		Long: `Upgrade the vastor cluster to the target version.

The upgrade process:
1. Acquires the cluster-scoped run lease (one upgrade at a time)
2. Reads the deployed version and a health snapshot
3. Validates the transition against the compatibility graph
4. Applies the chart per component in dependency order
5. Verifies component health after each apply
6. Optionally performs a rolling data-plane restart

Progress is forward-only: a failed component halts the run and
components already upgraded stay upgraded.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.Run(cmd.Context(), opts)
		},
	}

	bindClusterFlags(cmd, &opts.ClusterOptions)
	cmd.Flags().BoolVar(&opts.Force, "force", false, "Bypass health gating (compatibility checks still apply)")
	cmd.Flags().BoolVar(&opts.RestartDataPlane, "restart-data-plane", false, "Roll io-engine pods after the control plane converges")
	cmd.Flags().DurationVar(&opts.PollInterval, "poll-interval", 0, "Health poll interval (default 10s)")
	cmd.Flags().DurationVar(&opts.ComponentTimeout, "component-timeout", 0, "Per-component health convergence timeout (default 10m)")

	return cmd
}

// bindClusterFlags binds the flags shared by run and plan.
func bindClusterFlags(cmd *cobra.Command, opts *handlers.ClusterOptions) {
	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&opts.TargetVersion, "target-version", "", "Version to upgrade the cluster to")
	cmd.Flags().StringVar(&opts.ChartDir, "chart-dir", "", "Unpacked chart directory")
	cmd.Flags().StringVar(&opts.Namespace, "namespace", "", "Namespace the release lives in")
	cmd.Flags().StringVar(&opts.ReleaseName, "release-name", "", "Installed Helm release to upgrade")
	cmd.Flags().StringVar(&opts.RestEndpoint, "rest-endpoint", "", "Control-plane REST API base URL")
	cmd.Flags().StringVar(&opts.Kubeconfig, "kubeconfig", "", "Path to kubeconfig (empty for in-cluster)")
	cmd.Flags().StringToStringVar(&opts.ImageOverrides, "image-override", nil, "Component image repository overrides (component=repository)")
}
