package handlers

import (
	"context"
	"fmt"

	"github.com/vastor-io/vastor-upgrade/internal/cluster"
	"github.com/vastor-io/vastor-upgrade/internal/compat"
	"github.com/vastor-io/vastor-upgrade/internal/k8s"
)

// Plan handles the plan command.
//
// It reads the deployed version, runs the compatibility check against
// the target, and prints the component sequence a run would follow.
// Nothing is applied and no lease is taken.
func Plan(ctx context.Context, opts PlanOptions) error {
	cfg, err := loadConfig(opts.ClusterOptions)
	if err != nil {
		return err
	}

	restClient, err := cluster.NewRESTClient(cfg.RestEndpoint)
	if err != nil {
		return err
	}
	k8sClient, err := k8s.NewClient(cfg.KubeconfigPath, cfg.Namespace, cfg.PodName)
	if err != nil {
		return fmt.Errorf("failed to build Kubernetes client: %w", err)
	}

	reader := cluster.NewReader(restClient, k8sClient, cfg.Namespace, compat.Selectors())
	current, snapshot, err := reader.Read(ctx)
	if err != nil {
		return err
	}

	target := compat.Target{Version: cfg.TargetVersion, ImageOverrides: cfg.ImageOverrides}
	components, err := compat.DefaultGraph().Plan(current, target)
	if err != nil {
		return fmt.Errorf("upgrade %s -> %s is not possible: %w", current, cfg.TargetVersion, err)
	}

	fmt.Print(renderPlanSummary(current, cfg.TargetVersion, components, snapshot))
	return nil
}
