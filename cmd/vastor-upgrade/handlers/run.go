package handlers

import (
	"context"
	"fmt"
	"log"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"

	"github.com/vastor-io/vastor-upgrade/internal/cluster"
	"github.com/vastor-io/vastor-upgrade/internal/compat"
	"github.com/vastor-io/vastor-upgrade/internal/config"
	"github.com/vastor-io/vastor-upgrade/internal/health"
	"github.com/vastor-io/vastor-upgrade/internal/helm"
	"github.com/vastor-io/vastor-upgrade/internal/k8s"
	"github.com/vastor-io/vastor-upgrade/internal/upgrade"
)

// runLeaseName is the coordination Lease guarding against concurrent
// upgrade runs in one cluster.
const runLeaseName = "vastor-upgrade"

// Run handles the run command.
//
// It wires the control-plane REST client, the Kubernetes client, the
// Helm applier, and the health verifier into the orchestrator and
// executes the upgrade. The per-component summary is printed regardless
// of outcome; the returned error makes the process exit non-zero on a
// failed run.
func Run(ctx context.Context, opts RunOptions) error {
	cfg, err := loadConfig(opts.ClusterOptions)
	if err != nil {
		return err
	}
	if opts.Force {
		cfg.Force = true
	}
	if opts.RestartDataPlane {
		cfg.RestartDataPlane = true
	}
	if opts.PollInterval > 0 {
		cfg.PollInterval = opts.PollInterval
	}
	if opts.ComponentTimeout > 0 {
		cfg.ComponentTimeout = opts.ComponentTimeout
	}

	if err := helm.ValidateChartDir(cfg.ChartDir, cfg.ChartName); err != nil {
		return fmt.Errorf("chart validation failed: %w", err)
	}

	restClient, err := cluster.NewRESTClient(cfg.RestEndpoint)
	if err != nil {
		return err
	}
	k8sClient, err := k8s.NewClient(cfg.KubeconfigPath, cfg.Namespace, cfg.PodName)
	if err != nil {
		return fmt.Errorf("failed to build Kubernetes client: %w", err)
	}

	applier, err := helm.NewApplier(k8sClient.RESTConfig(), cfg.Namespace, cfg.ReleaseName, cfg.ChartDir, cfg.HelmTimeout, helmLogger())
	if err != nil {
		return fmt.Errorf("failed to initialise Helm: %w", err)
	}
	if _, err := applier.ReleaseStatus(); err != nil {
		return fmt.Errorf("release validation failed: %w", err)
	}

	reader := cluster.NewReader(restClient, k8sClient, cfg.Namespace, compat.Selectors())
	lease := k8s.NewRunLease(k8sClient, runLeaseName, cfg.LeaseDuration)

	verifier := health.NewVerifier(reader, cfg.PollInterval, cfg.ComponentTimeout)

	orch := upgrade.New(reader, compat.DefaultGraph(), applier, verifier, lease, upgrade.Options{
		Target: compat.Target{
			Version:        cfg.TargetVersion,
			ImageOverrides: cfg.ImageOverrides,
		},
		Force:         cfg.Force,
		RenewInterval: cfg.LeaseDuration / 3,
	})

	if cfg.PodName != "" {
		recorder, err := k8sClient.NewJobRecorder(ctx, cfg.PodName)
		if err != nil {
			log.Printf("events disabled: %v", err)
		} else {
			defer recorder.Shutdown()
			orch.WithEvents(recorder)
		}
	}

	if cfg.RestartDataPlane {
		orch.WithDataPlaneRestarter(dataPlaneUpgrader(restClient, k8sClient, cfg))
	}

	run, err := orch.Execute(ctx)
	fmt.Print(renderRunSummary(run))
	return err
}

// dataPlaneUpgrader builds the rolling io-engine restarter. Control
// plane selectors cover every non-data-plane component.
func dataPlaneUpgrader(api upgrade.StorageNodeAPI, pods upgrade.PodManager, cfg *config.Config) *upgrade.DataPlaneUpgrader {
	var engineSelector string
	var controlPlane []string
	for _, component := range compat.Components() {
		if component.DataPlane {
			engineSelector = component.Selector
		} else {
			controlPlane = append(controlPlane, component.Selector)
		}
	}
	return upgrade.NewDataPlaneUpgrader(api, pods, engineSelector, controlPlane, cfg.PollInterval, cfg.ComponentTimeout, log.Default())
}

// helmLogger bridges the Helm SDK debug output into the standard
// logger at a low verbosity.
func helmLogger() logr.Logger {
	return funcr.New(func(prefix, args string) {
		if prefix != "" {
			log.Printf("[helm] %s: %s", prefix, args)
		} else {
			log.Printf("[helm] %s", args)
		}
	}, funcr.Options{Verbosity: 1})
}
