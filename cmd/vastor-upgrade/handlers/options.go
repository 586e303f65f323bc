// Package handlers implements the CLI command logic: wiring the
// cluster readers, the Helm applier, the health verifier, and the
// orchestrator from configuration, and rendering run summaries.
package handlers

import (
	"fmt"
	"time"

	"github.com/vastor-io/vastor-upgrade/internal/config"
)

// ClusterOptions are the flags shared by the run and plan commands.
type ClusterOptions struct {
	ConfigPath     string
	TargetVersion  string
	ChartDir       string
	Namespace      string
	ReleaseName    string
	RestEndpoint   string
	Kubeconfig     string
	ImageOverrides map[string]string
}

// RunOptions contains options for the run command.
type RunOptions struct {
	ClusterOptions

	Force            bool
	RestartDataPlane bool
	PollInterval     time.Duration
	ComponentTimeout time.Duration
}

// PlanOptions contains options for the plan command.
type PlanOptions struct {
	ClusterOptions
}

// loadConfig resolves the effective configuration: the config file when
// given, then flag overrides, then validation.
func loadConfig(opts ClusterOptions) (*config.Config, error) {
	var cfg *config.Config
	if opts.ConfigPath != "" {
		loaded, err := config.ParseFile(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	} else {
		cfg = config.New()
	}

	if opts.TargetVersion != "" {
		cfg.TargetVersion = opts.TargetVersion
	}
	if opts.ChartDir != "" {
		cfg.ChartDir = opts.ChartDir
	}
	if opts.Namespace != "" {
		cfg.Namespace = opts.Namespace
	}
	if opts.ReleaseName != "" {
		cfg.ReleaseName = opts.ReleaseName
	}
	if opts.RestEndpoint != "" {
		cfg.RestEndpoint = opts.RestEndpoint
	}
	if opts.Kubeconfig != "" {
		cfg.KubeconfigPath = opts.Kubeconfig
	}
	if len(opts.ImageOverrides) > 0 {
		cfg.ImageOverrides = opts.ImageOverrides
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
