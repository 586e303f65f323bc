// Package config holds the upgrade job configuration: where the
// cluster is, which chart to apply, and how patient the health
// verification should be.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Defaults applied when the file or environment leaves a field unset.
const (
	DefaultNamespace        = "vastor"
	DefaultReleaseName      = "vastor"
	DefaultChartName        = "vastor"
	DefaultRestEndpoint     = "http://vastor-api-rest:8081"
	DefaultPollInterval     = 10 * time.Second
	DefaultComponentTimeout = 10 * time.Minute
	DefaultHelmTimeout      = 15 * time.Minute
	DefaultLeaseDuration    = 2 * time.Minute
)

// Config holds the upgrade job configuration.
type Config struct {
	// Namespace is where the release and its pods live.
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
	// ReleaseName is the installed Helm release to upgrade.
	ReleaseName string `mapstructure:"release_name" yaml:"release_name"`
	// ChartDir is the unpacked chart directory baked into the job image.
	ChartDir string `mapstructure:"chart_dir" yaml:"chart_dir"`
	// ChartName must match the name declared in the chart's Chart.yaml.
	ChartName string `mapstructure:"chart_name" yaml:"chart_name"`

	// RestEndpoint is the control-plane REST API base URL.
	RestEndpoint string `mapstructure:"rest_endpoint" yaml:"rest_endpoint"`
	// KubeconfigPath is empty for in-cluster configuration.
	KubeconfigPath string `mapstructure:"kubeconfig" yaml:"kubeconfig"`

	// TargetVersion is the version the cluster is upgraded to.
	TargetVersion string `mapstructure:"target_version" yaml:"target_version"`
	// ImageOverrides maps component name to an image repository that
	// replaces the chart default.
	ImageOverrides map[string]string `mapstructure:"image_overrides" yaml:"image_overrides"`

	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ComponentTimeout time.Duration `mapstructure:"component_timeout" yaml:"component_timeout"`
	HelmTimeout      time.Duration `mapstructure:"helm_timeout" yaml:"helm_timeout"`
	LeaseDuration    time.Duration `mapstructure:"lease_duration" yaml:"lease_duration"`

	// Force bypasses health gating: pre-run in-flight checks and
	// per-component verification. Compatibility checks still apply.
	Force bool `mapstructure:"force" yaml:"force"`
	// RestartDataPlane enables the rolling io-engine restart after the
	// control-plane components converge.
	RestartDataPlane bool `mapstructure:"restart_data_plane" yaml:"restart_data_plane"`

	// PodName identifies this job's pod, used to bind emitted events to
	// the owning Job. Normally injected via the downward API.
	PodName string `mapstructure:"pod_name" yaml:"pod_name"`
}

// LoadFile reads and parses the configuration from a YAML file, applies
// environment overrides and defaults, and validates the result.
func LoadFile(path string) (*Config, error) {
	cfg, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// ParseFile reads a YAML configuration file without validating it.
// Callers that layer flag overrides on top validate afterwards.
func ParseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Load parses configuration from raw YAML bytes, applies environment
// overrides and defaults, and validates the result.
func Load(data []byte) (*Config, error) {
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Parse decodes raw YAML bytes and applies environment overrides and
// defaults, skipping validation.
func Parse(data []byte) (*Config, error) {
	var rawConfig map[string]interface{}
	if err := yaml.Unmarshal(data, &rawConfig); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml: %w", err)
	}

	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     &cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(rawConfig); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

// New returns a config carrying only defaults and environment
// overrides, for invocations driven entirely by flags.
func New() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

// Environment overrides. POD_NAME is conventionally injected by the Job
// manifest via the downward API.
func (c *Config) applyEnv() {
	if v := os.Getenv("VASTOR_REST_ENDPOINT"); v != "" {
		c.RestEndpoint = v
	}
	if v := os.Getenv("VASTOR_NAMESPACE"); v != "" {
		c.Namespace = v
	}
	if v := os.Getenv("KUBECONFIG"); v != "" && c.KubeconfigPath == "" {
		c.KubeconfigPath = v
	}
	if v := os.Getenv("POD_NAME"); v != "" && c.PodName == "" {
		c.PodName = v
	}
}

func (c *Config) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.ReleaseName == "" {
		c.ReleaseName = DefaultReleaseName
	}
	if c.ChartName == "" {
		c.ChartName = DefaultChartName
	}
	if c.RestEndpoint == "" {
		c.RestEndpoint = DefaultRestEndpoint
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ComponentTimeout <= 0 {
		c.ComponentTimeout = DefaultComponentTimeout
	}
	if c.HelmTimeout <= 0 {
		c.HelmTimeout = DefaultHelmTimeout
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = DefaultLeaseDuration
	}
}

// Validate checks the configuration and returns a detailed error if
// validation fails.
func (c *Config) Validate() error {
	if c.TargetVersion == "" {
		return fmt.Errorf("target_version is required")
	}
	if _, err := semver.NewVersion(c.TargetVersion); err != nil {
		return fmt.Errorf("target_version %q is not a valid semantic version: %w", c.TargetVersion, err)
	}
	if c.ChartDir == "" {
		return fmt.Errorf("chart_dir is required")
	}
	if c.RestEndpoint == "" {
		return fmt.Errorf("rest_endpoint is required")
	}
	if c.PollInterval >= c.ComponentTimeout {
		return fmt.Errorf("poll_interval (%s) must be shorter than component_timeout (%s)",
			c.PollInterval, c.ComponentTimeout)
	}
	return nil
}
