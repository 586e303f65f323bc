// Package helm drives the Helm SDK to apply the vastor chart one
// component at a time. Rendering and reconciliation belong to Helm;
// this package only scopes each upgrade to a single component's values.
package helm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"helm.sh/helm/v3/pkg/action"
	"helm.sh/helm/v3/pkg/chart/loader"
	"helm.sh/helm/v3/pkg/release"
	"k8s.io/client-go/rest"

	"github.com/vastor-io/vastor-upgrade/internal/compat"
)

// ApplyError wraps a failed chart apply for one component. The run
// aborts on it; already-applied manifests are never reverted.
type ApplyError struct {
	Component string
	Err       error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("chart apply failed for component %s: %v", e.Component, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

// ApplyResult reports a successful apply.
type ApplyResult struct {
	Component string
	Release   string
	Revision  int
}

// Applier upgrades the vastor release from the chart directory mounted
// in the job image, one component per call.
type Applier struct {
	actionConfig *action.Configuration
	releaseName  string
	namespace    string
	chartDir     string
	timeout      time.Duration
	log          logr.Logger
}

// NewApplier initializes the Helm action configuration against the
// given cluster. chartDir must already pass ValidateChartDir.
func NewApplier(config *rest.Config, namespace, releaseName, chartDir string, timeout time.Duration, log logr.Logger) (*Applier, error) {
	actionConfig := new(action.Configuration)
	getter := &restClientGetter{config: config, namespace: namespace}

	debugLog := func(format string, v ...interface{}) {
		log.V(1).Info(fmt.Sprintf(format, v...))
	}
	if err := actionConfig.Init(getter, namespace, "secret", debugLog); err != nil {
		return nil, fmt.Errorf("failed to initialize helm action config: %w", err)
	}

	return &Applier{
		actionConfig: actionConfig,
		releaseName:  releaseName,
		namespace:    namespace,
		chartDir:     chartDir,
		timeout:      timeout,
		log:          log,
	}, nil
}

// Apply upgrades the release with values scoped to the one component:
// its image tag, and optionally its image repository when an override
// was supplied. All other values are reused, so re-applying the same
// spec after a crash reconciles to the same state with no extra effect.
func (a *Applier) Apply(ctx context.Context, component compat.ComponentSpec) (*ApplyResult, error) {
	chart, err := loader.Load(a.chartDir)
	if err != nil {
		return nil, &ApplyError{Component: component.Name, Err: fmt.Errorf("failed to load chart from %s: %w", a.chartDir, err)}
	}

	upgrade := action.NewUpgrade(a.actionConfig)
	upgrade.Namespace = a.namespace
	upgrade.ReuseValues = true
	upgrade.Wait = true
	upgrade.Timeout = a.timeout

	rel, err := upgrade.RunWithContext(ctx, a.releaseName, chart, componentValues(component))
	if err != nil {
		return nil, &ApplyError{Component: component.Name, Err: err}
	}

	return &ApplyResult{
		Component: component.Name,
		Release:   rel.Name,
		Revision:  rel.Version,
	}, nil
}

// ReleaseStatus returns the deployed release for the configured name,
// or an error when it does not exist or is not deployed.
func (a *Applier) ReleaseStatus() (*release.Release, error) {
	history := action.NewHistory(a.actionConfig)
	history.Max = 1
	releases, err := history.Run(a.releaseName)
	if err != nil {
		return nil, fmt.Errorf("helm release %s not found in namespace %s: %w", a.releaseName, a.namespace, err)
	}
	rel := releases[0]
	if rel.Info == nil || rel.Info.Status != release.StatusDeployed {
		return nil, fmt.Errorf("helm release %s in namespace %s is not in deployed state", a.releaseName, a.namespace)
	}
	return rel, nil
}

// componentValues builds the values override scoped to one component,
// e.g. {"agents": {"core": {"image": {"tag": "1.3.0"}}}}.
func componentValues(component compat.ComponentSpec) map[string]interface{} {
	image := map[string]interface{}{"tag": component.TargetVersion}
	if component.Image != "" {
		repo, tag := splitImageRef(component.Image)
		image["repository"] = repo
		if tag != "" {
			image["tag"] = tag
		}
	}

	values := map[string]interface{}{"image": image}
	keys := strings.Split(component.ValuesKey, ".")
	for i := len(keys) - 1; i >= 0; i-- {
		values = map[string]interface{}{keys[i]: values}
	}
	return values
}

// splitImageRef separates a tag from an image reference, leaving digest
// or port colons alone when no tag is present.
func splitImageRef(ref string) (repo, tag string) {
	idx := strings.LastIndex(ref, ":")
	if idx < 0 || strings.Contains(ref[idx+1:], "/") {
		return ref, ""
	}
	return ref[:idx], ref[idx+1:]
}
