package helm

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"helm.sh/helm/v3/pkg/action"
	"helm.sh/helm/v3/pkg/chart/loader"
	"helm.sh/helm/v3/pkg/chartutil"
	kubefake "helm.sh/helm/v3/pkg/kube/fake"
	"helm.sh/helm/v3/pkg/release"
	"helm.sh/helm/v3/pkg/storage"
	"helm.sh/helm/v3/pkg/storage/driver"

	"github.com/vastor-io/vastor-upgrade/internal/compat"
)

func TestComponentValues_NestedKey(t *testing.T) {
	t.Parallel()
	values := componentValues(compat.ComponentSpec{
		Name:          "agent-core",
		ValuesKey:     "agents.core",
		TargetVersion: "1.3.0",
	})

	agents, ok := values["agents"].(map[string]interface{})
	require.True(t, ok)
	core, ok := agents["core"].(map[string]interface{})
	require.True(t, ok)
	image, ok := core["image"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "1.3.0", image["tag"])
	assert.NotContains(t, image, "repository")
}

func TestComponentValues_FlatKey(t *testing.T) {
	t.Parallel()
	values := componentValues(compat.ComponentSpec{
		Name:          "io-engine",
		ValuesKey:     "io_engine",
		TargetVersion: "1.3.0",
	})

	engine, ok := values["io_engine"].(map[string]interface{})
	require.True(t, ok)
	image, ok := engine["image"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "1.3.0", image["tag"])
}

func TestComponentValues_ImageOverride(t *testing.T) {
	t.Parallel()
	values := componentValues(compat.ComponentSpec{
		Name:          "io-engine",
		ValuesKey:     "io_engine",
		TargetVersion: "1.3.0",
		Image:         "registry.test/io-engine:nightly",
	})

	engine := values["io_engine"].(map[string]interface{})
	image := engine["image"].(map[string]interface{})
	assert.Equal(t, "registry.test/io-engine", image["repository"])
	assert.Equal(t, "nightly", image["tag"])
}

func TestComponentValues_Deterministic(t *testing.T) {
	t.Parallel()
	spec := compat.ComponentSpec{
		Name:          "agent-core",
		ValuesKey:     "agents.core",
		TargetVersion: "1.3.0",
	}

	// Re-applying one component must reconcile to the same state: with
	// ReuseValues the overlay is the only input that varies, so equal
	// overlays make the second apply a no-op.
	assert.Equal(t, componentValues(spec), componentValues(spec))
}

// applyChartDir writes a loadable chart whose rendered output depends
// only on the agent-core image tag.
func applyChartDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Chart.yaml"),
		[]byte("apiVersion: v2\nname: vastor\nversion: 1.3.0\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "values.yaml"),
		[]byte("agents:\n  core:\n    image:\n      tag: 1.2.0\n"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "templates"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "templates", "configmap.yaml"),
		[]byte("apiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: agent-core\ndata:\n  tag: {{ .Values.agents.core.image.tag | quote }}\n"), 0o644))
	return dir
}

func memoryApplier(t *testing.T, chartDir string) (*Applier, *action.Configuration) {
	t.Helper()
	cfg := &action.Configuration{
		Releases:     storage.Init(driver.NewMemory()),
		KubeClient:   &kubefake.FailingKubeClient{PrintingKubeClient: kubefake.PrintingKubeClient{Out: io.Discard}},
		Capabilities: chartutil.DefaultCapabilities,
		Log:          func(string, ...interface{}) {},
	}
	return &Applier{
		actionConfig: cfg,
		releaseName:  "vastor",
		namespace:    "vastor",
		chartDir:     chartDir,
		timeout:      time.Minute,
		log:          logr.Discard(),
	}, cfg
}

func TestApply_ReappliedSpecReconcilesToSameState(t *testing.T) {
	t.Parallel()
	dir := applyChartDir(t)
	chrt, err := loader.Load(dir)
	require.NoError(t, err)

	applier, cfg := memoryApplier(t, dir)
	require.NoError(t, cfg.Releases.Create(&release.Release{
		Name:      "vastor",
		Namespace: "vastor",
		Version:   1,
		Info:      &release.Info{Status: release.StatusDeployed},
		Chart:     chrt,
		Config:    map[string]interface{}{},
	}))

	spec := compat.ComponentSpec{Name: "agent-core", ValuesKey: "agents.core", TargetVersion: "1.3.0"}

	first, err := applier.Apply(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Revision)

	// A crash after the apply loses only run state. Re-applying the
	// same component spec must land the release in the identical
	// state, just one revision later.
	second, err := applier.Apply(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 3, second.Revision)

	rel2, err := cfg.Releases.Get("vastor", 2)
	require.NoError(t, err)
	rel3, err := cfg.Releases.Get("vastor", 3)
	require.NoError(t, err)
	assert.Equal(t, rel2.Config, rel3.Config)
	assert.Equal(t, rel2.Manifest, rel3.Manifest)
}

func TestSplitImageRef(t *testing.T) {
	t.Parallel()
	cases := []struct {
		ref  string
		repo string
		tag  string
	}{
		{"registry.test/io-engine:nightly", "registry.test/io-engine", "nightly"},
		{"registry.test/io-engine", "registry.test/io-engine", ""},
		{"localhost:5000/io-engine", "localhost:5000/io-engine", ""},
		{"localhost:5000/io-engine:dev", "localhost:5000/io-engine", "dev"},
	}
	for _, tc := range cases {
		repo, tag := splitImageRef(tc.ref)
		assert.Equal(t, tc.repo, repo, tc.ref)
		assert.Equal(t, tc.tag, tag, tc.ref)
	}
}
