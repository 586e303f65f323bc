package helm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeChartDir(t *testing.T, name string, withCharts bool) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Chart.yaml"),
		[]byte("name: "+name+"\nversion: 1.3.0\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "values.yaml"),
		[]byte("image:\n  tag: 1.3.0\n"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "templates"), 0o755))
	if withCharts {
		require.NoError(t, os.Mkdir(filepath.Join(dir, "charts"), 0o755))
	}
	return dir
}

func TestValidateChartDir_Valid(t *testing.T) {
	t.Parallel()
	dir := writeChartDir(t, "vastor", true)
	assert.NoError(t, ValidateChartDir(dir, "vastor"))
}

func TestValidateChartDir_WrongChartName(t *testing.T) {
	t.Parallel()
	dir := writeChartDir(t, "something-else", true)
	err := ValidateChartDir(dir, "vastor")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "something-else")
}

func TestValidateChartDir_MissingChartsDir(t *testing.T) {
	t.Parallel()
	dir := writeChartDir(t, "vastor", false)
	err := ValidateChartDir(dir, "vastor")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "charts")
}

func TestValidateChartDir_MissingDir(t *testing.T) {
	t.Parallel()
	err := ValidateChartDir(filepath.Join(t.TempDir(), "nope"), "vastor")
	assert.Error(t, err)
}

func TestValidateChartDir_MissingValues(t *testing.T) {
	t.Parallel()
	dir := writeChartDir(t, "vastor", true)
	require.NoError(t, os.Remove(filepath.Join(dir, "values.yaml")))
	assert.Error(t, ValidateChartDir(dir, "vastor"))
}

func TestValidateChartDir_UnparsableChartYAML(t *testing.T) {
	t.Parallel()
	dir := writeChartDir(t, "vastor", true)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Chart.yaml"), []byte("{not yaml"), 0o644))
	assert.Error(t, ValidateChartDir(dir, "vastor"))
}
