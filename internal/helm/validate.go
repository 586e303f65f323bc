package helm

import (
	"fmt"
	"os"
	"path/filepath"

	"sigs.k8s.io/yaml"
)

// chartMetadata is the subset of Chart.yaml the validator reads.
type chartMetadata struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ValidateChartDir checks that dir holds a chart for chartName with the
// layout the job image is built with: Chart.yaml, values.yaml, a
// templates directory, and a charts directory. The charts directory is
// produced by `helm dependency update` at image build time; its absence
// means the image was built wrong.
func ValidateChartDir(dir, chartName string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("failed to validate chart directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	chartYAML := filepath.Join(dir, "Chart.yaml")
	data, err := os.ReadFile(chartYAML)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", chartYAML, err)
	}
	var meta chartMetadata
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("failed to parse %s: %w", chartYAML, err)
	}
	if meta.Name != chartName {
		return fmt.Errorf("chart at %s is %q, expected %q", dir, meta.Name, chartName)
	}

	for _, file := range []string{"values.yaml"} {
		path := filepath.Join(dir, file)
		fi, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("failed to validate %s: %w", path, err)
		}
		if fi.IsDir() {
			return fmt.Errorf("%s is not a file", path)
		}
	}

	for _, sub := range []string{"templates", "charts"} {
		path := filepath.Join(dir, sub)
		fi, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("failed to validate %s: %w", path, err)
		}
		if !fi.IsDir() {
			return fmt.Errorf("%s is not a directory", path)
		}
	}

	return nil
}
