// Package compat decides whether an upgrade between two control-plane
// versions is permitted and in what order components must move. It is
// the single authority on ordering and permissibility; nothing else may
// bypass it.
package compat

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// ErrUnknownVersion is returned when a version does not appear in the
// compatibility graph at all.
var ErrUnknownVersion = errors.New("version not present in compatibility graph")

// IncompatibleError reports a transition the graph does not vet as safe.
// Multi-hop paths are deliberately not chained: skipping a release skips
// its migrations.
type IncompatibleError struct {
	Current string
	Target  string
	Reason  string
}

func (e *IncompatibleError) Error() string {
	return fmt.Sprintf("upgrade from %s to %s is not supported: %s", e.Current, e.Target, e.Reason)
}

// Target is the requested end state of one upgrade run. Immutable for
// the lifetime of a run.
type Target struct {
	Version string
	// ImageOverrides maps component name to a full image reference that
	// replaces the chart default for that component.
	ImageOverrides map[string]string
}

// Graph is an explicit adjacency structure over minor release series
// ("1.2" -> {"1.3"}). Only edges declared here are traversable; patch
// moves within a series are always allowed.
type Graph struct {
	edges map[string]map[string]struct{}
}

// defaultEdges lists the vetted single-increment transitions between
// vastor release series.
var defaultEdges = map[string][]string{
	"1.0": {"1.1"},
	"1.1": {"1.2"},
	"1.2": {"1.3"},
	"1.3": {"1.4"},
	"1.4": {},
}

// DefaultGraph returns the built-in compatibility graph.
func DefaultGraph() *Graph {
	return NewGraph(defaultEdges)
}

// NewGraph builds a graph from a from-series -> to-series adjacency map.
func NewGraph(adjacency map[string][]string) *Graph {
	edges := make(map[string]map[string]struct{}, len(adjacency))
	for from, tos := range adjacency {
		set := make(map[string]struct{}, len(tos))
		for _, to := range tos {
			set[to] = struct{}{}
		}
		edges[from] = set
	}
	return &Graph{edges: edges}
}

// Plan validates the transition from current to target and returns the
// ordered component sequence for the run. Failure modes:
//
//   - ErrUnknownVersion: current or target series missing from the graph
//   - *IncompatibleError: downgrade, no-op, or undeclared (multi-hop) skip
func (g *Graph) Plan(current string, target Target) ([]ComponentSpec, error) {
	cur, err := semver.NewVersion(current)
	if err != nil {
		return nil, fmt.Errorf("failed to parse current version %q: %w", current, err)
	}
	tgt, err := semver.NewVersion(target.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to parse target version %q: %w", target.Version, err)
	}

	curSeries := series(cur)
	tgtSeries := series(tgt)

	if _, ok := g.edges[curSeries]; !ok {
		return nil, fmt.Errorf("current version %s: %w", current, ErrUnknownVersion)
	}
	if _, ok := g.edges[tgtSeries]; !ok {
		return nil, fmt.Errorf("target version %s: %w", target.Version, ErrUnknownVersion)
	}

	switch {
	case tgt.LessThan(cur):
		return nil, &IncompatibleError{Current: current, Target: target.Version, Reason: "downgrades are not supported"}
	case tgt.Equal(cur):
		return nil, &IncompatibleError{Current: current, Target: target.Version, Reason: "cluster is already at the target version"}
	}

	if curSeries != tgtSeries {
		if _, ok := g.edges[curSeries][tgtSeries]; !ok {
			return nil, &IncompatibleError{
				Current: current,
				Target:  target.Version,
				Reason:  fmt.Sprintf("no declared transition from series %s to %s; upgrade one release at a time", curSeries, tgtSeries),
			}
		}
	}

	components := Components()
	for i := range components {
		components[i].CurrentVersion = current
		components[i].TargetVersion = target.Version
		components[i].Image = target.ImageOverrides[components[i].Name]
	}

	if err := validateRanks(components); err != nil {
		return nil, err
	}
	return components, nil
}

// validateRanks rejects duplicate ranks: ordering must be a total order
// for a single run.
func validateRanks(components []ComponentSpec) error {
	seen := make(map[int]string, len(components))
	for _, c := range components {
		if other, dup := seen[c.Rank]; dup {
			return fmt.Errorf("components %s and %s share rank %d", other, c.Name, c.Rank)
		}
		seen[c.Rank] = c.Name
	}
	return nil
}

func series(v *semver.Version) string {
	return fmt.Sprintf("%d.%d", v.Major(), v.Minor())
}
