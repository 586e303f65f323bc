package compat

import "sort"

// ComponentSpec describes one upgradeable sub-service: what to set in
// the chart, where to observe its pods, and its position in the upgrade
// order. Lower ranks upgrade first.
type ComponentSpec struct {
	Name           string
	Rank           int
	CurrentVersion string
	TargetVersion  string
	// ValuesKey is the chart values path prefix owning this component's
	// image settings, e.g. "agents.core" -> agents.core.image.tag.
	ValuesKey string
	// Selector is the pod label selector used for readiness counts.
	Selector string
	// MinReplicas is the readiness floor below which the component is
	// never considered converged.
	MinReplicas int
	// Image overrides the chart's default image repository when set.
	Image string
	// DataPlane marks components that serve I/O; their pods are not
	// restarted by the chart apply and need the rolling restart path.
	DataPlane bool
}

// componentTable is the fixed set of vastor components in dependency
// order. Control-plane agents come before the API surface, CSI sidecars
// after, and the io-engine last.
var componentTable = []ComponentSpec{
	{Name: "agent-core", Rank: 0, ValuesKey: "agents.core", Selector: "app=agent-core", MinReplicas: 1},
	{Name: "api-rest", Rank: 1, ValuesKey: "apis.rest", Selector: "app=api-rest", MinReplicas: 1},
	{Name: "csi-controller", Rank: 2, ValuesKey: "csi.controller", Selector: "app=csi-controller", MinReplicas: 1},
	{Name: "csi-node", Rank: 3, ValuesKey: "csi.node", Selector: "app=csi-node", MinReplicas: 1},
	{Name: "io-engine", Rank: 4, ValuesKey: "io_engine", Selector: "app=io-engine", MinReplicas: 1, DataPlane: true},
}

// Components returns the component table ordered by rank. The returned
// slice is a copy; callers may mutate it freely.
func Components() []ComponentSpec {
	out := make([]ComponentSpec, len(componentTable))
	copy(out, componentTable)
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

// DataPlaneName returns the name of the component marked DataPlane in
// the table.
func DataPlaneName() string {
	for _, c := range componentTable {
		if c.DataPlane {
			return c.Name
		}
	}
	return ""
}

// Selectors returns component name -> pod label selector for every
// known component. Used to build health snapshots.
func Selectors() map[string]string {
	out := make(map[string]string, len(componentTable))
	for _, c := range componentTable {
		out[c.Name] = c.Selector
	}
	return out
}
