package cluster

import "time"

// NodeStatus is the control-plane view of a storage node's availability.
type NodeStatus string

const (
	NodeOnline  NodeStatus = "Online"
	NodeOffline NodeStatus = "Offline"
	NodeUnknown NodeStatus = "Unknown"
)

// CordonDrainState mirrors the control-plane node spec drain states.
type CordonDrainState string

const (
	NodeUncordoned CordonDrainState = ""
	NodeCordoned   CordonDrainState = "cordoned"
	NodeDraining   CordonDrainState = "draining"
	NodeDrained    CordonDrainState = "drained"
)

// Node is one storage node as reported by the control-plane REST API.
type Node struct {
	ID    string     `json:"id"`
	Spec  *NodeSpec  `json:"spec,omitempty"`
	State *NodeState `json:"state,omitempty"`
}

// NodeSpec carries the declarative part of a node record.
type NodeSpec struct {
	CordonDrainState CordonDrainState `json:"cordondrainstate,omitempty"`
}

// NodeState carries the observed part of a node record.
type NodeState struct {
	Status NodeStatus `json:"status"`
}

// Volume is one replicated volume as reported by the control-plane REST API.
type Volume struct {
	ID    string       `json:"uuid"`
	State *VolumeState `json:"state,omitempty"`
}

// VolumeState carries the observed health of a volume and its target nexus.
type VolumeState struct {
	Status string        `json:"status"`
	Target *VolumeTarget `json:"target,omitempty"`
}

// VolumeTarget is the nexus serving a volume, with its replica children.
type VolumeTarget struct {
	Children []TargetChild `json:"children"`
}

// TargetChild is one replica attached to a volume target. RebuildProgress
// is set only while the replica is being rebuilt.
type TargetChild struct {
	URI             string `json:"uri"`
	RebuildProgress *int   `json:"rebuildProgress,omitempty"`
}

// VolumePage is one page of a paginated volume listing. NextToken is nil
// on the last page.
type VolumePage struct {
	Entries   []Volume `json:"entries"`
	NextToken *int     `json:"next_token,omitempty"`
}

// ComponentHealth is the observed replica state of one upgradeable component.
type ComponentHealth struct {
	ReadyReplicas   int
	DesiredReplicas int
}

// HealthSnapshot is a point-in-time read of cluster health. It is never
// mutated after capture; every health check takes a fresh snapshot.
type HealthSnapshot struct {
	ObservedAt        time.Time
	NodeCount         int
	ReadyNodeCount    int
	DegradedVolumes   int
	RebuildInProgress bool
	DrainInProgress   bool
	Components        map[string]ComponentHealth
}

// Component returns the component's health, or a zero value when the
// snapshot has no record of it.
func (s *HealthSnapshot) Component(name string) ComponentHealth {
	if s == nil || s.Components == nil {
		return ComponentHealth{}
	}
	return s.Components[name]
}
