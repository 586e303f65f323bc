package upgrade

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"

	"github.com/vastor-io/vastor-upgrade/internal/cluster"
)

// DrainLabel marks drains issued by this job so only our own cordons
// are removed afterwards.
const DrainLabel = "vastor-upgrade"

// StorageNodeAPI is the control-plane surface the data-plane restart
// needs: node cordon/drain control and rebuild observation.
type StorageNodeAPI interface {
	Node(ctx context.Context, name string) (*cluster.Node, error)
	Nodes(ctx context.Context) ([]cluster.Node, error)
	Volumes(ctx context.Context) ([]cluster.Volume, error)
	DrainNode(ctx context.Context, name, label string) error
	UncordonNode(ctx context.Context, name, label string) error
}

// PodManager is the Kubernetes surface the data-plane restart needs.
type PodManager interface {
	ListPods(ctx context.Context, labelSelector string) ([]corev1.Pod, error)
	DeletePod(ctx context.Context, name string) error
	WaitForPodReadyOnNode(ctx context.Context, labelSelector, nodeName string, interval, timeout time.Duration) error
	AllPodsReady(ctx context.Context, labelSelector string) (ready bool, notReadyPod string, err error)
}

// DataPlaneUpgrader restarts io-engine pods one node at a time. The
// chart apply updates the io-engine DaemonSet spec but its pods use an
// OnDelete update strategy: volumes must be moved off a node before its
// engine restarts, so each pod is drained, deleted, and verified in
// sequence.
type DataPlaneUpgrader struct {
	api  StorageNodeAPI
	pods PodManager

	engineSelector        string
	controlPlaneSelectors []string

	pollInterval  time.Duration
	podTimeout    time.Duration
	rebuildSettle time.Duration

	logger Logger
}

// NewDataPlaneUpgrader wires a rolling restarter. controlPlaneSelectors
// lists the pod selectors that must stay Ready after every node.
func NewDataPlaneUpgrader(api StorageNodeAPI, pods PodManager, engineSelector string, controlPlaneSelectors []string, pollInterval, podTimeout time.Duration, logger Logger) *DataPlaneUpgrader {
	return &DataPlaneUpgrader{
		api:                   api,
		pods:                  pods,
		engineSelector:        engineSelector,
		controlPlaneSelectors: controlPlaneSelectors,
		pollInterval:          pollInterval,
		podTimeout:            podTimeout,
		rebuildSettle:         time.Minute,
		logger:                logger,
	}
}

// WithRebuildSettle overrides the window rebuilds are given to start
// after a drain before polling for completion.
func (d *DataPlaneUpgrader) WithRebuildSettle(settle time.Duration) *DataPlaneUpgrader {
	d.rebuildSettle = settle
	return d
}

// Restart performs the rolling restart. It aborts on the first failure;
// nodes already restarted stay restarted.
func (d *DataPlaneUpgrader) Restart(ctx context.Context) error {
	pods, err := d.pods.ListPods(ctx, d.engineSelector)
	if err != nil {
		return err
	}

	for i := range pods {
		pod := &pods[i]
		nodeName := pod.Spec.NodeName
		if nodeName == "" {
			return fmt.Errorf("pod %s has no node assignment", pod.Name)
		}
		d.logger.Printf("[data-plane] restarting %s on node %s (%d/%d)", pod.Name, nodeName, i+1, len(pods))

		wasCordoned, err := d.isNodeCordoned(ctx, nodeName)
		if err != nil {
			return err
		}

		if err := d.api.DrainNode(ctx, nodeName, DrainLabel); err != nil {
			return err
		}
		if err := d.waitNoDrains(ctx); err != nil {
			return err
		}
		if err := d.waitNoRebuilds(ctx); err != nil {
			return err
		}

		if err := d.pods.DeletePod(ctx, pod.Name); err != nil {
			return err
		}

		// A node the operator had cordoned before the run stays cordoned.
		if !wasCordoned {
			if err := d.api.UncordonNode(ctx, nodeName, DrainLabel); err != nil {
				return err
			}
		}

		if err := d.pods.WaitForPodReadyOnNode(ctx, d.engineSelector, nodeName, d.pollInterval, d.podTimeout); err != nil {
			return fmt.Errorf("replacement io-engine pod on node %s did not become ready: %w", nodeName, err)
		}

		if err := d.verifyControlPlane(ctx); err != nil {
			return err
		}
		d.logger.Printf("[data-plane] node %s restarted", nodeName)
	}
	return nil
}

func (d *DataPlaneUpgrader) isNodeCordoned(ctx context.Context, name string) (bool, error) {
	node, err := d.api.Node(ctx, name)
	if err != nil {
		return false, err
	}
	if node.Spec == nil {
		return false, fmt.Errorf("storage node %s has no spec", name)
	}
	return node.Spec.CordonDrainState == cluster.NodeCordoned, nil
}

// waitNoDrains blocks until no storage node reports a draining state.
func (d *DataPlaneUpgrader) waitNoDrains(ctx context.Context) error {
	for {
		nodes, err := d.api.Nodes(ctx)
		if err != nil {
			return err
		}
		draining := false
		for _, node := range nodes {
			if node.Spec != nil && node.Spec.CordonDrainState == cluster.NodeDraining {
				draining = true
				break
			}
		}
		if !draining {
			return nil
		}
		if err := d.sleep(ctx, d.pollInterval); err != nil {
			return err
		}
	}
}

// waitNoRebuilds gives rebuilds a window to kick in, then blocks until
// none remain in flight.
func (d *DataPlaneUpgrader) waitNoRebuilds(ctx context.Context) error {
	if err := d.sleep(ctx, d.rebuildSettle); err != nil {
		return err
	}
	for {
		rebuilding, err := d.isRebuilding(ctx)
		if err != nil {
			return err
		}
		if !rebuilding {
			return nil
		}
		if err := d.sleep(ctx, d.pollInterval); err != nil {
			return err
		}
	}
}

func (d *DataPlaneUpgrader) isRebuilding(ctx context.Context) (bool, error) {
	volumes, err := d.api.Volumes(ctx)
	if err != nil {
		return false, err
	}
	for _, vol := range volumes {
		if vol.State == nil || vol.State.Target == nil {
			continue
		}
		for _, child := range vol.State.Target.Children {
			if child.RebuildProgress != nil {
				return true, nil
			}
		}
	}
	return false, nil
}

func (d *DataPlaneUpgrader) verifyControlPlane(ctx context.Context) error {
	for _, selector := range d.controlPlaneSelectors {
		ready, notReady, err := d.pods.AllPodsReady(ctx, selector)
		if err != nil {
			return err
		}
		if !ready {
			return fmt.Errorf("control-plane pod %s (selector %s) is not ready", notReady, selector)
		}
	}
	return nil
}

func (d *DataPlaneUpgrader) sleep(ctx context.Context, duration time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(duration):
		return nil
	}
}
