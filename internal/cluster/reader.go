package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vastor-io/vastor-upgrade/internal/util/retry"
)

// ErrClusterUnreachable is returned once bounded retries against the
// control plane are exhausted. The caller decides whether to abort.
var ErrClusterUnreachable = errors.New("control plane unreachable")

// PodObserver reports replica readiness for a pod label selector.
// Implemented by the Kubernetes client; kept as an interface so the
// reader can be exercised with fakes.
type PodObserver interface {
	ReplicaCounts(ctx context.Context, namespace, labelSelector string) (ready, desired int, err error)
}

// ControlPlaneAPI is the read-only subset of the REST client the reader
// depends on.
type ControlPlaneAPI interface {
	Version(ctx context.Context) (string, error)
	Nodes(ctx context.Context) ([]Node, error)
	Volumes(ctx context.Context) ([]Volume, error)
}

// Reader captures cluster version and health snapshots. It performs
// read-only queries only and caches nothing beyond a single snapshot.
type Reader struct {
	api       ControlPlaneAPI
	pods      PodObserver
	namespace string
	selectors map[string]string
	retryOpts []retry.Option
}

// NewReader builds a reader. selectors maps component name to the pod
// label selector used for its readiness counts.
func NewReader(api ControlPlaneAPI, pods PodObserver, namespace string, selectors map[string]string, retryOpts ...retry.Option) *Reader {
	return &Reader{
		api:       api,
		pods:      pods,
		namespace: namespace,
		selectors: selectors,
		retryOpts: retryOpts,
	}
}

// Read returns the current control-plane version and a fresh health
// snapshot. Transient failures are retried with exponential backoff;
// once attempts are exhausted the error wraps ErrClusterUnreachable.
func (r *Reader) Read(ctx context.Context) (string, *HealthSnapshot, error) {
	var version string
	var snapshot *HealthSnapshot

	err := retry.Do(ctx, func() error {
		v, err := r.api.Version(ctx)
		if err != nil {
			return err
		}
		s, err := r.snapshot(ctx)
		if err != nil {
			return err
		}
		version, snapshot = v, s
		return nil
	}, r.retryOpts...)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrClusterUnreachable, err)
	}
	return version, snapshot, nil
}

// Snapshot returns a fresh health snapshot without re-reading the
// version. Used by the health verifier's poll loop.
func (r *Reader) Snapshot(ctx context.Context) (*HealthSnapshot, error) {
	var snapshot *HealthSnapshot
	err := retry.Do(ctx, func() error {
		s, err := r.snapshot(ctx)
		if err != nil {
			return err
		}
		snapshot = s
		return nil
	}, r.retryOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClusterUnreachable, err)
	}
	return snapshot, nil
}

func (r *Reader) snapshot(ctx context.Context) (*HealthSnapshot, error) {
	nodes, err := r.api.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	volumes, err := r.api.Volumes(ctx)
	if err != nil {
		return nil, err
	}

	snap := &HealthSnapshot{
		ObservedAt: time.Now(),
		NodeCount:  len(nodes),
		Components: make(map[string]ComponentHealth, len(r.selectors)),
	}

	for _, node := range nodes {
		if node.State != nil && node.State.Status == NodeOnline {
			snap.ReadyNodeCount++
		}
		if node.Spec != nil && node.Spec.CordonDrainState == NodeDraining {
			snap.DrainInProgress = true
		}
	}

	for _, vol := range volumes {
		if vol.State == nil {
			continue
		}
		if vol.State.Status != "Online" {
			snap.DegradedVolumes++
		}
		if vol.State.Target == nil {
			continue
		}
		for _, child := range vol.State.Target.Children {
			if child.RebuildProgress != nil {
				snap.RebuildInProgress = true
				break
			}
		}
	}

	for name, selector := range r.selectors {
		ready, desired, err := r.pods.ReplicaCounts(ctx, r.namespace, selector)
		if err != nil {
			return nil, fmt.Errorf("failed to read replica counts for %s: %w", name, err)
		}
		snap.Components[name] = ComponentHealth{ReadyReplicas: ready, DesiredReplicas: desired}
	}

	return snap, nil
}
