// Package health polls cluster state after a chart apply until the
// component converges, regresses, or the timeout lapses.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/vastor-io/vastor-upgrade/internal/cluster"
	"github.com/vastor-io/vastor-upgrade/internal/compat"
)

// TimeoutError is returned when a component does not converge within
// the configured window. LastSnapshot is the final observation, kept
// for the operator-facing run log.
type TimeoutError struct {
	Component    string
	LastSnapshot *cluster.HealthSnapshot
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("component %s did not become healthy before the timeout", e.Component)
}

// RegressedError is returned when ready replicas decreased between two
// consecutive polls: the apply made things worse and waiting out the
// timeout would only prolong the damage.
type RegressedError struct {
	Component     string
	Snapshot      *cluster.HealthSnapshot
	PreviousReady int
	CurrentReady  int
}

func (e *RegressedError) Error() string {
	return fmt.Sprintf("component %s regressed: ready replicas dropped from %d to %d",
		e.Component, e.PreviousReady, e.CurrentReady)
}

// SnapshotTaker supplies fresh health snapshots. Implemented by
// cluster.Reader.
type SnapshotTaker interface {
	Snapshot(ctx context.Context) (*cluster.HealthSnapshot, error)
}

// Verifier waits for components to converge by polling at a fixed
// interval. Polling is the only suspending operation in a run; the
// cancellation signal is checked every interval.
type Verifier struct {
	source   SnapshotTaker
	interval time.Duration
	timeout  time.Duration
}

// NewVerifier builds a verifier polling source every interval, giving
// each component up to timeout to converge.
func NewVerifier(source SnapshotTaker, interval, timeout time.Duration) *Verifier {
	return &Verifier{source: source, interval: interval, timeout: timeout}
}

// AwaitHealthy blocks until the component converges and returns the
// converged snapshot. A component is converged when its ready replica
// count matches the desired count (at or above its replica floor) and
// no rebuild or drain is in flight. Failure modes: *RegressedError on a
// ready-count drop, *TimeoutError at the deadline, or the context error
// when cancelled.
func (v *Verifier) AwaitHealthy(ctx context.Context, component compat.ComponentSpec) (*cluster.HealthSnapshot, error) {
	deadline := time.NewTimer(v.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	previousReady := -1
	var last *cluster.HealthSnapshot

	for {
		snapshot, err := v.source.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		last = snapshot

		comp := snapshot.Component(component.Name)
		if previousReady >= 0 && comp.ReadyReplicas < previousReady {
			return nil, &RegressedError{
				Component:     component.Name,
				Snapshot:      snapshot,
				PreviousReady: previousReady,
				CurrentReady:  comp.ReadyReplicas,
			}
		}
		previousReady = comp.ReadyReplicas

		if converged(snapshot, comp, component.MinReplicas) {
			return snapshot, nil
		}

		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case <-deadline.C:
			return nil, &TimeoutError{Component: component.Name, LastSnapshot: last}
		case <-ticker.C:
		}
	}
}

func converged(snapshot *cluster.HealthSnapshot, comp cluster.ComponentHealth, minReplicas int) bool {
	if comp.DesiredReplicas < minReplicas || comp.DesiredReplicas == 0 {
		return false
	}
	if comp.ReadyReplicas != comp.DesiredReplicas {
		return false
	}
	return !snapshot.RebuildInProgress && !snapshot.DrainInProgress
}
