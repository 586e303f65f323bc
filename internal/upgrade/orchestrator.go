// Package upgrade sequences one cluster upgrade run: validate, then
// apply and verify each component strictly in rank order, halting at
// the last converged component boundary on any failure. Upgrades are
// forward-only; nothing here ever reverts applied manifests.
package upgrade

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/vastor-io/vastor-upgrade/internal/cluster"
	"github.com/vastor-io/vastor-upgrade/internal/compat"
	"github.com/vastor-io/vastor-upgrade/internal/helm"
	"github.com/vastor-io/vastor-upgrade/internal/k8s"
)

// StateReader reads the deployed version and a fresh health snapshot.
type StateReader interface {
	Read(ctx context.Context) (string, *cluster.HealthSnapshot, error)
}

// Planner validates the transition and orders the components.
type Planner interface {
	Plan(current string, target compat.Target) ([]compat.ComponentSpec, error)
}

// Applier applies the chart scoped to one component.
type Applier interface {
	Apply(ctx context.Context, component compat.ComponentSpec) (*helm.ApplyResult, error)
}

// Verifier blocks until a component converges or fails.
type Verifier interface {
	AwaitHealthy(ctx context.Context, component compat.ComponentSpec) (*cluster.HealthSnapshot, error)
}

// Lock is the cluster-scoped single-run guarantee. Renew must fail
// with k8s.ErrRunInProgress when the lock has been taken over by
// another holder.
type Lock interface {
	Acquire(ctx context.Context) error
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

// EventSink publishes run progress as Kubernetes Events. Optional.
type EventSink interface {
	Normal(reason, messageFormat string, args ...any)
	Warning(reason, messageFormat string, args ...any)
}

// DataPlaneRestarter performs the rolling io-engine restart. Optional.
type DataPlaneRestarter interface {
	Restart(ctx context.Context) error
}

// Logger is the minimal logging surface the orchestrator needs.
type Logger interface {
	Printf(format string, v ...any)
}

// Options tunes one orchestration run.
type Options struct {
	Target compat.Target
	// Force bypasses health gating between components. It never
	// bypasses compatibility checking.
	Force bool
	// RenewInterval is the cadence of background lock renewals while
	// the run is live. It must be well below the lock duration so a
	// long Helm wait or node drain never makes the run look abandoned.
	// Zero disables background renewal.
	RenewInterval time.Duration
}

// Orchestrator drives the upgrade state machine. One orchestrator
// executes at most one run.
type Orchestrator struct {
	reader    StateReader
	planner   Planner
	applier   Applier
	verifier  Verifier
	lock      Lock
	opts      Options
	events    EventSink
	dataPlane DataPlaneRestarter
	logger    Logger
}

// New wires an orchestrator. events and dataPlane may be nil.
func New(reader StateReader, planner Planner, applier Applier, verifier Verifier, lock Lock, opts Options) *Orchestrator {
	return &Orchestrator{
		reader:   reader,
		planner:  planner,
		applier:  applier,
		verifier: verifier,
		lock:     lock,
		opts:     opts,
		logger:   log.Default(),
	}
}

// WithEvents attaches a Kubernetes event sink.
func (o *Orchestrator) WithEvents(events EventSink) *Orchestrator {
	o.events = events
	return o
}

// WithDataPlaneRestarter attaches the rolling data-plane restart,
// executed after the last component converges.
func (o *Orchestrator) WithDataPlaneRestarter(dp DataPlaneRestarter) *Orchestrator {
	o.dataPlane = dp
	return o
}

// WithLogger overrides the default logger.
func (o *Orchestrator) WithLogger(logger Logger) *Orchestrator {
	o.logger = logger
	return o
}

// Execute performs the run. The returned Run is always non-nil and
// terminal; the error is non-nil iff the run failed. A second
// invocation against a cluster with a live run fails immediately with
// k8s.ErrRunInProgress before any cluster mutation.
func (o *Orchestrator) Execute(ctx context.Context) (*Run, error) {
	run := &Run{
		Target:    o.opts.Target,
		StartedAt: time.Now(),
		Phase:     PhaseIdle,
	}

	run.Phase = PhaseValidating
	if err := o.lock.Acquire(ctx); err != nil {
		return o.fail(run, "", fmt.Errorf("failed to acquire run lease: %w", err))
	}
	defer func() {
		if err := o.lock.Release(context.WithoutCancel(ctx)); err != nil {
			o.logger.Printf("failed to release run lease: %v", err)
		}
	}()

	// The lock is renewed for the whole run, not just while polling:
	// a Helm wait or a node drain holds no phase loop of its own and
	// can outlast the lease duration.
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopRenewing := o.keepLockAlive(ctx, cancel)
	defer stopRenewing()

	components, err := o.validate(ctx, run)
	if err != nil {
		return o.fail(run, "", err)
	}

	o.event(k8s.ReasonRunStarted, "upgrading from %s to %s (%d components)",
		run.InitialVersion, o.opts.Target.Version, len(components))

	for _, component := range components {
		if err := o.upgradeComponent(ctx, run, component); err != nil {
			return o.abort(run, component.Name, err)
		}
	}

	if o.dataPlane != nil {
		o.logger.Printf("[upgrade] restarting data-plane pods")
		if err := o.dataPlane.Restart(ctx); err != nil {
			return o.abort(run, compat.DataPlaneName(), fmt.Errorf("data-plane restart failed: %w", err))
		}
	}

	return o.finalize(ctx, run)
}

// keepLockAlive renews the run lock on a ticker until the returned stop
// function is called. A renewal that finds the lock held by another run
// cancels the whole run with that cause; carrying on would put two runs
// behind the same release. Transient renewal failures are logged and
// retried on the next tick.
func (o *Orchestrator) keepLockAlive(ctx context.Context, cancel context.CancelCauseFunc) func() {
	if o.opts.RenewInterval <= 0 {
		return func() {}
	}
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(o.opts.RenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := o.lock.Renew(ctx); err != nil {
				if errors.Is(err, k8s.ErrRunInProgress) {
					o.logger.Printf("[upgrade] run lease lost, aborting: %v", err)
					cancel(err)
					return
				}
				o.logger.Printf("[upgrade] failed to renew run lease: %v", err)
			}
		}
	}()
	return func() {
		cancel(nil)
		<-stopped
	}
}

// validate runs the Validating phase: read state, gate on in-flight
// mutations, plan the component sequence.
func (o *Orchestrator) validate(ctx context.Context, run *Run) ([]compat.ComponentSpec, error) {
	current, snapshot, err := o.reader.Read(ctx)
	if err != nil {
		return nil, err
	}
	run.InitialVersion = current
	run.FinalVersion = current

	if (snapshot.RebuildInProgress || snapshot.DrainInProgress) && !o.opts.Force {
		return nil, fmt.Errorf("cluster has in-flight rebuild or drain operations; retry once they settle or use force")
	}

	components, err := o.planner.Plan(current, o.opts.Target)
	if err != nil {
		return nil, err
	}
	if len(components) == 0 {
		return nil, fmt.Errorf("compatibility check returned no components to upgrade")
	}

	for _, c := range components {
		run.outcome(c.Name)
	}
	o.logger.Printf("[upgrade] plan validated: %s -> %s, %d components",
		current, o.opts.Target.Version, len(components))
	return components, nil
}

// upgradeComponent runs the Upgrading and Verifying phases for one
// component.
func (o *Orchestrator) upgradeComponent(ctx context.Context, run *Run, component compat.ComponentSpec) error {
	run.Phase = PhaseUpgrading
	o.logger.Printf("[upgrade] applying component %s (%s -> %s)",
		component.Name, component.CurrentVersion, component.TargetVersion)

	// Cancellation is deferred while the apply is in flight: aborting a
	// partially-applied manifest set is unsafe. The signal is observed
	// once the call returns.
	result, err := o.applier.Apply(context.WithoutCancel(ctx), component)
	if err != nil {
		return err
	}
	outcome := run.outcome(component.Name)
	outcome.Applied = true
	o.logger.Printf("[upgrade] component %s applied (release %s revision %d)",
		component.Name, result.Release, result.Revision)

	if ctx.Err() != nil {
		return fmt.Errorf("run cancelled after applying %s: %w", component.Name, context.Cause(ctx))
	}

	run.Phase = PhaseVerifying
	if o.opts.Force {
		o.logger.Printf("[upgrade] force set, skipping health verification for %s", component.Name)
		o.event(k8s.ReasonComponentUpgraded, "component %s applied (health gating bypassed)", component.Name)
		return nil
	}

	if _, err := o.verifier.AwaitHealthy(ctx, component); err != nil {
		return err
	}
	outcome.HealthConfirmed = true
	o.logger.Printf("[upgrade] component %s healthy", component.Name)
	o.event(k8s.ReasonComponentUpgraded, "component %s applied and healthy", component.Name)
	return nil
}

// finalize re-reads the cluster version and seals the run as Succeeded.
func (o *Orchestrator) finalize(ctx context.Context, run *Run) (*Run, error) {
	run.Phase = PhaseFinalizing
	if version, _, err := o.reader.Read(ctx); err == nil {
		run.FinalVersion = version
	} else {
		o.logger.Printf("[upgrade] could not re-read cluster version: %v", err)
	}

	run.Result = ResultSucceeded
	run.FinishedAt = time.Now()
	o.event(k8s.ReasonRunSucceeded, "cluster upgraded to %s", run.FinalVersion)
	o.logger.Printf("[upgrade] run succeeded, cluster at %s", run.FinalVersion)
	return run, nil
}

// abort seals the run as Failed at a component boundary. Components not
// reached are marked skipped; nothing applied is reverted.
func (o *Orchestrator) abort(run *Run, component string, cause error) (*Run, error) {
	run.Phase = PhaseAborting
	outcome := run.outcome(component)
	outcome.Failed = true
	outcome.Error = cause.Error()
	for i := range run.Outcomes {
		out := &run.Outcomes[i]
		if !out.Applied && !out.Failed {
			out.Skipped = true
		}
	}
	return o.seal(run, component, cause)
}

// fail seals the run as Failed before any component was attempted.
func (o *Orchestrator) fail(run *Run, component string, cause error) (*Run, error) {
	for i := range run.Outcomes {
		out := &run.Outcomes[i]
		if !out.Applied && !out.Failed {
			out.Skipped = true
		}
	}
	return o.seal(run, component, cause)
}

func (o *Orchestrator) seal(run *Run, component string, cause error) (*Run, error) {
	run.Result = ResultFailed
	run.FailedComponent = component
	run.Cause = cause.Error()
	run.FinishedAt = time.Now()
	if component != "" {
		o.eventWarning(k8s.ReasonRunFailed, "upgrade failed at component %s: %v", component, cause)
		o.logger.Printf("[upgrade] run failed at component %s: %v", component, cause)
	} else {
		o.eventWarning(k8s.ReasonRunFailed, "upgrade failed: %v", cause)
		o.logger.Printf("[upgrade] run failed: %v", cause)
	}
	return run, cause
}

func (o *Orchestrator) event(reason, format string, args ...any) {
	if o.events != nil {
		o.events.Normal(reason, format, args...)
	}
}

func (o *Orchestrator) eventWarning(reason, format string, args ...any) {
	if o.events != nil {
		o.events.Warning(reason, format, args...)
	}
}
