package upgrade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vastor-io/vastor-upgrade/internal/cluster"
	"github.com/vastor-io/vastor-upgrade/internal/compat"
	"github.com/vastor-io/vastor-upgrade/internal/helm"
	"github.com/vastor-io/vastor-upgrade/internal/k8s"
)

type stubReader struct {
	version  string
	snapshot *cluster.HealthSnapshot
	err      error
}

func (r *stubReader) Read(context.Context) (string, *cluster.HealthSnapshot, error) {
	return r.version, r.snapshot, r.err
}

type stubPlanner struct {
	components []compat.ComponentSpec
	err        error
}

func (p *stubPlanner) Plan(string, compat.Target) ([]compat.ComponentSpec, error) {
	return p.components, p.err
}

type stubApplier struct {
	mu      sync.Mutex
	applied []string
	failOn  string
	failErr error
	onApply func(component string)
}

func (a *stubApplier) Apply(_ context.Context, component compat.ComponentSpec) (*helm.ApplyResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.onApply != nil {
		a.onApply(component.Name)
	}
	if component.Name == a.failOn {
		err := a.failErr
		if err == nil {
			err = &helm.ApplyError{Component: component.Name, Err: errors.New("apply exploded")}
		}
		return nil, err
	}
	a.applied = append(a.applied, component.Name)
	return &helm.ApplyResult{Component: component.Name, Release: "vastor", Revision: 2}, nil
}

type stubVerifier struct {
	mu       sync.Mutex
	verified []string
	failOn   string
	failErr  error
}

func (v *stubVerifier) AwaitHealthy(_ context.Context, component compat.ComponentSpec) (*cluster.HealthSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if component.Name == v.failOn {
		return nil, v.failErr
	}
	v.verified = append(v.verified, component.Name)
	return &cluster.HealthSnapshot{}, nil
}

type memLock struct {
	mu       sync.Mutex
	held     bool
	renews   int
	renewErr error
}

func (l *memLock) Acquire(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return k8s.ErrRunInProgress
	}
	l.held = true
	return nil
}

func (l *memLock) Renew(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.renews++
	return l.renewErr
}

func (l *memLock) renewCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.renews
}

func (l *memLock) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	return nil
}

func healthySnapshot() *cluster.HealthSnapshot {
	return &cluster.HealthSnapshot{ObservedAt: time.Now()}
}

func twoComponents() []compat.ComponentSpec {
	return []compat.ComponentSpec{
		{Name: "agent", Rank: 0, CurrentVersion: "1.2.0", TargetVersion: "1.3.0", MinReplicas: 1},
		{Name: "io-engine", Rank: 1, CurrentVersion: "1.2.0", TargetVersion: "1.3.0", MinReplicas: 1},
	}
}

func newTestOrchestrator(reader StateReader, planner Planner, applier Applier, verifier Verifier, lock Lock, opts Options) *Orchestrator {
	return New(reader, planner, applier, verifier, lock, opts)
}

func TestExecute_HappyPath(t *testing.T) {
	t.Parallel()
	applier := &stubApplier{}
	verifier := &stubVerifier{}
	o := newTestOrchestrator(
		&stubReader{version: "1.2.0", snapshot: healthySnapshot()},
		&stubPlanner{components: twoComponents()},
		applier, verifier, &memLock{},
		Options{Target: compat.Target{Version: "1.3.0"}},
	)

	run, err := o.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResultSucceeded, run.Result)
	assert.True(t, run.Terminal())
	assert.Equal(t, []string{"agent", "io-engine"}, applier.applied)
	assert.Equal(t, []string{"agent", "io-engine"}, verifier.verified)

	require.Len(t, run.Outcomes, 2)
	for _, outcome := range run.Outcomes {
		assert.True(t, outcome.Applied, outcome.Name)
		assert.True(t, outcome.HealthConfirmed, outcome.Name)
		assert.False(t, outcome.Failed, outcome.Name)
		assert.False(t, outcome.Skipped, outcome.Name)
	}
}

func TestExecute_SecondComponentApplyFails(t *testing.T) {
	t.Parallel()
	applier := &stubApplier{failOn: "io-engine"}
	verifier := &stubVerifier{}
	o := newTestOrchestrator(
		&stubReader{version: "1.2.0", snapshot: healthySnapshot()},
		&stubPlanner{components: twoComponents()},
		applier, verifier, &memLock{},
		Options{Target: compat.Target{Version: "1.3.0"}},
	)

	run, err := o.Execute(context.Background())
	require.Error(t, err)
	var applyErr *helm.ApplyError
	assert.ErrorAs(t, err, &applyErr)

	assert.Equal(t, ResultFailed, run.Result)
	assert.Equal(t, "io-engine", run.FailedComponent)

	agent := run.Outcomes[0]
	assert.Equal(t, "agent", agent.Name)
	assert.True(t, agent.Applied)
	assert.True(t, agent.HealthConfirmed)

	engine := run.Outcomes[1]
	assert.Equal(t, "io-engine", engine.Name)
	assert.True(t, engine.Failed)
	assert.False(t, engine.Applied)

	// Nothing past the failed component was attempted.
	assert.Equal(t, []string{"agent"}, applier.applied)
}

func TestExecute_VerifyFailureAborts(t *testing.T) {
	t.Parallel()
	applier := &stubApplier{}
	verifier := &stubVerifier{failOn: "agent", failErr: errors.New("readiness regressed")}
	o := newTestOrchestrator(
		&stubReader{version: "1.2.0", snapshot: healthySnapshot()},
		&stubPlanner{components: twoComponents()},
		applier, verifier, &memLock{},
		Options{Target: compat.Target{Version: "1.3.0"}},
	)

	run, err := o.Execute(context.Background())
	require.Error(t, err)
	assert.Equal(t, ResultFailed, run.Result)
	assert.Equal(t, "agent", run.FailedComponent)

	agent := run.Outcomes[0]
	assert.True(t, agent.Applied, "apply succeeded before verification failed")
	assert.False(t, agent.HealthConfirmed)
	assert.True(t, agent.Failed)

	engine := run.Outcomes[1]
	assert.True(t, engine.Skipped)
}

func TestExecute_ConcurrentRunRejected(t *testing.T) {
	t.Parallel()
	lock := &memLock{}
	applier := &stubApplier{}
	verifier := &stubVerifier{}

	first := newTestOrchestrator(
		&stubReader{version: "1.2.0", snapshot: healthySnapshot()},
		&stubPlanner{components: twoComponents()},
		applier, verifier, lock,
		Options{Target: compat.Target{Version: "1.3.0"}},
	)
	second := newTestOrchestrator(
		&stubReader{version: "1.2.0", snapshot: healthySnapshot()},
		&stubPlanner{components: twoComponents()},
		&stubApplier{}, &stubVerifier{}, lock,
		Options{Target: compat.Target{Version: "1.3.0"}},
	)

	release := make(chan struct{})
	firstStarted := make(chan struct{})
	applier.onApply = func(component string) {
		if component == "agent" {
			close(firstStarted)
			<-release
		}
	}

	done := make(chan *Run, 1)
	go func() {
		run, _ := first.Execute(context.Background())
		done <- run
	}()

	<-firstStarted
	run, err := second.Execute(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, k8s.ErrRunInProgress)
	assert.Equal(t, ResultFailed, run.Result)

	close(release)
	firstRun := <-done
	assert.Equal(t, ResultSucceeded, firstRun.Result, "first run proceeds unaffected")
}

func TestExecute_InFlightRebuildBlocksValidation(t *testing.T) {
	t.Parallel()
	snapshot := healthySnapshot()
	snapshot.RebuildInProgress = true
	o := newTestOrchestrator(
		&stubReader{version: "1.2.0", snapshot: snapshot},
		&stubPlanner{components: twoComponents()},
		&stubApplier{}, &stubVerifier{}, &memLock{},
		Options{Target: compat.Target{Version: "1.3.0"}},
	)

	run, err := o.Execute(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in-flight")
	assert.Equal(t, ResultFailed, run.Result)
}

func TestExecute_ForceBypassesHealthGating(t *testing.T) {
	t.Parallel()
	snapshot := healthySnapshot()
	snapshot.RebuildInProgress = true
	applier := &stubApplier{}
	verifier := &stubVerifier{failOn: "agent", failErr: errors.New("would fail")}
	o := newTestOrchestrator(
		&stubReader{version: "1.2.0", snapshot: snapshot},
		&stubPlanner{components: twoComponents()},
		applier, verifier, &memLock{},
		Options{Target: compat.Target{Version: "1.3.0"}, Force: true},
	)

	run, err := o.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResultSucceeded, run.Result)
	assert.Empty(t, verifier.verified, "force skips the verifier entirely")
	for _, outcome := range run.Outcomes {
		assert.True(t, outcome.Applied)
		assert.False(t, outcome.HealthConfirmed)
	}
}

func TestExecute_PlanFailureIsFatal(t *testing.T) {
	t.Parallel()
	planErr := &compat.IncompatibleError{Current: "1.1.0", Target: "1.3.0", Reason: "skip"}
	o := newTestOrchestrator(
		&stubReader{version: "1.1.0", snapshot: healthySnapshot()},
		&stubPlanner{err: planErr},
		&stubApplier{}, &stubVerifier{}, &memLock{},
		Options{Target: compat.Target{Version: "1.3.0"}},
	)

	run, err := o.Execute(context.Background())
	var incompatible *compat.IncompatibleError
	require.ErrorAs(t, err, &incompatible)
	assert.Equal(t, ResultFailed, run.Result)
	assert.Empty(t, run.FailedComponent)
}

func TestExecute_ReaderFailureIsFatal(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(
		&stubReader{err: cluster.ErrClusterUnreachable},
		&stubPlanner{components: twoComponents()},
		&stubApplier{}, &stubVerifier{}, &memLock{},
		Options{Target: compat.Target{Version: "1.3.0"}},
	)

	run, err := o.Execute(context.Background())
	assert.ErrorIs(t, err, cluster.ErrClusterUnreachable)
	assert.Equal(t, ResultFailed, run.Result)
}

func TestExecute_CancellationAfterApplyObserved(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	applier := &stubApplier{}
	applier.onApply = func(component string) {
		// Cancel while the first apply is in flight; the apply itself
		// must complete and the signal is observed afterwards.
		cancel()
	}
	o := newTestOrchestrator(
		&stubReader{version: "1.2.0", snapshot: healthySnapshot()},
		&stubPlanner{components: twoComponents()},
		applier, &stubVerifier{}, &memLock{},
		Options{Target: compat.Target{Version: "1.3.0"}},
	)

	run, err := o.Execute(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ResultFailed, run.Result)
	assert.Equal(t, []string{"agent"}, applier.applied, "in-flight apply completed before the abort")

	agent := run.Outcomes[0]
	assert.True(t, agent.Applied)
	assert.True(t, agent.Failed)
}

func TestExecute_LeaseRenewedDuringApply(t *testing.T) {
	t.Parallel()
	lock := &memLock{}
	applier := &stubApplier{}
	applier.onApply = func(component string) {
		// Long enough for several renewal ticks to fire while the
		// apply blocks.
		time.Sleep(20 * time.Millisecond)
	}
	o := newTestOrchestrator(
		&stubReader{version: "1.2.0", snapshot: healthySnapshot()},
		&stubPlanner{components: twoComponents()},
		applier, &stubVerifier{}, lock,
		Options{Target: compat.Target{Version: "1.3.0"}, RenewInterval: time.Millisecond},
	)

	run, err := o.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResultSucceeded, run.Result)
	assert.Positive(t, lock.renewCount(), "lease must be renewed while an apply is in flight")
}

func TestExecute_LeaseLossAbortsRun(t *testing.T) {
	t.Parallel()
	lock := &memLock{}
	lock.renewErr = fmt.Errorf("%w: lease vastor-upgrade stolen by peer", k8s.ErrRunInProgress)
	applier := &stubApplier{}
	applier.onApply = func(component string) {
		time.Sleep(20 * time.Millisecond)
	}
	o := newTestOrchestrator(
		&stubReader{version: "1.2.0", snapshot: healthySnapshot()},
		&stubPlanner{components: twoComponents()},
		applier, &stubVerifier{}, lock,
		Options{Target: compat.Target{Version: "1.3.0"}, RenewInterval: time.Millisecond},
	)

	run, err := o.Execute(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, k8s.ErrRunInProgress)
	assert.Equal(t, ResultFailed, run.Result)
	assert.Equal(t, []string{"agent"}, applier.applied, "in-flight apply completed before the abort")
	assert.True(t, run.Outcomes[1].Skipped, "later components are never attempted after the lease is lost")
}

func TestExecute_LockReleasedAfterRun(t *testing.T) {
	t.Parallel()
	lock := &memLock{}
	o := newTestOrchestrator(
		&stubReader{version: "1.2.0", snapshot: healthySnapshot()},
		&stubPlanner{components: twoComponents()},
		&stubApplier{}, &stubVerifier{}, lock,
		Options{Target: compat.Target{Version: "1.3.0"}},
	)

	_, err := o.Execute(context.Background())
	require.NoError(t, err)
	assert.False(t, lock.held, "lease must be released when the run ends")
}
