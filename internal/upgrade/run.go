package upgrade

import (
	"time"

	"github.com/vastor-io/vastor-upgrade/internal/compat"
)

// Phase is the orchestrator's position in the upgrade state machine.
type Phase string

const (
	PhaseIdle       Phase = "Idle"
	PhaseValidating Phase = "Validating"
	PhaseUpgrading  Phase = "Upgrading"
	PhaseVerifying  Phase = "Verifying"
	PhaseFinalizing Phase = "Finalizing"
	PhaseAborting   Phase = "Aborting"
)

// Result is the terminal outcome of a run.
type Result string

const (
	ResultPending   Result = ""
	ResultSucceeded Result = "Succeeded"
	ResultFailed    Result = "Failed"
)

// ComponentOutcome records what happened to one component during a run.
// Exactly one of Applied/Failed/Skipped describes the apply step;
// HealthConfirmed is set only after the verifier saw convergence.
type ComponentOutcome struct {
	Name            string
	Applied         bool
	HealthConfirmed bool
	Failed          bool
	Skipped         bool
	Error           string
}

// Run is the mutable record of one orchestration attempt. It is owned
// exclusively by the orchestrator and becomes immutable once Result is
// terminal.
type Run struct {
	Target         compat.Target
	StartedAt      time.Time
	FinishedAt     time.Time
	Phase          Phase
	InitialVersion string
	FinalVersion   string
	Outcomes       []ComponentOutcome
	Result         Result

	// FailedComponent and Cause are set on ResultFailed only.
	FailedComponent string
	Cause           string
}

// Terminal reports whether the run record is final.
func (r *Run) Terminal() bool {
	return r.Result == ResultSucceeded || r.Result == ResultFailed
}

// outcome returns a pointer to the outcome slot for component name,
// creating it if needed.
func (r *Run) outcome(name string) *ComponentOutcome {
	for i := range r.Outcomes {
		if r.Outcomes[i].Name == name {
			return &r.Outcomes[i]
		}
	}
	r.Outcomes = append(r.Outcomes, ComponentOutcome{Name: name})
	return &r.Outcomes[len(r.Outcomes)-1]
}
