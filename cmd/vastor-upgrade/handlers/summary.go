package handlers

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/vastor-io/vastor-upgrade/internal/cluster"
	"github.com/vastor-io/vastor-upgrade/internal/compat"
	"github.com/vastor-io/vastor-upgrade/internal/upgrade"
)

var (
	summaryColorGreen = lipgloss.Color("#22c55e")
	summaryColorRed   = lipgloss.Color("#ef4444")
	summaryColorBlue  = lipgloss.Color("#3b82f6")
	summaryColorDim   = lipgloss.Color("#6b7280")
	summaryColorWhite = lipgloss.Color("#f9fafb")
)

var (
	summaryTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(summaryColorWhite)

	summarySectionStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(summaryColorBlue)

	summaryDimStyle = lipgloss.NewStyle().
			Foreground(summaryColorDim)

	summaryGreenStyle = lipgloss.NewStyle().
				Foreground(summaryColorGreen)

	summaryRedStyle = lipgloss.NewStyle().
			Foreground(summaryColorRed)
)

func summaryIsTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// styled applies a lipgloss style only when stdout is a terminal, so
// piped job logs stay free of escape sequences.
func styled(style lipgloss.Style, s string) string {
	if !summaryIsTerminal() {
		return s
	}
	return style.Render(s)
}

// renderRunSummary produces the per-component outcome table written at
// the end of every run, successful or not.
func renderRunSummary(run *upgrade.Run) string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styled(summaryTitleStyle, "  vastor-upgrade run summary"))
	b.WriteString("\n")
	b.WriteString(styled(summaryDimStyle, "  "+strings.Repeat("═", 40)))
	b.WriteString("\n\n")

	b.WriteString(styled(summarySectionStyle, "  Components"))
	b.WriteString("\n")
	b.WriteString(styled(summaryDimStyle, fmt.Sprintf("  %-16s %-10s %s", "Component", "Outcome", "Detail")))
	b.WriteString("\n")

	for _, outcome := range run.Outcomes {
		status, style := outcomeStatus(outcome)
		detail := outcome.Error
		if detail == "" && outcome.Applied && outcome.HealthConfirmed {
			detail = "applied, healthy"
		} else if detail == "" && outcome.Applied {
			detail = "applied"
		}
		b.WriteString(fmt.Sprintf("  %-16s %s %s\n", outcome.Name, styled(style, fmt.Sprintf("%-10s", status)), detail))
	}

	b.WriteString("\n")
	b.WriteString(styled(summarySectionStyle, "  Result"))
	b.WriteString("\n")
	if run.Result == upgrade.ResultSucceeded {
		b.WriteString("    " + styled(summaryGreenStyle, "Succeeded") + "\n")
		b.WriteString(fmt.Sprintf("    Cluster version: %s -> %s\n", run.InitialVersion, run.FinalVersion))
	} else {
		b.WriteString("    " + styled(summaryRedStyle, "Failed") + "\n")
		if run.FailedComponent != "" {
			b.WriteString(fmt.Sprintf("    Failed component: %s\n", run.FailedComponent))
		}
		if run.Cause != "" {
			b.WriteString(fmt.Sprintf("    Cause: %s\n", run.Cause))
		}
	}
	b.WriteString(fmt.Sprintf("    Duration: %s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Second)))
	b.WriteString("\n")

	return b.String()
}

func outcomeStatus(outcome upgrade.ComponentOutcome) (string, lipgloss.Style) {
	switch {
	case outcome.Failed:
		return "failed", summaryRedStyle
	case outcome.Skipped:
		return "skipped", summaryDimStyle
	case outcome.Applied && outcome.HealthConfirmed:
		return "upgraded", summaryGreenStyle
	case outcome.Applied:
		return "applied", summaryGreenStyle
	default:
		return "pending", summaryDimStyle
	}
}

// renderPlanSummary shows the component sequence a run would follow,
// plus the health snapshot the decision would be gated on.
func renderPlanSummary(current, target string, components []compat.ComponentSpec, snapshot *cluster.HealthSnapshot) string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styled(summaryTitleStyle, fmt.Sprintf("  vastor-upgrade plan: %s -> %s", current, target)))
	b.WriteString("\n")
	b.WriteString(styled(summaryDimStyle, "  "+strings.Repeat("═", 40)))
	b.WriteString("\n\n")

	b.WriteString(styled(summarySectionStyle, "  Component sequence"))
	b.WriteString("\n")
	b.WriteString(styled(summaryDimStyle, fmt.Sprintf("  %-4s %-16s %-10s %-10s %s", "Rank", "Component", "Current", "Target", "Ready")))
	b.WriteString("\n")
	for _, component := range components {
		health := snapshot.Component(component.Name)
		b.WriteString(fmt.Sprintf("  %-4d %-16s %-10s %-10s %d/%d\n",
			component.Rank, component.Name, component.CurrentVersion, component.TargetVersion,
			health.ReadyReplicas, health.DesiredReplicas))
	}

	b.WriteString("\n")
	b.WriteString(styled(summarySectionStyle, "  Cluster"))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("    Nodes ready:     %d/%d\n", snapshot.ReadyNodeCount, snapshot.NodeCount))
	b.WriteString(fmt.Sprintf("    Degraded volumes: %d\n", snapshot.DegradedVolumes))
	if snapshot.RebuildInProgress || snapshot.DrainInProgress {
		b.WriteString("    " + styled(summaryRedStyle, "In-flight rebuild or drain: a run would be refused") + "\n")
	}
	b.WriteString("\n")

	return b.String()
}
