// Package tui renders capmesh scheduler status, both as a one-shot
// report and as a live terminal view.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/capmesh/capmesh/internal/coordination"
	"github.com/capmesh/capmesh/internal/util"
)

// Work and correlation ids are caller-chosen; cap them so rows stay
// aligned.
const idColumnWidth = 20

// RenderStatus formats a combined status snapshot for the terminal.
func RenderStatus(s coordination.Status) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("capmesh scheduler"))
	b.WriteString("\n")
	b.WriteString(mutedStyle.Render(fmt.Sprintf("snapshot %s", s.TakenAt.Format("15:04:05"))))
	b.WriteString("\n\n")

	b.WriteString(renderWorkers(s))
	b.WriteString("\n")
	b.WriteString(renderFlow(s))
	b.WriteString("\n")
	b.WriteString(renderClaims(s))
	b.WriteString("\n")
	b.WriteString(renderFairness(s))
	b.WriteString("\n")
	b.WriteString(renderBidding(s))
	b.WriteString(renderAnalyzer(s))

	return b.String()
}

func renderWorkers(s coordination.Status) string {
	var b strings.Builder
	b.WriteString(sectionStyle.Render(fmt.Sprintf("Workers (%d)", len(s.Workers))))
	b.WriteString("\n")
	if len(s.Workers) == 0 {
		b.WriteString(mutedStyle.Render("  none registered"))
		b.WriteString("\n")
		return b.String()
	}

	sorted := make([]int, len(s.Workers))
	for i := range sorted {
		sorted[i] = i
	}
	sort.Slice(sorted, func(a, bi int) bool {
		return s.Workers[sorted[a]].WorkerID < s.Workers[sorted[bi]].WorkerID
	})

	for _, i := range sorted {
		w := s.Workers[i]
		caps := make([]string, 0, len(w.Capabilities))
		for c := range w.Capabilities {
			caps = append(caps, c)
		}
		sort.Strings(caps)

		state := healthyStyle.Render("healthy")
		if w.Failed {
			state = errorStyle.Render("failed")
		} else if w.Health.Score <= 0.5 {
			state = warningStyle.Render("degraded")
		}
		b.WriteString(fmt.Sprintf("  %-16s %s  load %d/%d  score %.2f  [%s]\n",
			w.WorkerID, state, w.CurrentLoad, w.MaxCapacity, w.Health.Score,
			strings.Join(caps, ", ")))
	}
	return b.String()
}

func renderFlow(s coordination.Status) string {
	var b strings.Builder
	b.WriteString(sectionStyle.Render("Flow"))
	b.WriteString("\n")

	util := fmt.Sprintf("  utilization %.0f%% (threshold %.0f%%)",
		s.Flow.Utilization*100, s.Flow.Threshold*100)
	if s.Flow.SystemOverloaded {
		b.WriteString(errorStyle.Render(util + "  OVERLOADED"))
	} else {
		b.WriteString(healthyStyle.Render(util))
	}
	b.WriteString("\n")
	if len(s.Flow.OverloadedIDs) > 0 {
		b.WriteString(warningStyle.Render(fmt.Sprintf("  overloaded workers: %s",
			strings.Join(s.Flow.OverloadedIDs, ", "))))
		b.WriteString("\n")
	}
	return b.String()
}

func renderClaims(s coordination.Status) string {
	var b strings.Builder
	b.WriteString(sectionStyle.Render(fmt.Sprintf("Claims (%d)", len(s.Claims))))
	b.WriteString("\n")
	for _, c := range s.Claims {
		b.WriteString(fmt.Sprintf("  %-20s %s  %s  deadline %s\n",
			util.TruncateString(c.WorkID, idColumnWidth), c.WorkerID,
			c.Spec.Capability, c.Deadline.Format("15:04:05")))
	}
	b.WriteString(mutedStyle.Render(fmt.Sprintf("  reassigned ok %d, failed %d",
		s.Faults.ReassignedOK, s.Faults.ReassignFailed)))
	b.WriteString("\n")
	return b.String()
}

func renderFairness(s coordination.Status) string {
	var b strings.Builder
	b.WriteString(sectionStyle.Render("Fairness"))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("  running %d, starved queue %d\n",
		s.Fairness.Running, s.Fairness.StarvedQueue))

	sortedBudgets := s.Fairness.Budgets
	sort.Slice(sortedBudgets, func(i, j int) bool {
		return sortedBudgets[i].CorrelationID < sortedBudgets[j].CorrelationID
	})
	for _, bd := range sortedBudgets {
		line := fmt.Sprintf("  %-20s %d/%d",
			util.TruncateString(bd.CorrelationID, idColumnWidth), bd.Current, bd.EffectiveMax)
		if bd.Starved {
			line += warningStyle.Render("  starved")
		}
		if bd.Boost > 1.0 {
			line += mutedStyle.Render(fmt.Sprintf("  boost ×%.2f", bd.Boost))
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func renderBidding(s coordination.Status) string {
	var b strings.Builder
	b.WriteString(sectionStyle.Render("Bidding"))
	b.WriteString("\n")
	caps := make([]string, 0, len(s.Bidding))
	for c := range s.Bidding {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	if len(caps) == 0 {
		b.WriteString(mutedStyle.Render("  no rounds yet"))
		b.WriteString("\n")
		return b.String()
	}
	for _, c := range caps {
		st := s.Bidding[c]
		b.WriteString(fmt.Sprintf("  %-16s rounds %d, bids %d, avg winning score %.2f\n",
			c, st.Rounds, st.BidsReceived, st.AvgWinningScore))
	}
	return b.String()
}

func renderAnalyzer(s coordination.Status) string {
	if len(s.Analyzer.Deadlocks) == 0 && len(s.Analyzer.Bottlenecks) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(sectionStyle.Render("Advisories"))
	b.WriteString("\n")
	for _, d := range s.Analyzer.Deadlocks {
		b.WriteString(errorStyle.Render(fmt.Sprintf(
			"  possible deadlock %s  confidence %.2f  stuck %s  waiting %d",
			util.TruncateString(d.CorrelationID, idColumnWidth),
			d.Confidence, d.StuckFor.Round(time.Second), d.WaitingAgents)))
		b.WriteString("\n")
	}
	for _, bn := range s.Analyzer.Bottlenecks {
		b.WriteString(warningStyle.Render(fmt.Sprintf(
			"  bottleneck %s  avg %s over %d samples  active %s  queued %d",
			bn.Capability, bn.AvgDuration.Round(time.Millisecond),
			bn.Samples, bn.ActiveWorker, bn.QueuedBehind)))
		b.WriteString("\n")
	}
	return b.String()
}
