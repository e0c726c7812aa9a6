package display

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/dyike/tradeflow/internal/graph"
	"github.com/dyike/tradeflow/internal/models"
	"github.com/dyike/tradeflow/internal/storage"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#3B82F6")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#3B82F6")).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#10B981")).
			Padding(0, 1)

	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")).Bold(true)
)

func actionStyle(a models.Signal) lipgloss.Style {
	switch a {
	case models.SignalBuy:
		return successStyle
	case models.SignalSell:
		return errorStyle
	}
	return warnStyle
}

func statusStyle(s models.NodeStatus) lipgloss.Style {
	switch s {
	case models.StatusSucceeded:
		return successStyle
	case models.StatusFailed, models.StatusTimeout:
		return errorStyle
	case models.StatusRunning:
		return warnStyle
	}
	return mutedStyle
}

func runStatusStyle(s models.RunStatus) lipgloss.Style {
	switch s {
	case models.RunSucceeded:
		return successStyle
	case models.RunDegraded:
		return warnStyle
	}
	return errorStyle
}

// RunSummary renders the recommendation, votes and per-node statuses of a
// finished run. g orders the node list; nil sorts by id.
func RunSummary(res *models.RunResult, g *graph.WorkflowGraph) string {
	var b strings.Builder

	header := fmt.Sprintf("%s  %s  run %s  %s",
		res.Symbol, res.AsOf, shortID(res.RunID), runStatusStyle(res.Status).Render(strings.ToUpper(string(res.Status))))
	b.WriteString(headerStyle.Render(header))
	b.WriteString("\n")

	if r := res.Report; r != nil {
		b.WriteString(panelStyle.Render(reportBody(r)))
		b.WriteString("\n")
	} else {
		b.WriteString(errorStyle.Render("No report was produced."))
		b.WriteString("\n")
	}

	b.WriteString(titleStyle.Render("Nodes"))
	b.WriteString("\n")
	for _, id := range nodeOrder(res, g) {
		n := res.Nodes[id]
		line := fmt.Sprintf("  %-22s %s", id, statusStyle(n.Status).Render(fmt.Sprintf("%-9s", n.Status)))
		if d := n.Duration(); d > 0 {
			line += mutedStyle.Render(fmt.Sprintf(" %6.1fs", d.Seconds()))
		}
		if out, ok := res.Outputs[id]; ok && out.Signal != "" {
			line += fmt.Sprintf("  %s %.2f", out.Signal, out.Confidence)
		}
		switch {
		case n.Error != "":
			line += "  " + errorStyle.Render(truncate(n.Error, 60))
		case n.Reason != "":
			line += "  " + mutedStyle.Render(n.Reason)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString(mutedStyle.Render(fmt.Sprintf("Finished in %.1fs", res.Duration().Seconds())))
	b.WriteString("\n")
	return b.String()
}

func reportBody(r *models.FinalReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Recommendation: %s   score %s   confidence %s\n",
		actionStyle(r.Action).Render(string(r.Action)), r.Score.String(), r.Confidence.String())
	if r.Degraded {
		b.WriteString(warnStyle.Render("Degraded: some inputs were missing."))
		b.WriteString("\n")
	}
	if len(r.Votes) > 0 {
		b.WriteString("\nVotes\n")
		for _, v := range r.Votes {
			fmt.Fprintf(&b, "  %-22s %-4s w=%s c=%s -> %s\n", v.Node, v.Signal, v.Weight.String(), v.Confidence.String(), v.Contribution.String())
		}
	}
	if len(r.RiskFlags) > 0 {
		fmt.Fprintf(&b, "\nRisk flags: %s\n", strings.Join(r.RiskFlags, ", "))
	}
	if len(r.Missing) > 0 {
		fmt.Fprintf(&b, "Missing: %s\n", strings.Join(r.Missing, ", "))
	}
	b.WriteString("\n")
	b.WriteString(r.Rationale)
	return b.String()
}

func nodeOrder(res *models.RunResult, g *graph.WorkflowGraph) []string {
	var ids []string
	if g != nil {
		for _, n := range g.Nodes() {
			if _, ok := res.Nodes[n.ID]; ok {
				ids = append(ids, n.ID)
			}
		}
		if len(ids) == len(res.Nodes) {
			return ids
		}
	}
	ids = ids[:0]
	for id := range res.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ProgressLine renders one progress update from a ProgressTracker.
func ProgressLine(p graph.Progress) string {
	last := p.Last
	status := statusStyle(last.Status).Render(string(last.Status))
	line := fmt.Sprintf("[%3.0f%%] %s %s", p.Percent(), last.Node, status)
	if len(p.Running) > 0 {
		line += mutedStyle.Render("  running: " + strings.Join(p.Running, ", "))
	}
	return line
}

// Roster renders a graph in topological order.
func Roster(g *graph.WorkflowGraph) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Roster (%d nodes)", g.Len())))
	b.WriteString("\n")
	for _, id := range g.Order() {
		n, _ := g.Resolve(id)
		flags := string(n.Kind)
		if n.Required {
			flags += ", required"
		}
		fmt.Fprintf(&b, "  %-22s %s\n", id, mutedStyle.Render("("+flags+")"))
		if len(n.DependsOn) > 0 {
			fmt.Fprintf(&b, "      after:  %s\n", strings.Join(n.DependsOn, ", "))
		}
		if len(n.SoftDependsOn) > 0 {
			fmt.Fprintf(&b, "      soft:   %s\n", strings.Join(n.SoftDependsOn, ", "))
		}
		if len(n.Context) > 0 {
			fmt.Fprintf(&b, "      reads:  %s\n", strings.Join(n.Context, ", "))
		}
		if len(n.Tools) > 0 {
			fmt.Fprintf(&b, "      tools:  %s\n", strings.Join(n.Tools, ", "))
		}
		if n.Kind == graph.KindRouter {
			fmt.Fprintf(&b, "      routes: %s (%s)\n", strings.Join(n.Successors, " | "), n.Rule)
		}
	}
	return b.String()
}

// History renders stored runs, newest first.
func History(runs []storage.RunRecord) string {
	if len(runs) == 0 {
		return mutedStyle.Render("No runs recorded yet.") + "\n"
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("%-20s %-10s %-10s %-10s %-6s %-8s %s", "STARTED", "SYMBOL", "AS OF", "STATUS", "ACTION", "SCORE", "RUN")))
	b.WriteString("\n")
	for _, r := range runs {
		action := r.Action
		if action == "" {
			action = "-"
		}
		fmt.Fprintf(&b, "%-20s %-10s %-10s %-10s %-6s %-8s %s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Symbol, r.AsOf, r.Status, action, r.Score, shortID(r.ID))
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
