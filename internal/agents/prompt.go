package agents

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/dyike/tradeflow/consts"
	"github.com/dyike/tradeflow/internal/graph"
	"github.com/dyike/tradeflow/internal/models"
)

//go:embed prompts
var promptFiles embed.FS

func mustPrompt(name string) string {
	content, err := promptFiles.ReadFile("prompts/" + name + ".md")
	if err != nil {
		panic(fmt.Sprintf("load prompt %s: %v", name, err))
	}
	return string(content)
}

var (
	analysisTemplate = prompt.FromMessages(schema.FString,
		schema.SystemMessage(mustPrompt("system")),
		schema.UserMessage("{context}"),
	)
	reformulateTemplate = prompt.FromMessages(schema.FString, schema.UserMessage(mustPrompt("reformulate")))
	finalAnswerTemplate = prompt.FromMessages(schema.FString, schema.UserMessage(mustPrompt("final_answer")))
)

const defaultRole = "Analyse the stock from your own area of expertise."

// initialMessages renders the system prompt and the dependency context for task.
func initialMessages(ctx context.Context, task graph.Task, toolNames []string, maxContextChars int) ([]*schema.Message, error) {
	role := strings.TrimSpace(task.Node.Role)
	if role == "" {
		role = defaultRole
	}
	toolsHint := "You have no tools; rely on the reports you are given."
	if len(toolNames) > 0 {
		toolsHint = "You can call these tools to gather data: " + strings.Join(toolNames, ", ") + "."
	}
	return analysisTemplate.Format(ctx, map[string]any{
		"name":    task.Node.DisplayName(),
		"role":    role,
		"symbol":  task.Snapshot.Symbol,
		"as_of":   task.Snapshot.AsOf.Format(consts.DateLayout),
		"tools":   toolsHint,
		"format":  replyFormat,
		"context": buildContext(task, maxContextChars),
	})
}

func reformulateMessages(ctx context.Context, problem error) ([]*schema.Message, error) {
	return reformulateTemplate.Format(ctx, map[string]any{
		"problem": problem.Error(),
		"format":  replyFormat,
	})
}

func finalAnswerMessages(ctx context.Context) ([]*schema.Message, error) {
	return finalAnswerTemplate.Format(ctx, map[string]any{"format": replyFormat})
}

// buildContext summarises the node's inputs and nothing else. Each input
// gets an equal share of maxChars. Inputs on a branch the router did not
// take are left out.
func buildContext(task graph.Task, maxChars int) string {
	symbol := task.Snapshot.Symbol
	asOf := task.Snapshot.AsOf.Format(consts.DateLayout)
	var deps []string
	for _, id := range task.Node.Inputs() {
		if task.Snapshot.Reasons[id] != models.ReasonNotSelected {
			deps = append(deps, id)
		}
	}
	if len(deps) == 0 {
		return fmt.Sprintf("Analyse %s as of %s. Gather the data you need before you answer.", symbol, asOf)
	}

	budget := 0
	if maxChars > 0 {
		budget = maxChars / len(deps)
	}

	var b strings.Builder
	b.WriteString("Reports from the analysts you build on:\n")
	var flags []string
	for _, dep := range deps {
		out, ok := task.Snapshot.Output(dep)
		if !ok {
			fmt.Fprintf(&b, "\n## %s\nNo report available (%s).\n", dep, task.Snapshot.Status(dep))
			continue
		}
		fmt.Fprintf(&b, "\n## %s (signal %s, confidence %.2f)\n%s\n", dep, out.Signal, out.Confidence, truncate(out.Summary, budget))
		flags = append(flags, out.RiskFlags...)
	}
	if len(flags) > 0 {
		fmt.Fprintf(&b, "\nRisk flags raised so far: %s\n", strings.Join(normalizeFlags(flags), ", "))
	}
	fmt.Fprintf(&b, "\nGive your own assessment of %s as of %s.", symbol, asOf)
	return b.String()
}

func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit <= 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}
