package roster

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyike/tradeflow/consts"
	"github.com/dyike/tradeflow/internal/graph"
	"github.com/dyike/tradeflow/internal/models"
)

func byID(specs []graph.NodeSpec) map[string]graph.NodeSpec {
	out := make(map[string]graph.NodeSpec, len(specs))
	for _, s := range specs {
		out[s.ID] = s
	}
	return out
}

func TestDefaultRosterBuildsGraph(t *testing.T) {
	specs, err := Default()
	require.NoError(t, err)

	g, err := graph.NewWorkflowGraph(specs)
	require.NoError(t, err)
	assert.Equal(t, 15, g.Len())
	assert.Equal(t, []string{consts.PortfolioManager}, g.Terminals())

	nodes := byID(specs)
	market := nodes[consts.MarketAnalyst]
	assert.True(t, market.Required)
	assert.Equal(t, []string{consts.ToolStockData, consts.ToolQuote, consts.ToolIndicators}, market.Tools)
	assert.False(t, nodes[consts.NewsAnalyst].Required)
	assert.Empty(t, nodes[consts.BullResearcher].Tools)
	assert.Equal(t, []string{consts.NewsAnalyst, consts.SocialAnalyst}, nodes[consts.BullResearcher].SoftDependsOn)

	router := nodes[consts.RiskRouter]
	assert.Equal(t, graph.KindRouter, router.Kind)
	assert.Equal(t, []string{consts.RiskyAnalyst, consts.RiskScreen}, router.Successors)
	assert.Equal(t, 0.75, router.Params["threshold"])
	assert.Equal(t, graph.KindAggregator, nodes[consts.PortfolioManager].Kind)
}

func TestParseAgents(t *testing.T) {
	specs, err := Parse([]byte(`
agents:
  - slug: news-watcher
    name: News Watcher
    roleDefinition: Watch the headlines.
    weight: 2
    timeout: 45s
  - slug: quant
    roleDefinition: Crunch numbers.
    tools: [market, get_fundamentals, get_quote]
  - slug: desk
    kind: aggregator
    dependsOn: [news-watcher, quant]
`))
	require.NoError(t, err)
	require.Len(t, specs, 3)

	news := specs[0]
	assert.Equal(t, "news_watcher", news.ID)
	assert.Equal(t, "News Watcher", news.Name)
	assert.Equal(t, graph.KindAnalyst, news.Kind)
	assert.Equal(t, 2.0, news.Weight)
	assert.Equal(t, 45*time.Second, news.Timeout)
	assert.Equal(t, []string{consts.ToolCompanyNews, consts.ToolGoogleNews}, news.Tools)

	assert.Equal(t, []string{consts.ToolStockData, consts.ToolQuote, consts.ToolIndicators, consts.ToolFundamentals}, specs[1].Tools)
	assert.Equal(t, []string{"news_watcher", "quant"}, specs[2].DependsOn)

	_, err = graph.NewWorkflowGraph(specs)
	assert.NoError(t, err)
}

func TestParseCustomModesReplaceAnalysts(t *testing.T) {
	specs, err := Parse([]byte(`
customModes:
  - slug: sentiment-tracker
    name: Sentiment Tracker
    roleDefinition: Track retail sentiment.
    description: crowd mood
    groups: [read]
  - slug: value-investor
    name: Value Investor
    required: true
    roleDefinition: Look for margin of safety.
`))
	require.NoError(t, err)

	nodes := byID(specs)
	assert.NotContains(t, nodes, consts.MarketAnalyst)
	assert.NotContains(t, nodes, consts.NewsAnalyst)
	assert.Equal(t, []string{consts.ToolGoogleNews, consts.ToolInsiderSentiment}, nodes["sentiment_tracker"].Tools)
	assert.Equal(t, []string{consts.ToolStockData, consts.ToolQuote, consts.ToolIndicators}, nodes["value_investor"].Tools)

	bull := nodes[consts.BullResearcher]
	assert.Equal(t, []string{"value_investor"}, bull.DependsOn)
	assert.Equal(t, []string{"sentiment_tracker"}, bull.SoftDependsOn)
	assert.Equal(t, []string{consts.BullResearcher, consts.BearResearcher}, nodes[consts.ResearchManager].DependsOn)

	_, err = graph.NewWorkflowGraph(specs)
	assert.NoError(t, err)
}

func TestParseRejectsBadRosters(t *testing.T) {
	tests := map[string]string{
		"empty":         ``,
		"no agents":     `agents: []`,
		"unknown field": "agents:\n  - slug: a\n    roleDefinition: x\n    colour: red\n",
		"missing slug":  "agents:\n  - roleDefinition: x\n",
		"missing role":  "agents:\n  - slug: a\n",
		"bad timeout":   "agents:\n  - slug: a\n    roleDefinition: x\n    timeout: soon\n",
		"negative":      "agents:\n  - slug: a\n    roleDefinition: x\n    weight: -1\n",
		"custom router": "customModes:\n  - slug: r\n    kind: router\n",
		"not yaml":      "agents: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, models.ErrConfig), err.Error())
		})
	}
}

func TestFileLoader(t *testing.T) {
	specs, err := FileLoader{}.Load()
	require.NoError(t, err)
	assert.Len(t, specs, 15)

	path := filepath.Join(t.TempDir(), "roster.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agents:\n  - slug: solo\n    roleDefinition: x\n  - slug: pm\n    kind: aggregator\n    dependsOn: [solo]\n"), 0o644))
	specs, err = FileLoader{Path: path}.Load()
	require.NoError(t, err)
	assert.Len(t, specs, 2)

	_, err = FileLoader{Path: filepath.Join(t.TempDir(), "missing.yaml")}.Load()
	assert.ErrorIs(t, err, models.ErrConfig)
}

func TestInferToolKey(t *testing.T) {
	assert.Equal(t, consts.ToolKeyNews, InferToolKey("macro-news", ""))
	assert.Equal(t, consts.ToolKeySocial, InferToolKey("crowd", "Sentiment Desk"))
	assert.Equal(t, consts.ToolKeyFundamentals, InferToolKey("fundamental-check", ""))
	assert.Equal(t, consts.ToolKeyMarket, InferToolKey("chartist", ""))
}

// snapshotRecorder remembers which outputs each node was shown.
type snapshotRecorder struct {
	mu     sync.Mutex
	seen   map[string][]string
	signal func(id string) models.Signal
}

func (r *snapshotRecorder) Execute(_ context.Context, task graph.Task) (*models.NodeOutput, error) {
	r.mu.Lock()
	r.seen[task.Node.ID] = task.Snapshot.OutputIDs()
	r.mu.Unlock()
	if task.Node.Kind == graph.KindAggregator {
		return &models.NodeOutput{Report: &models.FinalReport{Node: task.Node.ID}}, nil
	}
	return &models.NodeOutput{Summary: task.Node.ID, Signal: r.signal(task.Node.ID), Confidence: 0.6}, nil
}

func runDefault(t *testing.T, signal func(string) models.Signal, opts ...Option) (*models.RunResult, map[string][]string) {
	t.Helper()
	specs, err := Default(opts...)
	require.NoError(t, err)
	g, err := graph.NewWorkflowGraph(specs)
	require.NoError(t, err)
	rec := &snapshotRecorder{seen: map[string][]string{}, signal: signal}
	s, err := graph.NewScheduler(g, map[graph.NodeKind]graph.Executor{graph.KindAnalyst: rec, graph.KindAggregator: rec})
	require.NoError(t, err)
	res := s.Run(context.Background(), models.NewAnalysisState("run-1", "AAPL", time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)))
	return res, rec.seen
}

func TestRiskStageSeesTradersProposal(t *testing.T) {
	// Split signals send the router to the debate.
	mixed := func(id string) models.Signal {
		switch id {
		case consts.MarketAnalyst, consts.SocialAnalyst, consts.BullResearcher, consts.ResearchManager:
			return models.SignalBuy
		}
		return models.SignalSell
	}
	res, seen := runDefault(t, mixed)
	require.Equal(t, models.RunSucceeded, res.Status)
	assert.Equal(t, consts.RiskyAnalyst, res.Outputs[consts.RiskRouter].Route)
	for _, id := range []string{consts.RiskyAnalyst, consts.SafeAnalyst, consts.NeutralAnalyst, consts.RiskJudge} {
		assert.Contains(t, seen[id], consts.Trader, id)
	}
	assert.Contains(t, seen[consts.SafeAnalyst], consts.RiskyAnalyst)
	assert.Subset(t, seen[consts.NeutralAnalyst], []string{consts.RiskyAnalyst, consts.SafeAnalyst})
	assert.Subset(t, seen[consts.RiskJudge], []string{consts.RiskyAnalyst, consts.SafeAnalyst, consts.NeutralAnalyst})
	assert.Contains(t, seen[consts.BearResearcher], consts.BullResearcher)

	agree := func(string) models.Signal { return models.SignalBuy }
	res, seen = runDefault(t, agree)
	require.Equal(t, models.RunSucceeded, res.Status)
	assert.Equal(t, consts.RiskScreen, res.Outputs[consts.RiskRouter].Route)
	assert.Equal(t, models.ReasonNotSelected, res.Nodes[consts.NeutralAnalyst].Reason)
	assert.Contains(t, seen[consts.RiskScreen], consts.Trader)
	assert.Subset(t, seen[consts.RiskJudge], []string{consts.RiskScreen, consts.Trader})
}

func TestDebateRoundsUnrollIntoTurns(t *testing.T) {
	specs, err := Default(WithRounds(consts.InvestmentDebate, 2), WithRounds(consts.RiskDebate, 2))
	require.NoError(t, err)
	g, err := graph.NewWorkflowGraph(specs)
	require.NoError(t, err)
	assert.Equal(t, 20, g.Len())

	nodes := byID(specs)
	bull1 := nodes["bull_researcher_round1"]
	assert.Equal(t, []string{consts.MarketAnalyst, consts.FundamentalsAnalyst}, bull1.DependsOn)
	assert.Equal(t, "Bull Researcher (round 1)", bull1.Name)
	assert.Equal(t, []string{"bull_researcher_round1"}, nodes["bear_researcher_round1"].SoftDependsOn[2:])

	bull2 := nodes[consts.BullResearcher]
	assert.Empty(t, bull2.DependsOn)
	assert.Equal(t, []string{"bear_researcher_round1"}, bull2.SoftDependsOn)
	assert.Subset(t, bull2.Context, []string{consts.MarketAnalyst, consts.NewsAnalyst, "bull_researcher_round1"})
	assert.Equal(t, []string{consts.BullResearcher}, nodes[consts.BearResearcher].SoftDependsOn)
	assert.Equal(t, []string{consts.BullResearcher, consts.BearResearcher}, nodes[consts.ResearchManager].DependsOn)

	router := nodes[consts.RiskRouter]
	assert.Equal(t, []string{"risky_analyst_round1", consts.RiskScreen}, router.Successors)
	risky2 := nodes[consts.RiskyAnalyst]
	assert.Contains(t, risky2.Context, consts.Trader)
	assert.NotContains(t, risky2.Context, consts.RiskRouter)

	agree := func(string) models.Signal { return models.SignalBuy }
	res, _ := runDefault(t, agree, WithRounds(consts.RiskDebate, 2))
	require.Equal(t, models.RunSucceeded, res.Status)
	for _, id := range []string{"risky_analyst_round1", "safe_analyst_round1", "neutral_analyst_round1", consts.RiskyAnalyst, consts.NeutralAnalyst} {
		assert.Equal(t, models.ReasonNotSelected, res.Nodes[id].Reason, id)
	}
	assert.Equal(t, models.StatusSucceeded, res.Nodes[consts.RiskJudge].Status)
}

func TestDebateRoundsFromFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
debates:
  investment:
    rounds: 3
customModes:
  - slug: chartist
    required: true
    roleDefinition: Read the chart.
`), 0o644))

	specs, err := FileLoader{Path: path}.Load()
	require.NoError(t, err)
	nodes := byID(specs)
	assert.Contains(t, nodes, "bull_researcher_round2")
	assert.Equal(t, []string{"chartist"}, nodes["bull_researcher_round1"].DependsOn)

	specs, err = FileLoader{Path: path, Rounds: map[string]int{consts.InvestmentDebate: 1, consts.RiskDebate: 0}}.Load()
	require.NoError(t, err)
	assert.NotContains(t, byID(specs), "bull_researcher_round1")

	bad := map[string]string{
		"one speaker": `debates:
  d:
    speakers: [a]
agents:
  - slug: a
    roleDefinition: x
`,
		"unknown": `debates:
  d:
    speakers: [a, ghost]
agents:
  - slug: a
    roleDefinition: x
`,
		"too many": `debates:
  d:
    rounds: 11
    speakers: [a, b]
agents:
  - slug: a
    roleDefinition: x
  - slug: b
    roleDefinition: y
`,
		"custom speaker": `debates:
  extra:
    speakers: [a, b]
customModes:
  - slug: a
    roleDefinition: x
`,
	}
	for name, doc := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorIs(t, err, models.ErrConfig)
		})
	}
}
