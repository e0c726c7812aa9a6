package agents

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/eino/callbacks"
	ecmodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyike/tradeflow/internal/cache"
	"github.com/dyike/tradeflow/internal/dataflows"
	"github.com/dyike/tradeflow/internal/graph"
	"github.com/dyike/tradeflow/internal/metrics"
	"github.com/dyike/tradeflow/internal/models"
	"github.com/dyike/tradeflow/internal/tools"
)

var asOf = time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)

type step struct {
	msg *schema.Message
	err error
}

// scriptedModel replays steps in order and records every input it saw.
type scriptedModel struct {
	mu     sync.Mutex
	steps  []step
	inputs [][]*schema.Message
	bound  []*schema.ToolInfo
}

func (m *scriptedModel) Generate(_ context.Context, in []*schema.Message, _ ...ecmodel.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, append([]*schema.Message(nil), in...))
	if len(m.steps) == 0 {
		return nil, errors.New("script exhausted")
	}
	s := m.steps[0]
	m.steps = m.steps[1:]
	return s.msg, s.err
}

func (m *scriptedModel) Stream(ctx context.Context, in []*schema.Message, opts ...ecmodel.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, in, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (m *scriptedModel) WithTools(infos []*schema.ToolInfo) (ecmodel.ToolCallingChatModel, error) {
	m.mu.Lock()
	m.bound = infos
	m.mu.Unlock()
	return m, nil
}

func (m *scriptedModel) lastInput() []*schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inputs[len(m.inputs)-1]
}

func (m *scriptedModel) generations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inputs)
}

func text(s string) step { return step{msg: schema.AssistantMessage(s, nil)} }

func call(id, name, args string) step {
	return step{msg: schema.AssistantMessage("", []schema.ToolCall{{
		ID:       id,
		Function: schema.FunctionCall{Name: name, Arguments: args},
	}})}
}

const validReply = `{"signal":"BUY","score":0.7,"confidence":0.8,"summary":"Momentum is strong.","risk_flags":["earnings_next_week"]}`

func testRunnerConfig() RunnerConfig {
	return RunnerConfig{
		MaxParseRetries:    2,
		MaxGenerateRetries: 3,
		GenerateBackoff:    time.Millisecond,
		MaxToolRounds:      2,
		MaxContextChars:    6000,
	}
}

func quoteGateway(t *testing.T, fetch dataflows.FetchFunc) *tools.Gateway {
	t.Helper()
	g := tools.NewGateway(cache.NewMemoryStore(), tools.Settings{Timeout: time.Second, Concurrency: 2})
	require.NoError(t, g.Register(tools.Capability{Name: "get_quote", Provider: "test", TTL: time.Hour, Fetch: fetch}))
	return g
}

func analystTask(id string, toolNames ...string) graph.Task {
	return graph.Task{
		RunID:    "run-1",
		Node:     graph.NodeSpec{ID: id, Kind: graph.KindAnalyst, Role: "You study price action.", Tools: toolNames},
		Snapshot: models.NewAnalysisState("run-1", "AAPL", asOf).Snapshot(),
	}
}

func TestRunnerReturnsParsedOutput(t *testing.T) {
	m := &scriptedModel{steps: []step{text("```json\n" + validReply + "\n```")}}
	r := NewRunner(m, nil, testRunnerConfig())

	out, err := r.Execute(context.Background(), analystTask("market_analyst"))
	require.NoError(t, err)

	assert.Equal(t, models.SignalBuy, out.Signal)
	assert.InDelta(t, 0.8, out.Confidence, 1e-9)
	assert.Equal(t, []string{"earnings_next_week"}, out.RiskFlags)
	assert.Equal(t, 1, out.Fields["generations"])
	assert.False(t, out.Timestamp.IsZero())

	in := m.lastInput()
	require.Len(t, in, 2)
	assert.Equal(t, schema.System, in[0].Role)
	assert.Contains(t, in[0].Content, "You study price action.")
	assert.Contains(t, in[0].Content, "AAPL")
	assert.Contains(t, in[0].Content, "2024-05-10")
	assert.Contains(t, in[0].Content, `"signal": "BUY | SELL | HOLD"`)
}

func TestRunnerResolvesToolCalls(t *testing.T) {
	var fetches atomic.Int32
	g := quoteGateway(t, func(_ context.Context, args dataflows.Args) ([]dataflows.Record, error) {
		fetches.Add(1)
		return []dataflows.Record{{"symbol": args.Symbol, "price": "189.5"}}, nil
	})
	m := &scriptedModel{steps: []step{
		call("c1", "get_quote", `{"symbol":"aapl"}`),
		text(validReply),
	}}
	r := NewRunner(m, g, testRunnerConfig())

	out, err := r.Execute(context.Background(), analystTask("market_analyst", "get_quote"))
	require.NoError(t, err)

	assert.Equal(t, int32(1), fetches.Load())
	require.Len(t, m.bound, 1)
	assert.Equal(t, "get_quote", m.bound[0].Name)
	assert.Equal(t, 1, out.Fields["tool_calls"])

	in := m.lastInput()
	last := in[len(in)-1]
	assert.Equal(t, schema.Tool, last.Role)
	assert.Equal(t, "c1", last.ToolCallID)
	assert.Contains(t, last.Content, "189.5")
}

func TestRunnerTurnsUnavailableToolIntoRiskFlag(t *testing.T) {
	g := quoteGateway(t, func(context.Context, dataflows.Args) ([]dataflows.Record, error) {
		return nil, &dataflows.ProviderError{Provider: "test", Err: dataflows.ErrNotConfigured}
	})
	m := &scriptedModel{steps: []step{
		call("c1", "get_quote", `{"symbol":"AAPL"}`),
		call("c2", "get_weather", `{}`),
		text(validReply),
	}}
	r := NewRunner(m, g, testRunnerConfig())

	out, err := r.Execute(context.Background(), analystTask("market_analyst", "get_quote"))
	require.NoError(t, err)
	assert.Equal(t, []string{"earnings_next_week", "tool_unavailable:get_quote", "tool_unavailable:get_weather"}, out.RiskFlags)
}

func TestRunnerReformulatesUnparsableReplies(t *testing.T) {
	m := &scriptedModel{steps: []step{
		text("I like it."),
		text(`{"signal":"PERHAPS","summary":"x"}`),
		text(validReply),
	}}
	r := NewRunner(m, nil, testRunnerConfig())

	out, err := r.Execute(context.Background(), analystTask("news_analyst"))
	require.NoError(t, err)
	assert.Equal(t, 2, out.Fields["parse_retries"])

	in := m.lastInput()
	assert.Equal(t, schema.User, in[len(in)-1].Role)
	assert.Contains(t, in[len(in)-1].Content, "PERHAPS")
}

func TestRunnerGivesUpAfterParseRetries(t *testing.T) {
	m := &scriptedModel{steps: []step{text("no"), text("still no"), text("never"), text(validReply)}}
	r := NewRunner(m, nil, testRunnerConfig())

	_, err := r.Execute(context.Background(), analystTask("news_analyst"))
	assert.ErrorIs(t, err, models.ErrAgentOutputInvalid)
	assert.Equal(t, 3, m.generations())
}

func TestRunnerRetriesGeneration(t *testing.T) {
	m := &scriptedModel{steps: []step{
		{err: errors.New("502 bad gateway")},
		{err: errors.New("502 bad gateway")},
		text(validReply),
	}}
	r := NewRunner(m, nil, testRunnerConfig())

	out, err := r.Execute(context.Background(), analystTask("trader"))
	require.NoError(t, err)
	assert.Equal(t, models.SignalBuy, out.Signal)

	m = &scriptedModel{steps: []step{{err: errors.New("down")}, {err: errors.New("down")}, {err: errors.New("down")}, {err: errors.New("down")}}}
	_, err = NewRunner(m, nil, testRunnerConfig()).Execute(context.Background(), analystTask("trader"))
	assert.ErrorIs(t, err, models.ErrNodeFailed)
	assert.Equal(t, 4, m.generations(), "three retries after the first attempt")

	cfg := testRunnerConfig()
	cfg.MaxGenerateRetries = 0
	m = &scriptedModel{steps: []step{{err: errors.New("down")}, text(validReply)}}
	_, err = NewRunner(m, nil, cfg).Execute(context.Background(), analystTask("trader"))
	assert.ErrorIs(t, err, models.ErrNodeFailed)
	assert.Equal(t, 1, m.generations())
}

func TestRunnerStopsToolsAfterBudget(t *testing.T) {
	g := quoteGateway(t, func(context.Context, dataflows.Args) ([]dataflows.Record, error) {
		return []dataflows.Record{{"price": 1}}, nil
	})
	m := &scriptedModel{steps: []step{
		call("c1", "get_quote", `{"symbol":"AAPL"}`),
		call("c2", "get_quote", `{"symbol":"MSFT"}`),
		call("c3", "get_quote", `{"symbol":"NVDA"}`),
		text(validReply),
	}}
	r := NewRunner(m, g, testRunnerConfig())

	out, err := r.Execute(context.Background(), analystTask("market_analyst", "get_quote"))
	require.NoError(t, err)
	assert.Equal(t, 2, out.Fields["tool_rounds"])
	assert.Equal(t, 1, out.Fields["parse_retries"])

	var sawFinal bool
	for _, msg := range m.lastInput() {
		if msg.Role == schema.User && strings.Contains(msg.Content, "used all of your tool calls") {
			sawFinal = true
		}
	}
	assert.True(t, sawFinal)
}

func TestRunnerHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := &scriptedModel{steps: []step{text(validReply)}}

	_, err := NewRunner(m, nil, testRunnerConfig()).Execute(ctx, analystTask("trader"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, m.generations())
}

func TestContextComesOnlyFromDependencies(t *testing.T) {
	state := models.NewAnalysisState("run-1", "AAPL", asOf)
	state.Put("market_analyst", &models.NodeOutput{Summary: strings.Repeat("m", 100), Signal: models.SignalBuy, Confidence: 0.7})
	state.Put("news_analyst", &models.NodeOutput{Summary: "n", Signal: models.SignalSell, Confidence: 0.4, RiskFlags: []string{"lawsuit"}})
	state.Put("social_analyst", &models.NodeOutput{Summary: "should not appear"})
	state.MarkStatus("fundamentals_analyst", models.StatusFailed)

	task := graph.Task{
		Node: graph.NodeSpec{
			ID:            "bull_researcher",
			Kind:          graph.KindAnalyst,
			DependsOn:     []string{"market_analyst", "news_analyst"},
			SoftDependsOn: []string{"fundamentals_analyst", "sentiment_missing"},
		},
		Snapshot: state.Snapshot(),
	}

	got := buildContext(task, 80)

	assert.Contains(t, got, "## market_analyst (signal BUY, confidence 0.70)\n"+strings.Repeat("m", 17)+"...\n")
	assert.Contains(t, got, "## news_analyst (signal SELL, confidence 0.40)\nn\n")
	assert.Contains(t, got, "## fundamentals_analyst\nNo report available (failed).")
	assert.Contains(t, got, "Risk flags raised so far: lawsuit")
	assert.NotContains(t, got, "should not appear")
}

func TestContextIncludesReadNodesAndSkipsUnselectedBranches(t *testing.T) {
	state := models.NewAnalysisState("run-1", "AAPL", asOf)
	state.Put("trader", &models.NodeOutput{Summary: "Buy 100 shares below 190.", Signal: models.SignalBuy, Confidence: 0.8})
	state.Put("risk_screen", &models.NodeOutput{Summary: "Earnings next week.", Signal: models.SignalHold, Confidence: 0.6})
	state.MarkSkipped("neutral_analyst", models.ReasonNotSelected)

	task := graph.Task{
		Node: graph.NodeSpec{
			ID:        "risk_judge",
			Kind:      graph.KindAnalyst,
			DependsOn: []string{"neutral_analyst", "risk_screen", "trader"},
			Context:   []string{"trader", "risky_analyst"},
		},
		Snapshot: state.Snapshot(),
	}

	got := buildContext(task, 0)

	assert.Contains(t, got, "## trader (signal BUY, confidence 0.80)\nBuy 100 shares below 190.")
	assert.Contains(t, got, "## risk_screen")
	assert.Equal(t, 1, strings.Count(got, "## trader"))
	assert.NotContains(t, got, "neutral_analyst")
	assert.Contains(t, got, "## risky_analyst\nNo report available")
}

func TestLoggerCallbackCountsTokensAndForwardsReplies(t *testing.T) {
	m := metrics.New()
	out := make(chan ModelMessage, 1)
	cb := &LoggerCallback{Metrics: m, Out: out}
	h := cb.Handler()
	info := &callbacks.RunInfo{Name: "market_analyst"}

	h.OnEnd(context.Background(), info, &ecmodel.CallbackOutput{
		Message:    schema.AssistantMessage("looks good", nil),
		TokenUsage: &ecmodel.TokenUsage{PromptTokens: 120, CompletionTokens: 30, TotalTokens: 150},
	})

	assert.Equal(t, 120.0, testutil.ToFloat64(m.LLMTokens.WithLabelValues("market_analyst", "prompt")))
	assert.Equal(t, 30.0, testutil.ToFloat64(m.LLMTokens.WithLabelValues("market_analyst", "completion")))
	select {
	case msg := <-out:
		assert.Equal(t, ModelMessage{Node: "market_analyst", Content: "looks good"}, msg)
	default:
		t.Fatal("expected a forwarded reply")
	}
}
