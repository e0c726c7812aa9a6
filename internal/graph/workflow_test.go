package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyike/tradeflow/internal/models"
)

func analyst(id string, deps ...string) NodeSpec {
	return NodeSpec{ID: id, Kind: KindAnalyst, DependsOn: deps}
}

func aggregator(id string, deps ...string) NodeSpec {
	return NodeSpec{ID: id, Kind: KindAggregator, DependsOn: deps}
}

func router(id string, successors []string, route RouteFunc, deps ...string) NodeSpec {
	return NodeSpec{ID: id, Kind: KindRouter, DependsOn: deps, Successors: successors, Route: route}
}

func TestNewWorkflowGraphRejectsBadRosters(t *testing.T) {
	tests := []struct {
		name  string
		specs []NodeSpec
		msg   string
	}{
		{"empty", nil, "no nodes"},
		{"duplicate", []NodeSpec{analyst("a"), analyst("a"), aggregator("z", "a")}, "duplicate"},
		{"unknown dep", []NodeSpec{analyst("a", "ghost"), aggregator("z", "a")}, "unknown node"},
		{"self dep", []NodeSpec{analyst("a", "a"), aggregator("z", "a")}, "itself"},
		{"cycle", []NodeSpec{analyst("a", "c"), analyst("b", "a"), analyst("c", "b"), aggregator("z", "c")}, "cycle"},
		{"no aggregator", []NodeSpec{analyst("a")}, "no aggregator"},
		{"dangling", []NodeSpec{analyst("a"), analyst("b"), aggregator("z", "a")}, "cannot reach"},
		{"depends on aggregator", []NodeSpec{analyst("a"), aggregator("z", "a"), analyst("b", "z"), aggregator("y", "b")}, "depends on aggregator"},
		{"bad kind", []NodeSpec{{ID: "a", Kind: "oracle"}, aggregator("z", "a")}, "unknown kind"},
		{
			"router without successors",
			[]NodeSpec{analyst("a"), {ID: "r", Kind: KindRouter, DependsOn: []string{"a"}, Rule: RuleFirst}, aggregator("z", "r")},
			"no successors",
		},
		{
			"unknown rule",
			[]NodeSpec{analyst("a"), {ID: "r", Kind: KindRouter, DependsOn: []string{"a"}, Rule: "coin_flip", Successors: []string{"b"}}, analyst("b", "r"), aggregator("z", "b")},
			"unknown route rule",
		},
		{
			"successor not downstream",
			[]NodeSpec{analyst("a"), {ID: "r", Kind: KindRouter, DependsOn: []string{"a"}, Rule: RuleFirst, Successors: []string{"b"}}, analyst("b", "a"), aggregator("z", "b", "r")},
			"must depend on it",
		},
		{
			"context not upstream",
			[]NodeSpec{analyst("a"), analyst("b"), {ID: "c", Kind: KindAnalyst, DependsOn: []string{"a"}, Context: []string{"b"}}, aggregator("z", "b", "c")},
			"not upstream",
		},
		{
			"successors on analyst",
			[]NodeSpec{{ID: "a", Kind: KindAnalyst, Successors: []string{"z"}}, aggregator("z", "a")},
			"not a router",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewWorkflowGraph(tt.specs)
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrConfig)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestReadyNodesAndOrder(t *testing.T) {
	g, err := NewWorkflowGraph([]NodeSpec{
		analyst("market"),
		analyst("news"),
		analyst("bull", "market", "news"),
		{ID: "bear", Kind: KindAnalyst, DependsOn: []string{"market"}, SoftDependsOn: []string{"news"}},
		aggregator("pm", "bull", "bear"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"market", "news"}, g.ReadyNodes(map[string]bool{}))
	assert.Equal(t, []string{"news"}, g.ReadyNodes(map[string]bool{"market": true}))
	assert.Equal(t, []string{"bull", "bear"}, g.ReadyNodes(map[string]bool{"market": true, "news": true}))
	assert.Empty(t, g.ReadyNodes(map[string]bool{"market": true, "news": true, "bull": true, "bear": true, "pm": true}))

	assert.Equal(t, []string{"market", "news", "bull", "bear", "pm"}, g.Order())
	assert.Equal(t, []string{"pm"}, g.Terminals())
	assert.True(t, g.IsTerminal("pm"))
	assert.False(t, g.IsTerminal("bull"))
	assert.ElementsMatch(t, []string{"bull", "bear"}, g.Dependents("news"))

	_, err = g.Resolve("ghost")
	assert.ErrorIs(t, err, models.ErrConfig)
}

func TestInputsAppendContextOnce(t *testing.T) {
	n := NodeSpec{
		ID:            "judge",
		DependsOn:     []string{"neutral", "trader"},
		SoftDependsOn: []string{"screen"},
		Context:       []string{"trader", "risky"},
	}
	assert.Equal(t, []string{"neutral", "trader", "screen", "risky"}, n.Inputs())
	assert.Equal(t, []string{"neutral", "trader", "screen"}, n.Deps())
}

func TestRouteValidatesChoice(t *testing.T) {
	choice := "y"
	g, err := NewWorkflowGraph([]NodeSpec{
		analyst("a"),
		router("r", []string{"x", "y"}, func(models.StateSnapshot) (string, error) { return choice, nil }, "a"),
		analyst("x", "r"),
		analyst("y", "r"),
		aggregator("z", "x", "y"),
	})
	require.NoError(t, err)

	next, err := g.Route("r", models.StateSnapshot{})
	require.NoError(t, err)
	assert.Equal(t, "y", next)

	choice = "a"
	_, err = g.Route("r", models.StateSnapshot{})
	assert.ErrorContains(t, err, "not one of")

	_, err = g.Route("x", models.StateSnapshot{})
	assert.ErrorContains(t, err, "not a router")
}

func snapWith(signals map[string]models.Signal, flags ...string) models.StateSnapshot {
	snap := models.StateSnapshot{Outputs: map[string]*models.NodeOutput{}, RiskFlags: flags}
	for id, s := range signals {
		snap.Outputs[id] = &models.NodeOutput{Node: id, Signal: s}
	}
	return snap
}

func TestConsensusRule(t *testing.T) {
	route, err := LookupRule(RuleConsensus, []string{"debate", "screen"}, map[string]float64{"threshold": 0.75})
	require.NoError(t, err)

	next, _ := route(snapWith(map[string]models.Signal{"a": models.SignalBuy, "b": models.SignalBuy, "c": models.SignalBuy, "d": models.SignalSell}))
	assert.Equal(t, "screen", next)

	next, _ = route(snapWith(map[string]models.Signal{"a": models.SignalBuy, "b": models.SignalSell}))
	assert.Equal(t, "debate", next)

	assert.InDelta(t, 1.0, Agreement(models.StateSnapshot{}), 1e-9)
}

func TestRiskFlagsRule(t *testing.T) {
	route, err := LookupRule(RuleRiskFlags, []string{"debate", "screen"}, nil)
	require.NoError(t, err)

	next, _ := route(snapWith(nil, "leverage"))
	assert.Equal(t, "screen", next)
	next, _ = route(snapWith(nil, "leverage", "tool_unavailable:get_quote"))
	assert.Equal(t, "debate", next)

	_, err = LookupRule(RuleFirst, nil, nil)
	assert.Error(t, err)
	assert.Equal(t, []string{RuleConsensus, RuleFirst, RuleRiskFlags}, Rules())
}
