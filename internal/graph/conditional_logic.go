package graph

import (
	"fmt"
	"sort"

	"github.com/dyike/tradeflow/internal/models"
)

// Router rules. Each rule takes the first successor when it escalates and
// the second (or the first again, for single-successor routers) otherwise.
const (
	RuleConsensus = "consensus"
	RuleRiskFlags = "risk_flags"
	RuleFirst     = "first"
)

type ruleFactory func(successors []string, params map[string]float64) RouteFunc

var rules = map[string]ruleFactory{
	RuleConsensus: consensusRule,
	RuleRiskFlags: riskFlagsRule,
	RuleFirst: func(successors []string, _ map[string]float64) RouteFunc {
		return func(models.StateSnapshot) (string, error) { return successors[0], nil }
	},
}

// Rules lists the rule names a roster may reference.
func Rules() []string {
	out := make([]string, 0, len(rules))
	for name := range rules {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func LookupRule(name string, successors []string, params map[string]float64) (RouteFunc, error) {
	if len(successors) == 0 {
		return nil, fmt.Errorf("rule %q needs at least one successor", name)
	}
	f, ok := rules[name]
	if !ok {
		return nil, fmt.Errorf("unknown route rule %q (known: %v)", name, Rules())
	}
	return f(successors, params), nil
}

func param(params map[string]float64, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		return v
	}
	return def
}

func pick(successors []string, escalate bool) string {
	if escalate || len(successors) == 1 {
		return successors[0]
	}
	return successors[1]
}

// consensusRule escalates when the most common signal among the outputs
// accumulated so far is held by less than params["threshold"] (default 0.75).
func consensusRule(successors []string, params map[string]float64) RouteFunc {
	threshold := param(params, "threshold", 0.75)
	return func(snap models.StateSnapshot) (string, error) {
		a := Agreement(snap)
		return pick(successors, a < threshold), nil
	}
}

// riskFlagsRule escalates once params["max_flags"] (default 2) distinct risk
// flags have been raised.
func riskFlagsRule(successors []string, params map[string]float64) RouteFunc {
	limit := int(param(params, "max_flags", 2))
	return func(snap models.StateSnapshot) (string, error) {
		return pick(successors, len(snap.RiskFlags) >= limit), nil
	}
}

// Agreement is the share of signalled outputs that carry the modal signal.
// Outputs without a signal or produced by routers and aggregators are ignored.
func Agreement(snap models.StateSnapshot) float64 {
	counts := map[models.Signal]int{}
	total := 0
	for _, id := range snap.OutputIDs() {
		out := snap.Outputs[id]
		if out.Route != "" || out.Report != nil || out.Signal == "" {
			continue
		}
		counts[out.Signal]++
		total++
	}
	if total == 0 {
		return 1
	}
	best := 0
	for _, c := range counts {
		if c > best {
			best = c
		}
	}
	return float64(best) / float64(total)
}
