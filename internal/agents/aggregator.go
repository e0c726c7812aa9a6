package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/dyike/tradeflow/consts"
	"github.com/dyike/tradeflow/internal/graph"
	"github.com/dyike/tradeflow/internal/models"
)

type AggregatorConfig struct {
	BuyThreshold  float64
	SellThreshold float64
}

func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{BuyThreshold: 0.15, SellThreshold: 0.15}
}

// Aggregator turns the analysts' outputs into the final report with a
// weighted vote. Its result depends only on the snapshot it is given.
type Aggregator struct {
	graph *graph.WorkflowGraph
	buy   decimal.Decimal
	sell  decimal.Decimal
}

func NewAggregator(g *graph.WorkflowGraph, cfg AggregatorConfig) *Aggregator {
	return &Aggregator{
		graph: g,
		buy:   decimal.NewFromFloat(cfg.BuyThreshold),
		sell:  decimal.NewFromFloat(cfg.SellThreshold).Neg(),
	}
}

func (a *Aggregator) Execute(_ context.Context, task graph.Task) (*models.NodeOutput, error) {
	report := a.Aggregate(task.Node.ID, task.Snapshot, task.Partial)
	score, _ := report.Score.Float64()
	conf, _ := report.Confidence.Float64()
	return &models.NodeOutput{
		Summary:    report.Rationale,
		Signal:     report.Action,
		Score:      score,
		Confidence: conf,
		Report:     report,
	}, nil
}

var (
	one  = decimal.NewFromInt(1)
	zero = decimal.Zero
)

// Aggregate builds the report for aggregator node id from snap.
func (a *Aggregator) Aggregate(id string, snap models.StateSnapshot, partial bool) *models.FinalReport {
	report := &models.FinalReport{
		Node:       id,
		Symbol:     snap.Symbol,
		AsOf:       snap.AsOf.Format(consts.DateLayout),
		Action:     models.SignalHold,
		Score:      zero,
		Confidence: zero,
		RiskFlags:  append([]string(nil), snap.RiskFlags...),
	}

	var (
		weightSum decimal.Decimal
		voteSum   decimal.Decimal
		confSum   decimal.Decimal
	)
	for _, nodeID := range snap.OutputIDs() {
		spec, err := a.graph.Resolve(nodeID)
		if err != nil || spec.Kind != graph.KindAnalyst {
			continue
		}
		out := snap.Outputs[nodeID]
		if snap.Status(nodeID) != models.StatusSucceeded || out.Signal == "" {
			continue
		}
		weight := one
		if spec.Weight > 0 {
			weight = decimal.NewFromFloat(spec.Weight)
		}
		conf := decimal.NewFromFloat(out.Confidence)
		vote := weight.Mul(conf).Mul(decimal.NewFromInt(int64(out.Signal.Direction())))

		weightSum = weightSum.Add(weight)
		voteSum = voteSum.Add(vote)
		confSum = confSum.Add(conf)
		report.Votes = append(report.Votes, models.Vote{
			Node:         nodeID,
			Signal:       out.Signal,
			Weight:       weight,
			Confidence:   conf.Round(4),
			Contribution: vote.Round(4),
		})
	}

	var requiredTotal, requiredOK int64
	for _, spec := range a.graph.Nodes() {
		if spec.ID == id || spec.Kind == graph.KindAggregator {
			continue
		}
		status := snap.Status(spec.ID)
		if spec.Required && spec.Kind == graph.KindAnalyst {
			requiredTotal++
			if status == models.StatusSucceeded {
				requiredOK++
			}
		}
		switch status {
		case models.StatusFailed, models.StatusTimeout:
			report.Missing = append(report.Missing, spec.ID)
		case models.StatusSkipped:
			if snap.Reasons[spec.ID] != models.ReasonNotSelected {
				report.Missing = append(report.Missing, spec.ID)
			}
		}
	}

	if len(report.Votes) > 0 {
		report.Score = voteSum.DivRound(weightSum, 4)
		coverage := one
		if requiredTotal > 0 {
			coverage = decimal.NewFromInt(requiredOK).Div(decimal.NewFromInt(requiredTotal))
		}
		mean := confSum.Div(decimal.NewFromInt(int64(len(report.Votes))))
		report.Confidence = coverage.Mul(mean).Round(4)

		switch {
		case report.Score.GreaterThanOrEqual(a.buy):
			report.Action = models.SignalBuy
		case report.Score.LessThanOrEqual(a.sell):
			report.Action = models.SignalSell
		}
	}

	report.Degraded = partial || len(report.Missing) > 0
	report.Rationale = rationale(report)
	return report
}

func rationale(r *models.FinalReport) string {
	var b strings.Builder
	if len(r.Votes) == 0 {
		b.WriteString("No analyst produced a usable signal; holding by default.")
	} else {
		counts := map[models.Signal]int{}
		for _, v := range r.Votes {
			counts[v.Signal]++
		}
		fmt.Fprintf(&b, "%s with weighted score %s and confidence %s from %d analysts (%d buy, %d sell, %d hold).",
			r.Action, r.Score.StringFixed(4), r.Confidence.StringFixed(4), len(r.Votes),
			counts[models.SignalBuy], counts[models.SignalSell], counts[models.SignalHold])
	}
	if len(r.Missing) > 0 {
		fmt.Fprintf(&b, " Missing: %s.", strings.Join(r.Missing, ", "))
	}
	if len(r.RiskFlags) > 0 {
		fmt.Fprintf(&b, " Risk flags: %s.", strings.Join(r.RiskFlags, ", "))
	}
	return b.String()
}
