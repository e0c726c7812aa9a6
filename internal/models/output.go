package models

import (
	"strings"
	"time"
)

type Signal string

const (
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
	SignalHold Signal = "HOLD"
)

// ParseSignal accepts any casing and surrounding whitespace.
func ParseSignal(s string) (Signal, bool) {
	switch Signal(strings.ToUpper(strings.TrimSpace(s))) {
	case SignalBuy:
		return SignalBuy, true
	case SignalSell:
		return SignalSell, true
	case SignalHold:
		return SignalHold, true
	}
	return "", false
}

// Direction maps BUY to +1, SELL to -1 and everything else to 0.
func (s Signal) Direction() int {
	switch s {
	case SignalBuy:
		return 1
	case SignalSell:
		return -1
	}
	return 0
}

// NodeOutput is the parsed, validated result of a single node.
type NodeOutput struct {
	Node       string         `json:"node"`
	Summary    string         `json:"summary"`
	Signal     Signal         `json:"signal"`
	Score      float64        `json:"score"`
	Confidence float64        `json:"confidence"`
	RiskFlags  []string       `json:"risk_flags,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`

	// Route is set by router nodes to the selected successor id.
	Route string `json:"route,omitempty"`
	// Report is set by aggregator nodes.
	Report *FinalReport `json:"report,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Clone returns a deep copy so snapshot readers never alias committed state.
func (o *NodeOutput) Clone() *NodeOutput {
	if o == nil {
		return nil
	}
	cp := *o
	if o.RiskFlags != nil {
		cp.RiskFlags = append([]string(nil), o.RiskFlags...)
	}
	if o.Fields != nil {
		cp.Fields = make(map[string]any, len(o.Fields))
		for k, v := range o.Fields {
			cp.Fields[k] = v
		}
	}
	if o.Report != nil {
		cp.Report = o.Report.Clone()
	}
	return &cp
}
