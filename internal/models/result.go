package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type NodeStatus string

const (
	StatusPending   NodeStatus = "pending"
	StatusRunning   NodeStatus = "running"
	StatusSucceeded NodeStatus = "succeeded"
	StatusFailed    NodeStatus = "failed"
	StatusSkipped   NodeStatus = "skipped"
	StatusTimeout   NodeStatus = "timeout"
)

// Settled reports whether the node will not change status again in this run.
func (s NodeStatus) Settled() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped, StatusTimeout:
		return true
	}
	return false
}

// Reasons recorded for skipped nodes.
const (
	ReasonNotSelected      = "not selected by router"
	ReasonDependencyFailed = "dependency did not succeed"
	ReasonRunHalted        = "run halted after a required node failed"
	ReasonRunTimeout       = "run timed out"
)

type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunDegraded  RunStatus = "degraded"
	RunFailed    RunStatus = "failed"
	RunTimeout   RunStatus = "timeout"
)

// Vote is one contributor's share of the aggregated decision.
type Vote struct {
	Node         string          `json:"node"`
	Signal       Signal          `json:"signal"`
	Weight       decimal.Decimal `json:"weight"`
	Confidence   decimal.Decimal `json:"confidence"`
	Contribution decimal.Decimal `json:"contribution"`
}

// FinalReport is produced by aggregator nodes.
type FinalReport struct {
	Node       string          `json:"node"`
	Symbol     string          `json:"symbol"`
	AsOf       string          `json:"as_of"`
	Action     Signal          `json:"action"`
	Score      decimal.Decimal `json:"score"`
	Confidence decimal.Decimal `json:"confidence"`
	Votes      []Vote          `json:"votes"`
	RiskFlags  []string        `json:"risk_flags,omitempty"`
	Missing    []string        `json:"missing,omitempty"`
	Degraded   bool            `json:"degraded"`
	Rationale  string          `json:"rationale"`
}

func (r *FinalReport) Clone() *FinalReport {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Votes = append([]Vote(nil), r.Votes...)
	cp.RiskFlags = append([]string(nil), r.RiskFlags...)
	cp.Missing = append([]string(nil), r.Missing...)
	return &cp
}

// NodeResult records how a single node settled.
type NodeResult struct {
	Node       string     `json:"node"`
	Kind       string     `json:"kind"`
	Status     NodeStatus `json:"status"`
	Attempts   int        `json:"attempts"`
	StartedAt  time.Time  `json:"started_at,omitempty"`
	FinishedAt time.Time  `json:"finished_at,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Error      string     `json:"error,omitempty"`
	ErrorKind  ErrorKind  `json:"error_kind,omitempty"`
}

func (r NodeResult) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunResult is returned once per run and never mutated afterwards.
type RunResult struct {
	RunID      string                  `json:"run_id"`
	Symbol     string                  `json:"symbol"`
	AsOf       string                  `json:"as_of"`
	Status     RunStatus               `json:"status"`
	Report     *FinalReport            `json:"report,omitempty"`
	Reports    map[string]*FinalReport `json:"reports,omitempty"`
	Nodes      map[string]NodeResult   `json:"nodes"`
	Outputs    map[string]*NodeOutput  `json:"outputs"`
	RiskFlags  []string                `json:"risk_flags,omitempty"`
	Errors     []NodeResult            `json:"errors,omitempty"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`

	// Failure is ErrRunFailed or ErrRunTimeout wrapped with the first
	// causing node error; nil for succeeded and degraded runs.
	Failure error `json:"-"`
}

func (r *RunResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
