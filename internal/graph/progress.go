package graph

import (
	"sync"

	"go.uber.org/zap"

	"github.com/dyike/tradeflow/internal/models"
)

// Observer is notified from the scheduler loop as nodes start and settle.
// Implementations must return quickly.
type Observer interface {
	OnNodeStart(runID, node string)
	OnNodeComplete(runID string, result models.NodeResult)
}

// Observers fans notifications out in order.
type Observers []Observer

func (obs Observers) OnNodeStart(runID, node string) {
	for _, o := range obs {
		o.OnNodeStart(runID, node)
	}
}

func (obs Observers) OnNodeComplete(runID string, result models.NodeResult) {
	for _, o := range obs {
		o.OnNodeComplete(runID, result)
	}
}

// Progress is a point-in-time view of a run.
type Progress struct {
	Total   int
	Settled int
	Running []string
	Last    models.NodeResult
}

func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Settled) / float64(p.Total) * 100
}

// ProgressTracker counts settled nodes and forwards every change to OnUpdate.
type ProgressTracker struct {
	OnUpdate func(Progress)

	mu      sync.Mutex
	order   []string
	running map[string]bool
	settled map[string]bool
	last    models.NodeResult
}

func NewProgressTracker(g *WorkflowGraph, onUpdate func(Progress)) *ProgressTracker {
	order := make([]string, 0, g.Len())
	for _, n := range g.Nodes() {
		order = append(order, n.ID)
	}
	return &ProgressTracker{
		OnUpdate: onUpdate,
		order:    order,
		running:  make(map[string]bool),
		settled:  make(map[string]bool),
	}
}

func (t *ProgressTracker) OnNodeStart(_ string, node string) {
	t.mu.Lock()
	t.running[node] = true
	p := t.snapshotLocked()
	t.mu.Unlock()
	t.emit(p)
}

func (t *ProgressTracker) OnNodeComplete(_ string, result models.NodeResult) {
	t.mu.Lock()
	delete(t.running, result.Node)
	t.settled[result.Node] = true
	t.last = result
	p := t.snapshotLocked()
	t.mu.Unlock()
	t.emit(p)
}

func (t *ProgressTracker) Progress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *ProgressTracker) snapshotLocked() Progress {
	p := Progress{Total: len(t.order), Settled: len(t.settled), Last: t.last}
	for _, id := range t.order {
		if t.running[id] {
			p.Running = append(p.Running, id)
		}
	}
	return p
}

func (t *ProgressTracker) emit(p Progress) {
	if t.OnUpdate != nil {
		t.OnUpdate(p)
	}
}

// LogObserver writes node transitions to a zap logger.
type LogObserver struct {
	Log *zap.SugaredLogger
}

func (o LogObserver) OnNodeStart(runID, node string) {
	o.Log.Infow("node running", "run_id", runID, "node", node)
}

func (o LogObserver) OnNodeComplete(runID string, r models.NodeResult) {
	kv := []any{"run_id", runID, "node", r.Node, "status", r.Status, "duration", r.Duration()}
	switch r.Status {
	case models.StatusSucceeded:
		o.Log.Infow("node settled", kv...)
	case models.StatusSkipped:
		o.Log.Infow("node settled", append(kv, "reason", r.Reason)...)
	default:
		o.Log.Warnw("node settled", append(kv, "error", r.Error)...)
	}
}
