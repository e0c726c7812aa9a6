package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dyike/tradeflow/consts"
	"github.com/dyike/tradeflow/internal/logger"
	"github.com/dyike/tradeflow/internal/metrics"
	"github.com/dyike/tradeflow/internal/models"
)

// Task is what an executor receives for one node execution.
type Task struct {
	Node     NodeSpec
	Snapshot models.StateSnapshot
	RunID    string

	// Partial is set for aggregators started after the run deadline.
	Partial bool
}

// Executor runs one node. It must not write to the shared state; the
// scheduler commits the returned output.
type Executor interface {
	Execute(ctx context.Context, task Task) (*models.NodeOutput, error)
}

type ExecutorFunc func(ctx context.Context, task Task) (*models.NodeOutput, error)

func (f ExecutorFunc) Execute(ctx context.Context, task Task) (*models.NodeOutput, error) {
	return f(ctx, task)
}

type Scheduler struct {
	graph       *WorkflowGraph
	executors   map[NodeKind]Executor
	nodeTimeout time.Duration
	runTimeout  time.Duration
	grace       time.Duration
	observers   []Observer
	metrics     *metrics.Metrics
	log         *zap.SugaredLogger
	now         func() time.Time
}

type Option func(*Scheduler)

// WithNodeTimeout sets the timeout for nodes that do not declare their own.
func WithNodeTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.nodeTimeout = d }
}

func WithRunTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.runTimeout = d }
}

// WithAggregatorGrace bounds aggregators that run after the run deadline.
func WithAggregatorGrace(d time.Duration) Option {
	return func(s *Scheduler) { s.grace = d }
}

func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Scheduler) { s.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler binds an executor to every node kind of g. Routers get a
// built-in executor evaluating the node's rule unless one is supplied.
func NewScheduler(g *WorkflowGraph, executors map[NodeKind]Executor, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		graph:       g,
		executors:   make(map[NodeKind]Executor, len(executors)+1),
		nodeTimeout: 90 * time.Second,
		grace:       10 * time.Second,
		log:         logger.Named("scheduler"),
		now:         time.Now,
	}
	for k, e := range executors {
		s.executors[k] = e
	}
	if _, ok := s.executors[KindRouter]; !ok {
		s.executors[KindRouter] = ExecutorFunc(s.route)
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, n := range g.Nodes() {
		if _, ok := s.executors[n.Kind]; !ok {
			return nil, models.NewConfigError("no executor for %s node %q", n.Kind, n.ID)
		}
	}
	return s, nil
}

func (s *Scheduler) Graph() *WorkflowGraph { return s.graph }

func (s *Scheduler) route(_ context.Context, task Task) (*models.NodeOutput, error) {
	next, err := s.graph.Route(task.Node.ID, task.Snapshot)
	if err != nil {
		return nil, err
	}
	return &models.NodeOutput{
		Summary: fmt.Sprintf("routed to %s", next),
		Signal:  models.SignalHold,
		Route:   next,
	}, nil
}

type completion struct {
	id       string
	attempt  int
	out      *models.NodeOutput
	err      error
	timedOut bool
	started  time.Time
	finished time.Time
}

type inflight struct {
	cancel  context.CancelFunc
	attempt int
	started time.Time
}

// run holds the bookkeeping of one Run call. Only the loop goroutine
// touches it; executors report back over done.
type run struct {
	s        *Scheduler
	state    *models.AnalysisState
	log      *zap.SugaredLogger
	results  map[string]models.NodeResult
	attempts map[string]int
	running  map[string]inflight
	pruned   map[string]bool
	done     chan completion

	halted  bool
	haltErr error
}

// Run executes the graph against state and always returns a result.
func (s *Scheduler) Run(ctx context.Context, state *models.AnalysisState) *models.RunResult {
	r := &run{
		s:        s,
		state:    state,
		log:      s.log.With("run_id", state.RunID, "symbol", state.Symbol),
		results:  make(map[string]models.NodeResult, s.graph.Len()),
		attempts: make(map[string]int, s.graph.Len()),
		running:  make(map[string]inflight),
		pruned:   make(map[string]bool),
		// Every node is launched at most twice, so sends never block.
		done: make(chan completion, 2*s.graph.Len()),
	}
	started := s.now()
	r.log.Infow("run started", "nodes", s.graph.Len())

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if s.runTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.runTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var expired error
	for {
		if err := runCtx.Err(); err != nil {
			expired = err
			break
		}
		r.settle()
		r.dispatch(runCtx)
		if len(r.running) == 0 {
			break
		}
		select {
		case c := <-r.done:
			r.complete(c)
		case <-runCtx.Done():
		}
	}
	if expired != nil {
		r.expire(ctx, expired)
	}

	res := r.result(started, expired)
	s.metrics.RecordRun(string(res.Status), res.Duration())
	r.log.Infow("run finished",
		"status", res.Status,
		"duration", res.Duration(),
		"errors", len(res.Errors),
	)
	return res
}

func (r *run) settled(id string) bool {
	_, ok := r.results[id]
	return ok
}

func (r *run) settledSet() map[string]bool {
	out := make(map[string]bool, len(r.results))
	for id := range r.results {
		out[id] = true
	}
	return out
}

// settle skips pending nodes that can no longer run. A single pass in
// topological order is enough since skips only flow downstream.
func (r *run) settle() {
	for _, id := range r.s.graph.Order() {
		if r.settled(id) {
			continue
		}
		if _, ok := r.running[id]; ok {
			continue
		}
		n := r.s.graph.nodes[id]
		if n.Kind == KindAggregator {
			continue
		}
		if r.halted {
			r.skip(n, models.ReasonRunHalted)
			continue
		}
		if dep, ok := r.failedHardDep(n); ok {
			r.skip(n, fmt.Sprintf("%s: %s", models.ReasonDependencyFailed, dep))
			if n.Required {
				r.halt(n.ID, fmt.Errorf("dependency %s did not succeed", dep))
			}
			continue
		}
		if r.allDepsPruned(n) {
			r.prune(n)
		}
	}
}

func (r *run) failedHardDep(n NodeSpec) (string, bool) {
	for _, dep := range n.DependsOn {
		res, ok := r.results[dep]
		if !ok || r.pruned[dep] {
			continue
		}
		if res.Status != models.StatusSucceeded {
			return dep, true
		}
	}
	return "", false
}

func (r *run) allDepsPruned(n NodeSpec) bool {
	deps := n.Deps()
	if len(deps) == 0 {
		return false
	}
	for _, dep := range deps {
		if !r.pruned[dep] {
			return false
		}
	}
	return true
}

// halt stops new dispatches after a required node could not succeed. The
// first cause wins.
func (r *run) halt(id string, cause error) {
	if r.halted {
		return
	}
	r.halted = true
	r.haltErr = &models.Error{Kind: models.KindRunFailed, Node: id, Message: "required node did not succeed", Cause: cause}
	r.log.Warnw("run halted", "node", id, "error", cause)
}

func (r *run) skip(n NodeSpec, reason string) {
	r.state.MarkSkipped(n.ID, reason)
	r.record(models.NodeResult{
		Node:   n.ID,
		Kind:   string(n.Kind),
		Status: models.StatusSkipped,
		Reason: reason,
	})
	r.log.Debugw("node skipped", "node", n.ID, "reason", reason)
}

func (r *run) prune(n NodeSpec) {
	r.pruned[n.ID] = true
	r.skip(n, models.ReasonNotSelected)
}

func (r *run) dispatch(ctx context.Context) {
	for _, id := range r.s.graph.ReadyNodes(r.settledSet()) {
		if _, ok := r.running[id]; ok {
			continue
		}
		r.launch(ctx, r.s.graph.nodes[id], false)
	}
}

func (r *run) launch(parent context.Context, n NodeSpec, partial bool) {
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = r.s.nodeTimeout
	}
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}

	// Routers and aggregators decide over the whole run; analysts only see
	// their dependencies and context nodes.
	var snap models.StateSnapshot
	if n.Kind == KindRouter || n.Kind == KindAggregator {
		snap = r.state.Snapshot()
	} else {
		snap = r.state.Snapshot(n.Inputs()...)
	}
	task := Task{Node: n, Snapshot: snap, RunID: r.state.RunID, Partial: partial}

	started := r.s.now()
	r.attempts[n.ID]++
	attempt := r.attempts[n.ID]
	r.running[n.ID] = inflight{cancel: cancel, attempt: attempt, started: started}
	r.state.MarkStatus(n.ID, models.StatusRunning)
	for _, o := range r.s.observers {
		o.OnNodeStart(r.state.RunID, n.ID)
	}
	r.log.Debugw("node started", "node", n.ID, "kind", n.Kind, "partial", partial)

	exec := r.s.executors[n.Kind]
	go func() {
		c := completion{id: n.ID, attempt: attempt, started: started}
		defer func() {
			if p := recover(); p != nil {
				c.out, c.err = nil, fmt.Errorf("executor panic: %v", p)
			}
			c.finished = r.s.now()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				c.timedOut = true
			}
			cancel()
			r.done <- c
		}()
		c.out, c.err = exec.Execute(ctx, task)
	}()
}

// complete commits one executor result. Results for nodes that are no
// longer tracked as running were already settled by expire and are dropped.
func (r *run) complete(c completion) {
	fl, ok := r.running[c.id]
	if !ok || fl.attempt != c.attempt {
		r.log.Debugw("discarding late result", "node", c.id)
		return
	}
	delete(r.running, c.id)
	fl.cancel()

	n := r.s.graph.nodes[c.id]
	res := models.NodeResult{
		Node:       n.ID,
		Kind:       string(n.Kind),
		StartedAt:  c.started,
		FinishedAt: c.finished,
	}

	var cause error
	switch {
	case c.timedOut:
		cause = models.NewNodeTimeout(n.ID, c.err)
		res.Status = models.StatusTimeout
	case c.err != nil:
		cause = c.err
		res.Status = models.StatusFailed
	case c.out == nil:
		cause = errors.New("executor returned no output")
		res.Status = models.StatusFailed
	default:
		res.Status = models.StatusSucceeded
	}

	if cause != nil {
		res.Error = cause.Error()
		res.ErrorKind = models.KindOf(cause)
		if res.ErrorKind == "" {
			res.ErrorKind = models.KindNodeFailed
		}
		r.state.MarkStatus(n.ID, res.Status)
		r.record(res)
		r.log.Warnw("node did not succeed",
			"node", n.ID,
			"status", res.Status,
			"error", cause,
			"required", n.Required,
		)
		if n.Required && n.Kind != KindAggregator {
			r.halt(n.ID, cause)
		}
		return
	}

	r.state.Put(n.ID, c.out)
	r.state.MarkStatus(n.ID, models.StatusSucceeded)
	r.record(res)
	r.log.Debugw("node succeeded", "node", n.ID, "duration", res.Duration())

	if n.Kind == KindRouter {
		for _, succ := range n.Successors {
			if succ == c.out.Route || r.settled(succ) {
				continue
			}
			r.prune(r.s.graph.nodes[succ])
		}
	}
}

// expire handles the run deadline. Running and pending non-aggregator nodes
// are marked timed out, and any aggregator still owed a result gets a
// partial run bounded by the grace period.
func (r *run) expire(parent context.Context, cause error) {
	r.log.Warnw("run deadline reached", "error", cause, "running", len(r.running))

	// Aggregators cut off mid-flight rerun below in partial mode.
	for _, id := range r.s.graph.terminals {
		if fl, ok := r.running[id]; ok {
			fl.cancel()
			delete(r.running, id)
		}
	}
	r.timeoutRunning(cause)

	var pendingAggs []NodeSpec
	for _, id := range r.s.graph.order {
		if r.settled(id) {
			continue
		}
		n := r.s.graph.nodes[id]
		if n.Kind == KindAggregator {
			pendingAggs = append(pendingAggs, n)
			continue
		}
		r.state.MarkStatus(id, models.StatusTimeout)
		r.record(models.NodeResult{
			Node:      id,
			Kind:      string(n.Kind),
			Status:    models.StatusTimeout,
			Reason:    models.ReasonRunTimeout,
			Error:     models.NewNodeTimeout(id, cause).Error(),
			ErrorKind: models.KindNodeTimeout,
		})
	}
	if len(pendingAggs) == 0 {
		return
	}

	graceCtx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.s.grace)
	defer cancel()
	for _, n := range pendingAggs {
		r.launch(graceCtx, n, true)
	}
	for len(r.running) > 0 {
		select {
		case c := <-r.done:
			r.complete(c)
		case <-graceCtx.Done():
			r.timeoutRunning(graceCtx.Err())
		}
	}
}

func (r *run) timeoutRunning(cause error) {
	for _, id := range r.s.graph.order {
		fl, ok := r.running[id]
		if !ok {
			continue
		}
		fl.cancel()
		delete(r.running, id)
		n := r.s.graph.nodes[id]
		err := models.NewNodeTimeout(id, cause)
		r.state.MarkStatus(id, models.StatusTimeout)
		r.record(models.NodeResult{
			Node:       id,
			Kind:       string(n.Kind),
			Status:     models.StatusTimeout,
			StartedAt:  fl.started,
			FinishedAt: r.s.now(),
			Reason:     models.ReasonRunTimeout,
			Error:      err.Error(),
			ErrorKind:  models.KindNodeTimeout,
		})
	}
}

func (r *run) record(res models.NodeResult) {
	res.Attempts = r.attempts[res.Node]
	r.results[res.Node] = res
	// Nodes that never started are not executions.
	if res.Status != models.StatusSkipped && !res.StartedAt.IsZero() {
		r.s.metrics.RecordNode(res.Node, res.Kind, string(res.Status), res.Duration())
	}
	for _, o := range r.s.observers {
		o.OnNodeComplete(r.state.RunID, res)
	}
}

func (r *run) result(started time.Time, expired error) *models.RunResult {
	snap := r.state.Snapshot()
	res := &models.RunResult{
		RunID:      r.state.RunID,
		Symbol:     r.state.Symbol,
		AsOf:       r.state.AsOf.Format(consts.DateLayout),
		Nodes:      make(map[string]models.NodeResult, r.s.graph.Len()),
		Outputs:    snap.Outputs,
		RiskFlags:  snap.RiskFlags,
		Reports:    make(map[string]*models.FinalReport),
		StartedAt:  started,
		FinishedAt: r.s.now(),
	}

	degraded := false
	var aggErr error
	for _, id := range r.s.graph.order {
		nr, ok := r.results[id]
		if !ok {
			nr = models.NodeResult{Node: id, Kind: string(r.s.graph.nodes[id].Kind), Status: models.StatusSkipped, Reason: models.ReasonRunHalted}
		}
		res.Nodes[id] = nr
		switch nr.Status {
		case models.StatusFailed, models.StatusTimeout:
			degraded = true
			res.Errors = append(res.Errors, nr)
			if r.s.graph.IsTerminal(id) && aggErr == nil {
				aggErr = &models.Error{Kind: models.KindRunFailed, Node: id, Message: "aggregator did not produce a report", Cause: errors.New(nr.Error)}
			}
		case models.StatusSkipped:
			if !r.pruned[id] {
				degraded = true
			}
		}
	}
	for _, id := range r.s.graph.terminals {
		if out, ok := snap.Outputs[id]; ok && out.Report != nil {
			res.Reports[id] = out.Report
			if res.Report == nil {
				res.Report = out.Report
			}
		}
	}

	switch {
	case errors.Is(expired, context.Canceled):
		res.Status = models.RunFailed
		res.Failure = &models.Error{Kind: models.KindRunFailed, Message: "run cancelled", Cause: expired}
	case expired != nil:
		res.Status = models.RunTimeout
		res.Failure = &models.Error{Kind: models.KindRunTimeout, Message: "run deadline exceeded", Cause: expired}
	case r.halted:
		res.Status = models.RunFailed
		res.Failure = r.haltErr
	case aggErr != nil:
		res.Status = models.RunFailed
		res.Failure = aggErr
	case degraded:
		res.Status = models.RunDegraded
	default:
		res.Status = models.RunSucceeded
	}
	return res
}
