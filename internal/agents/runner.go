package agents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dyike/tradeflow/internal/graph"
	"github.com/dyike/tradeflow/internal/logger"
	"github.com/dyike/tradeflow/internal/models"
	"github.com/dyike/tradeflow/internal/retry"
)

// ToolSource resolves capability names into model bindings and invokers.
// *tools.Gateway satisfies it.
type ToolSource interface {
	ToolInfos(names []string) ([]*schema.ToolInfo, error)
	Tools(names []string, asOf time.Time) (map[string]tool.InvokableTool, error)
}

// RunnerConfig bounds one node execution. Retry counts exclude the first
// attempt, matching the gateway's tool retries.
type RunnerConfig struct {
	MaxParseRetries    int
	MaxGenerateRetries int
	GenerateBackoff    time.Duration
	MaxToolRounds      int
	MaxContextChars    int
}

func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		MaxParseRetries:    2,
		MaxGenerateRetries: 3,
		GenerateBackoff:    time.Second,
		MaxToolRounds:      4,
		MaxContextChars:    6000,
	}
}

// Runner executes analyst nodes: prompt, generate, resolve tool calls,
// parse. It implements graph.Executor.
type Runner struct {
	model    model.ToolCallingChatModel
	tools    ToolSource
	cfg      RunnerConfig
	handlers []callbacks.Handler
	log      *zap.SugaredLogger
	now      func() time.Time
}

type RunnerOption func(*Runner)

func WithRunnerLogger(l *zap.SugaredLogger) RunnerOption {
	return func(r *Runner) { r.log = l }
}

// WithCallbacks attaches eino callback handlers to every generation.
func WithCallbacks(handlers ...callbacks.Handler) RunnerOption {
	return func(r *Runner) { r.handlers = append(r.handlers, handlers...) }
}

func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

func NewRunner(m model.ToolCallingChatModel, ts ToolSource, cfg RunnerConfig, opts ...RunnerOption) *Runner {
	if cfg.MaxGenerateRetries < 0 {
		cfg.MaxGenerateRetries = 0
	}
	if cfg.MaxParseRetries < 0 {
		cfg.MaxParseRetries = 0
	}
	r := &Runner{
		model: m,
		tools: ts,
		cfg:   cfg,
		log:   logger.Named("agent"),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type phase int

const (
	awaitingGeneration phase = iota
	awaitingTool
	done
	failed
)

func (p phase) String() string {
	switch p {
	case awaitingGeneration:
		return "awaiting_generation"
	case awaitingTool:
		return "awaiting_tool"
	case done:
		return "done"
	}
	return "failed"
}

// session is the state of one node execution.
type session struct {
	task     graph.Task
	phase    phase
	messages []*schema.Message
	pending  []schema.ToolCall

	withTools model.ToolCallingChatModel
	invokers  map[string]tool.InvokableTool

	toolRounds   int
	toolCalls    int
	parseRetries int
	generations  int
	flags        []string
	exhausted    bool

	out *models.NodeOutput
	err error
}

func (r *Runner) Execute(ctx context.Context, task graph.Task) (*models.NodeOutput, error) {
	s, err := r.start(ctx, task)
	if err != nil {
		return nil, err
	}
	if len(r.handlers) > 0 {
		ctx = callbacks.InitCallbacks(ctx, &callbacks.RunInfo{
			Name:      task.Node.ID,
			Type:      "Agent",
			Component: components.ComponentOfChatModel,
		}, r.handlers...)
	}

	log := r.log.With("run_id", task.RunID, "node", task.Node.ID)
	for s.phase != done && s.phase != failed {
		if err := ctx.Err(); err != nil {
			s.fail(err)
			break
		}
		switch s.phase {
		case awaitingGeneration:
			r.generate(ctx, s)
		case awaitingTool:
			r.callTools(ctx, s)
		}
		log.Debugw("agent step", "phase", s.phase, "tool_rounds", s.toolRounds, "parse_retries", s.parseRetries)
	}
	if s.phase == failed {
		return nil, s.err
	}

	s.out.RiskFlags = normalizeFlags(append(s.out.RiskFlags, s.flags...))
	s.out.Timestamp = r.now()
	s.out.Fields = map[string]any{
		"generations":   s.generations,
		"tool_calls":    s.toolCalls,
		"tool_rounds":   s.toolRounds,
		"parse_retries": s.parseRetries,
	}
	log.Infow("agent finished",
		"signal", s.out.Signal,
		"confidence", s.out.Confidence,
		"tool_calls", s.toolCalls,
	)
	return s.out, nil
}

func (r *Runner) start(ctx context.Context, task graph.Task) (*session, error) {
	s := &session{task: task, phase: awaitingGeneration}
	names := task.Node.Tools
	if len(names) > 0 && r.tools != nil {
		infos, err := r.tools.ToolInfos(names)
		if err != nil {
			return nil, err
		}
		s.withTools, err = r.model.WithTools(infos)
		if err != nil {
			return nil, models.NewNodeFailed(task.Node.ID, fmt.Errorf("bind tools: %w", err))
		}
		s.invokers, err = r.tools.Tools(names, task.Snapshot.AsOf)
		if err != nil {
			return nil, models.NewNodeFailed(task.Node.ID, err)
		}
	} else {
		names = nil
	}

	msgs, err := initialMessages(ctx, task, names, r.cfg.MaxContextChars)
	if err != nil {
		return nil, models.NewNodeFailed(task.Node.ID, fmt.Errorf("render prompt: %w", err))
	}
	s.messages = msgs
	return s, nil
}

func (s *session) fail(err error) {
	s.phase = failed
	s.err = err
}

// generate asks the model for the next message. Tool calls move the
// session to awaitingTool; text is parsed into the final output.
func (r *Runner) generate(ctx context.Context, s *session) {
	chat := r.model
	if s.withTools != nil && !s.exhausted {
		chat = s.withTools
	}

	var reply *schema.Message
	policy := retry.New(
		retry.WithMaxAttempts(r.cfg.MaxGenerateRetries+1),
		retry.WithBaseDelay(r.cfg.GenerateBackoff),
		retry.WithJitter(0.1),
		retry.WithNotify(func(attempt int, err error, delay time.Duration) {
			r.log.Warnw("generation failed, retrying",
				"node", s.task.Node.ID,
				"attempt", attempt,
				"delay", delay,
				"error", err,
			)
		}),
	)
	_, err := policy.Execute(ctx, func(ctx context.Context, _ int) error {
		msg, err := chat.Generate(ctx, s.messages)
		if err != nil {
			return err
		}
		if msg == nil {
			return errors.New("model returned no message")
		}
		reply = msg
		return nil
	})
	s.generations++
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.fail(ctxErr)
			return
		}
		s.fail(models.NewNodeFailed(s.task.Node.ID, fmt.Errorf("generate: %w", err)))
		return
	}

	if len(reply.ToolCalls) > 0 && !s.exhausted && s.invokers != nil {
		s.messages = append(s.messages, reply)
		s.pending = reply.ToolCalls
		s.phase = awaitingTool
		return
	}

	s.messages = append(s.messages, reply)
	var out *models.NodeOutput
	var perr error
	if len(reply.ToolCalls) > 0 {
		s.refuseTools(reply.ToolCalls)
		perr = errors.New("tool calls are not allowed at this point")
	} else {
		out, perr = ParseReply(reply.Content)
	}
	if perr == nil {
		s.out = out
		s.phase = done
		return
	}
	if s.parseRetries >= r.cfg.MaxParseRetries {
		s.fail(models.NewAgentOutputInvalid(s.task.Node.ID, perr))
		return
	}
	s.parseRetries++
	follow, err := reformulateMessages(ctx, perr)
	if err != nil {
		s.fail(models.NewNodeFailed(s.task.Node.ID, err))
		return
	}
	s.messages = append(s.messages, follow...)
}

// refuseTools answers tool calls the runner will not execute so the
// conversation stays well formed.
func (s *session) refuseTools(calls []schema.ToolCall) {
	for _, call := range calls {
		s.messages = append(s.messages, schema.ToolMessage(`{"error":"no more tool calls are allowed"}`, call.ID))
	}
}

type toolReply struct {
	content string
	flag    string
	err     error
}

// callTools resolves one round of tool calls concurrently through the
// gateway. Unavailable tools become notes and risk flags, not failures.
func (r *Runner) callTools(ctx context.Context, s *session) {
	calls := s.pending
	s.pending = nil
	replies := make([]toolReply, len(calls))

	// callTool reports failures in its reply, so the group never cancels.
	var eg errgroup.Group
	for i, call := range calls {
		eg.Go(func() error {
			replies[i] = r.callTool(ctx, s, call)
			return nil
		})
	}
	_ = eg.Wait()

	for i, call := range calls {
		rep := replies[i]
		if rep.err != nil {
			s.fail(rep.err)
			return
		}
		if rep.flag != "" {
			s.flags = append(s.flags, rep.flag)
		}
		s.messages = append(s.messages, schema.ToolMessage(rep.content, call.ID))
	}
	s.toolCalls += len(calls)
	s.toolRounds++

	if s.toolRounds >= r.cfg.MaxToolRounds {
		s.exhausted = true
		final, err := finalAnswerMessages(ctx)
		if err != nil {
			s.fail(models.NewNodeFailed(s.task.Node.ID, err))
			return
		}
		s.messages = append(s.messages, final...)
	}
	s.phase = awaitingGeneration
}

func (r *Runner) callTool(ctx context.Context, s *session, call schema.ToolCall) toolReply {
	name := call.Function.Name
	inv, ok := s.invokers[name]
	if !ok {
		return toolReply{
			content: fmt.Sprintf(`{"error":"unknown tool %q"}`, name),
			flag:    "tool_unavailable:" + name,
		}
	}

	content, err := inv.InvokableRun(ctx, call.Function.Arguments)
	if err == nil {
		return toolReply{content: content}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return toolReply{err: ctxErr}
	}
	r.log.Warnw("tool unavailable",
		"node", s.task.Node.ID,
		"capability", name,
		"error", err,
	)
	return toolReply{
		content: fmt.Sprintf(`{"error":"tool %s is unavailable, continue without it"}`, name),
		flag:    "tool_unavailable:" + name,
	}
}
