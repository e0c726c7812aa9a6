package trading

import (
	"context"
	"strings"
	"time"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/model"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dyike/tradeflow/config"
	"github.com/dyike/tradeflow/consts"
	"github.com/dyike/tradeflow/internal/agents"
	"github.com/dyike/tradeflow/internal/cache"
	"github.com/dyike/tradeflow/internal/dataflows"
	"github.com/dyike/tradeflow/internal/graph"
	"github.com/dyike/tradeflow/internal/logger"
	"github.com/dyike/tradeflow/internal/metrics"
	"github.com/dyike/tradeflow/internal/models"
	"github.com/dyike/tradeflow/internal/roster"
	"github.com/dyike/tradeflow/internal/tools"
)

// Engine runs analyses. It is built once per configuration and reused for
// many runs; the gateway cache is shared between them.
type Engine struct {
	cfg     *config.Config
	graph   *graph.WorkflowGraph
	gateway *tools.Gateway
	runner  *agents.Runner
	metrics *metrics.Metrics
	log     *zap.SugaredLogger

	model    model.ToolCallingChatModel
	loader   roster.Loader
	handlers []callbacks.Handler
	store    cache.Store
	closers  []func() error
	newID    func() string
}

type EngineOption func(*Engine)

// WithChatModel replaces the configured LLM backend.
func WithChatModel(m model.ToolCallingChatModel) EngineOption {
	return func(e *Engine) { e.model = m }
}

// WithGateway replaces the gateway built from configuration.
func WithGateway(g *tools.Gateway) EngineOption {
	return func(e *Engine) { e.gateway = g }
}

// WithCacheStore sets the cache behind the configured gateway.
func WithCacheStore(s cache.Store) EngineOption {
	return func(e *Engine) { e.store = s }
}

func WithRosterLoader(l roster.Loader) EngineOption {
	return func(e *Engine) { e.loader = l }
}

func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithModelCallbacks attaches eino callback handlers to every generation.
func WithModelCallbacks(handlers ...callbacks.Handler) EngineOption {
	return func(e *Engine) { e.handlers = append(e.handlers, handlers...) }
}

func WithLogger(l *zap.SugaredLogger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithIDGenerator sets how run ids are minted.
func WithIDGenerator(fn func() string) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

func NewEngine(ctx context.Context, cfg *config.Config, opts ...EngineOption) (*Engine, error) {
	if cfg == nil {
		return nil, models.NewConfigError("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, models.NewConfigError("%v", err)
	}

	e := &Engine{
		cfg:    cfg,
		log:    logger.Named("engine"),
		loader: roster.FileLoader{Path: cfg.RosterPath, Rounds: cfg.Rounds()},
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}

	specs, err := e.loader.Load()
	if err != nil {
		return nil, err
	}
	g, err := graph.NewWorkflowGraph(specs)
	if err != nil {
		return nil, err
	}
	e.graph = g

	if e.gateway == nil {
		gw, err := e.buildGateway(ctx)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.gateway = gw
	}
	if err := e.checkTools(g); err != nil {
		e.Close()
		return nil, err
	}

	if e.model == nil {
		m, err := agents.NewChatModel(ctx, cfg, cfg.NodeTimeout.Std())
		if err != nil {
			e.Close()
			return nil, err
		}
		e.model = m
	}

	runnerOpts := []agents.RunnerOption{agents.WithRunnerLogger(logger.Named("runner"))}
	if len(e.handlers) > 0 {
		runnerOpts = append(runnerOpts, agents.WithCallbacks(e.handlers...))
	}
	e.runner = agents.NewRunner(e.model, e.gateway, agents.RunnerConfig{
		MaxParseRetries:    cfg.MaxParseRetries,
		MaxGenerateRetries: cfg.MaxGenerateRetries,
		GenerateBackoff:    cfg.GenerateBackoff.Std(),
		MaxToolRounds:      cfg.MaxToolRounds,
		MaxContextChars:    cfg.MaxContextChars,
	}, runnerOpts...)

	e.log.Infow("engine ready", "nodes", g.Len(), "tools", len(e.gateway.Names()), "model", cfg.LLMModel)
	return e, nil
}

func (e *Engine) buildGateway(ctx context.Context) (*tools.Gateway, error) {
	cfg := e.cfg
	store := e.store
	if store == nil {
		switch cfg.CacheBackend {
		case "redis":
			rs, err := cache.NewRedisStore(ctx, cache.RedisConfig{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
			if err != nil {
				return nil, models.NewConfigError("connect redis cache %s: %v", cfg.RedisAddr, err)
			}
			e.closers = append(e.closers, rs.Close)
			store = rs
		default:
			store = cache.NewMemoryStore()
		}
	}

	providers := &dataflows.Providers{
		Yahoo: dataflows.NewYahooClient(),
		News:  dataflows.NewGoogleNewsClient(),
	}
	if cfg.FinnhubAPIKey != "" {
		providers.Finnhub = dataflows.NewFinnhubClient(cfg.FinnhubAPIKey)
	}
	creds := dataflows.LongportCredentials{
		AppKey:      cfg.LongportAppKey,
		AppSecret:   cfg.LongportAppSecret,
		AccessToken: cfg.LongportAccessToken,
	}
	if creds.Complete() {
		lp, err := dataflows.NewLongportClient(creds)
		if err != nil {
			e.log.Warnw("longport disabled", "error", err)
		} else {
			providers.Longport = lp
			e.closers = append(e.closers, func() error { lp.Close(); return nil })
		}
	}

	gw := tools.NewGateway(store, tools.Settings{
		Timeout:     cfg.ToolTimeout.Std(),
		Retries:     cfg.ToolRetries,
		Backoff:     cfg.ToolBackoff.Std(),
		Concurrency: cfg.ProviderConcurrency,
		RPS:         cfg.ProviderRPS,
	}, tools.WithLogger(logger.Named("gateway")), tools.WithMetrics(e.metrics))

	ttls := tools.TTLs{
		Market:       cfg.MarketTTL.Std(),
		Fundamentals: cfg.FundamentalsTTL.Std(),
		News:         cfg.NewsTTL.Std(),
		Sentiment:    cfg.SentimentTTL.Std(),
	}
	for _, c := range tools.DefaultCapabilities(providers, ttls) {
		if err := gw.Register(c); err != nil {
			return nil, err
		}
	}
	return gw, nil
}

// checkTools rejects rosters naming capabilities the gateway lacks.
func (e *Engine) checkTools(g *graph.WorkflowGraph) error {
	for _, n := range g.Nodes() {
		for _, name := range n.Tools {
			if !e.gateway.Has(name) {
				return models.NewConfigError("node %q uses unknown tool %q", n.ID, name)
			}
		}
	}
	return nil
}

func (e *Engine) Graph() *graph.WorkflowGraph { return e.graph }

func (e *Engine) Config() *config.Config { return e.cfg }

// Close releases the cache connection and provider sessions, if any.
func (e *Engine) Close() {
	for _, c := range e.closers {
		if err := c(); err != nil {
			e.log.Warnw("close engine resource", "error", err)
		}
	}
	e.closers = nil
}

type runOptions struct {
	specs     []graph.NodeSpec
	observers []graph.Observer
	runID     string
	timeout   time.Duration
}

type RunOption func(*runOptions)

// WithRoster runs this one analysis on specs instead of the engine roster.
func WithRoster(specs []graph.NodeSpec) RunOption {
	return func(o *runOptions) { o.specs = specs }
}

func WithObserver(obs graph.Observer) RunOption {
	return func(o *runOptions) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// WithRunID fixes the run id instead of minting one.
func WithRunID(id string) RunOption {
	return func(o *runOptions) { o.runID = id }
}

// WithRunTimeout overrides the configured run deadline.
func WithRunTimeout(d time.Duration) RunOption {
	return func(o *runOptions) { o.timeout = d }
}

// Run analyses symbol as of the given trading day. The returned error is
// non-nil only for an invalid roster override or invalid input; every other
// outcome is described by the result.
func (e *Engine) Run(ctx context.Context, symbol string, asOf time.Time, opts ...RunOption) (*models.RunResult, error) {
	if err := dataflows.ValidateSymbol(symbol); err != nil {
		return nil, models.NewInvalidInput("%v", err)
	}
	if asOf.IsZero() {
		return nil, models.NewInvalidInput("analysis date is required")
	}
	symbol = dataflows.NormalizeSymbol(symbol)
	asOf = time.Date(asOf.Year(), asOf.Month(), asOf.Day(), 0, 0, 0, 0, time.UTC)

	o := runOptions{timeout: e.cfg.RunTimeout.Std()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.runID == "" {
		o.runID = e.newID()
	}

	g := e.graph
	if o.specs != nil {
		var err error
		if g, err = graph.NewWorkflowGraph(o.specs); err != nil {
			return nil, err
		}
		if err := e.checkTools(g); err != nil {
			return nil, err
		}
	}

	schedOpts := []graph.Option{
		graph.WithNodeTimeout(e.cfg.NodeTimeout.Std()),
		graph.WithRunTimeout(o.timeout),
		graph.WithAggregatorGrace(e.cfg.AggregatorGrace.Std()),
		graph.WithMetrics(e.metrics),
		graph.WithLogger(logger.Named("scheduler")),
		graph.WithObserver(graph.LogObserver{Log: logger.Named("progress")}),
	}
	for _, obs := range o.observers {
		schedOpts = append(schedOpts, graph.WithObserver(obs))
	}
	agg := agents.NewAggregator(g, agents.AggregatorConfig{
		BuyThreshold:  e.cfg.BuyThreshold,
		SellThreshold: e.cfg.SellThreshold,
	})
	sched, err := graph.NewScheduler(g, map[graph.NodeKind]graph.Executor{
		graph.KindAnalyst:    e.runner,
		graph.KindAggregator: agg,
	}, schedOpts...)
	if err != nil {
		return nil, err
	}

	log := e.log.With("run_id", o.runID, "symbol", symbol)
	log.Debugw("dispatching run", "as_of", asOf.Format(consts.DateLayout), "nodes", g.Len())

	// The scheduler records run metrics and logs the run lifecycle.
	state := models.NewAnalysisState(o.runID, symbol, asOf)
	res := sched.Run(ctx, state)
	if res.Report != nil {
		log.Infow("recommendation", "action", res.Report.Action, "score", res.Report.Score.String(),
			"confidence", res.Report.Confidence.String())
	}
	return res, nil
}

// ParseDate reads a YYYY-MM-DD analysis date; empty means today.
func ParseDate(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	t, err := time.Parse(consts.DateLayout, s)
	if err != nil {
		return time.Time{}, models.NewInvalidInput("invalid date %q: expected YYYY-MM-DD", s)
	}
	if t.After(now) {
		return time.Time{}, models.NewInvalidInput("date %s is in the future", s)
	}
	return t, nil
}
