package tools

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/dyike/tradeflow/internal/cache"
	"github.com/dyike/tradeflow/internal/dataflows"
	"github.com/dyike/tradeflow/internal/logger"
	"github.com/dyike/tradeflow/internal/metrics"
	"github.com/dyike/tradeflow/internal/models"
	"github.com/dyike/tradeflow/internal/retry"
)

var ErrUnknownCapability = errors.New("unknown capability")

// Settings bound every provider call made through the gateway.
type Settings struct {
	Timeout     time.Duration // per attempt
	Retries     int           // extra attempts after the first
	Backoff     time.Duration
	Concurrency int     // in-flight calls per provider
	RPS         float64 // per provider, 0 = unlimited
}

func DefaultSettings() Settings {
	return Settings{
		Timeout:     20 * time.Second,
		Retries:     2,
		Backoff:     500 * time.Millisecond,
		Concurrency: 4,
	}
}

// Result is what a capability returned. Records must be treated as read-only;
// callers that shared a flight share the slice.
type Result struct {
	Capability string             `json:"capability"`
	Key        string             `json:"key"`
	Records    []dataflows.Record `json:"records"`
	FetchedAt  time.Time          `json:"fetched_at"`
	Attempts   int                `json:"-"`
	Cached     bool               `json:"-"`
	Shared     bool               `json:"-"`
}

// Content renders the records as the JSON string handed back to the model.
func (r *Result) Content() string {
	data, err := json.Marshal(r.Records)
	if err != nil {
		return "[]"
	}
	return string(data)
}

type Option func(*Gateway)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithClock sets the clock used for hour buckets and fetch timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// Gateway resolves capability invocations through the cache, collapsing
// concurrent identical misses into one provider call.
type Gateway struct {
	settings Settings
	store    cache.Store
	group    singleflight.Group

	mu       sync.RWMutex
	caps     map[string]Capability
	sems     map[string]*semaphore.Weighted
	limiters map[string]*rate.Limiter

	now     func() time.Time
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewGateway(store cache.Store, settings Settings, opts ...Option) *Gateway {
	if store == nil {
		store = cache.NewMemoryStore()
	}
	if settings.Concurrency < 1 {
		settings.Concurrency = 1
	}
	if settings.Timeout <= 0 {
		settings.Timeout = DefaultSettings().Timeout
	}
	g := &Gateway{
		settings: settings,
		store:    store,
		caps:     make(map[string]Capability),
		sems:     make(map[string]*semaphore.Weighted),
		limiters: make(map[string]*rate.Limiter),
		now:      time.Now,
		log:      logger.Named("gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) Register(c Capability) error {
	if c.Name == "" || c.Fetch == nil {
		return models.NewConfigError("capability needs a name and a fetch function")
	}
	if c.Provider == "" {
		c.Provider = c.Name
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, dup := g.caps[c.Name]; dup {
		return models.NewConfigError("capability %q registered twice", c.Name)
	}
	g.caps[c.Name] = c
	if _, ok := g.sems[c.Provider]; !ok {
		g.sems[c.Provider] = semaphore.NewWeighted(int64(g.settings.Concurrency))
		if g.settings.RPS > 0 {
			g.limiters[c.Provider] = rate.NewLimiter(rate.Limit(g.settings.RPS), 1)
		}
	}
	return nil
}

func (g *Gateway) Has(name string) bool {
	_, ok := g.capability(name)
	return ok
}

func (g *Gateway) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.caps))
	for n := range g.caps {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (g *Gateway) capability(name string) (Capability, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.caps[name]
	return c, ok
}

// ToolInfos returns the schemas for names, in the given order.
func (g *Gateway) ToolInfos(names []string) ([]*schema.ToolInfo, error) {
	infos := make([]*schema.ToolInfo, 0, len(names))
	for _, n := range names {
		c, ok := g.capability(n)
		if !ok {
			return nil, models.NewConfigError("unknown tool %q", n)
		}
		infos = append(infos, c.ToolInfo())
	}
	return infos, nil
}

// Key computes the cache key an invocation would use.
func (g *Gateway) Key(name, rawArgs string, asOf time.Time) (string, error) {
	c, ok := g.capability(name)
	if !ok {
		return "", ErrUnknownCapability
	}
	_, canonical, err := canonicalArgs(rawArgs, asOf)
	if err != nil {
		return "", err
	}
	return g.key(c, canonical, asOf), nil
}

func (g *Gateway) key(c Capability, canonical []byte, asOf time.Time) string {
	if asOf.IsZero() {
		asOf = g.now()
	}
	bucket := asOf.Format("20060102")
	if c.Bucket == BucketHour {
		bucket += fmt.Sprintf("T%02d", g.now().UTC().Hour())
	}
	return fmt.Sprintf("tool:%s:%s:%x", c.Name, bucket, md5.Sum(canonical))
}

// Invoke resolves one capability call. Failures, including unknown
// capabilities and exhausted retries, come back as ToolUnavailable.
func (g *Gateway) Invoke(ctx context.Context, name, rawArgs string, asOf time.Time) (*Result, error) {
	c, ok := g.capability(name)
	if !ok {
		g.metrics.RecordToolCall(name, "unavailable")
		return nil, models.NewToolUnavailable(name, ErrUnknownCapability)
	}
	args, canonical, err := canonicalArgs(rawArgs, asOf)
	if err != nil {
		g.metrics.RecordToolCall(name, "unavailable")
		return nil, models.NewToolUnavailable(name, err)
	}
	key := g.key(c, canonical, asOf)

	if res, ok := g.lookup(ctx, c, key); ok {
		g.metrics.RecordCache(c.Name, "hit")
		g.metrics.RecordToolCall(c.Name, "ok")
		return res, nil
	}
	g.metrics.RecordCache(c.Name, "miss")

	// the flight outlives any single caller; each caller still honours its own ctx
	flightCtx := context.WithoutCancel(ctx)
	ch := g.group.DoChan(key, func() (any, error) {
		return g.fill(flightCtx, c, key, args)
	})

	select {
	case <-ctx.Done():
		g.metrics.RecordToolCall(c.Name, "unavailable")
		return nil, models.NewToolUnavailable(c.Name, ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			g.metrics.RecordToolCall(c.Name, "unavailable")
			return nil, r.Err
		}
		res := *r.Val.(*Result)
		res.Shared = r.Shared
		if r.Shared {
			g.metrics.RecordCache(c.Name, "shared")
		}
		g.metrics.RecordToolCall(c.Name, "ok")
		return &res, nil
	}
}

func (g *Gateway) lookup(ctx context.Context, c Capability, key string) (*Result, bool) {
	data, ok, err := g.store.Get(ctx, key)
	if err != nil {
		g.log.Warnw("cache read failed", "capability", c.Name, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		g.log.Warnw("dropping undecodable cache entry", "key", key, "error", err)
		return nil, false
	}
	res.Cached = true
	return &res, true
}

func (g *Gateway) fill(ctx context.Context, c Capability, key string, args dataflows.Args) (*Result, error) {
	// a flight that finished just before ours may have stored the key
	if res, ok := g.lookup(ctx, c, key); ok {
		return res, nil
	}

	g.mu.RLock()
	sem := g.sems[c.Provider]
	lim := g.limiters[c.Provider]
	g.mu.RUnlock()

	policy := retry.New(
		retry.WithMaxAttempts(g.settings.Retries+1),
		retry.WithBaseDelay(g.settings.Backoff),
		retry.WithMaxDelay(8*g.settings.Backoff),
		retry.WithJitter(0.1),
		retry.WithClassifier(func(err error) bool { return !dataflows.IsPermanent(err) }),
		retry.WithNotify(func(attempt int, err error, delay time.Duration) {
			g.log.Debugw("retrying provider call", "capability", c.Name, "attempt", attempt, "delay", delay, "error", err)
		}),
	)

	var records []dataflows.Record
	attempts, err := policy.Execute(ctx, func(ctx context.Context, _ int) error {
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer sem.Release(1)
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
		}

		actx, cancel := context.WithTimeout(ctx, g.settings.Timeout)
		defer cancel()
		start := time.Now()
		recs, err := c.Fetch(actx, args)
		g.metrics.ObserveProvider(c.Provider, time.Since(start))
		if err != nil {
			return err
		}
		records = recs
		return nil
	})
	if err != nil {
		g.log.Warnw("capability unavailable", "capability", c.Name, "attempts", attempts, "error", err)
		return nil, models.NewToolUnavailable(c.Name, err)
	}

	if records == nil {
		records = []dataflows.Record{}
	}
	res := &Result{
		Capability: c.Name,
		Key:        key,
		Records:    records,
		FetchedAt:  g.now().UTC(),
		Attempts:   attempts,
	}
	if data, err := json.Marshal(res); err == nil {
		if err := g.store.Set(ctx, key, data, c.TTL); err != nil {
			g.log.Warnw("cache write failed", "capability", c.Name, "error", err)
		}
	}
	return res, nil
}

// canonicalArgs decodes model-supplied JSON leniently and re-encodes the
// fields that matter, so equivalent calls share a key.
func canonicalArgs(raw string, asOf time.Time) (dataflows.Args, []byte, error) {
	var args dataflows.Args
	raw = strings.TrimSpace(raw)
	if raw != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return args, nil, fmt.Errorf("tool arguments are not a JSON object: %w", err)
		}
		args.Symbol = dataflows.NormalizeSymbol(stringArg(m["symbol"]))
		args.Query = strings.TrimSpace(stringArg(m["query"]))
		args.Indicator = strings.ToLower(strings.TrimSpace(stringArg(m["indicator"])))
		args.LookbackDays = intArg(m["lookback_days"])
		args.Limit = intArg(m["limit"])
	}
	canonical, err := json.Marshal(args)
	if err != nil {
		return args, nil, err
	}
	args.AsOf = asOf
	return args, canonical, nil
}

func stringArg(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}

func intArg(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(t))
		return n
	}
	return 0
}
