package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dyike/tradeflow/config"
	"github.com/dyike/tradeflow/internal/logger"
)

type Option func(*Runtime)

func WithBuilder(builder EngineBuilder) Option {
	return func(r *Runtime) {
		if builder != nil {
			r.builder = builder
		}
	}
}

// WithNotifier receives engine.reloaded and engine.reload_failed events with
// a JSON payload.
func WithNotifier(fn func(topic, payload string)) Option {
	return func(r *Runtime) {
		r.notify = fn
	}
}

// Runtime owns the current engine and rebuilds it whenever the managed
// configuration changes. A failed rebuild keeps the current engine; a
// replaced engine is closed as soon as its successor is stored.
type Runtime struct {
	cfgMgr *config.Manager
	engine atomic.Pointer[Engine]
	mu     sync.Mutex

	builder EngineBuilder
	notify  func(string, string)
	log     *zap.SugaredLogger
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewRuntime(cfgMgr *config.Manager, opts ...Option) (*Runtime, error) {
	if cfgMgr == nil {
		return nil, fmt.Errorf("config manager is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt := &Runtime{
		cfgMgr:  cfgMgr,
		builder: DefaultBuilder(),
		log:     logger.Named("runtime"),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(rt)
	}

	if err := rt.reload(cfgMgr.Get()); err != nil {
		cancel()
		return nil, err
	}

	if err := cfgMgr.Watch(ctx, func(cfg config.Config) {
		if err := rt.reload(cfg); err != nil {
			rt.log.Errorw("engine reload failed, keeping previous engine", "error", err)
		}
	}); err != nil {
		rt.Close()
		return nil, err
	}

	return rt, nil
}

func (r *Runtime) Engine() *Engine {
	return r.engine.Load()
}

// Close stops watching the configuration and releases the current engine.
func (r *Runtime) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.engine.Swap(nil); e != nil {
		e.Close()
	}
}

// UpdateConfigJSON validates, persists and applies a full configuration.
func (r *Runtime) UpdateConfigJSON(jsonStr string) error {
	return r.cfgMgr.UpdateFromJSON(jsonStr)
}

func (r *Runtime) reload(cfg config.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	built, err := r.builder(r.ctx, cfg)
	if err != nil {
		r.notifyFailure(err)
		return err
	}
	next := stamp(built)
	if prev := r.engine.Swap(next); prev != nil {
		prev.Close()
	}
	r.log.Infow("engine ready", "version", next.Version, "nodes", next.Graph().Len())
	r.notifySuccess(next)
	return nil
}

func (r *Runtime) notifySuccess(engine *Engine) {
	if r.notify == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"version":  engine.Version,
		"built_at": engine.BuiltAt.UTC().Format(time.RFC3339),
		"nodes":    engine.Graph().Len(),
	})
	r.notify("engine.reloaded", string(payload))
}

func (r *Runtime) notifyFailure(err error) {
	if r.notify == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{
		"error": err.Error(),
	})
	r.notify("engine.reload_failed", string(payload))
}
