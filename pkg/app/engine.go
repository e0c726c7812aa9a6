package app

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dyike/tradeflow/config"
	"github.com/dyike/tradeflow/internal/trading"
)

// Engine is one generation of the trading engine, stamped so reloads can be
// told apart.
type Engine struct {
	*trading.Engine
	BuiltAt time.Time
	Version uint64
}

// EngineBuilder turns a configuration snapshot into a ready engine.
type EngineBuilder func(context.Context, config.Config) (*trading.Engine, error)

var engineSeq atomic.Uint64

// DefaultBuilder builds engines with trading.NewEngine, passing opts to each.
func DefaultBuilder(opts ...trading.EngineOption) EngineBuilder {
	return func(ctx context.Context, cfg config.Config) (*trading.Engine, error) {
		return trading.NewEngine(ctx, &cfg, opts...)
	}
}

func stamp(e *trading.Engine) *Engine {
	return &Engine{
		Engine:  e,
		BuiltAt: time.Now(),
		Version: engineSeq.Add(1),
	}
}
