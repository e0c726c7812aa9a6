package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dyike/tradeflow/config"
	"github.com/dyike/tradeflow/consts"
	"github.com/dyike/tradeflow/internal/agents"
	"github.com/dyike/tradeflow/internal/dataflows"
	"github.com/dyike/tradeflow/internal/display"
	"github.com/dyike/tradeflow/internal/graph"
	"github.com/dyike/tradeflow/internal/logger"
	"github.com/dyike/tradeflow/internal/metrics"
	"github.com/dyike/tradeflow/internal/models"
	"github.com/dyike/tradeflow/internal/storage"
	"github.com/dyike/tradeflow/internal/trading"
)

type analyzeOptions struct {
	date        string
	roster      string
	timeout     time.Duration
	jsonOut     bool
	noHistory   bool
	metricsAddr string
}

func newAnalyzeCmd(o *rootOptions) *cobra.Command {
	var opts analyzeOptions
	cmd := &cobra.Command{
		Use:   "analyze [SYMBOL]",
		Short: "Run one analysis for a stock symbol",
		Long: `Run the analyst roster for a ticker symbol and print the recommendation.
Prompts for the symbol and date when SYMBOL is omitted.
Example: tradeflow analyze AAPL --date=2024-03-15`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var symbol string
			if len(args) == 1 {
				symbol = args[0]
			} else {
				var err error
				if symbol, err = promptForSymbol(); err != nil {
					return err
				}
				if !cmd.Flags().Changed("date") {
					if opts.date, err = promptForDate(); err != nil {
						return err
					}
				}
			}
			return runAnalyze(cmd.Context(), o, symbol, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&opts.date, "date", "", "analysis date in YYYY-MM-DD format (today if not provided)")
	cmd.Flags().StringVar(&opts.roster, "roster", "", "roster YAML file replacing the configured roster")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "run deadline, overriding run_timeout")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "print the run result as JSON")
	cmd.Flags().BoolVar(&opts.noHistory, "no-history", false, "do not record the run in the history database")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")
	return cmd
}

func runAnalyze(ctx context.Context, o *rootOptions, symbol string, opts analyzeOptions, out, errOut io.Writer) error {
	log := logger.Named("cli")
	if err := dataflows.ValidateSymbol(symbol); err != nil {
		return models.NewInvalidInput("%v", err)
	}
	asOf, err := trading.ParseDate(opts.date, time.Now())
	if err != nil {
		return err
	}

	cfg := *o.cfg
	if opts.roster != "" {
		cfg.RosterPath = opts.roster
	}

	m := metrics.New()
	eng, err := trading.NewEngine(ctx, &cfg, o.engineOptions(m)...)
	if err != nil {
		return err
	}
	defer eng.Close()

	addr := opts.metricsAddr
	if addr == "" {
		addr = cfg.MetricsAddr
	}
	if addr != "" {
		serveCtx, stop := context.WithCancel(ctx)
		defer stop()
		go func() {
			if err := m.Serve(serveCtx, addr); err != nil {
				log.Warnw("metrics server stopped", "addr", addr, "error", err)
			}
		}()
	}

	store := openHistory(&cfg, opts.noHistory)
	if store != nil {
		defer store.Close()
	}

	var progress io.Writer
	if !opts.jsonOut {
		progress = errOut
	}
	res, err := analyse(ctx, eng, store, analysisRequest{
		symbol:   symbol,
		asOf:     asOf,
		timeout:  opts.timeout,
		progress: progress,
	})
	if err != nil {
		return err
	}

	if opts.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		fmt.Fprint(out, display.RunSummary(res, eng.Graph()))
	}

	if res.Status == models.RunFailed || res.Status == models.RunTimeout {
		return fmt.Errorf("analysis %s: %v", res.Status, res.Failure)
	}
	return nil
}

// engineOptions wires metrics and model logging into an engine.
func (o *rootOptions) engineOptions(m *metrics.Metrics) []trading.EngineOption {
	cb := &agents.LoggerCallback{Log: logger.Named("llm"), Metrics: m}
	opts := []trading.EngineOption{
		trading.WithMetrics(m),
		trading.WithLogger(logger.Named("engine")),
		trading.WithModelCallbacks(cb.Handler()),
	}
	return append(opts, o.engineOpts...)
}

// openHistory opens the run history database. Failing to open it only
// disables history.
func openHistory(cfg *config.Config, disabled bool) *storage.Store {
	if disabled || cfg.HistoryDB == "" {
		return nil
	}
	store, err := storage.Open(cfg.HistoryDB)
	if err != nil {
		logger.Named("cli").Warnw("run history disabled", "path", cfg.HistoryDB, "error", err)
		return nil
	}
	return store
}

type analysisRequest struct {
	symbol  string
	asOf    time.Time
	timeout time.Duration

	// progress receives one line per settled node; nil disables it.
	progress io.Writer
}

func analyse(ctx context.Context, eng *trading.Engine, store *storage.Store, req analysisRequest) (*models.RunResult, error) {
	runID := uuid.NewString()
	opts := []trading.RunOption{trading.WithRunID(runID)}
	if req.timeout > 0 {
		opts = append(opts, trading.WithRunTimeout(req.timeout))
	}
	if req.progress != nil {
		tracker := graph.NewProgressTracker(eng.Graph(), func(p graph.Progress) {
			fmt.Fprintln(req.progress, display.ProgressLine(p))
		})
		opts = append(opts, trading.WithObserver(tracker))
	}

	var rec *storage.RunRecorder
	if store != nil {
		symbol := dataflows.NormalizeSymbol(req.symbol)
		r, err := storage.NewRunRecorder(ctx, store, runID, symbol, req.asOf.Format(consts.DateLayout))
		if err != nil {
			logger.Named("cli").Warnw("run will not be recorded", "run_id", runID, "error", err)
		} else {
			rec = r
			opts = append(opts, trading.WithObserver(rec))
		}
	}

	res, err := eng.Run(ctx, req.symbol, req.asOf, opts...)
	if rec != nil {
		if err != nil {
			rec.Close()
		} else {
			rec.Finish(res)
		}
	}
	return res, err
}
