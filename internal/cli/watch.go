package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cloudwego/eino-ext/devops"
	"github.com/spf13/cobra"

	"github.com/dyike/tradeflow/config"
	"github.com/dyike/tradeflow/internal/logger"
	"github.com/dyike/tradeflow/internal/metrics"
	"github.com/dyike/tradeflow/internal/trading"
	"github.com/dyike/tradeflow/pkg/app"
)

type watchOptions struct {
	interval    time.Duration
	once        bool
	metricsAddr string
	einoDebug   bool
}

func newWatchCmd(o *rootOptions) *cobra.Command {
	var opts watchOptions
	cmd := &cobra.Command{
		Use:   "watch SYMBOL...",
		Short: "Analyse symbols on an interval, reloading the config file on change",
		Long: `Analyse each symbol every --interval until interrupted. Edits to the
configuration file rebuild the engine before the next cycle; an invalid edit
keeps the running engine.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), o, args, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&opts.interval, "interval", time.Hour, "time between analysis cycles")
	cmd.Flags().BoolVar(&opts.once, "once", false, "run a single cycle and exit")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&opts.einoDebug, "eino-debug", false, "start the Eino devops debug server")
	return cmd
}

func runWatch(ctx context.Context, o *rootOptions, symbols []string, opts watchOptions, out io.Writer) error {
	if opts.interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	log := logger.Named("watch")

	if opts.einoDebug {
		if err := devops.Init(ctx); err != nil {
			return fmt.Errorf("failed to initialize Eino debug server: %w", err)
		}
		log.Infow("eino debug server started")
	}

	mgrOpts := []config.ManagerOption{config.WithInitialConfig(o.cfg)}
	if o.configPath != "" {
		mgrOpts = append(mgrOpts, config.WithConfigPath(o.configPath))
	}
	mgr, err := config.NewManager(mgrOpts...)
	if err != nil {
		return err
	}

	m := metrics.New()
	base := app.DefaultBuilder(o.engineOptions(m)...)
	builder := func(ctx context.Context, cfg config.Config) (*trading.Engine, error) {
		cfg.LoadFromEnv()
		return base(ctx, cfg)
	}
	rt, err := app.NewRuntime(mgr, app.WithBuilder(builder), app.WithNotifier(func(topic, payload string) {
		log.Infow("runtime event", "topic", topic, "payload", payload)
	}))
	if err != nil {
		return err
	}
	defer rt.Close()

	addr := opts.metricsAddr
	if addr == "" {
		addr = o.cfg.MetricsAddr
	}
	if addr != "" {
		go func() {
			if err := m.Serve(ctx, addr); err != nil {
				log.Warnw("metrics server stopped", "addr", addr, "error", err)
			}
		}()
	}

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()
	for {
		watchCycle(ctx, rt.Engine(), symbols, out)
		if opts.once {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// watchCycle analyses each symbol once on eng and prints a line per run.
func watchCycle(ctx context.Context, eng *app.Engine, symbols []string, out io.Writer) {
	log := logger.Named("watch")
	store := openHistory(eng.Config(), false)
	if store != nil {
		defer store.Close()
	}

	asOf, _ := trading.ParseDate("", time.Now())
	for _, symbol := range symbols {
		if ctx.Err() != nil {
			return
		}
		res, err := analyse(ctx, eng.Engine, store, analysisRequest{symbol: symbol, asOf: asOf})
		if err != nil {
			log.Warnw("analysis rejected", "symbol", symbol, "error", err)
			continue
		}
		action, score := "-", "-"
		if res.Report != nil {
			action, score = string(res.Report.Action), res.Report.Score.String()
		}
		fmt.Fprintf(out, "%s  %-10s %-9s %-4s score %s  engine v%d\n",
			res.FinishedAt.Local().Format("2006-01-02 15:04:05"), res.Symbol, res.Status, action, score, eng.Version)
	}
}
