// Package cli provides the tradeflow command-line interface.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dyike/tradeflow/config"
	"github.com/dyike/tradeflow/internal/logger"
	"github.com/dyike/tradeflow/internal/trading"
)

// Version is stamped at build time with -ldflags "-X".
var Version = "dev"

type rootOptions struct {
	configPath string
	logLevel   string

	cfg *config.Config

	// engineOpts are appended to every engine the CLI builds.
	engineOpts []trading.EngineOption
}

// Run executes the root command until it finishes or the process is
// interrupted.
func Run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer func() { _ = logger.Sync() }()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func NewRootCmd() *cobra.Command {
	return newRootCmd(&rootOptions{})
}

func newRootCmd(o *rootOptions) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tradeflow",
		Short: "Multi-agent stock recommendation engine",
		Long: `tradeflow runs a roster of LLM analysts over market, news, sentiment and
fundamentals data and folds their signals into a BUY, SELL or HOLD recommendation.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.loadConfig()
			if err != nil {
				return err
			}
			if o.logLevel != "" {
				cfg.LogLevel = o.logLevel
			}
			if err := logger.Init(cfg.LogLevel, cfg.LogEnv); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return fmt.Errorf("failed to create directories: %w", err)
			}
			o.cfg = cfg
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&o.configPath, "config", "", "configuration file (JSON); defaults and environment when empty")
	rootCmd.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(newAnalyzeCmd(o))
	rootCmd.AddCommand(newWatchCmd(o))
	rootCmd.AddCommand(newRosterCmd(o))
	rootCmd.AddCommand(newHistoryCmd(o))
	rootCmd.AddCommand(newConfigCmd(o))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// loadConfig reads the --config file when given, else the process defaults.
// Environment variables win over file values in both cases.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	if o.configPath == "" {
		cfg := config.DefaultConfig()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	mgr, err := config.NewManager(config.WithConfigPath(o.configPath))
	if err != nil {
		return nil, err
	}
	cfg := mgr.Get()
	cfg.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tradeflow %s\n", Version)
		},
	}
}
