package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dyike/tradeflow/config"
	"github.com/dyike/tradeflow/internal/graph"
	"github.com/dyike/tradeflow/internal/roster"
)

func newConfigCmd(o *rootOptions) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(masked(*o.cfg))
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration, roster and credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfig(o.cfg, cmd.OutOrStdout())
		},
	})

	return configCmd
}

func masked(cfg config.Config) config.Config {
	for _, s := range []*string{&cfg.LLMAPIKey, &cfg.RedisPassword, &cfg.LongportAppSecret, &cfg.LongportAccessToken, &cfg.FinnhubAPIKey} {
		if *s != "" {
			*s = "********"
		}
	}
	return cfg
}

func validateConfig(cfg *config.Config, out io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	fmt.Fprintln(out, "config: ok")

	specs, err := roster.FileLoader{Path: cfg.RosterPath, Rounds: cfg.Rounds()}.Load()
	if err != nil {
		return err
	}
	g, err := graph.NewWorkflowGraph(specs)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "roster: ok (%d nodes)\n", g.Len())

	var warnings []string
	if cfg.LLMAPIKey == "" {
		warnings = append(warnings, "LLM API key not configured; analyze will fail")
	}
	if cfg.FinnhubAPIKey == "" {
		warnings = append(warnings, "Finnhub API key not configured; news, fundamentals and insider sentiment tools are unavailable")
	}
	if cfg.LongportAppKey == "" || cfg.LongportAppSecret == "" || cfg.LongportAccessToken == "" {
		warnings = append(warnings, "Longport credentials incomplete; Asian listings fall back to Yahoo Finance")
	}
	for _, w := range warnings {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
	return nil
}
