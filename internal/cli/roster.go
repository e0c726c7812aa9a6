package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyike/tradeflow/internal/dataflows"
	"github.com/dyike/tradeflow/internal/display"
	"github.com/dyike/tradeflow/internal/graph"
	"github.com/dyike/tradeflow/internal/models"
	"github.com/dyike/tradeflow/internal/roster"
	"github.com/dyike/tradeflow/internal/tools"
)

func newRosterCmd(o *rootOptions) *cobra.Command {
	rosterCmd := &cobra.Command{
		Use:   "roster",
		Short: "Inspect analyst rosters",
	}

	rosterCmd.AddCommand(&cobra.Command{
		Use:   "show [FILE]",
		Short: "Show a roster in execution order (the configured one by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := loadRoster(o, args)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), display.Roster(g))
			return nil
		},
	})

	rosterCmd.AddCommand(&cobra.Command{
		Use:   "validate [FILE]",
		Short: "Check a roster parses, forms a DAG and names known tools",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := loadRoster(o, args)
			if err != nil {
				return err
			}
			known := make(map[string]bool)
			for _, c := range tools.DefaultCapabilities(&dataflows.Providers{}, tools.DefaultTTLs()) {
				known[c.Name] = true
			}
			for _, n := range g.Nodes() {
				for _, t := range n.Tools {
					if !known[t] {
						return models.NewConfigError("node %q uses unknown tool %q", n.ID, t)
					}
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "roster ok: %d nodes, terminals %v\n", g.Len(), g.Terminals())
			return nil
		},
	})

	rosterCmd.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the built-in roster YAML",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = cmd.OutOrStdout().Write(roster.DefaultYAML())
		},
	})

	return rosterCmd
}

func loadRoster(o *rootOptions, args []string) (*graph.WorkflowGraph, error) {
	path := o.cfg.RosterPath
	if len(args) == 1 {
		path = args[0]
	}
	specs, err := roster.FileLoader{Path: path, Rounds: o.cfg.Rounds()}.Load()
	if err != nil {
		return nil, err
	}
	return graph.NewWorkflowGraph(specs)
}
