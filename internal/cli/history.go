package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyike/tradeflow/internal/dataflows"
	"github.com/dyike/tradeflow/internal/display"
	"github.com/dyike/tradeflow/internal/storage"
)

func newHistoryCmd(o *rootOptions) *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "history [SYMBOL]",
		Short: "List recorded runs, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var symbol string
			if len(args) == 1 {
				symbol = dataflows.NormalizeSymbol(args[0])
			}
			store, err := storage.Open(o.cfg.HistoryDB)
			if err != nil {
				return fmt.Errorf("open history: %w", err)
			}
			defer store.Close()

			runs, err := store.History(cmd.Context(), symbol, limit)
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}
			fmt.Fprint(cmd.OutOrStdout(), display.History(runs))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print runs as JSON")
	return cmd
}
