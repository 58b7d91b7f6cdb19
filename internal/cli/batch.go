package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"ledger-insight/internal/app"
)

var (
	batchQueries string
	batchDryRun  bool
	batchOutput  string
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run every query listed in a file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if batchQueries == "" {
			return fmt.Errorf("--queries must be provided")
		}

		opts := app.BatchOptions{
			QueriesPath: batchQueries,
			DryRun:      batchDryRun,
			OutputPath:  batchOutput,
		}

		return getApp().Batch(cmd.Context(), opts)
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchQueries, "queries", "", "File with one query per line")
	batchCmd.Flags().BoolVar(&batchDryRun, "dry-run", false, "Run without writing to storage")
	batchCmd.Flags().StringVar(&batchOutput, "output", "", "Write each result bundle as a JSON line to this file")
}
