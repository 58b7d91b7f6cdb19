package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"ledger-insight/internal/app"
)

var (
	simulateTransactions string
	simulateAlert        bool
	simulateCompact      bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate [query]",
	Short: "Run the pipeline against transactions from a JSON file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateTransactions == "" {
			return errors.New("--transactions must be provided")
		}

		return getApp().Simulate(cmd.Context(), app.SimulateOptions{
			Query:            queryArg(args),
			TransactionsPath: simulateTransactions,
			Alert:            simulateAlert,
			Compact:          simulateCompact,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateTransactions, "transactions", "", "Path to a JSON array of transactions")
	simulateCmd.Flags().BoolVar(&simulateAlert, "alert", false, "Push the disposition through the configured alert channels")
	simulateCmd.Flags().BoolVar(&simulateCompact, "compact", false, "Print single-line JSON")
}
