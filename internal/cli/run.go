package cli

import (
	"github.com/spf13/cobra"

	"ledger-insight/internal/app"
)

var (
	runNoStore bool
	runCompact bool
)

var runCmd = &cobra.Command{
	Use:   "run [query]",
	Short: "Run the pipeline once and print the result bundle as JSON",
	Long: "Run the pipeline once against the configured ledger. Without a query the default\n" +
		"\"" + app.DefaultQuery + "\" is used.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Query(cmd.Context(), app.QueryOptions{
			Query:   queryArg(args),
			NoStore: runNoStore,
			Compact: runCompact,
		})
	},
}

func init() {
	runCmd.Flags().BoolVar(&runNoStore, "no-store", false, "Do not persist the run")
	runCmd.Flags().BoolVar(&runCompact, "compact", false, "Print single-line JSON")
}
