package cli

import (
	"github.com/spf13/cobra"

	"ledger-insight/internal/app"
)

var watchOnce bool

var watchCmd = &cobra.Command{
	Use:   "watch [query]",
	Short: "Re-run a standing query on a schedule and alert on severe results",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Watch(cmd.Context(), app.WatchOptions{
			Query: queryArg(args),
			Once:  watchOnce,
		})
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchOnce, "once", false, "Evaluate a single slot and exit")
}
