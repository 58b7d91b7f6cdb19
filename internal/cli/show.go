package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"ledger-insight/internal/app"
)

var (
	showLimit int
	showID    string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent pipeline runs or the stored bundle of one run",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		return getApp().Show(cmd.Context(), app.ShowOptions{Limit: showLimit, ID: showID})
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of runs to display")
	showCmd.Flags().StringVar(&showID, "id", "", "Print the stored result bundle of this run")
}
