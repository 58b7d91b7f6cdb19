package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ledger-insight/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportLast      time.Duration
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export run risk history as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportFrom != "" && exportLast > 0 {
			return fmt.Errorf("--from and --last are mutually exclusive")
		}

		opts := app.ExportOptions{
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		to, err := parseTimestamp("--to", exportTo)
		if err != nil {
			return err
		}
		opts.To = to

		from, err := parseTimestamp("--from", exportFrom)
		if err != nil {
			return err
		}
		opts.From = from

		if exportLast > 0 {
			end := time.Now().UTC()
			if opts.To != nil {
				end = *opts.To
			}
			start := end.Add(-exportLast)
			opts.From = &start
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func parseTimestamp(flag, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value: %w", flag, err)
	}
	return &ts, nil
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, exclusive)")
	exportCmd.Flags().DurationVar(&exportLast, "last", 0, "Export the window of this length ending at --to or now")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
}
