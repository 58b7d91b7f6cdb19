package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"ledger-insight/internal/storage"
)

// Export renders stored run history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	from, to, err := a.exportWindow(opts, time.Now().UTC())
	if err != nil {
		return err
	}

	runs, err := store.ListRunsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		a.Logger.Info().Msg("no runs found for export window")
		return nil
	}

	downsampled := downsampleRuns(runs, opts.MaxPoints)
	a.Logger.Info().Int("total", len(runs)).Int("exported", len(downsampled)).Msg("exporting runs")

	if opts.CSVPath != "" {
		if err := writeRunsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeRunsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// exportWindow defaults to the span the watch loop would cover with
// MaxPoints slots, ending now.
func (a *App) exportWindow(opts ExportOptions, now time.Time) (time.Time, time.Time, error) {
	to := now
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Watch.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return time.Time{}, time.Time{}, errors.New("from must be before to")
	}
	return from, to, nil
}

func downsampleRuns(runs []storage.RunSummary, max int) []storage.RunSummary {
	if max <= 0 || len(runs) <= max {
		return runs
	}
	if max == 1 {
		return runs[len(runs)-1:]
	}

	result := make([]storage.RunSummary, 0, max)
	step := float64(len(runs)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(runs) {
			idx = len(runs) - 1
		}
		result = append(result, runs[idx])
	}
	return result
}

func writeRunsCSV(path string, runs []storage.RunSummary) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"created_at", "run_id", "risk_score", "flag_count", "compliance_action", "query"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, run := range runs {
		record := []string{
			run.CreatedAt.UTC().Format(time.RFC3339),
			run.ID,
			run.RiskScore.String(),
			strconv.Itoa(run.FlagCount),
			run.ComplianceAction,
			run.QueryText,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeRunsPNG(path string, runs []storage.RunSummary) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(runs))
	risk := make([]float64, len(runs))
	flags := make([]float64, len(runs))

	for i, run := range runs {
		x[i] = run.CreatedAt
		risk[i] = run.RiskScore.InexactFloat64()
		flags[i] = float64(run.FlagCount)
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Risk score (0-100)",
			Range: &chart.ContinuousRange{
				Min: 0,
				Max: 100,
			},
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		YAxisSecondary: chart.YAxis{
			Name: "Flags",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Risk",
				XValues: x,
				YValues: risk,
			},
			chart.TimeSeries{
				Name:    "Flags",
				XValues: x,
				YValues: flags,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
