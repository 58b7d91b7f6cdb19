package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5"

	"ledger-insight/internal/storage"
)

const maxQueryColumn = 60

// runReader is the slice of the run store the show command reads.
type runReader interface {
	ListRecentRuns(ctx context.Context, limit int) ([]storage.RunSummary, error)
	GetRunResults(ctx context.Context, id string) ([]byte, error)
	CountRuns(ctx context.Context) (int64, error)
}

// Show prints recent runs, or the stored bundle of one run when opts.ID is
// set.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show runs")
	}
	if closeStore != nil {
		defer closeStore()
	}

	return a.show(ctx, store, opts)
}

func (a *App) show(ctx context.Context, runs runReader, opts ShowOptions) error {
	if opts.ID != "" {
		raw, err := runs.GetRunResults(ctx, opts.ID)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("run %s not found", opts.ID)
		}
		if err != nil {
			return err
		}
		return a.printJSON(json.RawMessage(raw), false)
	}

	recent, err := runs.ListRecentRuns(ctx, opts.Limit)
	if err != nil {
		return err
	}
	a.renderRuns(recent)

	if len(recent) > 0 {
		total, err := runs.CountRuns(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "\n%d of %d stored runs\n", len(recent), total)
	}
	return nil
}

func (a *App) renderRuns(runs []storage.RunSummary) {
	if len(runs) == 0 {
		fmt.Fprintln(a.out, "no runs found")
		return
	}

	writer := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tRun\tAction\tRisk\tFlags\tQuery")

	for _, run := range runs {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%d\t%s\n",
			run.CreatedAt.UTC().Format(time.RFC3339),
			run.ID,
			orDash(run.ComplianceAction),
			run.RiskScore.StringFixed(2),
			run.FlagCount,
			truncate(sanitizeInline(run.QueryText), maxQueryColumn),
		)
	}

	writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}

func truncate(v string, max int) string {
	runes := []rune(v)
	if len(runes) <= max {
		return v
	}
	return string(runes[:max-1]) + "…"
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}
