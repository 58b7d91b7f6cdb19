package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"ledger-insight/internal/pipeline"
)

// Batch runs every query listed in a file, one per line, in order. Blank
// lines and lines starting with '#' are skipped. DryRun disables run
// persistence. With OutputPath set each bundle is appended as a JSON line.
func (a *App) Batch(ctx context.Context, opts BatchOptions) error {
	queries, err := readQueries(opts.QueriesPath)
	if err != nil {
		return err
	}
	if len(queries) == 0 {
		return errors.New("no queries found, check --queries")
	}

	res, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer res.close()

	if res.ledger == nil {
		return ErrNoLedger
	}

	var recorder pipeline.RunRecorder
	if opts.DryRun {
		a.Logger.Warn().Msg("batch dry-run: runs will not be stored")
	} else {
		recorder = res.recorder()
		if recorder == nil {
			a.Logger.Warn().Msg("database.runs_dsn not configured; runs will not be stored")
		}
	}

	out := io.Discard
	if opts.OutputPath != "" {
		if err := ensureDir(opts.OutputPath); err != nil {
			return err
		}
		file, err := os.Create(opts.OutputPath)
		if err != nil {
			return err
		}
		defer file.Close()
		out = file
	}

	p := a.newPipeline(res.ledger, recorder, nil)
	processed, failed := a.runBatch(ctx, p, queries, out)

	a.Logger.Info().Int("processed", processed).Int("failed", failed).Msg("batch complete")
	if failed > 0 {
		return fmt.Errorf("%d of %d queries failed, check the logs", failed, len(queries))
	}
	return nil
}

func (a *App) runBatch(ctx context.Context, p *pipeline.Orchestrator, queries []string, out io.Writer) (int, int) {
	processed, failed := 0, 0
	for _, query := range queries {
		if ctx.Err() != nil {
			failed += len(queries) - processed - failed
			break
		}

		result, err := p.Run(ctx, query)
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Str("query", query).Msg("batch query failed")
			continue
		}
		processed++

		a.Logger.Info().Str("run_id", result.RunID).
			Str("action", string(result.Compliance.Action)).
			Float64("risk", result.Risk.Overall).
			Msg("batch query evaluated")

		if err := writeJSONLine(out, result); err != nil {
			a.Logger.Error().Err(err).Msg("write batch output")
		}
	}
	return processed, failed
}

func readQueries(path string) ([]string, error) {
	if path == "" {
		return nil, errors.New("--queries is required")
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var queries []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		queries = append(queries, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read queries: %w", err)
	}
	return queries, nil
}
