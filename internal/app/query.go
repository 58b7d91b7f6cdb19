package app

import (
	"context"

	"ledger-insight/internal/pipeline"
)

// DefaultQuery is used by the run command when no query is given.
const DefaultQuery = "category:grocery last 24 hours over 10000"

// Query runs the pipeline once against the configured ledger and prints the
// result bundle as JSON.
func (a *App) Query(ctx context.Context, opts QueryOptions) error {
	res, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer res.close()

	if res.ledger == nil {
		return ErrNoLedger
	}

	var recorder pipeline.RunRecorder
	if !opts.NoStore {
		recorder = res.recorder()
	}
	if recorder == nil {
		a.Logger.Debug().Msg("run history disabled for this run")
	}

	query := opts.Query
	if query == "" {
		query = DefaultQuery
	}

	result, err := a.newPipeline(res.ledger, recorder, nil).Run(ctx, query)
	if err != nil {
		return err
	}
	return a.printJSON(result, opts.Compact)
}
