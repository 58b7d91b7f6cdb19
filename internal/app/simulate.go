package app

import (
	"context"
	"errors"

	"ledger-insight/internal/ledger"
	"ledger-insight/internal/service"
)

// Simulate runs the pipeline against transactions loaded from a JSON file.
// Nothing is persisted. With Alert set the disposition is pushed through the
// configured notifier as the watch loop would.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	if opts.TransactionsPath == "" {
		return errors.New("--transactions is required")
	}

	query := opts.Query
	if query == "" {
		query = DefaultQuery
	}

	var svc *service.Service
	if opts.Alert {
		if !a.Config.Alerting.Enabled {
			return errors.New("alerting is not enabled")
		}
		notifier := a.newNotifier()
		if notifier == nil {
			return errors.New("no alert channel configured")
		}
		svc = service.New(a.Config, query, nil, nil, nil, notifier, a.Logger)
	}

	mem, err := ledger.LoadMemory(opts.TransactionsPath, a.Config.Extract.MaxRows)
	if err != nil {
		return err
	}

	result, err := a.newPipeline(mem, nil, nil).Run(ctx, query)
	if err != nil {
		return err
	}

	if svc != nil {
		sent, err := svc.Evaluate(ctx, result)
		if err != nil {
			return err
		}
		a.Logger.Info().Bool("sent", sent).Str("action", string(result.Compliance.Action)).Msg("simulated alert evaluated")
	}

	return a.printJSON(result, opts.Compact)
}
