package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"ledger-insight/internal/scheduler"
	"ledger-insight/internal/service"
	"ledger-insight/internal/storage"
)

// Watch re-runs a standing query on the configured interval and alerts on
// severe dispositions.
func (a *App) Watch(ctx context.Context, opts WatchOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	res, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer res.close()

	if res.ledger == nil {
		return ErrNoLedger
	}

	var locker storage.AdvisoryLocker
	if res.store != nil {
		locker = res.store
	} else {
		a.Logger.Warn().Msg("database.runs_dsn not configured; persistence and slot locking disabled")
	}

	notifier := a.newNotifier()
	if a.Config.Alerting.Enabled && notifier == nil {
		a.Logger.Warn().Msg("alerting enabled but no channel configured")
	}

	query := opts.Query
	if query == "" {
		query = DefaultQuery
	}

	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Watch.Interval,
		AlignToStart:   a.Config.Watch.AlignToBucket,
		StartupDelay:   a.Config.Watch.StartupDelay,
		RunImmediately: true,
	}, a.Logger)

	runner := a.newPipeline(res.ledger, res.recorder(), nil)
	svc := service.New(a.Config, query, sched, runner, locker, notifier, a.Logger)

	if opts.Once {
		return svc.ProcessSlot(ctx, time.Now().UTC())
	}

	a.Logger.Info().Str("query", query).Dur("interval", a.Config.Watch.Interval).Msg("starting watch")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("watch terminated with error")
		return err
	}

	a.Logger.Info().Msg("watch stopped")
	return nil
}
