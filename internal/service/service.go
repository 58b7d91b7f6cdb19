package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ledger-insight/internal/alerting"
	"ledger-insight/internal/compliance"
	"ledger-insight/internal/config"
	"ledger-insight/internal/pipeline"
	"ledger-insight/internal/scheduler"
	"ledger-insight/internal/storage"
)

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, query string) (*pipeline.Result, error)
}

// Service re-runs a standing query on a schedule and alerts on severe
// dispositions.
type Service struct {
	scheduler *scheduler.Scheduler
	runner    Runner
	notifier  alerting.Notifier
	logger    zerolog.Logger

	query     string
	minAction compliance.Action
	channels  []string
	alertsOn  bool
	locker    storage.AdvisoryLocker
	lockKey   int64
}

// New constructs the watch service. locker may be nil when no database is
// configured; every replica then runs every slot.
func New(cfg *config.Config, query string, sched *scheduler.Scheduler, runner Runner, locker storage.AdvisoryLocker, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	minAction, err := compliance.ParseAction(cfg.Alerting.MinAction)
	if err != nil {
		minAction = compliance.ActionEscalate
	}

	return &Service{
		scheduler: sched,
		runner:    runner,
		notifier:  notifier,
		logger:    logger.With().Str("component", "service").Logger(),
		query:     query,
		minAction: minAction,
		channels:  cfg.Alerting.Channels,
		alertsOn:  cfg.Alerting.Enabled,
		locker:    locker,
		lockKey:   cfg.Watch.AdvisoryLockKey,
	}
}

// Run begins the scheduled loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessSlot)
}

// ProcessSlot runs the standing query once, guarded by the advisory lock so
// that only one replica evaluates a slot.
func (s *Service) ProcessSlot(ctx context.Context, slot time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("slot", slot).Msg("skip slot because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	result, err := s.runner.Run(ctx, s.query)
	if err != nil {
		return fmt.Errorf("run standing query: %w", err)
	}

	s.logger.Info().Time("slot", slot).
		Str("run_id", result.RunID).
		Float64("risk", result.Risk.Overall).
		Str("action", string(result.Compliance.Action)).
		Msg("standing query evaluated")

	_, err = s.Evaluate(ctx, result)
	return err
}

// Evaluate notifies when the run's action is at least the configured minimum.
// Delivery failures are logged, not returned.
func (s *Service) Evaluate(ctx context.Context, result *pipeline.Result) (bool, error) {
	if result == nil {
		return false, fmt.Errorf("nil result")
	}
	if !s.alertsOn || s.notifier == nil {
		return false, nil
	}
	if result.Compliance.Action.Severity() < s.minAction.Severity() {
		return false, nil
	}

	if err := s.notifier.Notify(ctx, notificationFor(s.query, result, s.channels)); err != nil {
		s.logger.Error().Err(err).Str("run_id", result.RunID).Msg("failed to dispatch alert")
		return false, nil
	}
	return true, nil
}

func notificationFor(query string, result *pipeline.Result, channels []string) alerting.Notification {
	ids := make([]string, 0, len(result.TopTxns))
	for _, t := range result.TopTxns {
		ids = append(ids, t.TxnID)
	}
	return alerting.Notification{
		RunID:     result.RunID,
		CreatedAt: result.CreatedAt,
		Query:     query,
		Action:    string(result.Compliance.Action),
		Risk:      result.Risk.Overall,
		FlagCount: len(result.Detection.Flags),
		Notes:     result.Compliance.Notes,
		TopTxnIDs: ids,
		Channels:  channels,
		Summary:   result.Writer.Text,
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
