package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ledger-insight/internal/alerting"
	"ledger-insight/internal/compliance"
	"ledger-insight/internal/config"
	"ledger-insight/internal/detect"
	"ledger-insight/internal/pipeline"
	"ledger-insight/internal/scoring"
)

type stubRunner struct {
	result *pipeline.Result
	err    error
	calls  int
}

func (s *stubRunner) Run(ctx context.Context, query string) (*pipeline.Result, error) {
	s.calls++
	return s.result, s.err
}

type captureNotifier struct {
	notes []alerting.Notification
	err   error
}

func (c *captureNotifier) Notify(ctx context.Context, n alerting.Notification) error {
	c.notes = append(c.notes, n)
	return c.err
}

type stubLocker struct {
	acquired bool
	released bool
}

func (l *stubLocker) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	if !l.acquired {
		return nil, false, nil
	}
	return func() { l.released = true }, true, nil
}

func testConfig(minAction string) *config.Config {
	return &config.Config{
		Alerting: config.AlertingConfig{Enabled: true, MinAction: minAction, Channels: []string{"telegram"}},
		Watch:    config.WatchConfig{AdvisoryLockKey: 42},
	}
}

func resultWith(action compliance.Action) *pipeline.Result {
	return &pipeline.Result{
		RunID:      "run-1",
		Detection:  pipeline.DetectOutput{Flags: []detect.Flag{{TxnID: "t1", Reason: "High-risk category: crypto"}}},
		Risk:       scoring.Result{Overall: 82},
		Compliance: compliance.Decision{Action: action, Notes: []string{compliance.NoteHighRisk}},
		TopTxns:    []pipeline.TopTxn{{TxnID: "t1", Score: 82}},
	}
}

func TestProcessSlotAlertsOnEscalate(t *testing.T) {
	runner := &stubRunner{result: resultWith(compliance.ActionEscalate)}
	notifier := &captureNotifier{}
	locker := &stubLocker{acquired: true}
	svc := New(testConfig("ESCALATE"), "category:crypto", nil, runner, locker, notifier, zerolog.Nop())

	if err := svc.ProcessSlot(context.Background(), time.Now()); err != nil {
		t.Fatalf("ProcessSlot: %v", err)
	}
	if len(notifier.notes) != 1 {
		t.Fatalf("expected one alert, got %d", len(notifier.notes))
	}
	note := notifier.notes[0]
	if note.Action != "ESCALATE" || note.FlagCount != 1 || note.TopTxnIDs[0] != "t1" || note.Query != "category:crypto" {
		t.Fatalf("unexpected notification %+v", note)
	}
	if !locker.released {
		t.Fatal("advisory lock should be released")
	}
}

func TestEvaluateRespectsMinAction(t *testing.T) {
	notifier := &captureNotifier{}
	svc := New(testConfig("ESCALATE"), "q", nil, &stubRunner{}, nil, notifier, zerolog.Nop())
	sent, err := svc.Evaluate(context.Background(), resultWith(compliance.ActionReview))
	if err != nil || sent {
		t.Fatalf("REVIEW below ESCALATE should not alert: sent=%v err=%v", sent, err)
	}

	svc = New(testConfig("REVIEW"), "q", nil, &stubRunner{}, nil, notifier, zerolog.Nop())
	sent, err = svc.Evaluate(context.Background(), resultWith(compliance.ActionReview))
	if err != nil || !sent {
		t.Fatalf("REVIEW at REVIEW should alert: sent=%v err=%v", sent, err)
	}
}

func TestProcessSlotSkipsWhenLockHeld(t *testing.T) {
	runner := &stubRunner{result: resultWith(compliance.ActionEscalate)}
	svc := New(testConfig("ESCALATE"), "q", nil, runner, &stubLocker{}, &captureNotifier{}, zerolog.Nop())
	if err := svc.ProcessSlot(context.Background(), time.Now()); err != nil {
		t.Fatalf("ProcessSlot: %v", err)
	}
	if runner.calls != 0 {
		t.Fatal("runner must not be called without the lock")
	}
}

func TestProcessSlotPropagatesRunError(t *testing.T) {
	runner := &stubRunner{err: &pipeline.StageTimeoutError{Stage: pipeline.StageWrite, Budget: time.Second}}
	svc := New(testConfig("ESCALATE"), "q", nil, runner, nil, &captureNotifier{}, zerolog.Nop())
	err := svc.ProcessSlot(context.Background(), time.Now())
	if !errors.Is(err, pipeline.ErrStageTimeout) {
		t.Fatalf("expected stage timeout, got %v", err)
	}
}

func TestNotifierFailureIsSwallowed(t *testing.T) {
	notifier := &captureNotifier{err: errors.New("telegram down")}
	svc := New(testConfig("OK"), "q", nil, &stubRunner{}, nil, notifier, zerolog.Nop())
	sent, err := svc.Evaluate(context.Background(), resultWith(compliance.ActionOK))
	if err != nil || sent {
		t.Fatalf("sent=%v err=%v", sent, err)
	}
}
