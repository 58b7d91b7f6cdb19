// Package pipeline sequences the decision stages for one analytic query and
// assembles the result bundle.
//
// Stages run strictly in order: extract (filter extraction and ledger query),
// detect, score, write, decide. Each stage races a fixed budget; a stage that
// overruns fails the whole run with a *StageTimeoutError. Assisted-path
// failures never reach this level because every stage falls back to its rule
// path internally.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ledger-insight/internal/compliance"
	"ledger-insight/internal/detect"
	"ledger-insight/internal/extract"
	"ledger-insight/internal/ledger"
	"ledger-insight/internal/metrics"
	"ledger-insight/internal/narrative"
	"ledger-insight/internal/reasoning"
	"ledger-insight/internal/scoring"
	"ledger-insight/internal/storage"
)

// Stage names a pipeline step.
type Stage string

const (
	StageExtract Stage = "extract"
	StageDetect  Stage = "detect"
	StageScore   Stage = "score"
	StageWrite   Stage = "write"
	StageDecide  Stage = "decide"
)

// Stages lists every stage in execution order.
var Stages = []Stage{StageExtract, StageDetect, StageScore, StageWrite, StageDecide}

var (
	// ErrEmptyQuery rejects blank query text.
	ErrEmptyQuery = errors.New("pipeline: query is empty")
	// ErrStageTimeout matches every *StageTimeoutError.
	ErrStageTimeout = errors.New("pipeline: stage timeout")
)

// StageTimeoutError reports the stage that overran its budget.
type StageTimeoutError struct {
	Stage  Stage
	Budget time.Duration
}

func (e *StageTimeoutError) Error() string {
	return fmt.Sprintf("%s timeout after %s", e.Stage, e.Budget)
}

// Is makes errors.Is(err, ErrStageTimeout) hold.
func (e *StageTimeoutError) Is(target error) bool {
	return target == ErrStageTimeout
}

// RunRecorder persists completed runs.
type RunRecorder interface {
	SaveRun(ctx context.Context, run storage.Run) (storage.SavedRun, error)
}

// Options tune orchestration.
type Options struct {
	StageTimeout time.Duration
	TopN         int
	SampleSize   int
}

// DefaultOptions mirrors production: 7s per stage, top 5, sample of 5.
func DefaultOptions() Options {
	return Options{StageTimeout: 7 * time.Second, TopN: 5, SampleSize: 5}
}

// Deps are the stage implementations and collaborators.
type Deps struct {
	Extractor extract.Extractor
	Ledger    ledger.Querier
	Detector  *detect.Detector
	Scorer    *scoring.Scorer
	Writer    narrative.Writer
	Decider   compliance.Decider
	Recorder  RunRecorder
	Metrics   *metrics.Metrics
}

// Orchestrator runs queries through the stages. It holds no per-run state
// and is safe for concurrent use.
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
	newID  func() string
}

// New builds an orchestrator. Missing options fall back to DefaultOptions.
func New(deps Deps, opts Options, logger zerolog.Logger) *Orchestrator {
	def := DefaultOptions()
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = def.StageTimeout
	}
	if opts.TopN <= 0 {
		opts.TopN = def.TopN
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = def.SampleSize
	}
	return &Orchestrator{
		deps:   deps,
		opts:   opts,
		logger: logger.With().Str("component", "pipeline").Logger(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// StageEvent is emitted after each stage completes.
type StageEvent struct {
	RunID  string `json:"run_id"`
	Stage  Stage  `json:"stage"`
	TookMS int64  `json:"took_ms"`
	Output any    `json:"output"`
}

// Observer receives stage events in order. It runs on the caller's
// goroutine between stages.
type Observer func(StageEvent)

// Run executes the pipeline for query.
func (o *Orchestrator) Run(ctx context.Context, query string) (*Result, error) {
	return o.Stream(ctx, query, nil)
}

// Stream executes the pipeline, reporting each completed stage to observe.
// Stage work is detached from ctx cancellation: once started, a stage runs to
// completion, fallback or timeout.
func (o *Orchestrator) Stream(ctx context.Context, query string, observe Observer) (*Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	ctx = context.WithoutCancel(ctx)
	runID := o.newID()
	log := o.logger.With().Str("run_id", runID).Logger()
	timings := StepTimings{}
	emit := func(stage Stage, took time.Duration, out any) {
		ms := took.Milliseconds()
		timings.set(stage, ms)
		o.deps.Metrics.ObserveStage(string(stage), took)
		log.Debug().Str("stage", string(stage)).Int64("took_ms", ms).Msg("stage completed")
		if observe != nil {
			observe(StageEvent{RunID: runID, Stage: stage, TookMS: ms, Output: out})
		}
	}

	retrieved, took, err := timed(ctx, o, StageExtract, func(sctx context.Context) (Retrieval, error) {
		return o.retrieve(sctx, query)
	})
	if err != nil {
		return nil, o.fail(log, err)
	}
	o.deps.Metrics.ObserveAssisted(string(StageExtract), retrieved.Provenance.UsedAssisted, retrieved.Provenance.FailedOver)
	emit(StageExtract, took, retrieved.view(o.opts.SampleSize))

	flags, took, err := timed(ctx, o, StageDetect, func(context.Context) ([]detect.Flag, error) {
		return o.deps.Detector.Detect(retrieved.Rows), nil
	})
	if err != nil {
		return nil, o.fail(log, err)
	}
	emit(StageDetect, took, DetectOutput{Flags: flags})

	risk, took, err := timed(ctx, o, StageScore, func(context.Context) (scoring.Result, error) {
		return o.deps.Scorer.Score(retrieved.Rows, flags), nil
	})
	if err != nil {
		return nil, o.fail(log, err)
	}
	top := TopTransactions(retrieved.Rows, risk.PerTxn, o.opts.TopN)
	emit(StageScore, took, ScoreOutput{Result: risk, TopTxns: top})

	written, took, err := timed(ctx, o, StageWrite, func(sctx context.Context) (narrative.Output, error) {
		return o.deps.Writer.Write(sctx, narrative.Input{
			Query:  query,
			Filter: retrieved.Filter,
			Count:  len(retrieved.Rows),
			Flags:  flags,
			Risk:   risk.Overall,
		}), nil
	})
	if err != nil {
		return nil, o.fail(log, err)
	}
	o.deps.Metrics.ObserveAssisted(string(StageWrite), written.Provenance.UsedAssisted, written.Provenance.FailedOver)
	emit(StageWrite, took, written)

	decision, took, err := timed(ctx, o, StageDecide, func(sctx context.Context) (compliance.Decision, error) {
		return o.deps.Decider.Decide(sctx, compliance.Input{
			Risk:   risk.Overall,
			Flags:  flags,
			Query:  query,
			Filter: retrieved.Filter,
		}), nil
	})
	if err != nil {
		return nil, o.fail(log, err)
	}
	o.deps.Metrics.ObserveAssisted(string(StageDecide), decision.Provenance.UsedAssisted, decision.Provenance.FailedOver)
	emit(StageDecide, took, decision)

	result := &Result{
		RunID:       runID,
		CreatedAt:   o.now().UTC(),
		StepTimings: timings,
		Retriever:   retrieved.view(o.opts.SampleSize),
		Detection:   DetectOutput{Flags: flags},
		Risk:        risk,
		Writer:      written,
		Compliance:  decision,
		TopTxns:     top,
	}
	o.persist(ctx, query, result)

	o.deps.Metrics.ObserveRun("ok", string(decision.Action), risk.Overall)
	o.logger.Info().
		Str("run_id", result.RunID).
		Int("count", retrieved.Count).
		Int("flags", len(flags)).
		Float64("risk", risk.Overall).
		Str("action", string(decision.Action)).
		Msg("pipeline run completed")
	return result, nil
}

// retrieve extracts filters and queries the ledger. A fraud-only filter that
// matches nothing is retried once without the fraud clause.
func (o *Orchestrator) retrieve(ctx context.Context, query string) (Retrieval, error) {
	extracted := o.deps.Extractor.Extract(ctx, query)

	rows, err := o.deps.Ledger.Query(ctx, extracted.Filter)
	if err != nil {
		return Retrieval{}, fmt.Errorf("query ledger: %w", err)
	}

	relaxed := false
	if extracted.Filter.FraudOnly && len(rows) == 0 {
		loosened := extracted.Filter
		loosened.FraudOnly = false
		rows, err = o.deps.Ledger.Query(ctx, loosened)
		if err != nil {
			return Retrieval{}, fmt.Errorf("query ledger without fraud clause: %w", err)
		}
		relaxed = true
		o.logger.Debug().Int("rows", len(rows)).Msg("fraud-only filter matched nothing; relaxed")
	}

	return Retrieval{
		Filter:     extracted.Filter,
		Rows:       rows,
		Count:      len(rows),
		Provenance: extracted.Provenance,
		Relaxed:    relaxed,
	}, nil
}

func (o *Orchestrator) persist(ctx context.Context, query string, result *Result) {
	if o.deps.Recorder == nil {
		return
	}

	run, err := result.record(query)
	if err == nil {
		var saved storage.SavedRun
		saved, err = o.deps.Recorder.SaveRun(ctx, run)
		if err == nil {
			if saved.ID != "" {
				result.RunID = saved.ID
			}
			if !saved.CreatedAt.IsZero() {
				result.CreatedAt = saved.CreatedAt.UTC()
			}
			return
		}
	}
	o.deps.Metrics.StorageFailed()
	o.logger.Warn().Err(err).Str("run_id", result.RunID).Msg("failed to persist run; continuing")
}

func (o *Orchestrator) fail(log zerolog.Logger, err error) error {
	outcome := "error"
	if errors.Is(err, ErrStageTimeout) {
		outcome = "timeout"
	}
	o.deps.Metrics.ObserveRun(outcome, "", 0)
	log.Error().Err(err).Msg("pipeline run failed")
	return err
}

// timed runs fn under the stage budget. The stage goroutine reports on a
// buffered channel, so a result arriving after the deadline is dropped
// without blocking.
func timed[T any](ctx context.Context, o *Orchestrator, stage Stage, fn func(context.Context) (T, error)) (T, time.Duration, error) {
	budget := o.opts.StageTimeout
	stageCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	started := time.Now()
	go func() {
		v, err := fn(stageCtx)
		done <- outcome{value: v, err: err}
	}()

	var zero T
	select {
	case <-stageCtx.Done():
		return zero, time.Since(started), &StageTimeoutError{Stage: stage, Budget: budget}
	case res := <-done:
		took := time.Since(started)
		if res.err != nil {
			if stageCtx.Err() != nil && errors.Is(res.err, context.DeadlineExceeded) {
				return zero, took, &StageTimeoutError{Stage: stage, Budget: budget}
			}
			return zero, took, fmt.Errorf("%s: %w", stage, res.err)
		}
		return res.value, took, nil
	}
}

// TopTransactions ranks scores descending, keeping discovery order for ties,
// and joins transaction attributes back by id.
func TopTransactions(txns []ledger.Transaction, scores []scoring.TxnScore, n int) []TopTxn {
	byID := make(map[string]ledger.Transaction, len(txns))
	for _, t := range txns {
		if _, seen := byID[t.TxnID]; !seen {
			byID[t.TxnID] = t
		}
	}

	ranked := make([]scoring.TxnScore, len(scores))
	copy(ranked, scores)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if len(ranked) > n {
		ranked = ranked[:n]
	}

	top := make([]TopTxn, 0, len(ranked))
	for _, s := range ranked {
		row := TopTxn{TxnID: s.TxnID, Score: s.Score, Reasons: s.Reasons}
		if t, ok := byID[s.TxnID]; ok {
			amount := t.Amount
			when := t.Time
			row.Amount = &amount
			row.Time = &when
			row.Location = &t.Location
			row.Category = &t.MerchantCategory
			txnType := string(t.Type)
			row.Type = &txnType
		}
		top = append(top, row)
	}
	return top
}

// Retrieval is the output of the extract stage, rows included.
type Retrieval struct {
	Filter     ledger.Filter
	Rows       []ledger.Transaction
	Count      int
	Provenance reasoning.Provenance
	Relaxed    bool
}

func (r Retrieval) view(sampleSize int) RetrieverOutput {
	sample := r.Rows
	if len(sample) > sampleSize {
		sample = sample[:sampleSize]
	}
	copied := make([]ledger.Transaction, len(sample))
	copy(copied, sample)
	return RetrieverOutput{
		Filters:    r.Filter,
		Count:      r.Count,
		Sample:     copied,
		Provenance: r.Provenance,
		Relaxed:    r.Relaxed,
	}
}

// record flattens the bundle into the storage shape.
func (r *Result) record(query string) (storage.Run, error) {
	timings, err := json.Marshal(r.StepTimings)
	if err != nil {
		return storage.Run{}, fmt.Errorf("marshal step timings: %w", err)
	}
	results, err := json.Marshal(r)
	if err != nil {
		return storage.Run{}, fmt.Errorf("marshal results: %w", err)
	}
	flags, err := json.Marshal(r.Detection.Flags)
	if err != nil {
		return storage.Run{}, fmt.Errorf("marshal flags: %w", err)
	}
	return storage.Run{
		ID:               r.RunID,
		CreatedAt:        r.CreatedAt,
		QueryText:        query,
		StepTimings:      timings,
		Results:          results,
		RiskScore:        decimal.NewFromFloat(r.Risk.Overall),
		Flags:            flags,
		ComplianceAction: string(r.Compliance.Action),
	}, nil
}
