package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"ledger-insight/internal/alerting"
	"ledger-insight/internal/compliance"
	"ledger-insight/internal/config"
	"ledger-insight/internal/detect"
	"ledger-insight/internal/extract"
	"ledger-insight/internal/ledger"
	"ledger-insight/internal/metrics"
	"ledger-insight/internal/narrative"
	"ledger-insight/internal/pipeline"
	"ledger-insight/internal/reasoning"
	"ledger-insight/internal/scoring"
	"ledger-insight/internal/storage"
)

// ErrNoLedger is returned by commands that need a ledger database.
var ErrNoLedger = errors.New("database.dsn not configured; use simulate --transactions for an in-memory ledger")

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config: cfg,
		Logger: logger.With().Str("component", "app").Logger(),
		out:    os.Stdout,
	}
}

// printJSON writes v to the command output.
func (a *App) printJSON(v any, compact bool) error {
	enc := json.NewEncoder(a.out)
	if !compact {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

func writeJSONLine(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

// newReasoningClient returns nil when assisted paths are disabled.
func (a *App) newReasoningClient() reasoning.Client {
	rc := a.Config.Reasoning
	if !rc.Enabled() {
		return nil
	}
	return reasoning.NewAnthropic(reasoning.AnthropicOptions{
		BaseURL:    rc.BaseURL,
		APIKey:     rc.APIKey,
		Model:      rc.Model,
		Version:    rc.Version,
		MaxTokens:  rc.MaxTokens,
		Timeout:    rc.Timeout,
		RatePerSec: rc.RatePerSec,
		Burst:      rc.Burst,
	}, a.Logger)
}

// newPipeline builds an orchestrator over querier. Assisted strategies are
// selected once here; decision code never looks at configuration.
func (a *App) newPipeline(querier ledger.Querier, recorder pipeline.RunRecorder, m *metrics.Metrics) *pipeline.Orchestrator {
	cfg := a.Config
	rules := extract.NewRuleBased(cfg.ExtractLimits(), cfg.Extract.Categories)
	baseline := compliance.NewRuleBased(cfg.Compliance)

	var (
		extractor extract.Extractor  = rules
		writer    narrative.Writer   = narrative.Template{}
		decider   compliance.Decider = baseline
	)
	if client := a.newReasoningClient(); client != nil {
		timeout := cfg.Reasoning.Timeout
		extractor = extract.NewAssisted(client, rules, timeout, cfg.Reasoning.MaxTokens, a.Logger)
		writer = narrative.NewAssisted(client, timeout, cfg.Reasoning.WriterMaxTokens, a.Logger)
		decider = compliance.NewAssistedWithFallback(baseline, client, timeout, cfg.Reasoning.ComplianceMaxToken, a.Logger)
		a.Logger.Info().Str("model", cfg.Reasoning.Model).Msg("assisted reasoning enabled")
	}

	return pipeline.New(pipeline.Deps{
		Extractor: extractor,
		Ledger:    querier,
		Detector:  detect.New(cfg.DetectorConfig()),
		Scorer:    scoring.New(cfg.ScorerConfig()),
		Writer:    writer,
		Decider:   decider,
		Recorder:  recorder,
		Metrics:   m,
	}, pipeline.Options{
		StageTimeout: cfg.Pipeline.StageTimeout,
		TopN:         cfg.Pipeline.TopN,
		SampleSize:   cfg.Pipeline.SampleSize,
	}, a.Logger)
}

func (a *App) newMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

// resources are the database-backed collaborators of a command.
type resources struct {
	ledger ledger.Querier
	store  *storage.Store
	close  func()
}

// recorder returns the store as a RunRecorder, or nil without one.
func (r *resources) recorder() pipeline.RunRecorder {
	if r.store == nil {
		return nil
	}
	return r.store
}

// open connects the ledger and run store. One pool is shared when both live
// in the same database. Missing DSNs leave the matching field nil.
func (a *App) open(ctx context.Context) (*resources, error) {
	res := &resources{close: func() {}}
	var pools []*pgxpool.Pool
	res.close = func() {
		for _, p := range pools {
			p.Close()
		}
	}

	dsn := a.Config.Database.DSN
	var ledgerPool *pgxpool.Pool
	if dsn != "" {
		pool, err := storage.NewPool(ctx, dsn, a.Config.Database)
		if err != nil {
			return nil, err
		}
		pools = append(pools, pool)
		ledgerPool = pool

		querier, err := ledger.NewPostgres(pool, a.Config.Ledger.Table, a.Config.Extract.MaxRows)
		if err != nil {
			res.close()
			return nil, err
		}
		res.ledger = querier
	}

	runsDSN := a.Config.RunsDSN()
	switch {
	case runsDSN == "":
	case runsDSN == dsn && ledgerPool != nil:
		res.store = storage.NewStore(ledgerPool)
	default:
		pool, err := storage.NewPool(ctx, runsDSN, a.Config.Database)
		if err != nil {
			res.close()
			return nil, err
		}
		pools = append(pools, pool)
		res.store = storage.NewStore(pool)
	}

	return res, nil
}

// openStore opens only the run store for history commands.
func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	dsn := a.Config.RunsDSN()
	if dsn == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, dsn, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	return store, store.Close, nil
}

// QueryOptions configure a single pipeline run.
type QueryOptions struct {
	Query   string
	NoStore bool
	Compact bool
}

// ServeOptions configure the HTTP server.
type ServeOptions struct {
	Addr string
}

// WatchOptions configure the standing-query loop.
type WatchOptions struct {
	Query string
	Once  bool
}

// SimulateOptions configure an in-memory run.
type SimulateOptions struct {
	Query            string
	TransactionsPath string
	Alert            bool
	Compact          bool
}

// ExportOptions hold parameters for exporting run history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
	ID    string
}

// BatchOptions configure the batch job.
type BatchOptions struct {
	QueriesPath string
	DryRun      bool
	OutputPath  string
}
