package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	createRunsTableSQL = `CREATE TABLE IF NOT EXISTS runs (
        id                UUID PRIMARY KEY,
        created_at        TIMESTAMPTZ NOT NULL,
        query_text        TEXT,
        step_timings      JSONB,
        results           JSONB,
        risk_score        NUMERIC,
        flags             JSONB,
        compliance_action TEXT
    );`

	addComplianceColumnSQL = `ALTER TABLE runs ADD COLUMN IF NOT EXISTS compliance_action TEXT;`

	insertRunSQL = `INSERT INTO runs (
        id,
        created_at,
        query_text,
        step_timings,
        results,
        risk_score,
        flags,
        compliance_action
    ) VALUES (
        $1::uuid,$2,$3,$4::jsonb,$5::jsonb,$6::numeric,$7::jsonb,$8
    )
    RETURNING id::text, created_at;`

	runSummaryColumns = `id::text,
        created_at,
        COALESCE(query_text, ''),
        COALESCE(risk_score, 0)::text,
        COALESCE(jsonb_array_length(flags), 0),
        COALESCE(compliance_action, '')`

	listRecentRunsSQL = `SELECT
        ` + runSummaryColumns + `
    FROM runs
    ORDER BY created_at DESC
    LIMIT $1;`

	listRunsBetweenSQL = `SELECT
        ` + runSummaryColumns + `
    FROM runs
    WHERE created_at >= $1
      AND created_at < $2
    ORDER BY created_at;`

	getRunResultsSQL = `SELECT results FROM runs WHERE id = $1::uuid;`

	countRunsSQL = `SELECT COUNT(*) FROM runs;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// RunStore persists and lists pipeline runs.
type RunStore interface {
	SaveRun(ctx context.Context, run Run) (SavedRun, error)
	ListRecentRuns(ctx context.Context, limit int) ([]RunSummary, error)
	ListRunsBetween(ctx context.Context, from, to time.Time) ([]RunSummary, error)
	GetRunResults(ctx context.Context, id string) ([]byte, error)
	CountRuns(ctx context.Context) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store persists runs in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool

	schemaMu    sync.Mutex
	schemaReady bool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the runs table if it is missing. Success is
// remembered; a failure is retried on the next call.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaReady {
		return nil
	}
	if _, err := pool.Exec(ctx, createRunsTableSQL); err != nil {
		return fmt.Errorf("create runs table: %w", err)
	}
	if _, err := pool.Exec(ctx, addComplianceColumnSQL); err != nil {
		return fmt.Errorf("migrate runs table: %w", err)
	}
	s.schemaReady = true
	return nil
}

// SaveRun inserts a completed run.
func (s *Store) SaveRun(ctx context.Context, run Run) (SavedRun, error) {
	pool, err := s.getPool()
	if err != nil {
		return SavedRun{}, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return SavedRun{}, err
	}

	var saved SavedRun
	if scanErr := pool.QueryRow(ctx, insertRunSQL,
		run.ID,
		run.CreatedAt,
		run.QueryText,
		jsonOrDefault(run.StepTimings, "{}"),
		jsonOrDefault(run.Results, "{}"),
		run.RiskScore.String(),
		jsonOrDefault(run.Flags, "[]"),
		run.ComplianceAction,
	).Scan(&saved.ID, &saved.CreatedAt); scanErr != nil {
		return SavedRun{}, fmt.Errorf("insert run: %w", scanErr)
	}
	return saved, nil
}

// ListRecentRuns lists the most recent runs, newest first.
func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentRunsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent runs: %w", queryErr)
	}
	return collectSummaries(rows, limit)
}

// ListRunsBetween lists runs created within [from, to), oldest first.
func (s *Store) ListRunsBetween(ctx context.Context, from, to time.Time) ([]RunSummary, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRunsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list runs between: %w", queryErr)
	}
	return collectSummaries(rows, 0)
}

// GetRunResults returns the stored result bundle of one run.
func (s *Store) GetRunResults(ctx context.Context, id string) ([]byte, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	var results []byte
	if scanErr := pool.QueryRow(ctx, getRunResultsSQL, id).Scan(&results); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, scanErr
		}
		return nil, fmt.Errorf("get run results: %w", scanErr)
	}
	return results, nil
}

// CountRuns counts stored runs.
func (s *Store) CountRuns(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countRunsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count runs: %w", scanErr)
	}
	return count, nil
}

func collectSummaries(rows pgx.Rows, capacity int) ([]RunSummary, error) {
	defer rows.Close()

	runs := make([]RunSummary, 0, capacity)
	for rows.Next() {
		run, scanErr := scanRunSummary(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		runs = append(runs, run)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return runs, nil
}

func scanRunSummary(rows pgx.Rows) (RunSummary, error) {
	var (
		run     RunSummary
		riskStr string
	)
	if err := rows.Scan(
		&run.ID,
		&run.CreatedAt,
		&run.QueryText,
		&riskStr,
		&run.FlagCount,
		&run.ComplianceAction,
	); err != nil {
		return RunSummary{}, err
	}

	risk, err := decimal.NewFromString(riskStr)
	if err != nil {
		return RunSummary{}, fmt.Errorf("parse risk score: %w", err)
	}
	run.RiskScore = risk
	return run, nil
}

func jsonOrDefault(raw []byte, fallback string) string {
	if len(raw) == 0 {
		return fallback
	}
	return string(raw)
}

var (
	_ RunStore       = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
