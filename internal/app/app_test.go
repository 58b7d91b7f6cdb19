package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ledger-insight/internal/config"
	"ledger-insight/internal/pipeline"
	"ledger-insight/internal/storage"
)

func newTestApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	chdir(t, t.TempDir())
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	buf := &bytes.Buffer{}
	a := NewApp(cfg, zerolog.Nop())
	a.out = buf
	return a, buf
}

func writeTransactions(t *testing.T) string {
	t.Helper()
	now := time.Now().UTC()
	body := fmt.Sprintf(`[
  {"txn_id":"t1","amount":"75000","txn_time":%q,"merchant_category":"crypto","location":"Pune","txn_type":"P2P"},
  {"txn_id":"t2","amount":"300","txn_time":%q,"merchant_category":"food","location":"Delhi","txn_type":"P2M"}
]`, now.Add(-time.Hour).Format(time.RFC3339), now.Add(-2*time.Hour).Format(time.RFC3339))

	path := filepath.Join(t.TempDir(), "txns.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestSimulatePrintsBundle(t *testing.T) {
	a, buf := newTestApp(t)
	err := a.Simulate(context.Background(), SimulateOptions{
		Query:            "last 24 hours",
		TransactionsPath: writeTransactions(t),
	})
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}

	var res pipeline.Result
	if err := json.Unmarshal(buf.Bytes(), &res); err != nil {
		t.Fatalf("decode output: %v\n%s", err, buf.String())
	}
	if res.Retriever.Count != 2 {
		t.Fatalf("count = %d", res.Retriever.Count)
	}
	if len(res.TopTxns) == 0 || res.TopTxns[0].TxnID != "t1" {
		t.Fatalf("top txns = %+v", res.TopTxns)
	}
	if !res.Compliance.Action.Valid() {
		t.Fatalf("action = %q", res.Compliance.Action)
	}
}

func TestSimulateRequiresTransactions(t *testing.T) {
	a, _ := newTestApp(t)
	if err := a.Simulate(context.Background(), SimulateOptions{Query: "p2p"}); err == nil {
		t.Fatal("missing --transactions should fail")
	}
}

func TestSimulateAlert(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	a, _ := newTestApp(t)
	a.Config.Alerting.Enabled = true
	a.Config.Alerting.MinAction = "OK"
	a.Config.Alerting.Telegram = config.TelegramConfig{Enabled: true, BotToken: "token", ChatID: "chat", APIBase: srv.URL}

	err := a.Simulate(context.Background(), SimulateOptions{
		Query:            "last 24 hours",
		TransactionsPath: writeTransactions(t),
		Alert:            true,
		Compact:          true,
	})
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if got["chat_id"] != "chat" || !strings.Contains(got["text"], "last 24 hours") {
		t.Fatalf("alert payload = %#v", got)
	}
}

func TestSimulateAlertRequiresAlerting(t *testing.T) {
	a, _ := newTestApp(t)
	err := a.Simulate(context.Background(), SimulateOptions{TransactionsPath: writeTransactions(t), Alert: true})
	if err == nil {
		t.Fatal("alert without alerting.enabled should fail")
	}
}

func TestCommandsWithoutDatabase(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()

	if err := a.Query(ctx, QueryOptions{}); err != ErrNoLedger {
		t.Fatalf("Query err = %v", err)
	}
	if err := a.Show(ctx, ShowOptions{Limit: 5}); err == nil {
		t.Fatal("Show without database should fail")
	}
	if err := a.Export(ctx, ExportOptions{CSVPath: "out.csv"}); err == nil {
		t.Fatal("Export without database should fail")
	}
	if err := a.Export(ctx, ExportOptions{}); err == nil {
		t.Fatal("Export without outputs should fail")
	}
}

func TestReasoningClientDisabledByDefault(t *testing.T) {
	a, _ := newTestApp(t)
	if a.newReasoningClient() != nil {
		t.Fatal("client should be nil when reasoning is off")
	}
	a.Config.Reasoning.Mode = config.ReasoningModeClaude
	if a.newReasoningClient() != nil {
		t.Fatal("client should be nil without an API key")
	}
	a.Config.Reasoning.APIKey = "key"
	if a.newReasoningClient() == nil {
		t.Fatal("client should be built when mode and key are set")
	}
}

func TestDownsampleRuns(t *testing.T) {
	runs := make([]storage.RunSummary, 10)
	for i := range runs {
		runs[i].ID = fmt.Sprintf("r%d", i)
	}

	got := downsampleRuns(runs, 4)
	if len(got) != 4 || got[0].ID != "r0" || got[3].ID != "r9" {
		t.Fatalf("downsample = %+v", got)
	}
	if len(downsampleRuns(runs, 0)) != 10 || len(downsampleRuns(runs, 20)) != 10 {
		t.Fatal("no-op cases should return input")
	}
	if one := downsampleRuns(runs, 1); len(one) != 1 || one[0].ID != "r9" {
		t.Fatalf("single point = %+v", one)
	}
}

func TestExportWindow(t *testing.T) {
	a, _ := newTestApp(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	from, to, err := a.exportWindow(ExportOptions{MaxPoints: 4}, now)
	if err != nil {
		t.Fatalf("exportWindow: %v", err)
	}
	if !to.Equal(now) || !from.Equal(now.Add(-time.Hour)) {
		t.Fatalf("window = %s..%s", from, to)
	}

	later := now.Add(time.Hour)
	if _, _, err := a.exportWindow(ExportOptions{From: &later, To: &now}, now); err == nil {
		t.Fatal("inverted window should fail")
	}
}

func TestWriteRunsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "runs.csv")
	runs := []storage.RunSummary{{
		ID:               "run-1",
		CreatedAt:        time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		QueryText:        "crypto, last 24 hours",
		RiskScore:        decimal.RequireFromString("31.25"),
		FlagCount:        3,
		ComplianceAction: "REVIEW",
	}}
	if err := writeRunsCSV(path, runs); err != nil {
		t.Fatalf("writeRunsCSV: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	want := "created_at,run_id,risk_score,flag_count,compliance_action,query\n" +
		"2025-03-01T12:00:00Z,run-1,31.25,3,REVIEW,\"crypto, last 24 hours\"\n"
	if string(raw) != want {
		t.Fatalf("csv =\n%s", raw)
	}
}

func TestRenderRuns(t *testing.T) {
	a, buf := newTestApp(t)
	a.renderRuns(nil)
	if !strings.Contains(buf.String(), "no runs found") {
		t.Fatalf("empty output = %q", buf.String())
	}

	buf.Reset()
	a.renderRuns([]storage.RunSummary{{
		ID:        "run-1",
		CreatedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		QueryText: "line one\nline two",
		RiskScore: decimal.NewFromInt(80),
		FlagCount: 2,
	}})
	out := buf.String()
	for _, part := range []string{"run-1", "80.00", "line one line two", " - "} {
		if !strings.Contains(out, part) {
			t.Fatalf("output missing %q:\n%s", part, out)
		}
	}
}

type stubRunReader struct {
	runs    []storage.RunSummary
	results map[string][]byte
	total   int64
}

func (s stubRunReader) ListRecentRuns(ctx context.Context, limit int) ([]storage.RunSummary, error) {
	return s.runs, nil
}

func (s stubRunReader) GetRunResults(ctx context.Context, id string) ([]byte, error) {
	raw, ok := s.results[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return raw, nil
}

func (s stubRunReader) CountRuns(ctx context.Context) (int64, error) {
	return s.total, nil
}

func TestShowListsRunsWithTotal(t *testing.T) {
	a, buf := newTestApp(t)
	reader := stubRunReader{
		runs:  []storage.RunSummary{{ID: "run-1", RiskScore: decimal.NewFromInt(10)}},
		total: 7,
	}
	if err := a.show(context.Background(), reader, ShowOptions{Limit: 1}); err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(buf.String(), "1 of 7 stored runs") {
		t.Fatalf("output:\n%s", buf.String())
	}
}

func TestShowPrintsStoredBundle(t *testing.T) {
	a, buf := newTestApp(t)
	reader := stubRunReader{results: map[string][]byte{
		"run-1": []byte(`{"id":"run-1","risk_scoring":{"overall":31.25}}`),
	}}

	if err := a.show(context.Background(), reader, ShowOptions{ID: "run-1"}); err != nil {
		t.Fatalf("show: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v\n%s", err, buf.String())
	}
	if got["id"] != "run-1" {
		t.Fatalf("bundle = %v", got)
	}

	err := a.show(context.Background(), reader, ShowOptions{ID: "missing"})
	if err == nil || !strings.Contains(err.Error(), "run missing not found") {
		t.Fatalf("missing run err = %v", err)
	}
}

func TestReadQueries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queries.txt")
	body := "# nightly checks\ncategory:crypto last 24 hours\n\n  p2p over 10000  \n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := readQueries(path)
	if err != nil {
		t.Fatalf("readQueries: %v", err)
	}
	if len(got) != 2 || got[0] != "category:crypto last 24 hours" || got[1] != "p2p over 10000" {
		t.Fatalf("queries = %q", got)
	}
	if _, err := readQueries(""); err == nil {
		t.Fatal("empty path should fail")
	}
}
