package pipeline

import (
	"time"

	"github.com/shopspring/decimal"

	"ledger-insight/internal/compliance"
	"ledger-insight/internal/detect"
	"ledger-insight/internal/ledger"
	"ledger-insight/internal/narrative"
	"ledger-insight/internal/reasoning"
	"ledger-insight/internal/scoring"
)

// Result is the bundle returned for a completed run.
type Result struct {
	RunID       string              `json:"id"`
	CreatedAt   time.Time           `json:"created_at"`
	StepTimings StepTimings         `json:"step_timings"`
	Retriever   RetrieverOutput     `json:"retriever"`
	Detection   DetectOutput        `json:"fraud_detection"`
	Risk        scoring.Result      `json:"risk_scoring"`
	Writer      narrative.Output    `json:"writer"`
	Compliance  compliance.Decision `json:"compliance"`
	TopTxns     []TopTxn            `json:"top_txns"`
}

// StepTimings are wall-clock stage durations in milliseconds.
type StepTimings struct {
	ExtractMS int64 `json:"extract_ms"`
	DetectMS  int64 `json:"detect_ms"`
	ScoreMS   int64 `json:"score_ms"`
	WriteMS   int64 `json:"write_ms"`
	DecideMS  int64 `json:"decide_ms"`
}

func (t *StepTimings) set(stage Stage, ms int64) {
	switch stage {
	case StageExtract:
		t.ExtractMS = ms
	case StageDetect:
		t.DetectMS = ms
	case StageScore:
		t.ScoreMS = ms
	case StageWrite:
		t.WriteMS = ms
	case StageDecide:
		t.DecideMS = ms
	}
}

// RetrieverOutput is the extract stage as reported to callers: the filter,
// the row count and a bounded sample.
type RetrieverOutput struct {
	Filters    ledger.Filter        `json:"filters"`
	Count      int                  `json:"count"`
	Sample     []ledger.Transaction `json:"sample"`
	Provenance reasoning.Provenance `json:"meta"`
	Relaxed    bool                 `json:"relaxed_fraud_only"`
}

// DetectOutput wraps the flag list.
type DetectOutput struct {
	Flags []detect.Flag `json:"flags"`
}

// ScoreOutput is the score stage event payload.
type ScoreOutput struct {
	scoring.Result
	TopTxns []TopTxn `json:"top_txns"`
}

// TopTxn is a ranked transaction with its attributes joined back. Attribute
// fields are nil when the id has no matching row.
type TopTxn struct {
	TxnID    string           `json:"txn_id"`
	Amount   *decimal.Decimal `json:"amount"`
	Time     *time.Time       `json:"txn_time"`
	Location *string          `json:"location"`
	Category *string          `json:"category"`
	Type     *string          `json:"txn_type"`
	Score    float64          `json:"score"`
	Reasons  []string         `json:"reasons"`
}
