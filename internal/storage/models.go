package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Run is one persisted pipeline execution. It is written once and never
// updated.
type Run struct {
	ID               string
	CreatedAt        time.Time
	QueryText        string
	StepTimings      json.RawMessage
	Results          json.RawMessage
	RiskScore        decimal.Decimal
	Flags            json.RawMessage
	ComplianceAction string
}

// SavedRun is what the store reports back after persisting a run.
type SavedRun struct {
	ID        string
	CreatedAt time.Time
}

// RunSummary is the listing view of a stored run.
type RunSummary struct {
	ID               string
	CreatedAt        time.Time
	QueryText        string
	RiskScore        decimal.Decimal
	FlagCount        int
	ComplianceAction string
}
