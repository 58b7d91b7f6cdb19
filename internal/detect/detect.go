// Package detect raises anomaly flags over fetched ledger rows using static
// amount thresholds and a high-risk category set.
package detect

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"ledger-insight/internal/ledger"
)

// Flag is one anomaly reason attached to a transaction.
type Flag struct {
	TxnID  string `json:"txn_id"`
	Reason string `json:"reason"`
}

// Config holds detector thresholds.
type Config struct {
	HighAmount         decimal.Decimal
	ElevatedAmount     decimal.Decimal
	HighRiskCategories []string
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		HighAmount:         decimal.NewFromInt(50000),
		ElevatedAmount:     decimal.NewFromInt(10000),
		HighRiskCategories: []string{"crypto", "gift_cards"},
	}
}

// Detector is stateless after construction and safe for concurrent use.
type Detector struct {
	high         decimal.Decimal
	elevated     decimal.Decimal
	highReason   string
	elevReason   string
	riskCategory map[string]struct{}
}

// New builds a Detector from cfg.
func New(cfg Config) *Detector {
	set := make(map[string]struct{}, len(cfg.HighRiskCategories))
	for _, c := range cfg.HighRiskCategories {
		set[strings.ToLower(strings.TrimSpace(c))] = struct{}{}
	}
	return &Detector{
		high:         cfg.HighAmount,
		elevated:     cfg.ElevatedAmount,
		highReason:   amountReason(cfg.HighAmount),
		elevReason:   amountReason(cfg.ElevatedAmount),
		riskCategory: set,
	}
}

// Detect returns flags in transaction order. Within one transaction the
// amount flag precedes the category flag, and at most one amount flag is
// raised.
func (d *Detector) Detect(txns []ledger.Transaction) []Flag {
	flags := make([]Flag, 0)
	for _, t := range txns {
		switch {
		case t.Amount.GreaterThanOrEqual(d.high):
			flags = append(flags, Flag{TxnID: t.TxnID, Reason: d.highReason})
		case t.Amount.GreaterThanOrEqual(d.elevated):
			flags = append(flags, Flag{TxnID: t.TxnID, Reason: d.elevReason})
		}

		category := strings.ToLower(t.MerchantCategory)
		if _, ok := d.riskCategory[category]; ok {
			flags = append(flags, Flag{TxnID: t.TxnID, Reason: "High-risk category: " + category})
		}
	}
	return flags
}

func amountReason(threshold decimal.Decimal) string {
	return fmt.Sprintf("High amount ≥ %s", threshold.String())
}
