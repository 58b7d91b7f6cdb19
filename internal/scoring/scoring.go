// Package scoring assigns each transaction a weighted risk score in [0,100]
// and reports the rounded mean across the result set.
package scoring

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"ledger-insight/internal/detect"
	"ledger-insight/internal/ledger"
)

const maxScore = 100

// Weights are the additive contributions of each risk signal.
type Weights struct {
	HighAmount     float64 `mapstructure:"high_amount"`
	ElevatedAmount float64 `mapstructure:"elevated_amount"`
	P2P            float64 `mapstructure:"p2p"`
	PerFlag        float64 `mapstructure:"per_flag"`
	FlagCap        float64 `mapstructure:"flag_cap"`
	Gambling       float64 `mapstructure:"gambling"`
	Crypto         float64 `mapstructure:"crypto"`
	LabeledFraud   float64 `mapstructure:"labeled_fraud"`
}

// Config combines weights with the amount thresholds they key off.
type Config struct {
	Weights        Weights
	HighAmount     decimal.Decimal
	ElevatedAmount decimal.Decimal
}

// DefaultConfig returns the production weights.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			HighAmount:     40,
			ElevatedAmount: 20,
			P2P:            5,
			PerFlag:        10,
			FlagCap:        40,
			Gambling:       30,
			Crypto:         15,
			LabeledFraud:   20,
		},
		HighAmount:     decimal.NewFromInt(50000),
		ElevatedAmount: decimal.NewFromInt(10000),
	}
}

// TxnScore is the score of one transaction and the flag reasons behind it.
type TxnScore struct {
	TxnID   string   `json:"txn_id"`
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons"`
}

// Result is the per-transaction breakdown plus the overall mean.
type Result struct {
	Overall float64    `json:"overall"`
	PerTxn  []TxnScore `json:"per_txn"`
}

// Scorer is stateless after construction.
type Scorer struct {
	cfg Config
}

// New builds a Scorer from cfg.
func New(cfg Config) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score computes per-transaction scores in input order. Amount comparisons
// are strict; the detector's inclusive thresholds do not apply here.
func (s *Scorer) Score(txns []ledger.Transaction, flags []detect.Flag) Result {
	reasons := indexReasons(flags)
	w := s.cfg.Weights

	perTxn := make([]TxnScore, 0, len(txns))
	total := 0.0
	for _, t := range txns {
		score := 0.0
		switch {
		case t.Amount.GreaterThan(s.cfg.HighAmount):
			score += w.HighAmount
		case t.Amount.GreaterThan(s.cfg.ElevatedAmount):
			score += w.ElevatedAmount
		}
		if t.Type == ledger.TxnTypeP2P {
			score += w.P2P
		}

		own := reasons[t.TxnID]
		score += math.Min(w.FlagCap, float64(len(own))*w.PerFlag)

		switch strings.ToLower(t.MerchantCategory) {
		case "gambling":
			score += w.Gambling
		case "crypto":
			score += w.Crypto
		}
		if t.IsFraud != nil && *t.IsFraud {
			score += w.LabeledFraud
		}

		score = math.Max(0, math.Min(maxScore, score))
		total += score

		copied := make([]string, len(own))
		copy(copied, own)
		perTxn = append(perTxn, TxnScore{TxnID: t.TxnID, Score: score, Reasons: copied})
	}

	return Result{Overall: mean(total, len(perTxn)), PerTxn: perTxn}
}

// indexReasons groups flag reasons by transaction id, keeping detection
// order. The index is built once and only read afterwards.
func indexReasons(flags []detect.Flag) map[string][]string {
	idx := make(map[string][]string, len(flags))
	for _, f := range flags {
		idx[f.TxnID] = append(idx[f.TxnID], f.Reason)
	}
	return idx
}

func mean(total float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return decimal.NewFromFloat(total).Div(decimal.NewFromInt(int64(n))).Round(2).InexactFloat64()
}
