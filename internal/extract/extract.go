// Package extract turns free-text analytic queries into bounded ledger
// filters. Two strategies share one contract: RuleBased pattern matching and
// Assisted extraction through the reasoning service, which falls back to the
// rules whenever the service cannot produce a usable answer.
package extract

import (
	"context"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledger-insight/internal/ledger"
	"ledger-insight/internal/reasoning"
)

const (
	maxCategoryLen = 32
	maxLocationLen = 64
)

// DefaultCategories is the recognised merchant category vocabulary.
var DefaultCategories = []string{"crypto", "gift_cards", "donation", "food", "shopping", "travel", "utilities"}

var categoryAliases = map[string]string{
	"giftcards": "gift_cards",
	"giftcard":  "gift_cards",
	"gifts":     "gift_cards",
}

var (
	sinceDatePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	categorySepRun   = regexp.MustCompile(`[\s\-]+`)
)

// Result is an extracted, clamped filter and the path that produced it.
type Result struct {
	Filter     ledger.Filter        `json:"filters"`
	Provenance reasoning.Provenance `json:"meta"`
}

// Extractor turns query text into a filter. It never fails on malformed
// text; unrecognised fragments leave the matching field unset.
type Extractor interface {
	Extract(ctx context.Context, query string) Result
}

// Limits bounds every numeric and string field of a filter.
type Limits struct {
	MaxRows   int
	MaxHours  int
	MaxAmount decimal.Decimal
}

// DefaultLimits mirrors the production caps: 100 rows, 180 days, 1e9.
func DefaultLimits() Limits {
	return Limits{
		MaxRows:   100,
		MaxHours:  24 * 180,
		MaxAmount: decimal.NewFromInt(1_000_000_000),
	}
}

// Clamp sanitises f. Out-of-range or malformed values become nil rather
// than errors. Clamp is idempotent.
func (l Limits) Clamp(f ledger.Filter) ledger.Filter {
	out := ledger.Filter{FraudOnly: f.FraudOnly}

	if f.TimeWindowHours != nil && *f.TimeWindowHours > 0 {
		hours := min(*f.TimeWindowHours, l.MaxHours)
		out.TimeWindowHours = &hours
	}

	if f.Since != nil {
		since := strings.TrimSpace(*f.Since)
		if sinceDatePattern.MatchString(since) {
			if _, err := time.Parse(time.DateOnly, since); err == nil {
				out.Since = &since
			}
		}
	}

	if f.Category != nil {
		if category := normalizeCategory(*f.Category); category != "" && len(category) <= maxCategoryLen {
			out.Category = &category
		}
	}

	if f.Location != nil {
		if location := normalizeLocation(*f.Location); location != "" && len(location) <= maxLocationLen {
			out.Location = &location
		}
	}

	if f.MinAmount != nil && !f.MinAmount.IsNegative() {
		amount := decimal.Min(*f.MinAmount, l.MaxAmount)
		out.MinAmount = &amount
	}

	if f.Limit != nil && *f.Limit > 0 {
		limit := min(*f.Limit, l.MaxRows)
		out.Limit = &limit
	}

	if f.TxnType != nil {
		switch txnType := strings.ToUpper(strings.TrimSpace(*f.TxnType)); txnType {
		case string(ledger.TxnTypeP2P), string(ledger.TxnTypeP2M):
			out.TxnType = &txnType
		}
	}

	return out
}

func normalizeCategory(raw string) string {
	category := strings.ToLower(strings.TrimSpace(raw))
	category = categorySepRun.ReplaceAllString(category, "_")
	if alias, ok := categoryAliases[category]; ok {
		return alias
	}
	return category
}

func normalizeLocation(raw string) string {
	location := strings.TrimSpace(raw)
	switch {
	case strings.EqualFold(location, ledger.LocationNA):
		return ledger.LocationNA
	case strings.EqualFold(location, ledger.LocationUnknown):
		return ledger.LocationUnknown
	}
	return location
}

// saturate converts a float to an int bounded by int32, flooring fractions.
// Non-finite input yields false.
func saturate(v float64) (int, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	v = math.Floor(v)
	switch {
	case v > math.MaxInt32:
		return math.MaxInt32, true
	case v < math.MinInt32:
		return math.MinInt32, true
	}
	return int(v), true
}
