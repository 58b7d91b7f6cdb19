package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ledger-insight/internal/ledger"
	"ledger-insight/internal/reasoning"
)

const systemPrompt = `You output ONLY JSON filters:
{"timeWindowHours": number|null, "since": "YYYY-MM-DD"|null, "category": string|null, "location": string|null, "overAmt": number|null, "fraudOnly": boolean, "limit": number|null, "txnType": "P2P"|"P2M"|null}
- Convert "last N hours/days/months" to hours (a month is 30 days).
- Recognize 'since YYYY-MM-DD' as absolute lower bound.
- 'category as X' or 'category=X' or bare tokens (crypto, travel, etc.).
- 'marked as fraud'/'is fraud'/'fraud=true' => fraudOnly=true.
- 'limit N' => limit, recognize P2P/P2M.
Return JSON ONLY.`

var errUnusable = errors.New("unusable filter response")

// Assisted delegates extraction to the reasoning service and falls back to
// a RuleBased extractor on any failure.
type Assisted struct {
	client    reasoning.Client
	fallback  *RuleBased
	timeout   time.Duration
	maxTokens int
	logger    zerolog.Logger
}

// NewAssisted wraps fallback with an assisted path over client.
func NewAssisted(client reasoning.Client, fallback *RuleBased, timeout time.Duration, maxTokens int, logger zerolog.Logger) *Assisted {
	return &Assisted{
		client:    client,
		fallback:  fallback,
		timeout:   timeout,
		maxTokens: maxTokens,
		logger:    logger.With().Str("component", "extract_assisted").Logger(),
	}
}

// Extract asks the service for filters, clamping whichever answer is used.
func (a *Assisted) Extract(ctx context.Context, query string) Result {
	filter, err := a.assist(ctx, query)
	if err != nil {
		a.logger.Warn().Err(err).Msg("assisted extraction failed; using rules")
		return Result{
			Filter:     a.fallback.Limits().Clamp(a.fallback.Parse(query)),
			Provenance: reasoning.FailedOver,
		}
	}
	return Result{Filter: a.fallback.Limits().Clamp(filter), Provenance: reasoning.Assisted}
}

func (a *Assisted) assist(ctx context.Context, query string) (ledger.Filter, error) {
	text, err := reasoning.Call(ctx, a.client, reasoning.Request{
		System:    systemPrompt,
		User:      fmt.Sprintf("Query: %s\nReturn filters JSON only.", query),
		MaxTokens: a.maxTokens,
	}, a.timeout)
	if err != nil {
		return ledger.Filter{}, err
	}
	return decodeFilter(text)
}

// wireFilter is the JSON shape requested from the service. Numbers arrive as
// floats and are floored before clamping.
type wireFilter struct {
	TimeWindowHours *float64         `json:"timeWindowHours"`
	Since           *string          `json:"since"`
	Category        *string          `json:"category"`
	Location        *string          `json:"location"`
	OverAmt         *decimal.Decimal `json:"overAmt"`
	FraudOnly       *bool            `json:"fraudOnly"`
	Limit           *float64         `json:"limit"`
	TxnType         *string          `json:"txnType"`
}

func decodeFilter(text string) (ledger.Filter, error) {
	raw, ok := reasoning.ExtractJSON(text)
	if !ok {
		return ledger.Filter{}, fmt.Errorf("%w: no JSON object", errUnusable)
	}
	var wire wireFilter
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return ledger.Filter{}, fmt.Errorf("%w: %v", errUnusable, err)
	}

	f := ledger.Filter{
		Since:     wire.Since,
		Category:  wire.Category,
		Location:  wire.Location,
		MinAmount: wire.OverAmt,
		TxnType:   wire.TxnType,
	}
	if wire.FraudOnly != nil {
		f.FraudOnly = *wire.FraudOnly
	}
	if wire.TimeWindowHours != nil {
		if hours, ok := saturate(*wire.TimeWindowHours); ok {
			f.TimeWindowHours = &hours
		}
	}
	if wire.Limit != nil {
		if limit, ok := saturate(*wire.Limit); ok {
			f.Limit = &limit
		}
	}
	return f, nil
}

var _ Extractor = (*Assisted)(nil)
