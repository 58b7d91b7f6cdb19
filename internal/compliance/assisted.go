package compliance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ledger-insight/internal/reasoning"
)

const (
	sampleFlags      = 15
	maxOpinionNotes  = 10
	maxNoteRunes     = 200
	defaultMaxTokens = 250
)

const systemPrompt = `You are a BFSI compliance reviewer. Output JSON only:
{"action":"OK"|"REVIEW"|"ESCALATE","notes":[string,...]}
Be conservative; do not under-call escalation.`

var errUnusable = errors.New("unusable compliance opinion")

// wireOpinion is the JSON shape requested from the reasoning service.
type wireOpinion struct {
	Action string          `json:"action"`
	Notes  json.RawMessage `json:"notes"`
}

// AssistedWithFallback asks the reasoning service for an opinion and merges
// it with the rule baseline.
type AssistedWithFallback struct {
	baseline  *RuleBased
	client    reasoning.Client
	timeout   time.Duration
	maxTokens int
	logger    zerolog.Logger
}

// NewAssistedWithFallback composes baseline with an assisted opinion. A zero
// maxTokens selects 250.
func NewAssistedWithFallback(baseline *RuleBased, client reasoning.Client, timeout time.Duration, maxTokens int, logger zerolog.Logger) *AssistedWithFallback {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &AssistedWithFallback{
		baseline:  baseline,
		client:    client,
		timeout:   timeout,
		maxTokens: maxTokens,
		logger:    logger.With().Str("component", "compliance_assisted").Logger(),
	}
}

// Decide always computes the baseline. A failed or unusable opinion returns
// the baseline marked as failed over.
func (a *AssistedWithFallback) Decide(ctx context.Context, in Input) Decision {
	base := a.baseline.Decide(ctx, in)

	opinion, err := a.opinion(ctx, in)
	if err != nil {
		a.logger.Warn().Err(err).Str("baseline", string(base.Action)).Msg("assisted compliance failed; using baseline")
		base.Provenance = reasoning.FailedOver
		return base
	}
	return Merge(base, opinion)
}

func (a *AssistedWithFallback) opinion(ctx context.Context, in Input) (Decision, error) {
	text, err := reasoning.Call(ctx, a.client, reasoning.Request{
		System:    systemPrompt,
		User:      userPrompt(in),
		MaxTokens: a.maxTokens,
	}, a.timeout)
	if err != nil {
		return Decision{}, err
	}
	return parseOpinion(text)
}

func userPrompt(in Input) string {
	filters, _ := json.Marshal(in.Filter)
	sample := in.Flags
	if len(sample) > sampleFlags {
		sample = sample[:sampleFlags]
	}
	flags, _ := json.Marshal(sample)
	return fmt.Sprintf("Query: %s\nFilters: %s\nRisk: %v\nFlags (up to %d): %s\nReturn JSON only.",
		in.Query, filters, in.Risk, sampleFlags, flags)
}

// parseOpinion validates the service answer. The action must be one of the
// three dispositions, spelled exactly. Notes may be absent or null; otherwise
// they must be an array, and non-string entries are kept as their JSON text.
func parseOpinion(text string) (Decision, error) {
	raw, ok := reasoning.ExtractJSON(text)
	if !ok {
		return Decision{}, fmt.Errorf("%w: no JSON object", errUnusable)
	}
	var op wireOpinion
	if err := json.Unmarshal([]byte(raw), &op); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", errUnusable, err)
	}
	action, err := parseExactAction(op.Action)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", errUnusable, err)
	}

	notes := make([]string, 0)
	if len(op.Notes) > 0 && !bytes.Equal(op.Notes, []byte("null")) {
		var items []json.RawMessage
		if err := json.Unmarshal(op.Notes, &items); err != nil {
			return Decision{}, fmt.Errorf("%w: notes: %v", errUnusable, err)
		}
		for _, item := range items {
			if len(notes) == maxOpinionNotes {
				break
			}
			notes = append(notes, truncate(noteText(item), maxNoteRunes))
		}
	}
	return Decision{Action: action, Notes: notes, Provenance: reasoning.Assisted}, nil
}

func noteText(item json.RawMessage) string {
	var s string
	if err := json.Unmarshal(item, &s); err == nil {
		return s
	}
	return string(item)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

var _ Decider = (*AssistedWithFallback)(nil)
