// Package narrative produces the short human-readable summary of a run.
package narrative

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ledger-insight/internal/detect"
	"ledger-insight/internal/ledger"
	"ledger-insight/internal/reasoning"
)

const (
	topReasons      = 5
	sampleFlags     = 10
	defaultMaxToken = 350
)

const systemPrompt = `You are a compliance analyst. Write concise, factual summaries for fraud reviews.`

// Input is everything a writer may mention.
type Input struct {
	Query  string
	Filter ledger.Filter
	Count  int
	Flags  []detect.Flag
	Risk   float64
}

// Output is the summary text and the path that produced it.
type Output struct {
	Text       string               `json:"narrative"`
	Provenance reasoning.Provenance `json:"meta"`
}

// Writer summarises a run.
type Writer interface {
	Write(ctx context.Context, in Input) Output
}

// Template renders the fixed multi-line summary.
type Template struct{}

// Write renders in deterministically.
func (Template) Write(_ context.Context, in Input) Output {
	return Output{Text: Render(in), Provenance: reasoning.Deterministic}
}

// Render builds the template summary. The filter line is present only when
// at least one constraint is active.
func Render(in Input) string {
	lines := []string{fmt.Sprintf("Query: “%s”. Retrieved %d transactions.", in.Query, in.Count)}
	if in.Filter.Active() {
		raw, _ := json.Marshal(in.Filter)
		lines = append(lines, "Filters → "+string(raw))
	}
	lines = append(lines, fmt.Sprintf("Overall risk score: %s/100", strconv.FormatFloat(in.Risk, 'f', -1, 64)))

	if top := rankReasons(in.Flags, topReasons); len(top) > 0 {
		parts := make([]string, len(top))
		for i, rc := range top {
			parts[i] = fmt.Sprintf("%s (%d)", rc.reason, rc.count)
		}
		lines = append(lines, "Top flag reasons: "+strings.Join(parts, ", "))
	}
	return strings.Join(lines, "\n")
}

type reasonCount struct {
	reason string
	count  int
}

// rankReasons counts reasons and orders them by count descending, ties kept
// in discovery order.
func rankReasons(flags []detect.Flag, n int) []reasonCount {
	pos := make(map[string]int)
	var counts []reasonCount
	for _, f := range flags {
		i, ok := pos[f.Reason]
		if !ok {
			i = len(counts)
			pos[f.Reason] = i
			counts = append(counts, reasonCount{reason: f.Reason})
		}
		counts[i].count++
	}
	sort.SliceStable(counts, func(i, j int) bool { return counts[i].count > counts[j].count })
	if len(counts) > n {
		counts = counts[:n]
	}
	return counts
}

// Assisted asks the reasoning service for prose and falls back to the
// template text when it cannot get any.
type Assisted struct {
	client    reasoning.Client
	timeout   time.Duration
	maxTokens int
	logger    zerolog.Logger
}

// NewAssisted builds an assisted writer. A zero maxTokens selects 350.
func NewAssisted(client reasoning.Client, timeout time.Duration, maxTokens int, logger zerolog.Logger) *Assisted {
	if maxTokens <= 0 {
		maxTokens = defaultMaxToken
	}
	return &Assisted{
		client:    client,
		timeout:   timeout,
		maxTokens: maxTokens,
		logger:    logger.With().Str("component", "narrative_assisted").Logger(),
	}
}

// Write returns either the service prose or the template, never a mix.
func (a *Assisted) Write(ctx context.Context, in Input) Output {
	text, err := reasoning.Call(ctx, a.client, reasoning.Request{
		System:    systemPrompt,
		User:      userPrompt(in),
		MaxTokens: a.maxTokens,
	}, a.timeout)
	if err != nil {
		a.logger.Warn().Err(err).Msg("assisted narrative failed; using template")
		return Output{Text: Render(in), Provenance: reasoning.FailedOver}
	}
	return Output{Text: text, Provenance: reasoning.Assisted}
}

func userPrompt(in Input) string {
	filters, _ := json.Marshal(in.Filter)
	sample := in.Flags
	if len(sample) > sampleFlags {
		sample = sample[:sampleFlags]
	}
	flags, _ := json.Marshal(sample)

	var b strings.Builder
	fmt.Fprintf(&b, "User query: %s\n", in.Query)
	fmt.Fprintf(&b, "Transactions: %d\n", in.Count)
	fmt.Fprintf(&b, "Filters: %s\n", filters)
	fmt.Fprintf(&b, "Risk: %s\n", strconv.FormatFloat(in.Risk, 'f', -1, 64))
	fmt.Fprintf(&b, "Flags (sample up to %d): %s\n\n", sampleFlags, flags)
	b.WriteString("Write a crisp summary (4–7 lines), no markdown, no headings.\n")
	b.WriteString("Include: scope, filters, risk, top flag reasons, and a one-line recommendation.")
	return b.String()
}

var (
	_ Writer = Template{}
	_ Writer = (*Assisted)(nil)
)
