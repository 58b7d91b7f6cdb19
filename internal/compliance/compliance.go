// Package compliance decides the disposition of a run. A rule baseline is
// always computed; an assisted opinion may raise it but never lower it.
package compliance

import (
	"context"
	"fmt"
	"strings"

	"ledger-insight/internal/detect"
	"ledger-insight/internal/ledger"
	"ledger-insight/internal/reasoning"
)

// Action is a disposition, ordered by severity.
type Action string

const (
	ActionOK       Action = "OK"
	ActionReview   Action = "REVIEW"
	ActionEscalate Action = "ESCALATE"
)

const (
	NoteHighRisk  = "High risk score"
	NoteManyFlags = "Many flags raised"

	maxNotes = 12
)

// Severity ranks a. Unknown actions rank below OK.
func (a Action) Severity() int {
	switch a {
	case ActionOK:
		return 0
	case ActionReview:
		return 1
	case ActionEscalate:
		return 2
	}
	return -1
}

// Valid reports whether a is one of the three dispositions.
func (a Action) Valid() bool {
	return a.Severity() >= 0
}

// ParseAction parses s case-insensitively. It is meant for configuration;
// service answers go through parseExactAction.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return a, nil
}

// parseExactAction accepts only the canonical upper-case spellings.
func parseExactAction(s string) (Action, error) {
	a := Action(s)
	if !a.Valid() {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return a, nil
}

// Decision is the final disposition of a run.
type Decision struct {
	Action     Action               `json:"action"`
	Notes      []string             `json:"notes"`
	Provenance reasoning.Provenance `json:"meta"`
}

// Input is what a decider considers.
type Input struct {
	Risk   float64
	Flags  []detect.Flag
	Query  string
	Filter ledger.Filter
}

// Decider produces a disposition.
type Decider interface {
	Decide(ctx context.Context, in Input) Decision
}

// Thresholds bound the rule baseline. Comparisons are inclusive.
type Thresholds struct {
	EscalateRisk  float64 `mapstructure:"escalate_risk"`
	ReviewRisk    float64 `mapstructure:"review_risk"`
	EscalateFlags int     `mapstructure:"escalate_flags"`
	ReviewFlags   int     `mapstructure:"review_flags"`
}

// DefaultThresholds returns the production thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{EscalateRisk: 80, ReviewRisk: 60, EscalateFlags: 5, ReviewFlags: 3}
}

// RuleBased applies Thresholds.
type RuleBased struct {
	th Thresholds
}

// NewRuleBased builds the rule baseline.
func NewRuleBased(th Thresholds) *RuleBased {
	return &RuleBased{th: th}
}

// Decide applies the thresholds. Notes name the escalation conditions that
// fired.
func (r *RuleBased) Decide(_ context.Context, in Input) Decision {
	n := len(in.Flags)
	highRisk := in.Risk >= r.th.EscalateRisk
	manyFlags := n >= r.th.EscalateFlags

	action := ActionOK
	switch {
	case highRisk || manyFlags:
		action = ActionEscalate
	case in.Risk >= r.th.ReviewRisk || n >= r.th.ReviewFlags:
		action = ActionReview
	}

	notes := make([]string, 0, 2)
	if highRisk {
		notes = append(notes, NoteHighRisk)
	}
	if manyFlags {
		notes = append(notes, NoteManyFlags)
	}
	return Decision{Action: action, Notes: notes, Provenance: reasoning.Deterministic}
}

// Merge combines a baseline with a usable assisted opinion. The more severe
// action wins and ties go to the assisted side. Notes are the baseline's
// followed by the assisted ones, deduplicated and capped.
func Merge(baseline, assisted Decision) Decision {
	chosen := baseline.Action
	if assisted.Action.Severity() >= baseline.Action.Severity() {
		chosen = assisted.Action
	}
	return Decision{
		Action:     chosen,
		Notes:      unionNotes(baseline.Notes, assisted.Notes),
		Provenance: reasoning.Assisted,
	}
}

func unionNotes(lists ...[]string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, list := range lists {
		for _, note := range list {
			if _, ok := seen[note]; ok {
				continue
			}
			seen[note] = struct{}{}
			out = append(out, note)
			if len(out) == maxNotes {
				return out
			}
		}
	}
	return out
}

var _ Decider = (*RuleBased)(nil)
