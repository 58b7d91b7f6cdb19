package extract

import (
	"context"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"ledger-insight/internal/ledger"
	"ledger-insight/internal/reasoning"
)

var (
	hoursPattern  = regexp.MustCompile(`last\s+(\d+)\s*hours?`)
	daysPattern   = regexp.MustCompile(`last\s+(\d+)\s*days?`)
	monthsPattern = regexp.MustCompile(`last\s+(\d+)\s*months?`)
	sincePattern  = regexp.MustCompile(`since\s+(\d{4}-\d{2}-\d{2})`)

	categoryExplicit = regexp.MustCompile(`category\s*[:=]\s*([a-z_]+)`)
	categoryAs       = regexp.MustCompile(`category\s+as\s+([a-z_]+)`)
	wordPattern      = regexp.MustCompile(`[a-z_]+`)

	locationQuoted   = regexp.MustCompile(`(?i)\b(?:in|at)\s+"([^"]+)"`)
	locationSentinel = regexp.MustCompile(`(?i)\b(?:in|at)\s+(N/A|Unknown)\b`)
	locationWord     = regexp.MustCompile(`(?i)\b(?:in|at)\s+([a-z]+)\b`)

	overPattern  = regexp.MustCompile(`over\s+(\d[\d,]*(?:\.\d+)?)`)
	fraudPattern = regexp.MustCompile(`\b(marked\s+as\s+fraud|is\s+fraud|fraud\s*=\s*true)\b`)
	limitPattern = regexp.MustCompile(`limit\s+(\d+)`)
	typePattern  = regexp.MustCompile(`\b(p2p|p2m)\b`)
)

// locationStopwords are words that follow "in"/"at" without naming a place.
var locationStopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "all": {}, "any": {}, "last": {}, "least": {},
	"past": {}, "since": {}, "over": {}, "limit": {}, "category": {}, "total": {},
}

// RuleBased extracts filters with fixed phrase patterns.
type RuleBased struct {
	limits     Limits
	categories map[string]struct{}
}

// NewRuleBased builds a pattern extractor. An empty category list selects
// DefaultCategories.
func NewRuleBased(limits Limits, categories []string) *RuleBased {
	if len(categories) == 0 {
		categories = DefaultCategories
	}
	known := make(map[string]struct{}, len(categories))
	for _, c := range categories {
		known[strings.ToLower(c)] = struct{}{}
	}
	return &RuleBased{limits: limits, categories: known}
}

// Extract parses and clamps query.
func (r *RuleBased) Extract(_ context.Context, query string) Result {
	return Result{Filter: r.limits.Clamp(r.Parse(query)), Provenance: reasoning.Deterministic}
}

// Limits returns the caps applied by Clamp.
func (r *RuleBased) Limits() Limits {
	return r.limits
}

// Parse recognises filter phrases without clamping them.
func (r *RuleBased) Parse(query string) ledger.Filter {
	lower := strings.ToLower(query)
	var f ledger.Filter

	switch {
	case hoursPattern.MatchString(lower):
		f.TimeWindowHours = countPtr(firstGroup(hoursPattern, lower), 1)
	case daysPattern.MatchString(lower):
		f.TimeWindowHours = countPtr(firstGroup(daysPattern, lower), 24)
	case monthsPattern.MatchString(lower):
		f.TimeWindowHours = countPtr(firstGroup(monthsPattern, lower), 30*24)
	}

	if since := firstGroup(sincePattern, lower); since != "" {
		f.Since = &since
	}

	if category := r.category(lower); category != "" {
		f.Category = &category
	}

	if location := parseLocation(query); location != "" {
		f.Location = &location
	}

	if over := strings.ReplaceAll(firstGroup(overPattern, lower), ",", ""); over != "" {
		if amount, err := decimal.NewFromString(over); err == nil {
			f.MinAmount = &amount
		}
	}

	f.FraudOnly = fraudPattern.MatchString(lower)

	if limit := firstGroup(limitPattern, lower); limit != "" {
		f.Limit = countPtr(limit, 1)
	}

	if txnType := firstGroup(typePattern, lower); txnType != "" {
		upper := strings.ToUpper(txnType)
		f.TxnType = &upper
	}

	return f
}

func (r *RuleBased) category(lower string) string {
	if c := firstGroup(categoryExplicit, lower); c != "" {
		return c
	}
	if c := firstGroup(categoryAs, lower); c != "" {
		return c
	}
	for _, word := range wordPattern.FindAllString(lower, -1) {
		if _, ok := r.categories[word]; ok {
			return word
		}
		if alias, ok := categoryAliases[word]; ok {
			return alias
		}
	}
	return ""
}

func parseLocation(query string) string {
	if loc := firstGroup(locationQuoted, query); loc != "" {
		return normalizeLocation(loc)
	}
	if loc := firstGroup(locationSentinel, query); loc != "" {
		return normalizeLocation(loc)
	}
	for _, m := range locationWord.FindAllStringSubmatch(query, -1) {
		if _, stop := locationStopwords[strings.ToLower(m[1])]; !stop {
			return m[1]
		}
	}
	return ""
}

func firstGroup(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// countPtr parses a digit run and multiplies it by unit, saturating at
// MaxInt32 so oversized windows clamp to the cap instead of vanishing.
func countPtr(digits string, unit int) *int {
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil && n == 0 {
		return nil
	}
	if n > math.MaxInt32/int64(unit) {
		v := math.MaxInt32
		return &v
	}
	v := int(n) * unit
	return &v
}

var _ Extractor = (*RuleBased)(nil)
