package extract

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ledger-insight/internal/ledger"
	"ledger-insight/internal/reasoning"
)

func ptr[T any](v T) *T { return &v }

func amount(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func newRules() *RuleBased {
	return NewRuleBased(DefaultLimits(), nil)
}

func TestScenarioCryptoUnknown(t *testing.T) {
	got := newRules().Extract(context.Background(), "category:crypto over 1000 last 30 days in Unknown limit 5")
	want := ledger.Filter{
		Category:        ptr("crypto"),
		MinAmount:       amount("1000"),
		TimeWindowHours: ptr(720),
		Location:        ptr("Unknown"),
		Limit:           ptr(5),
	}
	if !got.Filter.Equal(want) {
		t.Fatalf("unexpected filter: %+v", got.Filter)
	}
	if got.Provenance != reasoning.Deterministic {
		t.Fatalf("rule path should not claim assistance: %+v", got.Provenance)
	}
}

func TestRuleBasedPhrases(t *testing.T) {
	cases := []struct {
		query string
		want  ledger.Filter
	}{
		{query: "last 12 hours", want: ledger.Filter{TimeWindowHours: ptr(12)}},
		{query: "last 2 months", want: ledger.Filter{TimeWindowHours: ptr(1440)}},
		{query: "last 10 hours last 3 days", want: ledger.Filter{TimeWindowHours: ptr(10)}},
		{query: "since 2024-02-29", want: ledger.Filter{Since: ptr("2024-02-29")}},
		{query: "since 2023-02-30", want: ledger.Filter{}},
		{query: "category = travel", want: ledger.Filter{Category: ptr("travel")}},
		{query: "category as donation", want: ledger.Filter{Category: ptr("donation")}},
		{query: "show giftcards payments", want: ledger.Filter{Category: ptr("gift_cards")}},
		{query: "category:gambling", want: ledger.Filter{Category: ptr("gambling")}},
		{query: `payments at "New Delhi"`, want: ledger.Filter{Location: ptr("New Delhi")}},
		{query: "payments in n/a", want: ledger.Filter{Location: ptr("N/A")}},
		{query: "payments in UNKNOWN", want: ledger.Filter{Location: ptr("Unknown")}},
		{query: "food in the last 24 hours at Pune", want: ledger.Filter{Category: ptr("food"), TimeWindowHours: ptr(24), Location: ptr("Pune")}},
		{query: "payments within budget", want: ledger.Filter{}},
		{query: "over 2,500.75", want: ledger.Filter{MinAmount: amount("2500.75")}},
		{query: "txns marked as fraud", want: ledger.Filter{FraudOnly: true}},
		{query: "fraud = true", want: ledger.Filter{FraudOnly: true}},
		{query: "fraudulent looking", want: ledger.Filter{}},
		{query: "limit 500", want: ledger.Filter{Limit: ptr(100)}},
		{query: "limit 0", want: ledger.Filter{}},
		{query: "P2M transfers", want: ledger.Filter{TxnType: ptr("P2M")}},
		{query: "last 99999999999999999999 days", want: ledger.Filter{TimeWindowHours: ptr(24 * 180)}},
		{query: "", want: ledger.Filter{}},
	}

	rules := newRules()
	for _, tc := range cases {
		got := rules.Extract(context.Background(), tc.query).Filter
		if !got.Equal(tc.want) {
			t.Fatalf("%q: got %+v, want %+v", tc.query, got, tc.want)
		}
	}
}

func TestClampBounds(t *testing.T) {
	limits := DefaultLimits()
	got := limits.Clamp(ledger.Filter{
		TimeWindowHours: ptr(-3),
		Category:        ptr("  Gift Cards "),
		Location:        ptr(" unknown "),
		MinAmount:       amount("5000000000"),
		Limit:           ptr(-1),
		TxnType:         ptr("wire"),
	})
	want := ledger.Filter{
		Category:  ptr("gift_cards"),
		Location:  ptr("Unknown"),
		MinAmount: &limits.MaxAmount,
	}
	if !got.Equal(want) {
		t.Fatalf("unexpected clamp: %+v", got)
	}

	long := limits.Clamp(ledger.Filter{Category: ptr("abcdefghijklmnopqrstuvwxyzabcdefgh"), MinAmount: amount("-1")})
	if long.Category != nil || long.MinAmount != nil {
		t.Fatalf("overlong category and negative amount should drop: %+v", long)
	}
}

func TestClampIdempotent(t *testing.T) {
	limits := DefaultLimits()
	hours := []*int{nil, ptr(-1), ptr(0), ptr(1), ptr(5000), ptr(math.MaxInt32)}
	cats := []*string{nil, ptr(""), ptr("Crypto"), ptr("gift cards"), ptr("GIFTCARDS"), ptr("x-y z")}
	locs := []*string{nil, ptr(" n/a"), ptr("Unknown"), ptr("Mumbai "), ptr("")}
	amts := []*decimal.Decimal{nil, amount("-5"), amount("0"), amount("1e10"), amount("12.345")}
	limitsIn := []*int{nil, ptr(0), ptr(7), ptr(1000)}
	types := []*string{nil, ptr("p2p"), ptr("P2M"), ptr("ach")}
	sinces := []*string{nil, ptr("2024-13-01"), ptr(" 2024-01-01 "), ptr("yesterday")}

	for _, h := range hours {
		for _, c := range cats {
			for _, l := range locs {
				for _, a := range amts {
					for _, n := range limitsIn {
						for _, ty := range types {
							for _, s := range sinces {
								f := ledger.Filter{TimeWindowHours: h, Category: c, Location: l, MinAmount: a, Limit: n, TxnType: ty, Since: s}
								once := limits.Clamp(f)
								twice := limits.Clamp(once)
								if !once.Equal(twice) {
									t.Fatalf("clamp not idempotent for %+v: %+v vs %+v", f, once, twice)
								}
							}
						}
					}
				}
			}
		}
	}
}

type stubClient struct {
	text  string
	err   error
	delay time.Duration
	calls int
}

func (s *stubClient) Complete(ctx context.Context, req reasoning.Request) (string, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.text, s.err
}

func TestAssistedUsesServiceAnswer(t *testing.T) {
	client := &stubClient{text: "```json\n{\"timeWindowHours\": 48.9, \"category\": \"Travel\", \"overAmt\": 250, \"fraudOnly\": true, \"limit\": 1000, \"txnType\": \"p2p\"}\n```"}
	a := NewAssisted(client, newRules(), time.Second, 0, zerolog.Nop())

	got := a.Extract(context.Background(), "anything")
	want := ledger.Filter{
		TimeWindowHours: ptr(48),
		Category:        ptr("travel"),
		MinAmount:       amount("250"),
		FraudOnly:       true,
		Limit:           ptr(100),
		TxnType:         ptr("P2P"),
	}
	if !got.Filter.Equal(want) {
		t.Fatalf("unexpected filter: %+v", got.Filter)
	}
	if got.Provenance != reasoning.Assisted {
		t.Fatalf("unexpected provenance: %+v", got.Provenance)
	}
}

func TestAssistedFailsOver(t *testing.T) {
	query := "category:crypto over 1000 last 30 days in Unknown limit 5"
	expected := newRules().Extract(context.Background(), query).Filter

	cases := map[string]*stubClient{
		"malformed":   {text: "I think you want crypto"},
		"wrong-types": {text: `{"limit": "five"}`},
		"transport":   {err: errors.New("connection refused")},
		"empty":       {text: ""},
		"timeout":     {text: `{"limit": 1}`, delay: time.Second},
	}
	for name, client := range cases {
		a := NewAssisted(client, newRules(), 20*time.Millisecond, 0, zerolog.Nop())
		got := a.Extract(context.Background(), query)
		if got.Provenance != reasoning.FailedOver {
			t.Fatalf("%s: expected failover provenance, got %+v", name, got.Provenance)
		}
		if !got.Filter.Equal(expected) {
			t.Fatalf("%s: fallback filter mismatch: %+v", name, got.Filter)
		}
	}
}
