package detect

import (
	"reflect"
	"testing"

	"github.com/shopspring/decimal"

	"ledger-insight/internal/ledger"
)

func txn(id, amount, category string) ledger.Transaction {
	return ledger.Transaction{TxnID: id, Amount: decimal.RequireFromString(amount), MerchantCategory: category}
}

func TestDetectThresholdsAndOrder(t *testing.T) {
	d := New(DefaultConfig())
	got := d.Detect([]ledger.Transaction{
		txn("a", "50000", "Crypto"),
		txn("b", "49999.99", "food"),
		txn("c", "10000", "gift_cards"),
		txn("d", "9999.99", "travel"),
	})
	want := []Flag{
		{TxnID: "a", Reason: "High amount ≥ 50000"},
		{TxnID: "a", Reason: "High-risk category: crypto"},
		{TxnID: "b", Reason: "High amount ≥ 10000"},
		{TxnID: "c", Reason: "High amount ≥ 10000"},
		{TxnID: "c", Reason: "High-risk category: gift_cards"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected flags:\n got %+v\nwant %+v", got, want)
	}
}

func TestDetectNeverRaisesBothAmountFlags(t *testing.T) {
	d := New(DefaultConfig())
	for _, amount := range []string{"0", "10000", "25000", "50000", "1000000"} {
		flags := d.Detect([]ledger.Transaction{txn("x", amount, "food")})
		if len(flags) > 1 {
			t.Fatalf("amount %s raised %d flags", amount, len(flags))
		}
	}
}

func TestDetectReasonUsesConfiguredThreshold(t *testing.T) {
	d := New(Config{
		HighAmount:         decimal.RequireFromString("7500.5"),
		ElevatedAmount:     decimal.NewFromInt(100),
		HighRiskCategories: []string{" Gambling "},
	})
	got := d.Detect([]ledger.Transaction{txn("x", "8000", "GAMBLING")})
	want := []Flag{
		{TxnID: "x", Reason: "High amount ≥ 7500.5"},
		{TxnID: "x", Reason: "High-risk category: gambling"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected flags: %+v", got)
	}
}

func TestDetectEmpty(t *testing.T) {
	flags := New(DefaultConfig()).Detect(nil)
	if flags == nil || len(flags) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", flags)
	}
}
