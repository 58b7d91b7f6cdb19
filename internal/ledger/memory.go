package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// Memory is an in-process ledger over a fixed transaction set. It applies
// the same predicate semantics as the SQL builder.
type Memory struct {
	txns         []Transaction
	defaultLimit int
	now          func() time.Time
}

// NewMemory builds a ledger over txns. The slice is copied.
func NewMemory(txns []Transaction, defaultLimit int) *Memory {
	copied := make([]Transaction, len(txns))
	copy(copied, txns)
	sort.SliceStable(copied, func(i, j int) bool {
		return copied[i].Time.After(copied[j].Time)
	})
	return &Memory{txns: copied, defaultLimit: defaultLimit, now: time.Now}
}

// LoadMemory reads a JSON array of transactions from path.
func LoadMemory(path string, defaultLimit int) (*Memory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transactions file: %w", err)
	}
	var txns []Transaction
	if err := json.Unmarshal(raw, &txns); err != nil {
		return nil, fmt.Errorf("decode transactions file: %w", err)
	}
	return NewMemory(txns, defaultLimit), nil
}

// WithClock overrides the reference time used for relative windows.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

// Query returns matching rows, most recent first.
func (m *Memory) Query(ctx context.Context, filter Filter) ([]Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	limit := m.defaultLimit
	if filter.Limit != nil {
		limit = *filter.Limit
	}

	now := m.now()
	out := make([]Transaction, 0)
	for _, txn := range m.txns {
		if limit > 0 && len(out) >= limit {
			break
		}
		if matches(filter, txn, now) {
			out = append(out, txn)
		}
	}
	return out, nil
}

func matches(f Filter, txn Transaction, now time.Time) bool {
	if f.TimeWindowHours != nil {
		if txn.Time.Before(now.Add(-time.Duration(*f.TimeWindowHours) * time.Hour)) {
			return false
		}
	}
	if f.Since != nil {
		since, err := time.Parse(time.DateOnly, *f.Since)
		if err == nil && txn.Time.Before(since) {
			return false
		}
	}
	if f.Category != nil && !strings.EqualFold(txn.MerchantCategory, *f.Category) {
		return false
	}
	if f.Location != nil && !strings.EqualFold(txn.Location, *f.Location) {
		return false
	}
	if f.MinAmount != nil && txn.Amount.LessThan(*f.MinAmount) {
		return false
	}
	if f.FraudOnly && (txn.IsFraud == nil || !*txn.IsFraud) {
		return false
	}
	if f.TxnType != nil && string(txn.Type) != *f.TxnType {
		return false
	}
	return true
}

var _ Querier = (*Memory)(nil)
