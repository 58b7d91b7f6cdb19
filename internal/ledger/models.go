package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// TxnType is the payment rail of a transaction.
type TxnType string

const (
	TxnTypeP2P TxnType = "P2P"
	TxnTypeP2M TxnType = "P2M"
)

// Location sentinels used by the ledger for missing geo data.
const (
	LocationNA      = "N/A"
	LocationUnknown = "Unknown"
)

// Transaction is a single ledger row. Rows are read-only once fetched.
type Transaction struct {
	TxnID            string          `json:"txn_id"`
	PayerVPA         string          `json:"payer_vpa,omitempty"`
	PayeeVPA         string          `json:"payee_vpa,omitempty"`
	Amount           decimal.Decimal `json:"amount"`
	Time             time.Time       `json:"txn_time"`
	DeviceID         string          `json:"device_id,omitempty"`
	IPAddress        string          `json:"ip_address,omitempty"`
	MerchantCategory string          `json:"merchant_category"`
	Location         string          `json:"location"`
	Type             TxnType         `json:"txn_type"`
	IsFraud          *bool           `json:"is_fraud"`
	FraudScore       *float64        `json:"fraud_score"`
	IsFraudPred      *bool           `json:"is_fraud_pred"`
}

// Filter is the sanitized predicate set used to select transactions.
// A nil field means "no constraint".
type Filter struct {
	TimeWindowHours *int             `json:"timeWindowHours"`
	Since           *string          `json:"since"`
	Category        *string          `json:"category"`
	Location        *string          `json:"location"`
	MinAmount       *decimal.Decimal `json:"overAmt"`
	FraudOnly       bool             `json:"fraudOnly"`
	Limit           *int             `json:"limit"`
	TxnType         *string          `json:"txnType"`
}

// filterWire mirrors Filter field for field with overAmt as a bare number.
type filterWire struct {
	TimeWindowHours *int         `json:"timeWindowHours"`
	Since           *string      `json:"since"`
	Category        *string      `json:"category"`
	Location        *string      `json:"location"`
	MinAmount       *json.Number `json:"overAmt"`
	FraudOnly       bool         `json:"fraudOnly"`
	Limit           *int         `json:"limit"`
	TxnType         *string      `json:"txnType"`
}

// MarshalJSON writes overAmt as a JSON number rather than decimal's quoted
// string. Decoding needs no counterpart: decimal accepts both forms.
func (f Filter) MarshalJSON() ([]byte, error) {
	wire := filterWire{
		TimeWindowHours: f.TimeWindowHours,
		Since:           f.Since,
		Category:        f.Category,
		Location:        f.Location,
		FraudOnly:       f.FraudOnly,
		Limit:           f.Limit,
		TxnType:         f.TxnType,
	}
	if f.MinAmount != nil {
		n := json.Number(f.MinAmount.String())
		wire.MinAmount = &n
	}
	return json.Marshal(wire)
}

// Active reports whether at least one constraint is set.
func (f Filter) Active() bool {
	return f.TimeWindowHours != nil ||
		f.Since != nil ||
		f.Category != nil ||
		f.Location != nil ||
		f.MinAmount != nil ||
		f.FraudOnly ||
		f.Limit != nil ||
		f.TxnType != nil
}

// Equal compares two filters field by field.
func (f Filter) Equal(o Filter) bool {
	return eqPtr(f.TimeWindowHours, o.TimeWindowHours) &&
		eqPtr(f.Since, o.Since) &&
		eqPtr(f.Category, o.Category) &&
		eqPtr(f.Location, o.Location) &&
		eqDecimal(f.MinAmount, o.MinAmount) &&
		f.FraudOnly == o.FraudOnly &&
		eqPtr(f.Limit, o.Limit) &&
		eqPtr(f.TxnType, o.TxnType)
}

func eqPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func eqDecimal(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// Querier executes a filter against the ledger. Rows come back most recent
// first, bounded by the filter limit or the querier's own default.
type Querier interface {
	Query(ctx context.Context, filter Filter) ([]Transaction, error)
}
