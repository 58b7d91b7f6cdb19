package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ErrNotConfigured indicates the ledger pool was not initialised.
var ErrNotConfigured = errors.New("ledger: pool not configured")

const (
	DefaultTable = "upi_transactions"

	selectColumns = `txn_id::text,
        payer_vpa,
        payee_vpa,
        amount::text,
        txn_time,
        device_id,
        ip_address::text,
        merchant_category,
        location,
        txn_type,
        is_fraud,
        fraud_score::float8,
        is_fraud_pred`
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Postgres queries a PostgreSQL-compatible transaction table.
type Postgres struct {
	pool         *pgxpool.Pool
	table        string
	defaultLimit int
}

// NewPostgres wires a pgx pool into a ledger querier. defaultLimit bounds
// queries whose filter carries no limit.
func NewPostgres(pool *pgxpool.Pool, table string, defaultLimit int) (*Postgres, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid ledger table name %q", table)
	}
	if defaultLimit <= 0 {
		return nil, fmt.Errorf("ledger default limit must be greater than zero")
	}
	return &Postgres{pool: pool, table: table, defaultLimit: defaultLimit}, nil
}

// Query runs the filter and returns matching rows ordered by time descending.
func (p *Postgres) Query(ctx context.Context, filter Filter) ([]Transaction, error) {
	if p == nil || p.pool == nil {
		return nil, ErrNotConfigured
	}

	query, args := BuildQuery(p.table, filter, p.defaultLimit)
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	txns := make([]Transaction, 0)
	for rows.Next() {
		txn, scanErr := scanTransaction(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		txns = append(txns, txn)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return txns, nil
}

// BuildQuery renders the parameterised SELECT for a filter. Every value is
// bound as a parameter; only the validated table name and limit are inlined.
func BuildQuery(table string, filter Filter, defaultLimit int) (string, []any) {
	var (
		where []string
		args  []any
	)
	bind := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.TimeWindowHours != nil {
		where = append(where, fmt.Sprintf("txn_time >= now() - make_interval(hours => %s)", bind(*filter.TimeWindowHours)))
	}
	if filter.Since != nil {
		where = append(where, fmt.Sprintf("txn_time >= %s::timestamptz", bind(*filter.Since+" 00:00:00+00")))
	}
	if filter.Category != nil {
		where = append(where, fmt.Sprintf("lower(merchant_category) = lower(%s)", bind(*filter.Category)))
	}
	if filter.Location != nil {
		where = append(where, fmt.Sprintf("lower(location) = lower(%s)", bind(*filter.Location)))
	}
	if filter.MinAmount != nil {
		where = append(where, fmt.Sprintf("amount >= %s::numeric", bind(filter.MinAmount.String())))
	}
	if filter.FraudOnly {
		where = append(where, "is_fraud = true")
	}
	if filter.TxnType != nil {
		where = append(where, fmt.Sprintf("txn_type = %s", bind(*filter.TxnType)))
	}

	limit := defaultLimit
	if filter.Limit != nil {
		limit = *filter.Limit
	}

	var b strings.Builder
	b.WriteString("SELECT\n        ")
	b.WriteString(selectColumns)
	b.WriteString("\n    FROM ")
	b.WriteString(table)
	if len(where) > 0 {
		b.WriteString("\n    WHERE ")
		b.WriteString(strings.Join(where, "\n      AND "))
	}
	fmt.Fprintf(&b, "\n    ORDER BY txn_time DESC\n    LIMIT %d;", limit)
	return b.String(), args
}

func scanTransaction(rows pgx.Rows) (Transaction, error) {
	var (
		txnID       string
		payer       sql.NullString
		payee       sql.NullString
		amountStr   string
		txnTime     time.Time
		device      sql.NullString
		ip          sql.NullString
		category    sql.NullString
		location    sql.NullString
		txnType     sql.NullString
		isFraud     sql.NullBool
		fraudScore  sql.NullFloat64
		isFraudPred sql.NullBool
	)

	if err := rows.Scan(
		&txnID,
		&payer,
		&payee,
		&amountStr,
		&txnTime,
		&device,
		&ip,
		&category,
		&location,
		&txnType,
		&isFraud,
		&fraudScore,
		&isFraudPred,
	); err != nil {
		return Transaction{}, err
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return Transaction{}, fmt.Errorf("parse amount for %s: %w", txnID, err)
	}

	txn := Transaction{
		TxnID:            txnID,
		PayerVPA:         payer.String,
		PayeeVPA:         payee.String,
		Amount:           amount,
		Time:             txnTime,
		DeviceID:         device.String,
		IPAddress:        ip.String,
		MerchantCategory: category.String,
		Location:         location.String,
		Type:             TxnType(txnType.String),
	}
	if isFraud.Valid {
		v := isFraud.Bool
		txn.IsFraud = &v
	}
	if fraudScore.Valid {
		v := fraudScore.Float64
		txn.FraudScore = &v
	}
	if isFraudPred.Valid {
		v := isFraudPred.Bool
		txn.IsFraudPred = &v
	}
	return txn, nil
}

var _ Querier = (*Postgres)(nil)
