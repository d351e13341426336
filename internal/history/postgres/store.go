// Package postgres persists trade history records through a pgx pool.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/whitebit-connector/internal/history"
	"github.com/coachpo/whitebit-connector/internal/schema"
)

// Store writes and reads trade history rows.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store backed by the provided pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pgx pool against dsn and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse history dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open history pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping history database: %w", err)
	}
	return pool, nil
}

const (
	recordInsertSQL = `
INSERT INTO trade_history (
    client_order_id,
    exchange_order_id,
    market,
    side,
    order_kind,
    status,
    requested_amount,
    filled_amount,
    avg_price,
    fee_amount,
    fee_currency,
    submitted_at
)
VALUES (
    @client_order_id,
    @exchange_order_id,
    @market,
    @side,
    @order_kind,
    @status,
    @requested_amount::numeric,
    @filled_amount::numeric,
    @avg_price::numeric,
    @fee_amount::numeric,
    @fee_currency,
    @submitted_at
)
ON CONFLICT (client_order_id, submitted_at) DO UPDATE SET
    exchange_order_id = EXCLUDED.exchange_order_id,
    status = EXCLUDED.status,
    filled_amount = EXCLUDED.filled_amount,
    avg_price = EXCLUDED.avg_price,
    fee_amount = EXCLUDED.fee_amount,
    fee_currency = EXCLUDED.fee_currency;
`

	recordSelectBase = `
SELECT
    client_order_id,
    exchange_order_id,
    market,
    side,
    order_kind,
    status,
    requested_amount::text,
    filled_amount::text,
    avg_price::text,
    fee_amount::text,
    fee_currency,
    submitted_at
FROM trade_history
`

	defaultRecordLimit = 50
	maxRecordLimit     = 500
)

// Record inserts one history row. Repeats for the same client order id and
// submission time update the fill columns in place.
func (s *Store) Record(ctx context.Context, rec history.Record) error {
	if strings.TrimSpace(rec.ClientOrderID) == "" {
		return fmt.Errorf("history record requires a client order id")
	}
	args := pgx.NamedArgs{
		"client_order_id":   rec.ClientOrderID,
		"exchange_order_id": rec.ExchangeOrderID,
		"market":            rec.Market,
		"side":              string(rec.Side),
		"order_kind":        string(rec.Kind),
		"status":            string(rec.Status),
		"requested_amount":  zeroIfEmpty(rec.RequestedAmount),
		"filled_amount":     zeroIfEmpty(rec.FilledAmount),
		"avg_price":         zeroIfEmpty(rec.AvgPrice),
		"fee_amount":        zeroIfEmpty(rec.FeeAmount),
		"fee_currency":      rec.FeeCurrency,
		"submitted_at":      rec.SubmittedAt.UTC(),
	}
	if _, err := s.pool.Exec(ctx, recordInsertSQL, args); err != nil {
		return fmt.Errorf("insert trade history: %w", err)
	}
	return nil
}

// Recent returns the newest records, optionally scoped to one market.
func (s *Store) Recent(ctx context.Context, market string, limit int) ([]history.Record, error) {
	if limit <= 0 {
		limit = defaultRecordLimit
	}
	if limit > maxRecordLimit {
		limit = maxRecordLimit
	}

	query := recordSelectBase
	args := pgx.NamedArgs{"limit": limit}
	if strings.TrimSpace(market) != "" {
		query += "WHERE market = @market\n"
		args["market"] = market
	}
	query += "ORDER BY submitted_at DESC\nLIMIT @limit;"

	rows, err := s.pool.Query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("query trade history: %w", err)
	}
	defer rows.Close()

	var records []history.Record
	for rows.Next() {
		var rec history.Record
		var side, kind, status string
		var submittedAt time.Time
		if err := rows.Scan(
			&rec.ClientOrderID,
			&rec.ExchangeOrderID,
			&rec.Market,
			&side,
			&kind,
			&status,
			&rec.RequestedAmount,
			&rec.FilledAmount,
			&rec.AvgPrice,
			&rec.FeeAmount,
			&rec.FeeCurrency,
			&submittedAt,
		); err != nil {
			return nil, fmt.Errorf("scan trade history row: %w", err)
		}
		rec.Side = schema.Side(side)
		rec.Kind = schema.OrderKind(kind)
		rec.Status = schema.OrderStatus(status)
		rec.SubmittedAt = submittedAt.UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trade history rows: %w", err)
	}
	return records, nil
}

func zeroIfEmpty(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return "0"
	}
	return raw
}
