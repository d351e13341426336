// Package history persists submitted order outcomes for later analysis.
package history

import (
	"context"
	"time"

	"github.com/coachpo/whitebit-connector/internal/schema"
)

// Record is one persisted submission outcome.
type Record struct {
	ClientOrderID   string
	ExchangeOrderID string
	Market          string
	Side            schema.Side
	Kind            schema.OrderKind
	Status          schema.OrderStatus
	RequestedAmount string
	FilledAmount    string
	AvgPrice        string
	FeeAmount       string
	FeeCurrency     string
	SubmittedAt     time.Time
}

// Sink receives order records after each submission or cancellation.
// Implementations must tolerate concurrent calls.
type Sink interface {
	Record(ctx context.Context, rec Record) error
}

// NoopSink discards every record. Used when no history store is configured.
type NoopSink struct{}

func (NoopSink) Record(context.Context, Record) error { return nil }

// FromOrder builds a record from a tracked order.
func FromOrder(order schema.Order, at time.Time) Record {
	return Record{
		ClientOrderID:   order.ClientOrderID,
		ExchangeOrderID: order.ExchangeOrderID,
		Market:          order.Market,
		Side:            order.Side,
		Kind:            order.Kind,
		Status:          order.Status,
		RequestedAmount: order.RequestedAmount.String(),
		FilledAmount:    order.FilledAmount.String(),
		AvgPrice:        order.AvgPrice.String(),
		FeeAmount:       order.FeeAmount.String(),
		FeeCurrency:     order.FeeCurrency,
		SubmittedAt:     at.UTC(),
	}
}
