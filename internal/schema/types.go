// Package schema defines the canonical trading types exchanged between
// callers and the connector.
package schema

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/whitebit-connector/errs"
)

// Side distinguishes buy and sell intents.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderKind distinguishes limit and market orders.
type OrderKind string

const (
	KindLimit  OrderKind = "limit"
	KindMarket OrderKind = "market"
)

// OrderStatus is the internal order state machine.
type OrderStatus string

const (
	StatusNew             OrderStatus = "new"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusRejected        OrderStatus = "rejected"
	// StatusUnknown flags a venue status string with no mapping; the raw
	// string is preserved alongside, never coerced.
	StatusUnknown OrderStatus = "unknown"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

var marketPattern = regexp.MustCompile(`^[A-Z0-9]+_[A-Z0-9]+$`)

// ValidMarket reports whether market follows the BASE_QUOTE pair format.
func ValidMarket(market string) bool {
	return marketPattern.MatchString(market)
}

// SplitMarket separates a pair identifier into base and quote tickers.
func SplitMarket(market string) (base, quote string) {
	parts := strings.SplitN(market, "_", 2)
	if len(parts) != 2 {
		return market, ""
	}
	return parts[0], parts[1]
}

// OrderIntent is the caller-facing order description. It is validated
// before any signing or network activity.
type OrderIntent struct {
	Market        string
	Side          Side
	Kind          OrderKind
	Amount        decimal.Decimal
	Price         *decimal.Decimal
	ClientOrderID string
}

// Validate rejects malformed intents with a typed invalid_request error.
func (i OrderIntent) Validate() error {
	if !ValidMarket(i.Market) {
		return errs.New("whitebit", errs.CodeInvalid,
			errs.WithMessage("market must match BASE_QUOTE format"),
			errs.WithCanonicalCode(errs.CanonicalInvalidMarket))
	}
	switch i.Side {
	case SideBuy, SideSell:
	default:
		return errs.New("whitebit", errs.CodeInvalid,
			errs.WithMessage("side must be buy or sell"))
	}
	switch i.Kind {
	case KindLimit, KindMarket:
	default:
		return errs.New("whitebit", errs.CodeInvalid,
			errs.WithMessage("kind must be limit or market"))
	}
	if i.Amount.Sign() <= 0 {
		return errs.New("whitebit", errs.CodeInvalid,
			errs.WithMessage("amount must be positive"))
	}
	if i.Kind == KindLimit {
		if i.Price == nil || i.Price.Sign() <= 0 {
			return errs.New("whitebit", errs.CodeInvalid,
				errs.WithMessage("limit orders require a positive price"))
		}
	} else if i.Price != nil {
		return errs.New("whitebit", errs.CodeInvalid,
			errs.WithMessage("market orders must not carry a price"))
	}
	return nil
}

// Order is the tracked lifecycle record for a submitted order.
type Order struct {
	ClientOrderID   string
	ExchangeOrderID string
	Market          string
	Side            Side
	Kind            OrderKind
	RequestedAmount decimal.Decimal
	FilledAmount    decimal.Decimal
	// RemainingAmount mirrors the venue "left" field exactly; it is never
	// recomputed client-side.
	RemainingAmount decimal.Decimal
	AvgPrice        decimal.Decimal
	FeeAmount       decimal.Decimal
	FeeCurrency     string
	Status          OrderStatus
	// RawStatus keeps the venue status string when Status is unknown.
	RawStatus string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Ticker is the public price snapshot for one market.
type Ticker struct {
	Market    string
	Last      decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Volume    decimal.Decimal
	Change    decimal.Decimal
	Timestamp time.Time
}

// PriceLevel is one side entry of an order book.
type PriceLevel struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// OrderBook is the public depth snapshot for one market.
type OrderBook struct {
	Market    string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

// Balance holds one asset's account balance.
type Balance struct {
	Available decimal.Decimal
	Reserved  decimal.Decimal
}

// Total is the sum of available and reserved funds.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Reserved)
}

// Trade is one public or account execution record.
type Trade struct {
	ID     int64
	Market string
	Side   Side
	Price  decimal.Decimal
	Amount decimal.Decimal
	Fee    decimal.Decimal
	Time   time.Time
}

// Channel names a streaming topic category scoped to one market.
type Channel string

const (
	ChannelTicker Channel = "ticker"
	ChannelDepth  Channel = "depth"
	ChannelTrades Channel = "trades"
)

// Valid reports whether the channel is one of the supported topics.
func (c Channel) Valid() bool {
	switch c {
	case ChannelTicker, ChannelDepth, ChannelTrades:
		return true
	default:
		return false
	}
}

// TickerUpdate is a streaming ticker push for one market.
type TickerUpdate struct {
	Market    string
	Last      decimal.Decimal
	Volume    decimal.Decimal
	Change    decimal.Decimal
	Timestamp time.Time
}

// DepthUpdate is a streaming order-book push for one market.
type DepthUpdate struct {
	Market     string
	FullReload bool
	Bids       []PriceLevel
	Asks       []PriceLevel
	Timestamp  time.Time
}

// TradesUpdate is a streaming executions push for one market.
type TradesUpdate struct {
	Market string
	Trades []Trade
}
