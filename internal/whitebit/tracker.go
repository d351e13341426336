package whitebit

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/whitebit-connector/internal/schema"
)

// venueStatusTable is the explicit venue-string to internal-status mapping.
// Anything absent from the table is preserved verbatim and flagged unknown,
// never silently coerced.
var venueStatusTable = map[string]schema.OrderStatus{
	"NEW":              schema.StatusNew,
	"PARTIALLY_FILLED": schema.StatusPartiallyFilled,
	"FILLED":           schema.StatusFilled,
	"CANCELLED":        schema.StatusCancelled,
	"REJECTED":         schema.StatusRejected,
}

func mapVenueStatus(raw string) (schema.OrderStatus, string) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	if status, ok := venueStatusTable[normalized]; ok {
		return status, ""
	}
	return schema.StatusUnknown, raw
}

// venueOrderUpdate is the subset of a venue order response the tracker
// consumes. Amount fields stay as venue strings until parsed so nothing is
// recomputed client-side.
type venueOrderUpdate struct {
	ExchangeOrderID int64
	ClientOrderID   string
	Market          string
	Side            string
	Type            string
	Status          string
	Amount          string
	Price           string
	Left            string
	DealStock       string
	DealMoney       string
	DealFee         string
	Timestamp       float64
}

// Tracker maintains the order state machine keyed by client order id.
// Transitions are driven only by venue responses; a terminal order ignores
// all further updates.
type Tracker struct {
	mu     sync.Mutex
	orders map[string]schema.Order
	clock  func() time.Time
}

// NewTracker constructs an empty tracker; a nil clock uses wall time.
func NewTracker(clock func() time.Time) *Tracker {
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{orders: make(map[string]schema.Order), clock: clock}
}

// Lookup returns the tracked order for the client order id, if any. Used as
// the idempotency check before resubmitting after a timeout.
func (t *Tracker) Lookup(clientOrderID string) (schema.Order, bool) {
	key := strings.TrimSpace(clientOrderID)
	if key == "" {
		return schema.Order{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	order, ok := t.orders[key]
	return order, ok
}

// Apply folds a venue order response into the tracked record and returns the
// updated order. Updates for a terminal order are discarded.
func (t *Tracker) Apply(update venueOrderUpdate) schema.Order {
	key := strings.TrimSpace(update.ClientOrderID)
	now := t.clock().UTC()

	t.mu.Lock()
	defer t.mu.Unlock()

	existing, tracked := t.orders[key]
	if tracked && existing.Status.Terminal() {
		return existing
	}

	status, rawStatus := mapVenueStatus(update.Status)

	order := schema.Order{
		ClientOrderID:   key,
		ExchangeOrderID: strconv.FormatInt(update.ExchangeOrderID, 10),
		Market:          update.Market,
		Side:            sideFromVenue(update.Side),
		Kind:            kindFromVenue(update.Type),
		RequestedAmount: parseAmount(update.Amount),
		FilledAmount:    parseAmount(update.DealStock),
		RemainingAmount: parseAmount(update.Left),
		AvgPrice:        averagePrice(update.DealMoney, update.DealStock),
		FeeAmount:       parseAmount(update.DealFee),
		Status:          status,
		RawStatus:       rawStatus,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if _, quote := schema.SplitMarket(update.Market); quote != "" {
		order.FeeCurrency = quote
	}
	if update.Timestamp > 0 {
		order.UpdatedAt = time.Unix(int64(update.Timestamp), 0).UTC()
	}
	if tracked {
		order.CreatedAt = existing.CreatedAt
	}

	if key != "" {
		t.orders[key] = order
	}
	return order
}

func sideFromVenue(raw string) schema.Side {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy":
		return schema.SideBuy
	case "sell":
		return schema.SideSell
	default:
		return schema.Side(strings.ToLower(strings.TrimSpace(raw)))
	}
}

func kindFromVenue(raw string) schema.OrderKind {
	if strings.Contains(strings.ToLower(raw), "market") {
		return schema.KindMarket
	}
	return schema.KindLimit
}

func parseAmount(raw string) decimal.Decimal {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero
	}
	dec, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero
	}
	return dec
}

func averagePrice(dealMoney, dealStock string) decimal.Decimal {
	money := parseAmount(dealMoney)
	stock := parseAmount(dealStock)
	if stock.Sign() == 0 {
		return decimal.Zero
	}
	return money.DivRound(stock, 16)
}
