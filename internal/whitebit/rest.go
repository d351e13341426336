package whitebit

import (
	"bytes"
	"context"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/coachpo/whitebit-connector/errs"
	"github.com/coachpo/whitebit-connector/internal/history"
	"github.com/coachpo/whitebit-connector/internal/observability"
	"github.com/coachpo/whitebit-connector/internal/schema"
)

// sellLotScale is the decimal precision used when resolving a market-sell
// amount from the available balance: floor(available * 1000) / 1000.
const sellLotScale = 3

// balanceExclusions lists demo assets stripped from filtered balance views.
var balanceExclusions = map[string]struct{}{
	"DUSDT": {},
	"DBTC":  {},
}

// MarketInfo describes one tradable pair as reported by the venue.
type MarketInfo struct {
	Name          string `json:"name"`
	Base          string `json:"stock"`
	Quote         string `json:"money"`
	BasePrec      int    `json:"stockPrec"`
	QuotePrec     int    `json:"moneyPrec"`
	MinAmount     string `json:"minAmount"`
	TradesEnabled bool   `json:"tradesEnabled"`
}

// Client executes WhiteBit REST calls. Public calls are unsigned; private
// calls consume one nonce each and carry the signed payload headers. All
// failures are typed through the errs package.
type Client struct {
	opts    Options
	http    *http.Client
	signer  *Signer
	limiter *rate.Limiter
	tracker *Tracker
	sink    history.Sink
	clock   func() time.Time
}

// NewClient constructs a REST client. A nil sink disables history recording.
func NewClient(opts Options, sink history.Sink) *Client {
	opts = withDefaults(opts)
	if sink == nil {
		sink = history.NoopSink{}
	}
	nonces := NewNonceSource(nil)
	return &Client{
		opts:    opts,
		http:    &http.Client{Timeout: opts.HTTPTimeout},
		signer:  NewSigner(opts.Credentials, nonces),
		limiter: rate.NewLimiter(rate.Limit(opts.RequestRate), requestBurst(opts.RequestRate)),
		tracker: NewTracker(nil),
		sink:    sink,
		clock:   time.Now,
	}
}

// requestBurst derives the limiter burst from the configured rate. Fractional
// rates below one request per second still need a burst of at least one, or
// every Wait call fails outright.
func requestBurst(requestRate float64) int {
	burst := int(math.Ceil(requestRate))
	if burst < 1 {
		burst = 1
	}
	return burst
}

// Tracker exposes the order lifecycle tracker backing this client.
func (c *Client) Tracker() *Tracker { return c.tracker }

// Ping verifies venue reachability.
func (c *Client) Ping(ctx context.Context) error {
	var out []string
	return c.doPublic(ctx, c.opts.metadata.pingPath, nil, &out)
}

// GetMarkets lists the venue's tradable pairs.
func (c *Client) GetMarkets(ctx context.Context) ([]MarketInfo, error) {
	var out []MarketInfo
	if err := c.doPublic(ctx, c.opts.metadata.marketsPath, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type wireTicker struct {
	LastPrice  string  `json:"last_price"`
	Bid        string  `json:"bid"`
	Ask        string  `json:"ask"`
	BaseVolume string  `json:"base_volume"`
	Change     string  `json:"change"`
	At         float64 `json:"at"`
}

// GetTicker fetches the price snapshot for one market.
func (c *Client) GetTicker(ctx context.Context, market string) (schema.Ticker, error) {
	if !schema.ValidMarket(market) {
		return schema.Ticker{}, errs.New(c.opts.Name, errs.CodeInvalid,
			errs.WithMessage("market must match BASE_QUOTE format"),
			errs.WithCanonicalCode(errs.CanonicalInvalidMarket))
	}
	query := url.Values{"market": {market}}
	out := make(map[string]wireTicker)
	if err := c.doPublic(ctx, c.opts.metadata.tickerPath, query, &out); err != nil {
		return schema.Ticker{}, err
	}
	entry, ok := out[market]
	if !ok {
		return schema.Ticker{}, errs.New(c.opts.Name, errs.CodeNotFound,
			errs.WithMessage("market absent from ticker response"),
			errs.WithCanonicalCode(errs.CanonicalInvalidMarket),
			errs.WithEndpoint(c.opts.metadata.tickerPath))
	}
	ticker := schema.Ticker{
		Market:    market,
		Last:      parseAmount(entry.LastPrice),
		Bid:       parseAmount(entry.Bid),
		Ask:       parseAmount(entry.Ask),
		Volume:    parseAmount(entry.BaseVolume),
		Change:    parseAmount(entry.Change),
		Timestamp: c.clock().UTC(),
	}
	if entry.At > 0 {
		ticker.Timestamp = time.Unix(int64(entry.At), 0).UTC()
	}
	return ticker, nil
}

type wireOrderBook struct {
	Timestamp float64     `json:"timestamp"`
	Asks      [][2]string `json:"asks"`
	Bids      [][2]string `json:"bids"`
}

// GetOrderBook fetches depth for one market, capped at limit levels per side.
func (c *Client) GetOrderBook(ctx context.Context, market string, limit int) (schema.OrderBook, error) {
	if !schema.ValidMarket(market) {
		return schema.OrderBook{}, errs.New(c.opts.Name, errs.CodeInvalid,
			errs.WithMessage("market must match BASE_QUOTE format"),
			errs.WithCanonicalCode(errs.CanonicalInvalidMarket))
	}
	if limit <= 0 {
		limit = c.opts.DepthLimit
	}
	query := url.Values{
		"market": {market},
		"limit":  {strconv.Itoa(limit)},
	}
	var out wireOrderBook
	if err := c.doPublic(ctx, c.opts.metadata.orderbookPath, query, &out); err != nil {
		return schema.OrderBook{}, err
	}
	book := schema.OrderBook{
		Market:    market,
		Bids:      parseLevels(out.Bids),
		Asks:      parseLevels(out.Asks),
		Timestamp: c.clock().UTC(),
	}
	if out.Timestamp > 0 {
		book.Timestamp = time.Unix(int64(out.Timestamp), 0).UTC()
	}
	return book, nil
}

func parseLevels(raw [][2]string) []schema.PriceLevel {
	levels := make([]schema.PriceLevel, 0, len(raw))
	for _, entry := range raw {
		levels = append(levels, schema.PriceLevel{
			Price:  parseAmount(entry[0]),
			Amount: parseAmount(entry[1]),
		})
	}
	return levels
}

type wirePublicTrade struct {
	TradeID    int64   `json:"tradeID"`
	Price      string  `json:"price"`
	BaseVolume string  `json:"base_volume"`
	Timestamp  float64 `json:"trade_timestamp"`
	Type       string  `json:"type"`
}

// GetTrades fetches recent public executions for one market.
func (c *Client) GetTrades(ctx context.Context, market string) ([]schema.Trade, error) {
	if !schema.ValidMarket(market) {
		return nil, errs.New(c.opts.Name, errs.CodeInvalid,
			errs.WithMessage("market must match BASE_QUOTE format"),
			errs.WithCanonicalCode(errs.CanonicalInvalidMarket))
	}
	query := url.Values{"market": {market}}
	var out []wirePublicTrade
	if err := c.doPublic(ctx, c.opts.metadata.tradesPath, query, &out); err != nil {
		return nil, err
	}
	trades := make([]schema.Trade, 0, len(out))
	for _, entry := range out {
		trades = append(trades, schema.Trade{
			ID:     entry.TradeID,
			Market: market,
			Side:   sideFromVenue(entry.Type),
			Price:  parseAmount(entry.Price),
			Amount: parseAmount(entry.BaseVolume),
			Time:   time.Unix(int64(entry.Timestamp), 0).UTC(),
		})
	}
	return trades, nil
}

type wireBalance struct {
	Available string `json:"available"`
	Freeze    string `json:"freeze"`
}

// GetBalances fetches the spot account balances. With filtered set, demo
// assets and zero-total entries are removed, matching the dashboard view.
func (c *Client) GetBalances(ctx context.Context, filtered bool) (map[string]schema.Balance, error) {
	out := make(map[string]wireBalance)
	if err := c.doPrivate(ctx, c.opts.metadata.balancePath, map[string]any{}, &out); err != nil {
		return nil, err
	}
	balances := make(map[string]schema.Balance, len(out))
	for asset, entry := range out {
		balance := schema.Balance{
			Available: parseAmount(entry.Available),
			Reserved:  parseAmount(entry.Freeze),
		}
		if filtered {
			if _, excluded := balanceExclusions[asset]; excluded {
				continue
			}
			if balance.Total().Sign() == 0 {
				continue
			}
		}
		balances[asset] = balance
	}
	return balances, nil
}

// GetBalance fetches the balance for one asset ticker.
func (c *Client) GetBalance(ctx context.Context, ticker string) (schema.Balance, error) {
	var out wireBalance
	params := map[string]any{"ticker": ticker}
	if err := c.doPrivate(ctx, c.opts.metadata.balancePath, params, &out); err != nil {
		return schema.Balance{}, err
	}
	return schema.Balance{
		Available: parseAmount(out.Available),
		Reserved:  parseAmount(out.Freeze),
	}, nil
}

type wireOrder struct {
	OrderID       int64   `json:"orderId"`
	ClientOrderID string  `json:"clientOrderId"`
	Market        string  `json:"market"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Status        string  `json:"status"`
	Timestamp     float64 `json:"timestamp"`
	Amount        string  `json:"amount"`
	Price         string  `json:"price"`
	Left          string  `json:"left"`
	DealStock     string  `json:"dealStock"`
	DealMoney     string  `json:"dealMoney"`
	DealFee       string  `json:"dealFee"`
}

func (w wireOrder) toUpdate() venueOrderUpdate {
	return venueOrderUpdate{
		ExchangeOrderID: w.OrderID,
		ClientOrderID:   w.ClientOrderID,
		Market:          w.Market,
		Side:            w.Side,
		Type:            w.Type,
		Status:          w.statusOrDerived(),
		Amount:          w.Amount,
		Price:           w.Price,
		Left:            w.Left,
		DealStock:       w.DealStock,
		DealMoney:       w.DealMoney,
		DealFee:         w.DealFee,
		Timestamp:       w.Timestamp,
	}
}

// statusOrDerived returns the venue status string. Submission responses omit
// the field, so an absent status falls back to the fill state the venue
// reported through left/dealStock on that same response.
func (w wireOrder) statusOrDerived() string {
	if strings.TrimSpace(w.Status) != "" {
		return w.Status
	}
	left := parseAmount(w.Left)
	dealt := parseAmount(w.DealStock)
	switch {
	case left.Sign() == 0 && dealt.Sign() > 0:
		return "FILLED"
	case dealt.Sign() > 0:
		return "PARTIALLY_FILLED"
	default:
		return "NEW"
	}
}

// ResolveSellAmount is the pre-submission policy for market sells: the
// submitted amount is the base-asset available balance truncated to three
// decimals, never the caller-requested amount.
func (c *Client) ResolveSellAmount(ctx context.Context, market string) (decimal.Decimal, error) {
	base, _ := schema.SplitMarket(market)
	balance, err := c.GetBalance(ctx, base)
	if err != nil {
		return decimal.Zero, err
	}
	sellable := balance.Available.Truncate(sellLotScale)
	if sellable.Sign() <= 0 {
		return decimal.Zero, errs.New(c.opts.Name, errs.CodeExchangeRejected,
			errs.WithMessage("no sellable "+base+" balance"),
			errs.WithCanonicalCode(errs.CanonicalInsufficientBalance))
	}
	return sellable, nil
}

// SubmitOrder validates and submits an order intent, returning the tracked
// order. Resubmitting an intent whose client order id is already tracked
// returns the tracked record without a second venue call.
func (c *Client) SubmitOrder(ctx context.Context, intent schema.OrderIntent) (schema.Order, error) {
	if err := intent.Validate(); err != nil {
		c.opts.Metrics.RecordOrderRejected(ctx, intent.Market, string(errs.CodeOf(err)))
		return schema.Order{}, err
	}
	if intent.ClientOrderID == "" {
		intent.ClientOrderID = uuid.NewString()
	} else if tracked, ok := c.tracker.Lookup(intent.ClientOrderID); ok {
		return tracked, nil
	}

	amount := intent.Amount
	if intent.Kind == schema.KindMarket && intent.Side == schema.SideSell {
		resolved, err := c.ResolveSellAmount(ctx, intent.Market)
		if err != nil {
			c.opts.Metrics.RecordOrderRejected(ctx, intent.Market, string(errs.CodeOf(err)))
			return schema.Order{}, err
		}
		amount = resolved
	}

	path := c.opts.metadata.limitOrderPath
	params := map[string]any{
		"market":        intent.Market,
		"side":          string(intent.Side),
		"amount":        amount.String(),
		"clientOrderId": intent.ClientOrderID,
	}
	switch {
	case intent.Kind == schema.KindLimit:
		params["price"] = intent.Price.String()
	case intent.Side == schema.SideSell:
		path = c.opts.metadata.marketOrderPath
	default:
		// Market buys spend a quote-currency amount.
		path = c.opts.metadata.stockMarketPath
	}

	started := c.clock()
	var out wireOrder
	if err := c.doPrivate(ctx, path, params, &out); err != nil {
		c.opts.Metrics.RecordOrderRejected(ctx, intent.Market, string(errs.CodeOf(err)))
		return schema.Order{}, err
	}
	c.opts.Metrics.RecordOrderLatency(ctx, intent.Market, c.clock().Sub(started))

	update := out.toUpdate()
	if update.ClientOrderID == "" {
		update.ClientOrderID = intent.ClientOrderID
	}
	order := c.tracker.Apply(update)
	c.opts.Metrics.RecordOrderSubmitted(ctx, order.Market, string(order.Side), string(order.Kind))
	c.recordHistory(order)
	return order, nil
}

// CancelOrder cancels one order. A venue "not found" response maps to a
// typed not-found error; callers treat it as terminal success.
func (c *Client) CancelOrder(ctx context.Context, market string, orderID int64) (schema.Order, error) {
	params := map[string]any{
		"market":  market,
		"orderId": orderID,
	}
	var out wireOrder
	if err := c.doPrivate(ctx, c.opts.metadata.cancelPath, params, &out); err != nil {
		return schema.Order{}, err
	}
	update := out.toUpdate()
	if strings.TrimSpace(out.Status) == "" {
		update.Status = "CANCELLED"
	}
	order := c.tracker.Apply(update)
	c.recordHistory(order)
	return order, nil
}

// CancelAllOrders cancels every active order, or only the given market's
// when market is non-empty.
func (c *Client) CancelAllOrders(ctx context.Context, market string) error {
	params := map[string]any{}
	if strings.TrimSpace(market) != "" {
		params["market"] = market
	}
	var out []wireOrder
	return c.doPrivate(ctx, c.opts.metadata.cancelAllPath, params, &out)
}

// GetActiveOrders lists open orders, optionally scoped to a market, paged
// by limit and offset.
func (c *Client) GetActiveOrders(ctx context.Context, market string, limit, offset int) ([]schema.Order, error) {
	params := pageParams(market, limit, offset)
	var out []wireOrder
	if err := c.doPrivate(ctx, c.opts.metadata.activeOrdersPath, params, &out); err != nil {
		return nil, err
	}
	orders := make([]schema.Order, 0, len(out))
	for _, entry := range out {
		orders = append(orders, c.tracker.Apply(entry.toUpdate()))
	}
	return orders, nil
}

// GetOrderHistory lists finished orders, optionally scoped to a market,
// paged by limit and offset. The venue groups results by market.
func (c *Client) GetOrderHistory(ctx context.Context, market string, limit, offset int) ([]schema.Order, error) {
	params := pageParams(market, limit, offset)
	out := make(map[string][]wireOrder)
	if err := c.doPrivate(ctx, c.opts.metadata.orderHistoryPath, params, &out); err != nil {
		return nil, err
	}
	markets := make([]string, 0, len(out))
	for name := range out {
		markets = append(markets, name)
	}
	sort.Strings(markets)
	var orders []schema.Order
	for _, name := range markets {
		for _, entry := range out[name] {
			update := entry.toUpdate()
			if update.Market == "" {
				update.Market = name
			}
			orders = append(orders, c.tracker.Apply(update))
		}
	}
	return orders, nil
}

type wireExecution struct {
	ID            int64   `json:"id"`
	ClientOrderID string  `json:"clientOrderId"`
	Time          float64 `json:"time"`
	Side          string  `json:"side"`
	Amount        string  `json:"amount"`
	Price         string  `json:"price"`
	Fee           string  `json:"fee"`
}

// GetTradeHistory lists account executions, optionally scoped to a market,
// paged by limit and offset.
func (c *Client) GetTradeHistory(ctx context.Context, market string, limit, offset int) ([]schema.Trade, error) {
	params := pageParams(market, limit, offset)
	out := make(map[string][]wireExecution)
	if err := c.doPrivate(ctx, c.opts.metadata.tradeHistoryPath, params, &out); err != nil {
		return nil, err
	}
	markets := make([]string, 0, len(out))
	for name := range out {
		markets = append(markets, name)
	}
	sort.Strings(markets)
	var trades []schema.Trade
	for _, name := range markets {
		for _, entry := range out[name] {
			trades = append(trades, schema.Trade{
				ID:     entry.ID,
				Market: name,
				Side:   sideFromVenue(entry.Side),
				Price:  parseAmount(entry.Price),
				Amount: parseAmount(entry.Amount),
				Fee:    parseAmount(entry.Fee),
				Time:   time.Unix(int64(entry.Time), 0).UTC(),
			})
		}
	}
	return trades, nil
}

func pageParams(market string, limit, offset int) map[string]any {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	params := map[string]any{
		"limit":  limit,
		"offset": offset,
	}
	if strings.TrimSpace(market) != "" {
		params["market"] = market
	}
	return params
}

// recordHistory persists the order outcome as a fire-and-forget side effect;
// sink failures never block or roll back the trading path.
func (c *Client) recordHistory(order schema.Order) {
	rec := history.FromOrder(order, c.clock())
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.sink.Record(ctx, rec); err != nil {
			observability.Log().Error("record order history",
				observability.F("client_order_id", rec.ClientOrderID),
				observability.F("error", err.Error()))
		}
	}()
}

func (c *Client) doPublic(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.opts.restEndpoint(path)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errs.New(c.opts.Name, errs.CodeTransport,
			errs.WithMessage("build request"),
			errs.WithEndpoint(path),
			errs.WithCause(err))
	}
	return c.execute(ctx, req, path, out)
}

func (c *Client) doPrivate(ctx context.Context, path string, params map[string]any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errs.New(c.opts.Name, errs.CodeTransport,
			errs.WithMessage("rate limiter wait"),
			errs.WithEndpoint(path),
			errs.WithCause(err))
	}
	signed, err := c.signer.Sign(path, params)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.opts.restEndpoint(path), bytes.NewReader(signed.Body))
	if err != nil {
		return errs.New(c.opts.Name, errs.CodeTransport,
			errs.WithMessage("build request"),
			errs.WithEndpoint(path),
			errs.WithCause(err))
	}
	for key, value := range signed.Headers(c.opts.Credentials.PublicKey) {
		req.Header.Set(key, value)
	}
	return c.execute(ctx, req, path, out)
}

func (c *Client) execute(ctx context.Context, req *http.Request, path string, out any) error {
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		typed := errs.New(c.opts.Name, errs.CodeTransport,
			errs.WithMessage("request failed"),
			errs.WithEndpoint(path),
			errs.WithCause(err))
		c.opts.Metrics.RecordRESTError(ctx, string(errs.CodeTransport))
		return typed
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		c.opts.Metrics.RecordRESTError(ctx, string(errs.CodeTransport))
		return errs.New(c.opts.Name, errs.CodeTransport,
			errs.WithMessage("read response body"),
			errs.WithEndpoint(path),
			errs.WithCause(err))
	}
	if resp.StatusCode >= 300 {
		typed := c.classify(resp, body, path)
		c.opts.Metrics.RecordRESTError(ctx, string(errs.CodeOf(typed)))
		return typed
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		c.opts.Metrics.RecordRESTError(ctx, string(errs.CodeTransport))
		return errs.New(c.opts.Name, errs.CodeTransport,
			errs.WithMessage("decode response body"),
			errs.WithEndpoint(path),
			errs.WithCause(err))
	}
	return nil
}

// errorEnvelope is the venue error document; it is preserved verbatim on
// the typed error.
type errorEnvelope struct {
	Message string          `json:"message"`
	Code    json.RawMessage `json:"code"`
	Errors  json.RawMessage `json:"errors"`
}

func (c *Client) classify(resp *http.Response, body []byte, path string) error {
	var envelope errorEnvelope
	_ = json.Unmarshal(body, &envelope)
	rawMsg := envelope.Message
	if rawMsg == "" {
		rawMsg = strings.TrimSpace(string(body))
	}
	rawCode := strings.Trim(string(envelope.Code), `"`)

	switch {
	case resp.StatusCode >= 500:
		return errs.New(c.opts.Name, errs.CodeTransport,
			errs.WithMessage("venue unavailable"),
			errs.WithHTTP(resp.StatusCode),
			errs.WithRawMessage(rawMsg),
			errs.WithEndpoint(path))
	case resp.StatusCode == http.StatusTooManyRequests:
		opts := []errs.Option{
			errs.WithMessage("rate limited"),
			errs.WithHTTP(resp.StatusCode),
			errs.WithRawMessage(rawMsg),
			errs.WithEndpoint(path),
			errs.WithCanonicalCode(errs.CanonicalRateLimited),
		}
		if retryAfter := parseRetryAfter(resp.Header.Get("Retry-After")); retryAfter > 0 {
			opts = append(opts, errs.WithRetryAfter(retryAfter))
		}
		return errs.New(c.opts.Name, errs.CodeRateLimited, opts...)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errs.New(c.opts.Name, errs.CodeAuthConfig,
			errs.WithMessage("credentials rejected"),
			errs.WithHTTP(resp.StatusCode),
			errs.WithRawMessage(rawMsg),
			errs.WithEndpoint(path))
	default:
		lower := strings.ToLower(rawMsg)
		switch {
		case strings.Contains(lower, "not found"):
			return errs.New(c.opts.Name, errs.CodeNotFound,
				errs.WithHTTP(resp.StatusCode),
				errs.WithRawCode(rawCode),
				errs.WithRawMessage(rawMsg),
				errs.WithEndpoint(path),
				errs.WithCanonicalCode(errs.CanonicalOrderNotFound))
		case strings.Contains(lower, "balance"):
			return errs.New(c.opts.Name, errs.CodeExchangeRejected,
				errs.WithHTTP(resp.StatusCode),
				errs.WithRawCode(rawCode),
				errs.WithRawMessage(rawMsg),
				errs.WithEndpoint(path),
				errs.WithCanonicalCode(errs.CanonicalInsufficientBalance))
		default:
			return errs.New(c.opts.Name, errs.CodeExchangeRejected,
				errs.WithHTTP(resp.StatusCode),
				errs.WithRawCode(rawCode),
				errs.WithRawMessage(rawMsg),
				errs.WithEndpoint(path))
		}
	}
}

func parseRetryAfter(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}
