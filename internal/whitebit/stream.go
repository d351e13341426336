package whitebit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"github.com/coachpo/whitebit-connector/errs"
	"github.com/coachpo/whitebit-connector/internal/observability"
	"github.com/coachpo/whitebit-connector/internal/schema"
)

const (
	streamPingInterval       = 30 * time.Second
	streamPingTimeout        = 5 * time.Second
	streamWriteTimeout       = 5 * time.Second
	streamReadLimit          = 2 * 1024 * 1024
	streamConnectTimeout     = 10 * time.Second
	streamDepthPriceInterval = "0"
)

// ConnectionState tracks the streaming socket lifecycle.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// SubscriptionKey identifies one registry entry.
type SubscriptionKey struct {
	Channel schema.Channel
	Market  string
}

// Update is one routed push message. Exactly one payload pointer is set,
// matching the channel.
type Update struct {
	Channel schema.Channel
	Market  string
	Ticker  *schema.TickerUpdate
	Depth   *schema.DepthUpdate
	Trades  *schema.TradesUpdate
}

// Handler consumes routed updates. Handlers run on the dispatch worker,
// never on the socket read loop, so a slow handler cannot stall reads.
type Handler func(Update)

type subscription struct {
	key       SubscriptionKey
	handler   Handler
	requestID uint64
}

type wsRequest struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type wsMessage struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *wsError        `json:"error"`
}

type wsError struct {
	Code int    `json:"code"`
	Msg  string `json:"message"`
}

// StreamManager owns one persistent socket, the (channel, market) to
// callback registry, and the reconnect loop. The registry survives
// disconnects; every reconnect replays it in registration order.
type StreamManager struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc

	conn   *websocket.Conn
	connMu sync.RWMutex

	reqID atomic.Uint64

	subs   map[SubscriptionKey]*subscription
	order  []SubscriptionKey
	subsMu sync.Mutex

	state   ConnectionState
	stateMu sync.Mutex

	dispatch chan Update

	errorChan chan<- error

	ready     chan struct{}
	readyOnce sync.Once
}

// NewStreamManager constructs a stream manager. errorChan receives
// asynchronous connection errors; a nil channel discards them.
func NewStreamManager(opts Options, errorChan chan<- error) *StreamManager {
	opts = withDefaults(opts)
	return &StreamManager{
		opts:      opts,
		subs:      make(map[SubscriptionKey]*subscription),
		state:     StateDisconnected,
		dispatch:  make(chan Update, opts.DispatchQueueSize),
		errorChan: errorChan,
		ready:     make(chan struct{}),
	}
}

// State returns the current connection state.
func (sm *StreamManager) State() ConnectionState {
	sm.stateMu.Lock()
	defer sm.stateMu.Unlock()
	return sm.state
}

func (sm *StreamManager) setState(state ConnectionState) {
	sm.stateMu.Lock()
	sm.state = state
	sm.stateMu.Unlock()
}

// Start dials the socket in the background and blocks until the first
// connection succeeds or the timeout expires. The manager keeps
// reconnecting until Stop or parent context cancellation.
func (sm *StreamManager) Start(ctx context.Context) error {
	sm.ctx, sm.cancel = context.WithCancel(ctx)

	go sm.dispatchLoop()
	go func() {
		if err := sm.connectLoop(); err != nil && !errors.Is(err, context.Canceled) {
			sm.reportError(fmt.Errorf("stream connection failed: %w", err))
		}
	}()

	select {
	case <-sm.ready:
		return nil
	case <-time.After(streamConnectTimeout):
		return errors.New("timeout waiting for websocket connection")
	case <-sm.ctx.Done():
		return fmt.Errorf("stream context done: %w", sm.ctx.Err())
	}
}

// Stop closes the socket and halts the reconnect loop. Registered
// subscriptions remain in the registry.
func (sm *StreamManager) Stop() {
	if sm.cancel != nil {
		sm.cancel()
	}
	sm.connMu.Lock()
	if sm.conn != nil {
		_ = sm.conn.Close(websocket.StatusNormalClosure, "shutdown")
		sm.conn = nil
	}
	sm.connMu.Unlock()
	sm.setState(StateDisconnected)
}

// Subscribe registers a handler for one (channel, market) key. A repeat
// registration replaces the handler in place. When connected, the
// subscribe message goes out immediately; otherwise the entry waits for
// the next successful connect.
func (sm *StreamManager) Subscribe(channel schema.Channel, market string, handler Handler) error {
	if !channel.Valid() {
		return fmt.Errorf("unsupported channel %q", channel)
	}
	if !schema.ValidMarket(market) {
		return fmt.Errorf("invalid market %q", market)
	}
	if handler == nil {
		return errors.New("nil handler")
	}

	key := SubscriptionKey{Channel: channel, Market: market}

	sm.subsMu.Lock()
	existing, replaced := sm.subs[key]
	if replaced {
		existing.handler = handler
	} else {
		sm.subs[key] = &subscription{key: key, handler: handler}
		sm.order = append(sm.order, key)
	}
	sm.subsMu.Unlock()

	if replaced || sm.State() != StateConnected {
		return nil
	}
	return sm.sendSubscribe(sm.ctx, key)
}

// Unsubscribe removes the registry entry and, when connected, tells the
// venue to stop the feed. The venue's unsubscribe is channel-wide, so any
// surviving keys on the same channel are subscribed again to keep their
// feeds flowing.
func (sm *StreamManager) Unsubscribe(channel schema.Channel, market string) error {
	key := SubscriptionKey{Channel: channel, Market: market}

	sm.subsMu.Lock()
	_, exists := sm.subs[key]
	if exists {
		delete(sm.subs, key)
		for i, k := range sm.order {
			if k == key {
				sm.order = append(sm.order[:i], sm.order[i+1:]...)
				break
			}
		}
	}
	sm.subsMu.Unlock()

	if !exists || sm.State() != StateConnected {
		return nil
	}
	req := wsRequest{
		ID:     sm.reqID.Add(1),
		Method: wireChannel(channel) + "_unsubscribe",
		Params: []any{},
	}
	if err := sm.writeRequest(sm.ctx, req); err != nil {
		return err
	}
	for _, survivor := range sm.Subscriptions() {
		if survivor.Channel != channel {
			continue
		}
		if err := sm.sendSubscribe(sm.ctx, survivor); err != nil {
			return err
		}
	}
	return nil
}

// Subscriptions returns the registered keys in registration order.
func (sm *StreamManager) Subscriptions() []SubscriptionKey {
	sm.subsMu.Lock()
	defer sm.subsMu.Unlock()
	keys := make([]SubscriptionKey, len(sm.order))
	copy(keys, sm.order)
	return keys
}

// connectLoop keeps one socket session alive until the context terminates.
// Each session replays the registry and runs paired read and ping loops
// that cancel one another.
func (sm *StreamManager) connectLoop() error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = sm.opts.ReconnectMaxInterval

	for {
		select {
		case <-sm.ctx.Done():
			return context.Canceled
		default:
		}

		sm.setState(StateConnecting)
		dialCtx, dialCancel := context.WithTimeout(sm.ctx, sm.opts.HandshakeTimeout)
		conn, _, err := websocket.Dial(dialCtx, sm.opts.websocketURL(), nil)
		dialCancel()
		if err != nil {
			sm.opts.Metrics.RecordReconnect(sm.ctx, "error")
			sm.reportError(sm.disconnectError(fmt.Sprintf("dial %s", sm.opts.websocketURL()), err))
			sm.setState(StateReconnecting)
			if !sm.sleepBackoff(backoffCfg) {
				return context.Canceled
			}
			continue
		}

		sm.opts.Metrics.RecordReconnect(sm.ctx, "success")
		conn.SetReadLimit(streamReadLimit)

		sm.connMu.Lock()
		sm.conn = conn
		sm.connMu.Unlock()
		sm.setState(StateConnected)

		sm.readyOnce.Do(func() { close(sm.ready) })
		backoffCfg.Reset()

		if err := sm.subscribeAll(); err != nil {
			sm.reportError(fmt.Errorf("resubscribe after reconnect: %w", err))
		}

		connCtx, connCancel := context.WithCancel(sm.ctx)
		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)

		go func() {
			defer wg.Done()
			errCh <- sm.readLoop(connCtx, conn)
		}()
		go func() {
			defer wg.Done()
			errCh <- sm.pingLoop(connCtx, conn)
		}()

		firstErr := <-errCh
		connCancel()

		sm.connMu.Lock()
		if sm.conn == conn {
			sm.conn = nil
		}
		sm.connMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		wg.Wait()
		close(errCh)

		if firstErr != nil && !errors.Is(firstErr, context.Canceled) && !errors.Is(firstErr, context.DeadlineExceeded) {
			sm.reportError(sm.disconnectError("connection loop", firstErr))
		}

		select {
		case <-sm.ctx.Done():
			return context.Canceled
		default:
		}

		sm.setState(StateReconnecting)
		if !sm.sleepBackoff(backoffCfg) {
			return context.Canceled
		}
	}
}

func (sm *StreamManager) sleepBackoff(cfg *backoff.ExponentialBackOff) bool {
	sleep := cfg.NextBackOff()
	if sleep == backoff.Stop {
		sleep = sm.opts.ReconnectMaxInterval
	}
	select {
	case <-sm.ctx.Done():
		return false
	case <-time.After(sleep):
		return true
	}
}

// subscribeAll replays the registry in registration order, one request per
// entry, each with a fresh id.
func (sm *StreamManager) subscribeAll() error {
	for _, key := range sm.Subscriptions() {
		if err := sm.sendSubscribe(sm.ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (sm *StreamManager) sendSubscribe(ctx context.Context, key SubscriptionKey) error {
	id := sm.reqID.Add(1)

	sm.subsMu.Lock()
	if sub, ok := sm.subs[key]; ok {
		sub.requestID = id
	}
	sm.subsMu.Unlock()

	req := wsRequest{
		ID:     id,
		Method: wireChannel(key.Channel) + "_subscribe",
		Params: subscribeParams(key, sm.opts.DepthLimit),
	}
	return sm.writeRequest(ctx, req)
}

func (sm *StreamManager) writeRequest(ctx context.Context, req wsRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", req.Method, err)
	}

	sm.connMu.RLock()
	conn := sm.conn
	sm.connMu.RUnlock()
	if conn == nil {
		return nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s request: %w", req.Method, err)
	}
	return nil
}

// wireChannel maps the channel topic to the venue method prefix. Executed
// trades travel on the venue's "deals" feed.
func wireChannel(channel schema.Channel) string {
	if channel == schema.ChannelTrades {
		return "deals"
	}
	return string(channel)
}

func channelFromMethod(method string) (schema.Channel, bool) {
	prefix, ok := strings.CutSuffix(method, "_update")
	if !ok {
		return "", false
	}
	switch prefix {
	case "ticker":
		return schema.ChannelTicker, true
	case "depth":
		return schema.ChannelDepth, true
	case "deals":
		return schema.ChannelTrades, true
	default:
		return "", false
	}
}

func subscribeParams(key SubscriptionKey, depthLimit int) []any {
	switch key.Channel {
	case schema.ChannelDepth:
		return []any{key.Market, depthLimit, streamDepthPriceInterval, true}
	default:
		return []any{key.Market}
	}
}

func (sm *StreamManager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("read loop context done: %w", ctx.Err())
		default:
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return context.Canceled
			}
			return fmt.Errorf("read message: %w", err)
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			observability.Log().Error("decode stream message",
				observability.F("error", err.Error()))
			continue
		}

		if msg.Method == "" {
			// Control reply to one of our requests.
			if msg.Error != nil {
				sm.reportError(fmt.Errorf("stream request %d rejected: code=%d %s",
					msg.ID, msg.Error.Code, msg.Error.Msg))
			}
			continue
		}

		sm.route(ctx, msg)
	}
}

// route parses one push message and enqueues it for dispatch. A full queue
// drops the update instead of blocking the read loop.
func (sm *StreamManager) route(ctx context.Context, msg wsMessage) {
	channel, ok := channelFromMethod(msg.Method)
	if !ok {
		observability.Log().Debug("unroutable stream method",
			observability.F("method", msg.Method))
		return
	}

	update, err := parseUpdate(channel, msg.Params)
	if err != nil {
		observability.Log().Error("parse stream update",
			observability.F("method", msg.Method),
			observability.F("error", err.Error()))
		return
	}

	select {
	case sm.dispatch <- update:
	default:
		sm.opts.Metrics.RecordDispatchDrop(ctx, string(channel))
		observability.Log().Error("dispatch queue full, dropping update",
			observability.F("channel", string(channel)),
			observability.F("market", update.Market))
	}
}

// dispatchLoop delivers queued updates to registered handlers. Updates for
// an unregistered key are dropped with a log line, not an error.
func (sm *StreamManager) dispatchLoop() {
	for {
		select {
		case <-sm.ctx.Done():
			return
		case update := <-sm.dispatch:
			key := SubscriptionKey{Channel: update.Channel, Market: update.Market}
			sm.subsMu.Lock()
			sub, ok := sm.subs[key]
			var handler Handler
			if ok {
				handler = sub.handler
			}
			sm.subsMu.Unlock()
			if handler == nil {
				observability.Log().Debug("update for unregistered subscription",
					observability.F("channel", string(update.Channel)),
					observability.F("market", update.Market))
				continue
			}
			handler(update)
		}
	}
}

func (sm *StreamManager) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("ping loop context done: %w", ctx.Err())
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, streamPingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return context.Canceled
				}
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// disconnectError types a socket failure so consumers of the error channel
// can tell connection drops apart from other failures.
func (sm *StreamManager) disconnectError(scope string, cause error) error {
	return errs.New(sm.opts.Name, errs.CodeStreamDisconnected,
		errs.WithMessage(scope),
		errs.WithCause(cause))
}

func (sm *StreamManager) reportError(err error) {
	if sm.errorChan == nil || err == nil {
		return
	}
	select {
	case sm.errorChan <- err:
	default:
		observability.Log().Error("error channel full",
			observability.F("error", err.Error()))
	}
}

type wireTickerPush struct {
	Last   string `json:"last"`
	Volume string `json:"volume"`
	Deal   string `json:"deal"`
	Change string `json:"change"`
}

type wireDepthPush struct {
	Asks [][2]string `json:"asks"`
	Bids [][2]string `json:"bids"`
}

type wireDealPush struct {
	ID     int64   `json:"id"`
	Time   float64 `json:"time"`
	Price  string  `json:"price"`
	Amount string  `json:"amount"`
	Type   string  `json:"type"`
}

func parseUpdate(channel schema.Channel, params json.RawMessage) (Update, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(params, &raw); err != nil {
		return Update{}, fmt.Errorf("decode params: %w", err)
	}

	switch channel {
	case schema.ChannelTicker:
		if len(raw) < 2 {
			return Update{}, fmt.Errorf("ticker update needs 2 params, got %d", len(raw))
		}
		var market string
		var data wireTickerPush
		if err := json.Unmarshal(raw[0], &market); err != nil {
			return Update{}, fmt.Errorf("decode ticker market: %w", err)
		}
		if err := json.Unmarshal(raw[1], &data); err != nil {
			return Update{}, fmt.Errorf("decode ticker data: %w", err)
		}
		return Update{
			Channel: channel,
			Market:  market,
			Ticker: &schema.TickerUpdate{
				Market:    market,
				Last:      parseAmount(data.Last),
				Volume:    parseAmount(data.Volume),
				Change:    parseAmount(data.Change),
				Timestamp: time.Now().UTC(),
			},
		}, nil

	case schema.ChannelDepth:
		if len(raw) < 3 {
			return Update{}, fmt.Errorf("depth update needs 3 params, got %d", len(raw))
		}
		var fullReload bool
		var market string
		var data wireDepthPush
		if err := json.Unmarshal(raw[0], &fullReload); err != nil {
			return Update{}, fmt.Errorf("decode depth reload flag: %w", err)
		}
		if err := json.Unmarshal(raw[1], &market); err != nil {
			return Update{}, fmt.Errorf("decode depth market: %w", err)
		}
		if err := json.Unmarshal(raw[2], &data); err != nil {
			return Update{}, fmt.Errorf("decode depth data: %w", err)
		}
		return Update{
			Channel: channel,
			Market:  market,
			Depth: &schema.DepthUpdate{
				Market:     market,
				FullReload: fullReload,
				Bids:       parseLevels(data.Bids),
				Asks:       parseLevels(data.Asks),
				Timestamp:  time.Now().UTC(),
			},
		}, nil

	case schema.ChannelTrades:
		if len(raw) < 2 {
			return Update{}, fmt.Errorf("deals update needs 2 params, got %d", len(raw))
		}
		var market string
		var deals []wireDealPush
		if err := json.Unmarshal(raw[0], &market); err != nil {
			return Update{}, fmt.Errorf("decode deals market: %w", err)
		}
		if err := json.Unmarshal(raw[1], &deals); err != nil {
			return Update{}, fmt.Errorf("decode deals data: %w", err)
		}
		trades := make([]schema.Trade, 0, len(deals))
		for _, deal := range deals {
			trades = append(trades, schema.Trade{
				ID:     deal.ID,
				Market: market,
				Side:   sideFromVenue(deal.Type),
				Price:  parseAmount(deal.Price),
				Amount: parseAmount(deal.Amount),
				Time:   time.Unix(int64(deal.Time), 0).UTC(),
			})
		}
		return Update{
			Channel: channel,
			Market:  market,
			Trades:  &schema.TradesUpdate{Market: market, Trades: trades},
		}, nil

	default:
		return Update{}, fmt.Errorf("unsupported channel %q", channel)
	}
}
