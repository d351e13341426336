package whitebit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"github.com/coachpo/whitebit-connector/errs"
	"github.com/coachpo/whitebit-connector/internal/schema"
)

// wsTestServer accepts sequential websocket connections and records every
// subscribe request per connection.
type wsTestServer struct {
	t *testing.T

	mu       sync.Mutex
	requests [][]wsRequest
	all      [][]wsRequest

	// closeAfter forces the connection with this index shut once it has
	// received that many subscribe requests. Zero disables forced closes.
	closeConn  int
	closeAfter int

	pushOnSubscribe []byte

	server *httptest.Server
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()
	ts := &wsTestServer{t: t, closeConn: -1}
	ts.server = httptest.NewServer(http.HandlerFunc(ts.handle))
	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *wsTestServer) url() string {
	return "ws" + strings.TrimPrefix(ts.server.URL, "http")
}

func (ts *wsTestServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ts.mu.Lock()
	idx := len(ts.requests)
	ts.requests = append(ts.requests, nil)
	ts.all = append(ts.all, nil)
	ts.mu.Unlock()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			ts.t.Errorf("decode client request: %v", err)
			continue
		}

		var count int
		ts.mu.Lock()
		ts.all[idx] = append(ts.all[idx], req)
		if strings.HasSuffix(req.Method, "_subscribe") {
			ts.requests[idx] = append(ts.requests[idx], req)
			count = len(ts.requests[idx])
		}
		ts.mu.Unlock()

		reply := fmt.Sprintf(`{"id":%d,"result":{"status":"success"},"error":null}`, req.ID)
		if err := conn.Write(ctx, websocket.MessageText, []byte(reply)); err != nil {
			return
		}

		if ts.pushOnSubscribe != nil && count > 0 {
			if err := conn.Write(ctx, websocket.MessageText, ts.pushOnSubscribe); err != nil {
				return
			}
		}

		if idx == ts.closeConn && count >= ts.closeAfter {
			conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
	}
}

func (ts *wsTestServer) subscribesOn(conn int) []wsRequest {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if conn >= len(ts.requests) {
		return nil
	}
	out := make([]wsRequest, len(ts.requests[conn]))
	copy(out, ts.requests[conn])
	return out
}

func (ts *wsTestServer) requestsOn(conn int) []wsRequest {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if conn >= len(ts.all) {
		return nil
	}
	out := make([]wsRequest, len(ts.all[conn]))
	copy(out, ts.all[conn])
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func testStreamOptions(url string) Options {
	return Options{
		WebsocketURL:         url,
		ReconnectMaxInterval: 200 * time.Millisecond,
	}
}

func TestStreamReplaysExactSubscriptionSetAfterReconnect(t *testing.T) {
	server := newWSTestServer(t)
	server.closeConn = 0
	server.closeAfter = 2

	manager := NewStreamManager(testStreamOptions(server.url()), nil)
	noop := func(Update) {}
	if err := manager.Subscribe(schema.ChannelTicker, "BTC_USDT", noop); err != nil {
		t.Fatalf("subscribe ticker: %v", err)
	}
	if err := manager.Subscribe(schema.ChannelDepth, "ETH_USDT", noop); err != nil {
		t.Fatalf("subscribe depth: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := manager.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer manager.Stop()

	// First connection receives both entries, then the server drops it.
	waitFor(t, 5*time.Second, func() bool {
		return len(server.subscribesOn(1)) >= 2
	})

	for conn := 0; conn < 2; conn++ {
		subs := server.subscribesOn(conn)
		if len(subs) != 2 {
			t.Fatalf("connection %d got %d subscribes, want exactly 2", conn, len(subs))
		}
		if subs[0].Method != "ticker_subscribe" || subs[1].Method != "depth_subscribe" {
			t.Fatalf("connection %d replay order: %s, %s", conn, subs[0].Method, subs[1].Method)
		}
		if subs[1].ID <= subs[0].ID {
			t.Fatalf("connection %d ids not increasing: %d, %d", conn, subs[0].ID, subs[1].ID)
		}
	}

	// Replayed requests carry fresh ids, not the originals.
	if server.subscribesOn(1)[0].ID <= server.subscribesOn(0)[1].ID {
		t.Fatal("replayed subscribe reused an old request id")
	}
}

func TestStreamDepthSubscribeParams(t *testing.T) {
	server := newWSTestServer(t)

	manager := NewStreamManager(testStreamOptions(server.url()), nil)
	if err := manager.Subscribe(schema.ChannelDepth, "BTC_USDT", func(Update) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := manager.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer manager.Stop()

	waitFor(t, 5*time.Second, func() bool {
		return len(server.subscribesOn(0)) >= 1
	})

	params := server.subscribesOn(0)[0].Params
	if len(params) != 4 {
		t.Fatalf("depth subscribe params = %v, want [market, limit, interval, multiple]", params)
	}
	if params[0] != "BTC_USDT" || params[2] != "0" || params[3] != true {
		t.Fatalf("depth subscribe params = %v", params)
	}
}

func TestStreamRoutesTickerPushToHandler(t *testing.T) {
	server := newWSTestServer(t)
	server.pushOnSubscribe = []byte(`{"method":"ticker_update","params":["BTC_USDT",{"last":"50000.5","volume":"12.5","change":"1.1"}]}`)

	received := make(chan Update, 1)
	manager := NewStreamManager(testStreamOptions(server.url()), nil)
	err := manager.Subscribe(schema.ChannelTicker, "BTC_USDT", func(u Update) {
		select {
		case received <- u:
		default:
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := manager.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer manager.Stop()

	select {
	case update := <-received:
		if update.Channel != schema.ChannelTicker || update.Market != "BTC_USDT" {
			t.Fatalf("routed to %s/%s", update.Channel, update.Market)
		}
		if update.Ticker == nil || update.Ticker.Last.String() != "50000.5" {
			t.Fatalf("ticker payload = %+v", update.Ticker)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler never received the push")
	}
}

func TestStreamTradesChannelUsesDealsWireName(t *testing.T) {
	server := newWSTestServer(t)
	server.pushOnSubscribe = []byte(`{"method":"deals_update","params":["ETH_USDT",[{"id":7,"time":1700000000.1,"price":"3000","amount":"0.4","type":"sell"}]]}`)

	received := make(chan Update, 1)
	manager := NewStreamManager(testStreamOptions(server.url()), nil)
	err := manager.Subscribe(schema.ChannelTrades, "ETH_USDT", func(u Update) {
		select {
		case received <- u:
		default:
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := manager.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer manager.Stop()

	waitFor(t, 5*time.Second, func() bool {
		return len(server.subscribesOn(0)) >= 1
	})
	if method := server.subscribesOn(0)[0].Method; method != "deals_subscribe" {
		t.Fatalf("trades channel subscribed via %q, want deals_subscribe", method)
	}

	select {
	case update := <-received:
		if update.Trades == nil || len(update.Trades.Trades) != 1 {
			t.Fatalf("trades payload = %+v", update.Trades)
		}
		trade := update.Trades.Trades[0]
		if trade.ID != 7 || trade.Side != schema.SideSell || trade.Price.String() != "3000" {
			t.Fatalf("trade = %+v", trade)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler never received the push")
	}
}

func TestStreamUnsubscribeRemovesRegistryEntry(t *testing.T) {
	server := newWSTestServer(t)

	manager := NewStreamManager(testStreamOptions(server.url()), nil)
	noop := func(Update) {}
	_ = manager.Subscribe(schema.ChannelTicker, "BTC_USDT", noop)
	_ = manager.Subscribe(schema.ChannelTicker, "ETH_USDT", noop)

	if err := manager.Unsubscribe(schema.ChannelTicker, "BTC_USDT"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	keys := manager.Subscriptions()
	if len(keys) != 1 || keys[0].Market != "ETH_USDT" {
		t.Fatalf("registry = %v, want only ETH_USDT ticker", keys)
	}
}

func TestStreamUnsubscribeResubscribesSurvivingMarkets(t *testing.T) {
	server := newWSTestServer(t)

	manager := NewStreamManager(testStreamOptions(server.url()), nil)
	noop := func(Update) {}
	_ = manager.Subscribe(schema.ChannelTicker, "BTC_USDT", noop)
	_ = manager.Subscribe(schema.ChannelTicker, "ETH_USDT", noop)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := manager.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer manager.Stop()

	waitFor(t, 5*time.Second, func() bool {
		return len(server.subscribesOn(0)) >= 2
	})

	if err := manager.Unsubscribe(schema.ChannelTicker, "BTC_USDT"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	// The venue stops the whole channel on unsubscribe, so the surviving
	// market must be subscribed again right after.
	waitFor(t, 5*time.Second, func() bool {
		return len(server.requestsOn(0)) >= 4
	})
	requests := server.requestsOn(0)
	unsub := requests[2]
	resub := requests[3]
	if unsub.Method != "ticker_unsubscribe" {
		t.Fatalf("third request method = %s, want ticker_unsubscribe", unsub.Method)
	}
	if resub.Method != "ticker_subscribe" {
		t.Fatalf("fourth request method = %s, want ticker_subscribe", resub.Method)
	}
	if len(resub.Params) == 0 || resub.Params[0] != "ETH_USDT" {
		t.Fatalf("resubscribe params = %v, want ETH_USDT first", resub.Params)
	}
	if resub.ID <= unsub.ID {
		t.Fatalf("resubscribe id %d not fresh after %d", resub.ID, unsub.ID)
	}
}

func TestStreamDisconnectErrorsAreTyped(t *testing.T) {
	server := newWSTestServer(t)
	server.closeConn = 0
	server.closeAfter = 1

	streamErrs := make(chan error, 4)
	manager := NewStreamManager(testStreamOptions(server.url()), streamErrs)
	if err := manager.Subscribe(schema.ChannelTicker, "BTC_USDT", func(Update) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := manager.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer manager.Stop()

	select {
	case err := <-streamErrs:
		var typed *errs.E
		if !errors.As(err, &typed) {
			t.Fatalf("stream error %v is not typed", err)
		}
		if typed.Code != errs.CodeStreamDisconnected {
			t.Fatalf("code = %s, want %s", typed.Code, errs.CodeStreamDisconnected)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no error reported after forced close")
	}
}

func TestStreamRepeatSubscribeReplacesHandlerInPlace(t *testing.T) {
	manager := NewStreamManager(testStreamOptions("ws://unused"), nil)

	_ = manager.Subscribe(schema.ChannelTicker, "BTC_USDT", func(Update) {})
	_ = manager.Subscribe(schema.ChannelDepth, "BTC_USDT", func(Update) {})
	_ = manager.Subscribe(schema.ChannelTicker, "BTC_USDT", func(Update) {})

	keys := manager.Subscriptions()
	if len(keys) != 2 {
		t.Fatalf("registry has %d entries, want 2", len(keys))
	}
	if keys[0].Channel != schema.ChannelTicker {
		t.Fatalf("registration order changed: %v", keys)
	}
}

func TestStreamRejectsInvalidRegistrations(t *testing.T) {
	manager := NewStreamManager(testStreamOptions("ws://unused"), nil)

	if err := manager.Subscribe("candles", "BTC_USDT", func(Update) {}); err == nil {
		t.Fatal("expected error for unsupported channel")
	}
	if err := manager.Subscribe(schema.ChannelTicker, "btc-usdt", func(Update) {}); err == nil {
		t.Fatal("expected error for invalid market")
	}
	if err := manager.Subscribe(schema.ChannelTicker, "BTC_USDT", nil); err == nil {
		t.Fatal("expected error for nil handler")
	}
}
