package whitebit

import (
	"strings"
	"time"

	"github.com/coachpo/whitebit-connector/config"
	"github.com/coachpo/whitebit-connector/internal/telemetry"
)

type metadata struct {
	apiBaseURL       string
	websocketBaseURL string
	identifier       string
	pingPath         string
	marketsPath      string
	tickerPath       string
	orderbookPath    string
	tradesPath       string
	balancePath      string
	limitOrderPath   string
	marketOrderPath  string
	stockMarketPath  string
	cancelPath       string
	cancelAllPath    string
	activeOrdersPath string
	orderHistoryPath string
	tradeHistoryPath string
}

var whitebitMetadata = metadata{
	apiBaseURL:       "https://whitebit.com",
	websocketBaseURL: "wss://api.whitebit.com/ws",
	identifier:       "whitebit",
	pingPath:         "/api/v4/public/ping",
	marketsPath:      "/api/v4/public/markets",
	tickerPath:       "/api/v4/public/ticker",
	orderbookPath:    "/api/v4/public/orderbook",
	tradesPath:       "/api/v4/public/trades",
	balancePath:      "/api/v4/trade-account/balance",
	limitOrderPath:   "/api/v4/order/new",
	marketOrderPath:  "/api/v4/order/market",
	stockMarketPath:  "/api/v4/order/stock_market",
	cancelPath:       "/api/v4/order/cancel",
	cancelAllPath:    "/api/v4/order/cancel/all",
	activeOrdersPath: "/api/v4/orders",
	orderHistoryPath: "/api/v4/order/history",
	tradeHistoryPath: "/api/v4/trade-account/executed-history",
}

const (
	defaultHTTPTimeout      = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultReconnectCap     = 30 * time.Second
	defaultRequestRate      = 8
	defaultDispatchQueue    = 1024
	defaultDepthLimit       = 100
	defaultPageLimit        = 50
)

// Options configure the WhiteBit connector.
type Options struct {
	Name        string
	Credentials config.Credentials

	// BaseURL and WebsocketURL override the production endpoints, mainly
	// for tests.
	BaseURL      string
	WebsocketURL string

	HTTPTimeout          time.Duration
	HandshakeTimeout     time.Duration
	ReconnectMaxInterval time.Duration

	RequestRate       float64
	DispatchQueueSize int
	DepthLimit        int

	Metrics *telemetry.ConnectorMetrics

	metadata metadata
}

func withDefaults(in Options) Options {
	in.metadata = whitebitMetadata
	if url := strings.TrimSpace(in.BaseURL); url != "" {
		in.metadata.apiBaseURL = strings.TrimSuffix(url, "/")
	}
	if url := strings.TrimSpace(in.WebsocketURL); url != "" {
		in.metadata.websocketBaseURL = url
	}
	if strings.TrimSpace(in.Name) == "" {
		in.Name = in.metadata.identifier
	}
	if in.HTTPTimeout <= 0 {
		in.HTTPTimeout = defaultHTTPTimeout
	}
	if in.HandshakeTimeout <= 0 {
		in.HandshakeTimeout = defaultHandshakeTimeout
	}
	if in.ReconnectMaxInterval <= 0 {
		in.ReconnectMaxInterval = defaultReconnectCap
	}
	if in.RequestRate <= 0 {
		in.RequestRate = defaultRequestRate
	}
	if in.DispatchQueueSize <= 0 {
		in.DispatchQueueSize = defaultDispatchQueue
	}
	if in.DepthLimit <= 0 {
		in.DepthLimit = defaultDepthLimit
	}
	return in
}

func (o Options) restEndpoint(path string) string {
	base := strings.TrimSuffix(strings.TrimSpace(o.metadata.apiBaseURL), "/")
	if base == "" {
		return ""
	}
	if strings.TrimSpace(path) == "" {
		return base
	}
	if strings.HasPrefix(path, "/") {
		return base + path
	}
	return base + "/" + path
}

func (o Options) websocketURL() string {
	return o.metadata.websocketBaseURL
}
