// Command connector runs the WhiteBit exchange connector: REST trading
// client, streaming market data, and the optional trade history store.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/whitebit-connector/config"
	dbmigrations "github.com/coachpo/whitebit-connector/db/migrations"
	"github.com/coachpo/whitebit-connector/internal/history"
	"github.com/coachpo/whitebit-connector/internal/history/migrations"
	pgstore "github.com/coachpo/whitebit-connector/internal/history/postgres"
	"github.com/coachpo/whitebit-connector/internal/observability"
	"github.com/coachpo/whitebit-connector/internal/schema"
	"github.com/coachpo/whitebit-connector/internal/telemetry"
	"github.com/coachpo/whitebit-connector/internal/whitebit"
)

const (
	defaultConfigPath     = "config/connector.yaml"
	defaultMigrationsPath = "db/migrations"
	shutdownTimeout       = 10 * time.Second
)

func main() {
	var (
		configPath    = flag.String("config", defaultConfigPath, "Path to connector configuration file")
		markets       = flag.String("markets", "BTC_USDT", "Comma-separated markets to stream")
		migrationsDir = flag.String("migrations", defaultMigrationsPath, "Directory containing SQL migrations")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "connector ", log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(logger))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	settings, fromFile, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !fromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s", settings.Environment)

	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.Environment = string(settings.Environment)
	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		logger.Fatalf("initialise telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Printf("telemetry shutdown: %v", err)
		}
	}()
	metrics := telemetry.NewConnectorMetrics()

	var sink history.Sink = history.NoopSink{}
	if settings.HistoryDSN != "" {
		if err := applyMigrations(ctx, settings.HistoryDSN, *migrationsDir, logger); err != nil {
			logger.Fatalf("apply trade history migrations: %v", err)
		}
		pool, err := pgstore.Connect(ctx, settings.HistoryDSN)
		if err != nil {
			logger.Fatalf("connect trade history store: %v", err)
		}
		defer pool.Close()
		sink = pgstore.NewStore(pool)
		logger.Printf("trade history store connected")
	}

	opts := whitebit.Options{
		Credentials:          settings.Credentials,
		BaseURL:              settings.BaseURL,
		WebsocketURL:         settings.WebsocketURL,
		HTTPTimeout:          settings.HTTPTimeout,
		HandshakeTimeout:     settings.HandshakeTimeout,
		ReconnectMaxInterval: settings.ReconnectMaxInterval,
		RequestRate:          settings.RequestRate,
		DispatchQueueSize:    settings.DispatchQueueSize,
		Metrics:              metrics,
	}

	client := whitebit.NewClient(opts, sink)
	if err := client.Ping(ctx); err != nil {
		logger.Fatalf("venue unreachable: %v", err)
	}
	logger.Printf("venue reachable")

	if settings.Credentials.Configured() {
		balances, err := client.GetBalances(ctx, true)
		if err != nil {
			logger.Printf("balance check failed: %v", err)
		} else {
			logger.Printf("account funded assets: %d", len(balances))
		}
	} else {
		logger.Printf("no credentials configured, private endpoints disabled")
	}

	streamErrs := make(chan error, 16)
	stream := whitebit.NewStreamManager(opts, streamErrs)

	for _, market := range splitMarkets(*markets) {
		if err := registerMarket(stream, market); err != nil {
			logger.Fatalf("subscribe %s: %v", market, err)
		}
	}

	if err := stream.Start(ctx); err != nil {
		logger.Fatalf("start stream: %v", err)
	}
	defer stream.Stop()
	logger.Printf("streaming started: state=%s", stream.State())

	var wg conc.WaitGroup
	wg.Go(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-streamErrs:
				observability.Log().Error("stream error",
					observability.F("error", err.Error()))
			}
		}
	})

	<-ctx.Done()
	logger.Printf("shutdown signal received")
	wg.Wait()
}

// applyMigrations prefers an on-disk migrations directory and falls back to
// the SQL embedded in the binary.
func applyMigrations(ctx context.Context, dsn, dir string, logger *log.Logger) error {
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return migrations.Apply(ctx, dsn, dir, logger)
	}
	logger.Printf("migrations directory %s not found, using embedded set", dir)
	return migrations.ApplyFS(ctx, dsn, dbmigrations.Files, logger)
}

func splitMarkets(raw string) []string {
	parts := strings.Split(raw, ",")
	markets := make([]string, 0, len(parts))
	for _, part := range parts {
		if market := strings.TrimSpace(part); market != "" {
			markets = append(markets, market)
		}
	}
	return markets
}

func registerMarket(stream *whitebit.StreamManager, market string) error {
	if err := stream.Subscribe(schema.ChannelTicker, market, logTicker); err != nil {
		return err
	}
	if err := stream.Subscribe(schema.ChannelDepth, market, logDepth); err != nil {
		return err
	}
	return stream.Subscribe(schema.ChannelTrades, market, logTrades)
}

func logTicker(update whitebit.Update) {
	if update.Ticker == nil {
		return
	}
	observability.Log().Info("ticker",
		observability.F("market", update.Market),
		observability.F("last", update.Ticker.Last.String()),
		observability.F("change", update.Ticker.Change.String()))
}

func logDepth(update whitebit.Update) {
	if update.Depth == nil {
		return
	}
	observability.Log().Debug("depth",
		observability.F("market", update.Market),
		observability.F("bids", len(update.Depth.Bids)),
		observability.F("asks", len(update.Depth.Asks)),
		observability.F("full_reload", update.Depth.FullReload))
}

func logTrades(update whitebit.Update) {
	if update.Trades == nil {
		return
	}
	observability.Log().Info("trades",
		observability.F("market", update.Market),
		observability.F("count", len(update.Trades.Trades)))
}
