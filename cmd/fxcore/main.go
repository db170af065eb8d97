// Command fxcore runs the FX trading core daemon: order manager,
// execution engine, settlement engine, and the metrics endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/novafx/fxcore/internal/accounts/bookkeeper"
	"github.com/novafx/fxcore/internal/compliance"
	"github.com/novafx/fxcore/internal/config"
	"github.com/novafx/fxcore/internal/database"
	"github.com/novafx/fxcore/internal/rates"
	"github.com/novafx/fxcore/internal/trading"
	"github.com/novafx/fxcore/internal/trading/events"
	"github.com/novafx/fxcore/internal/trading/execution"
	"github.com/novafx/fxcore/internal/trading/model"
	"github.com/novafx/fxcore/internal/trading/orders"
	"github.com/novafx/fxcore/internal/trading/positions"
	"github.com/novafx/fxcore/internal/trading/repository"
	"github.com/novafx/fxcore/internal/trading/risk"
	"github.com/novafx/fxcore/internal/trading/settlement"
	"github.com/novafx/fxcore/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("fxcore terminated", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var repo model.Repository
	if cfg.Database.Driver == "memory" {
		repo = model.NewInMemoryRepository()
	} else {
		db, err := database.Open(cfg.Database)
		if err != nil {
			return err
		}
		repo = repository.NewGormRepository(db)
	}

	// Rate feed. The table provider is the simulation source; production
	// deployments replace it behind the same interface.
	feed := rates.NewTableProvider()
	seedRates(feed)
	var rateProvider rates.Provider = feed
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rateProvider = rates.NewCachingProvider(feed, client, cfg.Redis.RateTTL, log)
	}

	bus := events.NewInMemoryBus(log)
	var sink *events.KafkaSink
	if cfg.Kafka.Enabled {
		sink = events.NewKafkaSink(bus, cfg.Kafka.Brokers, cfg.Kafka.TopicPrefix, log)
		defer sink.Close()
	}

	funds := bookkeeper.NewInMemoryService(log)
	riskEngine := risk.NewNotionalLimitEngine(
		decimal.NewFromFloat(cfg.Trading.NotionalLimit), rateProvider)
	complianceEngine := compliance.NewListEngine()

	orderManager := orders.NewManager(log, repo, funds, riskEngine, complianceEngine, rateProvider, bus)
	for _, pair := range defaultPairs() {
		orderManager.RegisterPair(pair)
		n, err := orderManager.RestoreOpenOrders(ctx, pair.Symbol)
		if err != nil {
			log.Warn("failed to restore open orders",
				zap.String("pair", pair.Symbol), zap.Error(err))
			continue
		}
		if n > 0 {
			log.Info("restored open orders", zap.String("pair", pair.Symbol), zap.Int("count", n))
		}
	}

	providers := []execution.LiquidityProvider{
		execution.NewSimulatedProvider("LP-A", rateProvider,
			decimal.NewFromFloat(0.0001), decimal.NewFromInt(5_000_000)),
		execution.NewSimulatedProvider("LP-B", rateProvider,
			decimal.NewFromFloat(0.0002), decimal.NewFromInt(20_000_000)),
	}
	executionEngine := execution.NewEngine(log, execution.Config{
		LargeOrderThreshold: decimal.NewFromFloat(cfg.Trading.LargeOrderThreshold),
		TWAPSlices:          cfg.Trading.TWAPSlices,
		TWAPInterval:        cfg.Trading.TWAPInterval,
		POVFraction:         decimal.NewFromFloat(cfg.Trading.POVFraction),
	}, providers, orderManager)

	payments := settlement.NewSimulatedPaymentSystem(log)
	settlementEngine := settlement.NewEngine(log, settlement.Config{
		MaxSettlementAmount: decimal.NewFromFloat(cfg.Trading.MaxSettlementAmount),
		NettingEnabled:      cfg.Trading.NettingEnabled,
		MaxRetries:          cfg.Trading.MaxRetries,
		CycleOverrides:      cfg.Trading.CycleOverrides,
	}, repo, funds, payments, complianceEngine, bus)

	tracker := positions.NewTracker(log, rateProvider)
	tracker.Subscribe(bus)

	service := trading.NewService(log, trading.Config{
		CommissionRate:      decimal.NewFromFloat(cfg.Trading.CommissionRate),
		CounterpartyID:      cfg.Trading.CounterpartyID,
		ExpirySweepInterval: cfg.Trading.ExpirySweepInterval,
		RetryInterval:       cfg.Trading.RetryInterval,
	}, orderManager, executionEngine, settlementEngine, repo, rateProvider)
	service.Start(ctx)
	defer service.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		health := service.SettlementHealth()
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		fmt.Fprintf(w, "%s\n", health.Status)
	})
	server := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}
	go func() {
		log.Info("metrics server listening", zap.String("addr", cfg.Server.MetricsAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()

	log.Info("fxcore started", zap.String("env", cfg.Env))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown failed", zap.Error(err))
	}
	return nil
}

func seedRates(feed *rates.TableProvider) {
	spread := decimal.NewFromFloat(0.0002)
	feed.SetRate("EUR/USD", decimal.NewFromFloat(1.0950), spread)
	feed.SetRate("GBP/USD", decimal.NewFromFloat(1.2700), spread)
	feed.SetRate("USD/JPY", decimal.NewFromFloat(149.50), decimal.NewFromFloat(0.02))
	feed.SetRate("USD/CAD", decimal.NewFromFloat(1.3600), spread)
	feed.SetRate("AUD/USD", decimal.NewFromFloat(0.6550), spread)
}

func defaultPairs() []*model.TradingPair {
	symbols := []string{"EUR/USD", "GBP/USD", "USD/JPY", "USD/CAD", "AUD/USD"}
	pairs := make([]*model.TradingPair, 0, len(symbols))
	for _, s := range symbols {
		pairs = append(pairs, &model.TradingPair{
			Symbol:      s,
			MinQuantity: decimal.NewFromInt(1000),
			MaxQuantity: decimal.NewFromInt(100_000_000),
			PriceScale:  5,
			Status:      "active",
		})
	}
	return pairs
}
