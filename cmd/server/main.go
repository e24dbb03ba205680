// Package main is the entry point for the strategy orchestrator server: it
// wires configuration, persistence, the bar cache, the broker adapter, the
// orchestrator control loop, and the read-only status API, then runs until
// a shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlasdesk/strategy-orchestrator/internal/api"
	"github.com/atlasdesk/strategy-orchestrator/internal/barcache"
	"github.com/atlasdesk/strategy-orchestrator/internal/broker"
	"github.com/atlasdesk/strategy-orchestrator/internal/config"
	"github.com/atlasdesk/strategy-orchestrator/internal/events"
	"github.com/atlasdesk/strategy-orchestrator/internal/orchestrator"
	"github.com/atlasdesk/strategy-orchestrator/internal/repository"
	"github.com/atlasdesk/strategy-orchestrator/internal/repository/memory"
	"github.com/atlasdesk/strategy-orchestrator/internal/repository/postgres"
	"github.com/atlasdesk/strategy-orchestrator/internal/workers"
	"github.com/atlasdesk/strategy-orchestrator/pkg/types"
)

func main() {
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, closeRepo := buildRepository(ctx, logger)
	defer closeRepo()

	cache := barcache.New(repo, logger, cfg.BarCache.TTL)
	monitor := barcache.NewMonitor(cache, barcache.MonitorConfig{
		Interval:           cfg.BarCache.LogStatsInterval,
		HitRateWarnFloor:   cfg.BarCache.HitRateWarnFloor,
		MinRequestsForWarn: 20,
		MemoryWarnBytes:    cfg.BarCache.MemoryWarnBytes,
		InactivityEvict:    cfg.BarCache.InactivityEvict,
		RetentionCutoff:    time.Duration(cfg.BarCache.RetentionDays) * 24 * time.Hour,
	}, logger)
	monitor.Start(ctx)

	bus := events.NewBus(logger, events.DefaultBusConfig())
	pool := workers.NewPool(logger, workers.DefaultPoolConfig("orchestrator"))

	transport := broker.NewTCPTransport()
	brokerAdapter := broker.New(broker.Config{
		Addr:     zapAddr(cfg.Broker.Host, cfg.Broker.Port),
		ClientID: int64(cfg.Broker.ClientID),
		DryRun:   !cfg.Broker.Live,
	}, transport, bus, logger)

	connectCtx, connectCancel := context.WithTimeout(ctx, cfg.Broker.ConnectTimeout+5*time.Second)
	if err := brokerAdapter.Connect(connectCtx); err != nil {
		logger.Warn("broker adapter failed to connect; continuing in degraded mode", zap.Error(err))
	}
	connectCancel()

	rebuildBrokerIDMap(ctx, repo, cfg.Orchestrator.UserID, brokerAdapter, logger)

	orch := orchestrator.New(orchestrator.Config{
		UserID:                  cfg.Orchestrator.UserID,
		MaxConcurrentStrategies: cfg.Orchestrator.MaxConcurrentStrategies,
		WatchInterval:           cfg.Orchestrator.WatchInterval,
		RiskLimits:              cfg.RiskLimits,
	}, repo, cache, brokerAdapter, bus, pool, logger)

	if err := orch.Start(ctx); err != nil {
		logger.Fatal("failed to start orchestrator", zap.Error(err))
	}

	server := api.NewServer(logger, cfg.Server, repo, cache, brokerAdapter, orch, pool, bus)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("status api server error", zap.Error(err))
		}
	}()

	logger.Info("strategy orchestrator started",
		zap.String("addr", zapAddr(cfg.Server.Host, cfg.Server.Port)),
		zap.Bool("brokerLive", cfg.Broker.Live))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	cancel()
	monitor.Stop()

	if err := orch.Stop(); err != nil {
		logger.Error("error stopping orchestrator", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error during status api shutdown", zap.Error(err))
	}
	bus.Close()

	logger.Info("strategy orchestrator stopped")
}

// rebuildBrokerIDMap restores the broker adapter's local-to-broker order id
// index from every open order on record for this user's ACTIVE plans, so a
// restart can recognize and cancel/track brackets it placed before it died
// instead of losing them to a fresh, empty index.
func rebuildBrokerIDMap(ctx context.Context, repo repository.Repository, userID string, brokerAdapter *broker.Adapter, logger *zap.Logger) {
	active, err := repo.ListPlansByStatus(ctx, userID, types.PlanActive)
	if err != nil {
		logger.Warn("failed to list active plans for broker id map rebuild", zap.Error(err))
		return
	}

	pairs := make(map[string]int64)
	for _, p := range active {
		orders, err := repo.ListOpenOrdersByPlan(ctx, p.ID)
		if err != nil {
			logger.Warn("failed to list open orders for broker id map rebuild", zap.String("planId", p.ID), zap.Error(err))
			continue
		}
		for _, o := range orders {
			if o.BrokerOrderID != 0 {
				pairs[o.ID] = o.BrokerOrderID
			}
		}
	}
	if len(pairs) == 0 {
		return
	}
	brokerAdapter.RebuildIDMap(pairs)
	logger.Info("rebuilt broker id map from persisted open orders", zap.Int("pairs", len(pairs)))
}

func buildRepository(ctx context.Context, logger *zap.Logger) (repository.Repository, func()) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Info("DATABASE_URL not set, using in-memory repository")
		return memory.New(), func() {}
	}
	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		logger.Fatal("failed to open postgres repository", zap.Error(err))
	}
	if err := store.Migrate(ctx); err != nil {
		logger.Fatal("failed to migrate postgres schema", zap.Error(err))
	}
	return store, func() { store.Close() }
}

func zapAddr(host string, port int) string {
	if host == "" {
		host = "0.0.0.0"
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
