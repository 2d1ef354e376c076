package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nitra-1/PG-sub002/internal/breaker"
	"github.com/nitra-1/PG-sub002/internal/config"
	"github.com/nitra-1/PG-sub002/internal/events"
	"github.com/nitra-1/PG-sub002/internal/gateway"
	"github.com/nitra-1/PG-sub002/internal/gatewayhealth"
	"github.com/nitra-1/PG-sub002/internal/ledger"
	"github.com/nitra-1/PG-sub002/internal/ops"
	"github.com/nitra-1/PG-sub002/internal/orchestrator"
	"github.com/nitra-1/PG-sub002/internal/period"
	"github.com/nitra-1/PG-sub002/internal/recon"
	"github.com/nitra-1/PG-sub002/internal/retry"
	"github.com/nitra-1/PG-sub002/internal/router"
	"github.com/nitra-1/PG-sub002/internal/settlement"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// .env is optional; environment always wins over the config file.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage. Without a Postgres host the daemon runs fully in memory,
	// which is how the test environments exercise it.
	var (
		ledgerStore     ledger.Store
		periodStore     period.Store
		settlementStore settlement.Store
		reconStore      recon.Store
	)
	if cfg.Postgres.Host != "" {
		pool, err := pgxpool.New(ctx, cfg.GetPostgresConnectionString())
		if err != nil {
			logger.Fatal("postgres connection failed", zap.Error(err))
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("postgres ping failed", zap.Error(err))
		}
		logger.Info("connected to postgres",
			zap.String("host", cfg.Postgres.Host),
			zap.String("database", cfg.Postgres.Database))

		lpg := ledger.NewPostgresStore(pool)
		if err := lpg.Migrate(ctx); err != nil {
			logger.Fatal("ledger migration failed", zap.Error(err))
		}
		if _, err := pool.Exec(ctx, period.Schema); err != nil {
			logger.Fatal("period migration failed", zap.Error(err))
		}
		spg := settlement.NewPostgresStore(pool)
		if err := spg.Migrate(ctx); err != nil {
			logger.Fatal("settlement migration failed", zap.Error(err))
		}
		rpg := recon.NewPostgresStore(pool)
		if err := rpg.Migrate(ctx); err != nil {
			logger.Fatal("reconciliation migration failed", zap.Error(err))
		}
		ledgerStore = lpg
		periodStore = period.NewPostgresStore(pool)
		settlementStore = spg
		reconStore = rpg
	} else {
		logger.Warn("no postgres host configured, running with in-memory storage")
		ledgerStore = ledger.NewMemStore()
		periodStore = period.NewMemStore()
		settlementStore = settlement.NewMemStore()
		reconStore = recon.NewMemStore()
	}

	// Optional idempotency cache.
	var keyCache ledger.KeyCache
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, idempotency cache disabled", zap.Error(err))
		} else {
			keyCache = ledger.NewRedisKeyCache(rdb, cfg.IdempotencyTTL(), logger)
			logger.Info("idempotency cache enabled", zap.String("addr", cfg.Redis.Addr))
		}
		defer rdb.Close()
	}

	// Ledger core.
	reconEngine := recon.NewEngine(ledgerStore, reconStore, logger)
	periodCtl := period.NewController(periodStore, reconEngine, logger)
	engine := ledger.NewEngine(ledgerStore, periodCtl, keyCache, logger)

	tenant := cfg.Service.Tenant
	if err := ledger.ProvisionDefaultChart(ctx, ledgerStore, tenant); err != nil {
		logger.Fatal("chart provisioning failed", zap.Error(err))
	}
	if _, err := periodCtl.EnsurePeriods(ctx, tenant, time.Now().UTC()); err != nil {
		logger.Fatal("period provisioning failed", zap.Error(err))
	}

	choreographer := events.NewChoreographer(engine, cfg.Ledger.AdjustmentOverrideThreshold, logger)
	for t, threshold := range cfg.Ledger.TenantThresholds {
		choreographer.SetTenantAdjustmentThreshold(t, threshold)
	}

	// Event transport: AMQP when configured, otherwise in-process.
	var publisher events.Publisher
	if cfg.AMQP.Enabled {
		conn, err := amqp.Dial(cfg.AMQP.URL)
		if err != nil {
			logger.Fatal("amqp connection failed", zap.Error(err))
		}
		defer conn.Close()
		bus, err := events.NewAMQPBus(conn, cfg.AMQP.Exchange, cfg.AMQP.Queue, logger)
		if err != nil {
			logger.Fatal("amqp setup failed", zap.Error(err))
		}
		defer bus.Close()
		go func() {
			if err := bus.Consume(ctx, choreographer); err != nil && ctx.Err() == nil {
				logger.Error("event consumer stopped", zap.Error(err))
			}
		}()
		publisher = bus
		logger.Info("amqp event bus enabled", zap.String("exchange", cfg.AMQP.Exchange))
	} else {
		publisher = events.NewInProcessBus(choreographer)
	}

	// Payment plane.
	tracker := gatewayhealth.NewTracker()
	breakers := breaker.NewPool(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		VolumeThreshold:  cfg.Breaker.VolumeThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		FailureWindow:    time.Duration(cfg.Breaker.FailureWindowSecs) * time.Second,
		OpenTimeout:      time.Duration(cfg.Breaker.OpenTimeoutSecs) * time.Second,
		RequestTimeout:   time.Duration(cfg.Breaker.RequestTimeoutSecs) * time.Second,
	})
	retrier := retry.NewHandler()
	retryPolicy := retry.Policy{
		MaxAttempts:   cfg.Retry.MaxAttempts,
		InitialDelay:  time.Duration(cfg.Retry.InitialDelayMs) * time.Millisecond,
		Multiplier:    float64(cfg.Retry.Multiplier),
		MaxDelay:      time.Duration(cfg.Retry.MaxDelaySecs) * time.Second,
		JitterEnabled: cfg.Retry.JitterEnabled,
	}

	// Gateway adapters register here. The stub set stands in until real
	// provider adapters are linked.
	candidates := []router.Candidate{
		{Adapter: gateway.NewStubAdapter("alpha", 20*time.Millisecond), Fees: gateway.FeeSchedule{FixedFee: 200, PercentageFee: 0.015}},
		{Adapter: gateway.NewStubAdapter("beta", 35*time.Millisecond), Fees: gateway.FeeSchedule{FixedFee: 300, PercentageFee: 0.012}},
	}
	fees := make(map[string]gateway.FeeSchedule, len(candidates))
	for _, c := range candidates {
		fees[c.Adapter.Name()] = c.Fees
	}

	rt := router.New(router.Config{
		Strategy:                router.Strategy(cfg.Router.Strategy),
		MaxFallbackAttempts:     cfg.Router.MaxFallbackAttempts,
		PriorityList:            cfg.Router.PriorityList,
		PriorityHealthThreshold: router.DefaultConfig().PriorityHealthThreshold,
	}, tracker, breakers, candidates)

	orch := orchestrator.New(orchestrator.Config{
		Router:      rt,
		Breakers:    breakers,
		Tracker:     tracker,
		Retrier:     retrier,
		RetryPolicy: retryPolicy,
		Publisher:   publisher,
		Fees:        fees,
		PlatformFee: gateway.FeeSchedule{PercentageFee: 0.02},
		Logger:      logger,
	})

	// Settlement plane.
	settlementSvc := settlement.NewService(settlementStore, publisher, settlement.Config{
		MaxRetries:     cfg.Settlement.MaxRetries,
		BaseBackoff:    time.Duration(cfg.Settlement.BaseBackoffMinutes) * time.Minute,
		BackoffCeiling: time.Duration(cfg.Settlement.BackoffCeilingHrs) * time.Hour,
	}, logger)

	// Scheduled settlement retries.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := settlementSvc.RetryDue(ctx, tenant); err != nil {
					logger.Warn("settlement retry sweep failed", zap.Error(err))
				} else if n > 0 {
					logger.Info("settlement retries dispatched", zap.Int("count", n))
				}
			}
		}
	}()

	opsServer := ops.NewServer(cfg.Service.HealthPort, cfg.Service.Name, orch, tracker, breakers, retrier, logger)
	if err := opsServer.Start(); err != nil {
		logger.Fatal("ops server failed to start", zap.Error(err))
	}
	logger.Info("service started",
		zap.String("service", cfg.Service.Name),
		zap.String("tenant", tenant),
		zap.Int("health_port", cfg.Service.HealthPort))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutting down", zap.String("signal", sig.String()))

	cancel()
	if err := opsServer.Stop(); err != nil {
		logger.Warn("ops server shutdown error", zap.Error(err))
	}
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Logging.Format == "console" {
		return zap.NewDevelopment()
	}
	zcfg := zap.NewProductionConfig()
	if err := zcfg.Level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		return nil, err
	}
	return zcfg.Build()
}
