package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"transaction-service/pkg/api"
	"transaction-service/pkg/auth"
	"transaction-service/pkg/balance"
	"transaction-service/pkg/balance/mock"
	"transaction-service/pkg/cache"
	"transaction-service/pkg/cache/bloom"
	"transaction-service/pkg/cache/memory"
	"transaction-service/pkg/cache/redis"
	"transaction-service/pkg/chain"
	"transaction-service/pkg/config"
	"transaction-service/pkg/ledger"
	"transaction-service/pkg/limits"
	"transaction-service/pkg/lock"
	"transaction-service/pkg/logging"
	"transaction-service/pkg/messaging"
	"transaction-service/pkg/messaging/amqp"
	bus "transaction-service/pkg/messaging/memory"
	"transaction-service/pkg/metrics"
	promMetrics "transaction-service/pkg/metrics/prometheus"
	"transaction-service/pkg/query"
	"transaction-service/pkg/resilience"
	"transaction-service/pkg/saga"
	"transaction-service/pkg/scheduler"
	"transaction-service/pkg/store"
	memstore "transaction-service/pkg/store/memory"
	"transaction-service/pkg/store/postgres"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// broker is what the saga needs from a transport.
type broker interface {
	messaging.Publisher
	messaging.Subscriber
	Close() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logger.Info("starting transaction service",
		zap.String("store", cfg.Store.Driver),
		zap.Bool("redis", cfg.Redis.Enabled()),
		zap.Bool("amqp", cfg.AMQP.Enabled()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := promMetrics.NewPrometheusCollector("transaction_service")
	if err := collector.Register(registry); err != nil {
		logger.Fatal("Failed to register metrics", zap.Error(err))
	}

	health := map[string]api.HealthCheck{}

	// Persistent store
	var st store.Store
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := postgres.New(ctx, cfg.Store.Postgres)
		if err != nil {
			logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
		}
		health["postgres"] = pg.Ping
		st = pg
	default:
		logger.Warn("using in-memory store; data is lost on restart")
		st = memstore.New()
	}
	defer st.Close()

	// Transaction read cache: memory (L1) -> redis (L2) -> store
	l1 := bloom.NewBloomLayer(memory.NewMemoryCache(memory.MemoryCacheConfig{
		Name:       "L1-memory",
		MaxSize:    cfg.Cache.L1Size,
		DefaultTTL: cfg.Cache.TTL,
	}), cfg.Cache.BloomItems, cfg.Cache.BloomFP)
	layers := []cache.CacheLayer{l1}

	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.Redis.Enabled() {
		redisConfig := redis.DefaultRedisCacheConfig()
		redisConfig.Name = "L2-redis"
		redisConfig.Addr = cfg.Redis.Addr
		redisConfig.Password = cfg.Redis.Password
		redisConfig.DB = cfg.Redis.DB
		redisConfig.DefaultTTL = cfg.Cache.TTL

		redisCache, err := redis.NewRedisCache(redisConfig)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		health["redis"] = redisCache.Ping
		layers = append(layers, redisCache)

		option, err := redis.ClientOption(redisConfig)
		if err != nil {
			logger.Fatal("Invalid Redis configuration", zap.Error(err))
		}
		redisLocker, err := lock.NewRedisLocker(option, "txsvc:lock:")
		if err != nil {
			logger.Fatal("Failed to create Redis locker", zap.Error(err))
		}
		defer redisLocker.Close()
		locker = redisLocker
	} else {
		logger.Warn("REDIS_ADDR not set; locks are process-local")
	}
	layers = append(layers, store.NewTransactionLayer(st, "store"))

	txCache, err := chain.NewWithConfig(chain.Config{TTL: cfg.Cache.TTL, Metrics: collector}, layers...)
	if err != nil {
		logger.Fatal("Failed to create cache chain", zap.Error(err))
	}
	defer txCache.Close()
	logger.Info("cache chain ready", zap.Stringer("chain", txCache))

	// Account service
	var accounts balance.Service
	if cfg.Balance.URL != "" {
		rc := resilience.DefaultResilientConfig().WithTimeout(cfg.Balance.Timeout)
		resilient := balance.NewResilient(balance.NewHTTPClient(cfg.Balance.URL, cfg.Balance.Timeout), rc, collector)
		health["accounts"] = circuitCheck(resilient)
		accounts = resilient
	} else {
		logger.Warn("BALANCE_URL not set; using in-memory accounts")
		devAccounts := mock.New()
		devAccounts.AddAccount("ACC001", "cust-1", decimal.NewFromInt(100000))
		devAccounts.AddAccount("ACC002", "cust-2", decimal.NewFromInt(50000))
		accounts = devAccounts
	}

	// Saga transport
	var transport broker
	if cfg.AMQP.Enabled() {
		b, err := amqp.Dial(cfg.AMQP.Config)
		if err != nil {
			logger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
		}
		transport = b
	} else {
		logger.Warn("AMQP_URL not set; transfer steps run in-process")
		b := bus.New(0)
		b.Attach(accounts)
		transport = b
	}
	defer transport.Close()

	orchestrator, err := saga.New(saga.Config{
		Store:       st,
		Publisher:   transport,
		Balance:     accounts,
		Locker:      locker,
		Cache:       txCache,
		StaleAfter:  cfg.Saga.StaleAfter,
		OrphanAfter: cfg.Saga.OrphanAfter,
		Metrics:     collector,
	})
	if err != nil {
		logger.Fatal("Failed to create saga orchestrator", zap.Error(err))
	}

	enforcer := limits.NewEnforcer(st, st, limits.WithDefaults(cfg.Limits), limits.WithMetrics(collector))

	l, err := ledger.New(ledger.Config{
		Store:     st,
		Limits:    enforcer,
		Balance:   accounts,
		Locker:    locker,
		Transfers: orchestrator,
		Cache:     txCache,
		Charges:   cfg.Charges,
		Metrics:   collector,

		BalanceTimeout: cfg.Balance.CallTimeout,
	})
	if err != nil {
		logger.Fatal("Failed to create ledger", zap.Error(err))
	}

	runner, err := scheduler.New(scheduler.Config{
		Store:    st,
		Ledger:   l,
		Locker:   locker,
		Workers:  cfg.Scheduler.Workers,
		Interval: cfg.Scheduler.Interval,
		Metrics:  collector,
	})
	if err != nil {
		logger.Fatal("Failed to create scheduler", zap.Error(err))
	}

	report, err := orchestrator.Resume(ctx)
	if err != nil {
		logger.Error("saga recovery incomplete", zap.Error(err))
	}
	logger.Info("saga recovery finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("resumed", report.Resumed),
		zap.Int("completed", report.Completed),
		zap.Int("stale", report.Stale),
	)

	go func() {
		if err := orchestrator.Consume(ctx, transport); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("event consumer stopped", zap.Error(err))
			stop()
		}
	}()

	if cfg.Scheduler.Enabled {
		go func() {
			if err := runner.Run(ctx); err != nil {
				logger.Error("scheduler stopped", zap.Error(err))
			}
		}()
	}

	var verifier auth.Verifier
	if cfg.Auth.Disabled {
		logger.Warn("authentication disabled; every request runs as admin")
	} else {
		jwtVerifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
		if err != nil {
			logger.Fatal("Failed to create token verifier", zap.Error(err))
		}
		verifier = jwtVerifier
	}

	serverConfig := api.DefaultServerConfig()
	serverConfig.Address = cfg.HTTP.Addr
	serverConfig.ReadTimeout = cfg.HTTP.ReadTimeout
	serverConfig.WriteTimeout = cfg.HTTP.WriteTimeout
	serverConfig.Registry = registry

	server, err := api.NewServer(api.Dependencies{
		Ledger:    l,
		Limits:    enforcer,
		Sagas:     orchestrator,
		Schedules: runner,
		Queries:   query.New(st, accounts),
		Accounts:  auth.NewAccountGuard(accounts),
		Verifier:  verifier,
		Health:    health,
	}, serverConfig)
	if err != nil {
		logger.Fatal("Failed to create API server", zap.Error(err))
	}
	server.Start()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
}

// circuitCheck reports the account service unhealthy while its breaker is open.
func circuitCheck(r *balance.Resilient) api.HealthCheck {
	return func(context.Context) error {
		if r.State() == metrics.CircuitOpen {
			return errors.New("circuit open")
		}
		return nil
	}
}
