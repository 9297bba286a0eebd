// Package main is the entry point for the recovery plan service.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/memoright/memoright-ops/internal/capability"
	"github.com/memoright/memoright-ops/internal/config"
	"github.com/memoright/memoright-ops/internal/definition"
	"github.com/memoright/memoright-ops/internal/idempotency"
	"github.com/memoright/memoright-ops/internal/notify"
	"github.com/memoright/memoright-ops/internal/observability"
	"github.com/memoright/memoright-ops/internal/recovery"
	"github.com/memoright/memoright-ops/internal/stepbody"
	"github.com/memoright/memoright-ops/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

// closers runs cleanup functions in reverse registration order.
type closers []func()

func (c *closers) add(fn func()) {
	if fn != nil {
		*c = append(*c, fn)
	}
}

func (c closers) close() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before configuration")
	flag.Parse()

	// Step 2: Load configuration.
	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "environment error: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "memoright-recoveryd", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	var cleanup closers
	defer func() { cleanup.close() }()
	readiness := observability.ReadinessChecks{Dependencies: map[string]observability.HealthChecker{}}

	// Step 4: Open plan storage and the execution lock.
	store, closeStore, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("plan store initialization failed", zap.Error(err))
		return 1
	}
	cleanup.add(closeStore)
	if hc, ok := store.(observability.HealthChecker); ok {
		readiness.Dependencies["store"] = hc
	}

	lock, lockClient, closeLock, err := buildLock(cfg.Lock, logger)
	if err != nil {
		logger.Error("execution lock initialization failed", zap.Error(err))
		return 1
	}
	cleanup.add(closeLock)
	if hc, ok := lock.(observability.HealthChecker); ok {
		readiness.Dependencies["lock"] = hc
	}

	// Execution requests are deduplicated wherever the lock lives.
	var idem idempotency.Store = idempotency.NewMemoryStore()
	if lockClient != nil {
		idem = idempotency.NewRedisStore(lockClient)
	}

	// Step 5: Build notification channels and the event bus.
	channels, closeChannels := buildChannels(cfg.Notify, metrics, logger)
	cleanup.add(closeChannels)
	for _, ch := range channels {
		if hc, ok := ch.(observability.HealthChecker); ok {
			readiness.Dependencies["notify_"+ch.Name()] = hc
		}
	}
	dispatcher := notify.NewDispatcher(logger, metrics, channels...)
	eventLog := recovery.NewEventLog(cfg.Executor.EventHistory)
	bus := recovery.NewEventBus(eventLog, metrics, dispatcher)

	// Step 6: Register step handlers.
	handlers := recovery.NewHandlerRegistry()
	catalog, closeCatalog, err := buildCatalog(ctx, cfg.Handlers, logger)
	if err != nil {
		logger.Error("step handler initialization failed", zap.Error(err))
		return 1
	}
	cleanup.add(closeCatalog)
	catalog.Register(handlers)

	// Step 7: Load and validate predefined plans.
	defs, err := definition.NewLoader().LoadAll(cfg.Plans.Directories)
	if err != nil {
		logger.Error("plan definition loading failed", zap.Error(err))
		return 1
	}
	findings := definition.NewValidator(handlers, dispatcher.Channels()).Validate(defs)
	for _, w := range definition.Warnings(findings) {
		logger.Warn("plan definition warning", zap.String("path", w.Path), zap.String("code", w.Code), zap.String("message", w.Message))
	}
	if verrs := definition.Errors(findings); len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("plan definition validation error", zap.String("error", ve.Error()))
		}
		logger.Error("plan definition validation failed", zap.Int("errors", len(verrs)))
		return 1
	}

	// Step 8: Build the registry and executor.
	registry := recovery.NewRegistry(store, logger,
		recovery.WithPredefinedPlans(definition.Plans(defs)),
		recovery.WithRegistryMetrics(metrics),
	)
	if err := registry.Initialize(ctx); err != nil {
		logger.Error("plan registry initialization failed", zap.Error(err))
		return 1
	}
	executor := recovery.NewExecutor(registry, handlers, bus, logger,
		recovery.WithExecutionLock(lock),
		recovery.WithDefaultStepTimeout(cfg.Executor.DefaultStepTimeout),
	)

	// Step 9: Build HTTP router.
	secret := cfg.Auth.Secret()
	if secret == "" {
		logger.Warn("no JWT secret configured, trusting the X-Actor header")
	}
	var authz transport.Authorizer
	if cfg.Auth.PolicyFile != "" {
		policy, err := capability.NewStaticPolicyEvaluator(cfg.Auth.PolicyFile)
		if err != nil {
			logger.Error("authorization policy loading failed", zap.Error(err))
			return 1
		}
		authz = capability.NewResolver(policy, cfg.Auth.CapabilityCacheTTL)
		logger.Info("authorization policy loaded",
			zap.String("path", cfg.Auth.PolicyFile),
			zap.Int("roles", policy.Roles()),
		)
	} else {
		logger.Warn("no authorization policy configured, all actors may call every route")
	}
	deps := transport.Dependencies{
		Logger:         logger,
		Registry:       registry,
		Executor:       executor,
		Events:         eventLog,
		Authenticate:   transport.NewAuthenticator(cfg.Auth, secret),
		Authorizer:     authz,
		Idempotency:    idem,
		IdempotencyTTL: cfg.Executor.IdempotencyTTL,
		Readiness:      readiness,
	}
	if cfg.Observability.Metrics.Enabled {
		deps.Metrics = metrics
		deps.MetricsPath = cfg.Observability.Metrics.Path
	}
	router := transport.NewRouter(deps)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		// Also caps synchronous executes; longer plans go through ?async=true.
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 10: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("plans", len(registry.All())),
		zap.Strings("handlers", handlers.Names()),
		zap.Strings("channels", dispatcher.Channels()),
		zap.Bool("simulate", catalog.Simulated()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Let background executions reach a terminal state.
	if err := executor.Wait(shutdownCtx); err != nil {
		logger.Warn("background executions still running at shutdown", zap.Error(err))
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildStore creates the plan store selected by config.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (recovery.PlanStore, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("using in-memory plan store, plan state is lost on restart")
		return recovery.NewMemoryStore(), nil, nil
	case "file":
		store, err := recovery.NewFileStore(cfg.Directory)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using file plan store", zap.String("directory", cfg.Directory))
		return store, nil, nil
	case "sqlite":
		store, err := recovery.OpenSQLiteStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using sqlite plan store", zap.String("path", cfg.Path))
		return store, func() { _ = store.Close() }, nil
	case "postgres":
		pool, err := openPool(ctx, os.Getenv(cfg.DSNEnv), cfg.MaxOpenConns, cfg.ConnMaxLifetime)
		if err != nil {
			return nil, nil, fmt.Errorf("plan store: %w", err)
		}
		store := recovery.NewPgStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("plan store: %w", err)
		}
		logger.Info("using postgres plan store")
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported plan store driver: %q", cfg.Driver)
	}
}

// openPool connects to PostgreSQL and verifies the connection.
func openPool(ctx context.Context, dsn string, maxConns int, lifetime time.Duration) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, errors.New("database DSN environment variable not set")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}
	if lifetime > 0 {
		poolCfg.MaxConnLifetime = lifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// buildLock creates the execution lock selected by config. The redis client
// is returned for the redis driver so other replica-shared state can use it.
func buildLock(cfg config.LockConfig, logger *zap.Logger) (recovery.ExecutionLock, redis.Cmdable, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		return recovery.NewMemoryLock(cfg.TTL), nil, nil, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, nil, fmt.Errorf("execution lock: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		logger.Info("using redis execution lock", zap.String("addr", addr))
		return recovery.NewRedisLock(client, cfg.TTL), client, func() { _ = client.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported execution lock driver: %q", cfg.Driver)
	}
}

// buildChannels creates the notification channels that are configured. The
// log channel is always available.
func buildChannels(cfg config.NotifyConfig, metrics *observability.Metrics, logger *zap.Logger) ([]notify.Channel, func()) {
	channels := []notify.Channel{notify.NewLogChannel(logger)}
	var cleanup func()

	if url := cfg.Webhook.URL(); url != "" {
		channels = append(channels, notify.NewWebhookChannel(url, cfg.Webhook, &http.Client{}, metrics))
	} else if cfg.Webhook.URLEnv != "" {
		logger.Warn("webhook channel disabled, URL not set", zap.String("env", cfg.Webhook.URLEnv))
	}

	if cfg.Redis.AddrEnv != "" {
		if addr := os.Getenv(cfg.Redis.AddrEnv); addr != "" {
			client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Redis.DB})
			channels = append(channels, notify.NewRedisChannel(client, cfg.Redis.Channel))
			cleanup = func() { _ = client.Close() }
		} else {
			logger.Warn("redis channel disabled, address not set", zap.String("env", cfg.Redis.AddrEnv))
		}
	}
	return channels, cleanup
}

// buildCatalog creates the step handler catalog. Infrastructure targets are
// only connected when handlers are not simulated.
func buildCatalog(ctx context.Context, cfg config.HandlersConfig, logger *zap.Logger) (*stepbody.Catalog, func(), error) {
	if cfg.Simulate {
		logger.Info("step handlers running in simulate mode")
		return stepbody.New(cfg, logger), nil, nil
	}

	var opts []stepbody.Option
	var cleanup closers

	if cfg.Database.DSNEnv != "" {
		pool, err := openPool(ctx, os.Getenv(cfg.Database.DSNEnv), 2, 0)
		if err != nil {
			cleanup.close()
			return nil, nil, fmt.Errorf("db_ping target: %w", err)
		}
		cleanup.add(pool.Close)
		opts = append(opts, stepbody.WithDatabase(pool))
	}
	if cfg.Cache.AddrEnv != "" {
		if addr := os.Getenv(cfg.Cache.AddrEnv); addr != "" {
			client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Cache.DB})
			cleanup.add(func() { _ = client.Close() })
			opts = append(opts, stepbody.WithCache(client))
		}
	}
	if cfg.ObjectStore.Endpoint != "" {
		client, err := stepbody.NewMinioClient(cfg.ObjectStore)
		if err != nil {
			cleanup.close()
			return nil, nil, fmt.Errorf("object_store_check target: %w", err)
		}
		opts = append(opts, stepbody.WithObjectStore(client))
	}
	return stepbody.New(cfg, logger, opts...), cleanup.close, nil
}
