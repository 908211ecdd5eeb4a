// Package main is the entrypoint for the premortem pipeline server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kiranshivaraju/premortem/internal/aggregator"
	"github.com/kiranshivaraju/premortem/internal/analytics"
	"github.com/kiranshivaraju/premortem/internal/api"
	"github.com/kiranshivaraju/premortem/internal/api/handler"
	mw "github.com/kiranshivaraju/premortem/internal/api/middleware"
	"github.com/kiranshivaraju/premortem/internal/bus"
	"github.com/kiranshivaraju/premortem/internal/cache"
	"github.com/kiranshivaraju/premortem/internal/config"
	"github.com/kiranshivaraju/premortem/internal/detector"
	"github.com/kiranshivaraju/premortem/internal/queue"
	"github.com/kiranshivaraju/premortem/internal/router"
	"github.com/kiranshivaraju/premortem/internal/store"
	"github.com/kiranshivaraju/premortem/internal/telemetry"
	"github.com/kiranshivaraju/premortem/pkg/models"
)

const (
	shutdownTimeout = 30 * time.Second
	serviceName     = "premortem"
	migrationsDir   = "migrations"
	apiRateLimit    = 60
	startupTimeout  = 10 * time.Second
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("could not load .env", "error", err)
	}

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config; fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "components", cfg.Components)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing {
		shutdownTracer, err := telemetry.InitTracer(serviceName, slog.Default())
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracer(flushCtx); err != nil {
				slog.Error("tracer shutdown failed", "error", err)
			}
		}()
	}

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, migrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Connect to the analytical store
	chStore, err := analytics.Open(ctx, cfg.ClickHouse)
	if err != nil {
		return fmt.Errorf("connect analytics: %w", err)
	}
	defer chStore.Close()
	slog.Info("clickhouse connected", "addr", cfg.ClickHouse.Addr)

	// 6. Timeline bus and task queues
	publisher := bus.NewPublisher(cfg.Kafka)
	defer publisher.Close()

	sqsClient, err := queue.New(ctx, cfg.SQS)
	if err != nil {
		return fmt.Errorf("create sqs client: %w", err)
	}

	topicChecker := bus.NewTopicChecker(cfg.Kafka)
	checkCtx, cancelCheck := context.WithTimeout(ctx, startupTimeout)
	err = verifyMessaging(checkCtx, cfg, topicChecker, sqsClient)
	cancelCheck()
	if err != nil {
		return fmt.Errorf("verify messaging: %w", err)
	}
	slog.Info("messaging verified", "topic", cfg.Kafka.Topic, "sqs_fifo", cfg.SQS.FIFO)

	pgStore := store.NewPostgresStore(pool)

	deps := pipelineDeps{
		analytics: chStore,
		incidents: pgStore,
		publisher: publisher,
		cache:     redisCache,
		tasks:     sqsClient,
	}
	if cfg.Enabled(config.ComponentRouter) {
		sub := bus.NewSubscriber(cfg.Kafka, slog.Default())
		defer sub.Close()
		deps.subscriber = sub
	}

	// 7. Build router with dependencies
	apiRouter := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, apiRateLimit),

		HealthHandler: handler.NewHealthHandler(map[string]handler.Pinger{
			"database":  pgStore,
			"cache":     redisCache,
			"analytics": chStore,
			"bus":       topicChecker,
		}),
		ListIncidentsHandler: handler.NewListIncidentsHandler(pgStore),
		GetIncidentHandler:   handler.NewGetIncidentHandler(pgStore),
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      apiRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	components := pipelineComponents(cfg, deps)

	// 8. Start pipeline components and the HTTP server
	compCtx, cancelComponents := context.WithCancel(ctx)
	defer cancelComponents()

	errCh := make(chan error, len(components)+1)
	var wg sync.WaitGroup
	for _, c := range components {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.run(compCtx); err != nil {
				errCh <- fmt.Errorf("%s: %w", c.name, err)
			}
		}()
	}

	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	// Wait for shutdown signal or a failed component
	var runErr error
	select {
	case runErr = <-errCh:
		slog.Error("component failed, shutting down", "error", runErr)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}

	cancelComponents()
	if !waitTimeout(shutdownCtx, &wg) {
		slog.Warn("pipeline components still running at shutdown timeout")
	}

	if runErr != nil {
		return runErr
	}
	slog.Info("server stopped gracefully")
	return nil
}

// queueResolver resolves a logical queue name to its URL.
type queueResolver interface {
	QueueURL(ctx context.Context, name string) (string, error)
}

// requiredQueues lists the task queues the enabled components touch.
func requiredQueues(cfg *config.Config) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(names ...string) {
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	if cfg.Enabled(config.ComponentRouter) {
		add(router.TargetQueues...)
	}
	if cfg.Enabled(config.ComponentAggregator) {
		add(models.QueueContextBuilder)
	}
	return out
}

// verifyMessaging fails when the timeline topic or any required task
// queue is unreachable.
func verifyMessaging(ctx context.Context, cfg *config.Config, topic handler.Pinger, queues queueResolver) error {
	if err := topic.Ping(ctx); err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	for _, name := range requiredQueues(cfg) {
		if _, err := queues.QueueURL(ctx, name); err != nil {
			return fmt.Errorf("sqs: %w", err)
		}
	}
	return nil
}

// taskQueue sends and receives on the SQS task queues.
type taskQueue interface {
	queue.Sender
	queue.Receiver
}

// pipelineDeps are the connections shared by the pipeline components.
type pipelineDeps struct {
	analytics  analytics.Store
	incidents  store.IncidentStore
	publisher  bus.EventPublisher
	cache      cache.Cache
	tasks      taskQueue
	subscriber router.Subscription
}

type component struct {
	name string
	run  func(ctx context.Context) error
}

// pipelineComponents builds the components enabled in cfg, in pipeline order.
func pipelineComponents(cfg *config.Config, deps pipelineDeps) []component {
	logger := slog.Default()
	var out []component

	if cfg.Enabled(config.ComponentDetector) {
		opts := detector.Options{
			Threshold:    cfg.Detector.SpikeThreshold,
			PollInterval: cfg.Detector.PollInterval,
			Logger:       logger,
		}
		if cfg.Detector.DistributedLock {
			opts.Locker = deps.cache
		}
		d := detector.New(deps.analytics, deps.incidents, deps.publisher, opts)
		out = append(out, component{name: config.ComponentDetector, run: d.Run})
	}

	if cfg.Enabled(config.ComponentRouter) {
		r := router.New(newLedger(cfg.Router, deps.cache), deps.tasks, logger)
		out = append(out, component{
			name: config.ComponentRouter,
			run: func(ctx context.Context) error {
				return r.Run(ctx, deps.subscriber)
			},
		})
	}

	if cfg.Enabled(config.ComponentAggregator) {
		a := aggregator.New(deps.analytics, deps.publisher, logger)
		consumer := queue.NewConsumer(deps.tasks,
			queue.WithWaitTime(cfg.Aggregator.WaitTime),
			queue.WithLogger(logger),
		)
		out = append(out, component{
			name: config.ComponentAggregator,
			run: func(ctx context.Context) error {
				return a.Run(ctx, consumer)
			},
		})
	}

	return out
}

// newLedger picks the idempotency ledger backend.
func newLedger(cfg config.RouterConfig, c cache.Cache) router.Ledger {
	if cfg.Ledger == config.LedgerMemory {
		slog.Warn("router ledger is process-local; duplicates are not suppressed across instances or restarts")
		return router.NewMemoryLedger()
	}
	return router.NewRedisLedger(c, cfg.LedgerTTL)
}

// waitTimeout waits for wg and reports false if ctx ends first.
func waitTimeout(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
