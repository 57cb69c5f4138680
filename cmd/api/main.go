package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // postgres driver
	"github.com/redis/go-redis/v9"

	"github.com/nyashahama/course-checkout-backend/internal/api"
	"github.com/nyashahama/course-checkout-backend/internal/cache"
	"github.com/nyashahama/course-checkout-backend/internal/catalog"
	"github.com/nyashahama/course-checkout-backend/internal/checkout"
	"github.com/nyashahama/course-checkout-backend/internal/config"
	"github.com/nyashahama/course-checkout-backend/internal/email"
	"github.com/nyashahama/course-checkout-backend/internal/events"
	"github.com/nyashahama/course-checkout-backend/internal/reconcile"
	"github.com/nyashahama/course-checkout-backend/internal/store"
	stripeinternal "github.com/nyashahama/course-checkout-backend/internal/stripe"
	"github.com/nyashahama/course-checkout-backend/internal/worker"
)

func main() {
	// ── Logger ────────────────────────────────────────────────────────────────
	// JSON in production, pretty text in development.
	var logger *slog.Logger
	if os.Getenv("ENV") == "production" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// ── Config ────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger.Info("config loaded", "env", cfg.Env, "port", cfg.Port)

	product := catalog.Default
	if err := product.Validate(); err != nil {
		return fmt.Errorf("product: %w", err)
	}

	// ── Database ──────────────────────────────────────────────────────────────
	pool, err := openDB(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer pool.Close()
	logger.Info("database connected")

	if err := store.Migrate(pool); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	st := store.New(pool)

	// ── Redis (optional) ──────────────────────────────────────────────────────
	// Without Redis the summary cache and the rate limiter are disabled.
	var (
		summaryCache checkout.SummaryCache
		limiter      api.RateLimiter
	)
	if cfg.RedisURL != "" {
		rdb, err := openRedis(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rdb.Close()
		summaryCache = cache.NewSummaryCache(rdb, cfg.SummaryCacheTTL)
		limiter = cache.NewRateLimiter(rdb, "create_session", cfg.RateLimitRequests, cfg.RateLimitWindow)
		logger.Info("redis connected")
	} else {
		logger.Warn("redis: REDIS_URL not set, summary cache and rate limiting disabled")
	}

	// ── Stripe ────────────────────────────────────────────────────────────────
	stripeClient := stripeinternal.NewClient(cfg.StripeSecretKey)

	// ── Purchase events ───────────────────────────────────────────────────────
	var publisher events.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.KafkaTopic, cfg.KafkaBrokers...)
		logger.Info("events: publishing to kafka", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers)
	} else {
		publisher = events.NewLogPublisher(logger)
		logger.Warn("events: KAFKA_BROKERS not set, purchase events are only logged")
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Error("events: close publisher", "error", err)
		}
	}()

	// ── Email (Resend) ────────────────────────────────────────────────────────
	mailer := email.NewResendClient(cfg.ResendAPIKey, cfg.EmailFromAddr, cfg.EmailFromName)

	// ── Worker ────────────────────────────────────────────────────────────────
	checkoutURL := ""
	if cfg.BaseURL != "" {
		checkoutURL = cfg.BaseURL + "/checkout"
	}
	job := worker.NewJob(st, mailer, publisher, worker.JobConfig{
		ProductName: product.Name,
		CheckoutURL: checkoutURL,
	}, logger)
	runner := worker.NewRunner(job, st, worker.RunnerConfig{
		Workers:      cfg.WorkerCount,
		PollInterval: cfg.PollInterval,
		JobTimeout:   cfg.JobTimeout,
		MaxRetries:   cfg.MaxRetries,
	}, logger)

	// ── Checkout and reconciliation ───────────────────────────────────────────
	outbox := worker.NewOutbox(st, runner, logger) // *Runner satisfies worker.Enqueuer
	reconciler := reconcile.New(stripeClient, st, outbox, outbox, cfg.StripeWebhookSecret, logger)
	checkoutSvc := checkout.NewService(stripeClient, product, summaryCache, logger)

	// ── HTTP server ───────────────────────────────────────────────────────────
	handler := api.NewServer(
		checkoutSvc,
		reconciler,
		limiter,
		api.Config{
			BaseURL:        cfg.BaseURL,
			PublishableKey: cfg.StripePublishableKey,
			Env:            cfg.Env,
		},
		logger,
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	// Root context cancelled by OS signal. Worker and HTTP server both respect it.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		runner.Start(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Block until either a signal arrives or the server dies unexpectedly.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	// Give in-flight HTTP requests up to 20 seconds to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// Workers finish their current row before the publisher and pool close.
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		logger.Warn("worker pool did not stop in time")
	}

	logger.Info("shutdown complete")
	return nil
}

// openDB opens the connection pool and verifies the database is reachable.
func openDB(dsn string) (*sql.DB, error) {
	pool, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	// Tune the connection pool.
	pool.SetMaxOpenConns(25)
	pool.SetMaxIdleConns(10)
	pool.SetConnMaxLifetime(5 * time.Minute)
	pool.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// openRedis parses a redis:// URL and pings the server.
func openRedis(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return rdb, nil
}
