package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/api"
	"github.com/lalithlochan/dunning/internal/app"
	"github.com/lalithlochan/dunning/internal/auth"
	"github.com/lalithlochan/dunning/internal/collections"
	"github.com/lalithlochan/dunning/internal/config"
	"github.com/lalithlochan/dunning/internal/dispatch"
	"github.com/lalithlochan/dunning/internal/observ"
	"github.com/lalithlochan/dunning/internal/redis"
	"github.com/lalithlochan/dunning/internal/scheduler"
	"github.com/lalithlochan/dunning/internal/sqs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger("gateway", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting dunning gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("channel", cfg.Channel),
	)

	ctx := context.Background()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// Dispatch runs in-process unless a worker fleet reads the SQS queue
	runCtx, stopRuns := context.WithCancel(ctx)
	defer stopRuns()

	var local *dispatch.AsyncRunner
	var runner collections.Runner
	if cfg.SQSQueueURL != "" {
		producer, err := sqs.NewProducer(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create SQS producer: %w", err)
		}
		runner = sqs.NewDispatchRunner(producer)
	} else {
		local = dispatch.NewAsyncRunner(runCtx, a.Dispatcher, logger)
		runner = local
	}
	a.Service.SetRunner(runner)

	var opts []api.Option
	var rateLimiter *redis.RateLimiter
	if a.Redis != nil {
		opts = append(opts, api.WithIdempotency(redis.NewIdempotency(a.Redis, logger)))
		rateLimiter = redis.NewRateLimiter(a.Redis, logger, redis.RateLimitConfig{
			Name:   "api",
			Limit:  cfg.RateLimit,
			Window: time.Minute,
		})
	}

	var tokens *auth.Manager
	if cfg.JWTSecret != "" {
		tokens, err = auth.NewManager(auth.Config{
			Secret: cfg.JWTSecret,
			Issuer: cfg.JWTIssuer,
		})
		if err != nil {
			return fmt.Errorf("failed to create token manager: %w", err)
		}
	} else if !cfg.AllowActorHeaders {
		logger.Warn("neither JWT_SECRET nor ALLOW_ACTOR_HEADERS is set, every /v1 request will be rejected")
	}

	sched := scheduler.New(a.Service, a.Store, logger,
		scheduler.WithMessageGeneration(cfg.SchedulerGenerateMessages),
	)
	opts = append(opts,
		api.WithScheduler(sched),
		api.WithBreakers(a.Breaker),
	)
	for _, p := range a.Probes() {
		opts = append(opts, api.WithHealthCheck(p.Name, p.Check))
	}
	handler := api.NewHandler(logger, a.Service, opts...)

	router := api.NewRouter(handler, api.RouterConfig{
		Tokens:            tokens,
		AllowActorHeaders: cfg.AllowActorHeaders,
		RateLimiter:       rateLimiter,
		Timeout:           30 * time.Second,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		// in-flight batches stay in_progress; an admin restarts them with
		// POST /v1/batches/{id}/resume
		if local != nil {
			stopRuns()
			local.Wait()
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
