package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/app"
	"github.com/lalithlochan/dunning/internal/clock"
	"github.com/lalithlochan/dunning/internal/config"
	"github.com/lalithlochan/dunning/internal/dispatch"
	"github.com/lalithlochan/dunning/internal/observ"
	"github.com/lalithlochan/dunning/internal/sqs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run drains the standing queues and, when SQS is configured, executes the
// batch dispatch jobs the gateway enqueues.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger("worker", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var wg sync.WaitGroup

	queue := dispatch.NewQueueWorker(a.Store, a.Channel, a.Generator, clock.Real(), dispatch.QueueWorkerConfig{
		PollInterval: time.Duration(cfg.QueuePollSeconds) * time.Second,
		BatchSize:    cfg.QueueBatchSize,
		SendInterval: cfg.SendInterval(),
	}, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		queue.Start(ctx)
	}()

	if cfg.SQSQueueURL != "" {
		consumer, err := sqs.NewConsumer(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}, logger)
		if err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("failed to create SQS consumer: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumer.Run(ctx, sqs.DispatchHandler(a.Dispatcher))
		}()
	} else {
		logger.Info("SQS_QUEUE_URL not set, batch dispatch runs in the gateway")
	}

	logger.Info("worker started",
		zap.String("channel", a.Channel.Name()),
		zap.Bool("sqs_enabled", cfg.SQSQueueURL != ""),
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, waiting for in-flight sends")
	wg.Wait()
	logger.Info("worker stopped gracefully")
	return nil
}
