package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/app"
	"github.com/lalithlochan/dunning/internal/config"
	"github.com/lalithlochan/dunning/internal/observ"
	"github.com/lalithlochan/dunning/internal/scheduler"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run performs a single tick and exits. Cron or an EventBridge rule invokes it.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger("scheduler", cfg.Env, cfg.LogLevel)
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

	sched := scheduler.New(a.Service, a.Store, logger,
		scheduler.WithMessageGeneration(cfg.SchedulerGenerateMessages),
	)
	report := sched.Tick(ctx)

	for _, r := range report.Runs {
		fields := []zap.Field{zap.String("schedule_id", r.ScheduleID.String())}
		if r.Batch.BatchID != nil {
			fields = append(fields, zap.String("batch_id", r.Batch.BatchID.String()))
		}
		if r.Error != "" {
			logger.Error("schedule failed", append(fields, zap.String("error", r.Error))...)
			continue
		}
		logger.Info("schedule ran", append(fields,
			zap.Int("total_invoices", r.Batch.TotalInvoices),
			zap.Int("queue_added", r.Batch.QueueAdded),
		)...)
	}

	if !report.Success {
		return errors.New(report.Message)
	}
	logger.Info("scheduler tick complete", zap.String("message", report.Message))
	return nil
}
