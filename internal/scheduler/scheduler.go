// Package scheduler turns active schedule configurations into batches. It
// holds no timer of its own: an external trigger calls Tick once per run.
package scheduler

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/auth"
	"github.com/lalithlochan/dunning/internal/clock"
	"github.com/lalithlochan/dunning/internal/collections"
	"github.com/lalithlochan/dunning/internal/db"
	"github.com/lalithlochan/dunning/internal/metrics"
)

// Engine is the part of collections.Service a tick drives
type Engine interface {
	GenerateBatch(ctx context.Context, actor auth.Actor, f collections.GenerationFilter) collections.Result
	GenerateMessages(ctx context.Context, batchID uuid.UUID) collections.Result
}

// Run is the outcome for one schedule configuration
type Run struct {
	ScheduleID uuid.UUID           `json:"schedule_id"`
	Batch      collections.Result  `json:"batch"`
	Messages   *collections.Result `json:"messages,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// Report collects every run of a tick. Success is false if any run failed.
type Report struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Runs    []Run  `json:"runs"`
}

type Scheduler struct {
	engine           Engine
	store            collections.ScheduleStore
	clock            clock.Clock
	logger           *zap.Logger
	generateMessages bool
}

type Option func(*Scheduler)

// WithMessageGeneration controls whether a created batch gets its messages
// generated in the same tick
func WithMessageGeneration(on bool) Option {
	return func(s *Scheduler) { s.generateMessages = on }
}

func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func New(engine Engine, store collections.ScheduleStore, logger *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		engine:           engine,
		store:            store,
		clock:            clock.Real(),
		logger:           logger,
		generateMessages: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tick processes every active schedule independently. A failing schedule is
// reported and does not stop the others.
func (s *Scheduler) Tick(ctx context.Context) Report {
	configs, err := s.store.ListActiveSchedules(ctx)
	if err != nil {
		metrics.RecordSchedulerRun("error")
		return Report{Success: false, Message: fmt.Sprintf("list schedules: %v", err)}
	}
	if len(configs) == 0 {
		return Report{Success: true, Message: "no active schedules"}
	}

	report := Report{Success: true}
	failed := 0
	for _, cfg := range configs {
		run := s.runOne(ctx, cfg)
		if run.Error != "" {
			failed++
			report.Success = false
		}
		report.Runs = append(report.Runs, run)
	}

	report.Message = fmt.Sprintf("%d of %d schedules ran", len(configs)-failed, len(configs))
	return report
}

func (s *Scheduler) runOne(ctx context.Context, cfg *db.ScheduleConfig) Run {
	now := s.clock.Now()
	run := Run{ScheduleID: cfg.ID}
	logger := s.logger.With(zap.String("schedule_id", cfg.ID.String()))

	f := collections.FilterFromSchedule(cfg)
	f.Name = fmt.Sprintf("Cobrança automática %s", now.Format("2006-01-02 15:04"))

	run.Batch = s.engine.GenerateBatch(ctx, auth.System(), f)
	if !run.Batch.Success {
		run.Error = run.Batch.Message
		metrics.RecordSchedulerRun("error")
		logger.Error("scheduled generation failed", zap.Error(run.Batch.Err))
		return run
	}

	if err := s.store.MarkScheduleRun(ctx, cfg.ID, now); err != nil {
		run.Error = fmt.Sprintf("mark schedule run: %v", err)
		metrics.RecordSchedulerRun("error")
		logger.Error("failed to stamp schedule run", zap.Error(err))
		return run
	}

	if s.generateMessages && run.Batch.BatchID != nil {
		msgs := s.engine.GenerateMessages(ctx, *run.Batch.BatchID)
		run.Messages = &msgs
		if !msgs.Success {
			// the batch exists and stays in draft for a manual retry
			logger.Warn("scheduled message generation failed",
				zap.String("batch_id", run.Batch.BatchID.String()),
				zap.Error(msgs.Err),
			)
		}
	}

	outcome := "created"
	if run.Batch.BatchID == nil {
		outcome = "empty"
	}
	metrics.RecordSchedulerRun(outcome)
	logger.Info("schedule ran",
		zap.String("outcome", outcome),
		zap.Int("invoices", run.Batch.TotalInvoices),
	)
	return run
}
