package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/ai"
	"github.com/lalithlochan/dunning/internal/clock"
	"github.com/lalithlochan/dunning/internal/collections"
	"github.com/lalithlochan/dunning/internal/db"
	"github.com/lalithlochan/dunning/internal/metrics"
)

// errInvoicePaid closes a queue entry whose invoice was paid after queueing
var errInvoicePaid = errors.New("invoice already paid")

// QueueRepository is the storage the queue worker needs
type QueueRepository interface {
	ListPendingQueueEntries(ctx context.Context, limit int) ([]*db.QueueEntry, error)
	ClaimQueueEntry(ctx context.Context, id uuid.UUID) (bool, error)
	CompleteQueueEntry(ctx context.Context, id uuid.UUID, status string, errorMsg *string, sentAt *time.Time) error
	GetInvoice(ctx context.Context, id uuid.UUID) (*db.OpenInvoice, error)
	AppendHistory(ctx context.Context, h *db.HistoryRecord) error
}

type QueueWorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	SendInterval time.Duration
}

// QueueWorker drains the rule-driven queues. Each entry is attempted once.
type QueueWorker struct {
	repo      QueueRepository
	channel   Channel
	generator collections.MessageGenerator
	clock     clock.Clock
	sleep     func(ctx context.Context, d time.Duration) error
	config    QueueWorkerConfig
	logger    *zap.Logger
}

func NewQueueWorker(repo QueueRepository, channel Channel, gen collections.MessageGenerator, clk clock.Clock, cfg QueueWorkerConfig, logger *zap.Logger) *QueueWorker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 20
	}
	if cfg.SendInterval == 0 {
		cfg.SendInterval = collections.DefaultSendInterval
	}
	if clk == nil {
		clk = clock.Real()
	}

	return &QueueWorker{
		repo:      repo,
		channel:   channel,
		generator: gen,
		clock:     clk,
		sleep:     Sleep,
		config:    cfg,
		logger:    logger,
	}
}

// Start polls until ctx is cancelled
func (w *QueueWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("queue worker stopping")
			return
		case <-ticker.C:
			if _, err := w.ProcessOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("queue worker pass failed", zap.Error(err))
			}
		}
	}
}

// ProcessOnce handles up to BatchSize pending entries and returns how many
// it claimed
func (w *QueueWorker) ProcessOnce(ctx context.Context) (int, error) {
	entries, err := w.repo.ListPendingQueueEntries(ctx, w.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending queue entries: %w", err)
	}

	processed := 0
	for _, entry := range entries {
		if processed > 0 {
			if err := w.sleep(ctx, w.config.SendInterval); err != nil {
				return processed, err
			}
		}

		claimed, err := w.repo.ClaimQueueEntry(ctx, entry.ID)
		if err != nil {
			return processed, fmt.Errorf("claim queue entry %s: %w", entry.ID, err)
		}
		if !claimed {
			continue
		}
		processed++

		if err := w.processEntry(ctx, entry); err != nil {
			return processed, err
		}
	}

	return processed, nil
}

func (w *QueueWorker) processEntry(ctx context.Context, entry *db.QueueEntry) error {
	open, err := w.repo.GetInvoice(ctx, entry.InvoiceID)
	if err != nil {
		return fmt.Errorf("load invoice %s: %w", entry.InvoiceID, err)
	}

	if open.Invoice.PaidAt != nil {
		w.logger.Info("queue entry dropped, invoice paid",
			zap.String("entry_id", entry.ID.String()),
			zap.String("invoice_id", entry.InvoiceID.String()),
		)
		return w.finish(ctx, entry, errInvoicePaid, nil)
	}

	now := w.clock.Now()
	customer := open.Customer
	mc := ai.MessageContext{
		CustomerName: customer.Name,
		InvoiceCount: 1,
		MaxAgeDays:   collections.AgeDays(now, open.Invoice.DueDate),
		TotalAmount:  open.Invoice.Amount,
		TaxIDSuffix:  ai.TaxIDSuffix(customer.TaxID),
	}

	text, err := w.generator.Generate(ctx, mc)
	if err == nil && strings.TrimSpace(text) == "" {
		err = ai.ErrEmptyMessage
	}
	if err != nil {
		return w.record(ctx, entry, nil, fmt.Errorf("generate message: %w", err), nil)
	}
	text = collections.Truncate(strings.TrimSpace(text), collections.MaxMessageLength)

	msg := &Message{
		Phone:      customer.Phone,
		Text:       text,
		InvoiceID:  entry.InvoiceID,
		CustomerID: entry.CustomerID,
		RuleID:     entry.Kind.NullableRuleID(),
		Critical:   entry.Kind.IsCritical(),
	}

	var raw json.RawMessage
	var sendErr error
	if msg.Phone == "" {
		sendErr = ErrMissingPhone
	} else {
		raw, sendErr = w.channel.Send(ctx, msg)
	}
	return w.record(ctx, entry, &text, sendErr, raw)
}

// record writes the history row for an attempted entry and closes it
func (w *QueueWorker) record(ctx context.Context, entry *db.QueueEntry, text *string, sendErr error, raw json.RawMessage) error {
	wctx := context.WithoutCancel(ctx)

	outcome := db.OutcomeSent
	if sendErr != nil {
		outcome = db.OutcomeFailed
	}

	h := &db.HistoryRecord{
		ID:              uuid.New(),
		InvoiceID:       entry.InvoiceID,
		RuleID:          entry.Kind.NullableRuleID(),
		CustomerID:      entry.CustomerID,
		IsCriticalQueue: entry.Kind.IsCritical(),
		Outcome:         outcome,
		MessageText:     text,
		Channel:         w.channel.Name(),
		RawResponse:     raw,
		CreatedAt:       w.clock.Now(),
	}
	if err := w.repo.AppendHistory(wctx, h); err != nil {
		return fmt.Errorf("append history for entry %s: %w", entry.ID, err)
	}

	metrics.RecordLineItemDispatched(outcome, w.channel.Name())
	return w.finish(wctx, entry, sendErr, &h.CreatedAt)
}

func (w *QueueWorker) finish(ctx context.Context, entry *db.QueueEntry, sendErr error, at *time.Time) error {
	status := db.QueueStatusSent
	var errMsg *string
	sentAt := at
	if sendErr != nil {
		status = db.QueueStatusFailed
		reason := sendErr.Error()
		errMsg = &reason
		sentAt = nil
		w.logger.Warn("queue entry failed",
			zap.String("entry_id", entry.ID.String()),
			zap.String("queue", entry.Kind.String()),
			zap.Error(sendErr),
		)
	}

	if err := w.repo.CompleteQueueEntry(ctx, entry.ID, status, errMsg, sentAt); err != nil {
		return fmt.Errorf("complete queue entry %s: %w", entry.ID, err)
	}
	metrics.RecordQueueEntryProcessed(status)
	return nil
}
