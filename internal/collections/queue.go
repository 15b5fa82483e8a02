package collections

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/clock"
	"github.com/lalithlochan/dunning/internal/db"
	"github.com/lalithlochan/dunning/internal/metrics"
)

// DefaultDedupeWindow blocks re-queueing an invoice attempted this recently
const DefaultDedupeWindow = 24 * time.Hour

// Entries in these statuses count as already queued
var queuedStatuses = []string{db.QueueStatusPending, db.QueueStatusProcessing, db.QueueStatusSent}

// PopulateResult counts what a populate run did
type PopulateResult struct {
	Added         int `json:"added"`
	AlreadyQueued int `json:"already_queued"`
	RecentlySent  int `json:"recently_sent"`
}

// Populator inserts rule matches and critical invoices into their queues
type Populator struct {
	store  QueueStore
	clock  clock.Clock
	window time.Duration
	logger *zap.Logger
}

func NewPopulator(store QueueStore, clk clock.Clock, window time.Duration, logger *zap.Logger) *Populator {
	if window <= 0 {
		window = DefaultDedupeWindow
	}
	return &Populator{store: store, clock: clk, window: window, logger: logger}
}

// Populate queues every match under its rule and every critical invoice under
// the critical queue. Existing open entries and recent history are skipped.
func (p *Populator) Populate(ctx context.Context, ev *Evaluation) (PopulateResult, error) {
	var res PopulateResult
	since := p.clock.Now().Add(-p.window)

	for _, m := range ev.Matches {
		if err := p.enqueue(ctx, m.Invoice, db.PerRule(m.Rule.ID), since, &res); err != nil {
			return res, err
		}
	}
	for _, inv := range ev.Critical {
		if err := p.enqueue(ctx, inv, db.Critical(), since, &res); err != nil {
			return res, err
		}
	}

	p.logger.Info("queue populated",
		zap.Int("added", res.Added),
		zap.Int("already_queued", res.AlreadyQueued),
		zap.Int("recently_sent", res.RecentlySent),
	)

	return res, nil
}

func (p *Populator) enqueue(ctx context.Context, inv *AgedInvoice, kind db.QueueKind, since time.Time, res *PopulateResult) error {
	exists, err := p.store.QueueEntryExists(ctx, inv.ID, kind, queuedStatuses)
	if err != nil {
		return fmt.Errorf("check queue for invoice %s: %w", inv.ID, err)
	}
	if exists {
		res.AlreadyQueued++
		return nil
	}

	recent, err := p.store.HistoryExistsSince(ctx, inv.ID, kind, since)
	if err != nil {
		return fmt.Errorf("check history for invoice %s: %w", inv.ID, err)
	}
	if recent {
		res.RecentlySent++
		return nil
	}

	entry := &db.QueueEntry{
		ID:         uuid.New(),
		Kind:       kind,
		InvoiceID:  inv.ID,
		CustomerID: inv.CustomerID,
		Status:     db.QueueStatusPending,
	}
	if err := p.store.InsertQueueEntry(ctx, entry); err != nil {
		return fmt.Errorf("queue invoice %s: %w", inv.ID, err)
	}

	res.Added++
	if kind.IsCritical() {
		metrics.RecordQueueEntryAdded("critical")
	} else {
		metrics.RecordQueueEntryAdded("rule")
	}
	return nil
}
