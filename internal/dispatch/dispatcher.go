package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/clock"
	"github.com/lalithlochan/dunning/internal/collections"
	"github.com/lalithlochan/dunning/internal/db"
	"github.com/lalithlochan/dunning/internal/metrics"
)

var (
	// ErrNotInProgress is returned when Run is given a batch that was not
	// moved to in_progress first
	ErrNotInProgress = errors.New("batch is not in progress")

	// ErrBatchLocked is returned when another run holds the batch lock
	ErrBatchLocked = collections.ErrBatchLocked
)

// Repository is the storage the dispatcher needs
type Repository interface {
	GetBatch(ctx context.Context, id uuid.UUID) (*db.Batch, error)
	ListLineItems(ctx context.Context, batchID uuid.UUID) ([]*db.LineItem, error)
	ClaimLineItem(ctx context.Context, id uuid.UUID) (bool, error)
	RecordDispatch(ctx context.Context, o *db.DispatchOutcome) error
	TransitionBatch(ctx context.Context, id uuid.UUID, from, to string, patch db.BatchPatch) error
}

// recordAttempts bounds how often a delivered item's outcome is retried
// before the run gives up and leaves the claim behind
const recordAttempts = 3

// interruptedReason marks a claim whose outcome was never recorded. The
// message may or may not have gone out, so it is not sent again.
const interruptedReason = "dispatch interrupted before the outcome was recorded"

// Locker serializes runs of the same batch across processes
type Locker interface {
	Acquire(ctx context.Context, batchID uuid.UUID) (bool, error)
	Release(ctx context.Context, batchID uuid.UUID) error
}

// CompletionNotifier is told about every completed batch. Failures are
// logged and never undo the completion.
type CompletionNotifier interface {
	BatchCompleted(ctx context.Context, batch *db.Batch) error
}

// Summary describes one dispatch run
type Summary struct {
	BatchID   uuid.UUID     `json:"batch_id"`
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Recovered int           `json:"recovered"`
	Duration  time.Duration `json:"duration"`
}

// Dispatcher sends a batch's line items one at a time
type Dispatcher struct {
	repo      Repository
	channel   Channel
	locker    Locker
	notifiers []CompletionNotifier
	clock     clock.Clock
	sleep     func(ctx context.Context, d time.Duration) error
	logger    *zap.Logger
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithLocker guards each run with a distributed lock
func WithLocker(l Locker) Option {
	return func(d *Dispatcher) { d.locker = l }
}

// WithNotifiers adds completion notifiers
func WithNotifiers(n ...CompletionNotifier) Option {
	return func(d *Dispatcher) { d.notifiers = append(d.notifiers, n...) }
}

// WithClock sets the clock used for sent_at and history timestamps
func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithSleep replaces the inter-message delay
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) { d.sleep = fn }
}

func NewDispatcher(repo Repository, channel Channel, logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		repo:    repo,
		channel: channel,
		clock:   clock.Real(),
		sleep:   Sleep,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run sends every pending line item that has a message, waiting interval
// between consecutive sends, then completes the batch. Per-item failures
// are recorded and never abort the run. Store errors and cancellation do,
// leaving the batch in_progress so a later run picks up the rest.
//
// With a locker, items left in sending by an earlier run are closed as
// failed before anything new is sent.
func (d *Dispatcher) Run(ctx context.Context, batchID uuid.UUID, interval time.Duration) (*Summary, error) {
	return d.run(ctx, batchID, interval, d.locker != nil)
}

// run is Run with the caller vouching for exclusivity. Only an exclusive
// run may treat a sending item as abandoned.
func (d *Dispatcher) run(ctx context.Context, batchID uuid.UUID, interval time.Duration, exclusive bool) (*Summary, error) {
	start := time.Now()
	summary := &Summary{BatchID: batchID}

	if d.locker != nil {
		ok, err := d.locker.Acquire(ctx, batchID)
		if err != nil {
			return summary, fmt.Errorf("acquire batch lock: %w", err)
		}
		if !ok {
			return summary, ErrBatchLocked
		}
		defer func() {
			if err := d.locker.Release(context.WithoutCancel(ctx), batchID); err != nil {
				d.logger.Warn("failed to release batch lock",
					zap.String("batch_id", batchID.String()),
					zap.Error(err),
				)
			}
		}()
	}

	batch, err := d.repo.GetBatch(ctx, batchID)
	if err != nil {
		return summary, err
	}
	if batch.Status != db.BatchStatusInProgress {
		return summary, fmt.Errorf("%w: batch is %s", ErrNotInProgress, batch.Status)
	}

	items, err := d.repo.ListLineItems(ctx, batchID)
	if err != nil {
		return summary, fmt.Errorf("list line items: %w", err)
	}

	d.logger.Info("dispatch started",
		zap.String("batch_id", batchID.String()),
		zap.Int("items", len(items)),
		zap.Duration("interval", interval),
		zap.String("channel", d.channel.Name()),
	)

	if exclusive {
		if err := d.recoverClaims(ctx, batch, items, summary); err != nil {
			return summary, err
		}
	}

	for _, item := range items {
		if item.SendStatus != db.SendStatusPending {
			continue
		}
		if !item.HasMessage() {
			summary.Skipped++
			continue
		}

		if summary.Attempted > 0 && interval > 0 {
			if err := d.sleep(ctx, interval); err != nil {
				return summary, err
			}
		}

		claimed, err := d.repo.ClaimLineItem(ctx, item.ID)
		if err != nil {
			return summary, fmt.Errorf("claim line item %s: %w", item.ID, err)
		}
		if !claimed {
			summary.Skipped++
			continue
		}
		summary.Attempted++

		if err := d.send(ctx, batch, item, summary); err != nil {
			return summary, err
		}
	}

	err = d.repo.TransitionBatch(ctx, batchID, db.BatchStatusInProgress, db.BatchStatusCompleted, db.BatchPatch{})
	if err != nil {
		return summary, fmt.Errorf("complete batch: %w", err)
	}

	summary.Duration = time.Since(start)
	metrics.RecordDispatchDuration(summary.Duration)

	d.logger.Info("dispatch completed",
		zap.String("batch_id", batchID.String()),
		zap.Int("attempted", summary.Attempted),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("recovered", summary.Recovered),
		zap.Duration("duration", summary.Duration),
	)

	d.notify(ctx, batchID)
	return summary, nil
}

// send delivers one claimed item. Only store errors are returned.
func (d *Dispatcher) send(ctx context.Context, batch *db.Batch, item *db.LineItem, summary *Summary) error {
	msg := &Message{
		Phone:      item.Phone,
		Text:       *item.GeneratedMessage,
		InvoiceID:  item.InvoiceID,
		CustomerID: item.CustomerID,
		BatchID:    &batch.ID,
	}

	var (
		raw     json.RawMessage
		sendErr error
	)
	if item.Phone == "" {
		sendErr = ErrMissingPhone
	} else {
		raw, sendErr = d.channel.Send(ctx, msg)
	}

	// Bookkeeping for an attempted send must land even if ctx was cancelled
	// during the call.
	wctx := context.WithoutCancel(ctx)
	now := d.clock.Now()

	text := msg.Text
	batchID := batch.ID
	outcome := &db.DispatchOutcome{
		ItemID:  item.ID,
		BatchID: batch.ID,
		Status:  db.SendStatusSent,
		History: &db.HistoryRecord{
			ID:          uuid.New(),
			InvoiceID:   item.InvoiceID,
			CustomerID:  item.CustomerID,
			BatchID:     &batchID,
			Outcome:     db.OutcomeSent,
			MessageText: &text,
			Channel:     d.channel.Name(),
			RawResponse: raw,
			CreatedAt:   now,
		},
	}
	if sendErr != nil {
		reason := sendErr.Error()
		outcome.Status = db.SendStatusFailed
		outcome.ErrorMessage = &reason
		outcome.History.Outcome = db.OutcomeFailed
		d.logger.Warn("line item dispatch failed",
			zap.String("batch_id", batch.ID.String()),
			zap.String("item_id", item.ID.String()),
			zap.Error(sendErr),
		)
	} else {
		outcome.SentAt = &now
	}

	if err := d.record(wctx, outcome); err != nil {
		return err
	}

	if outcome.Delivered() {
		summary.Succeeded++
	} else {
		summary.Failed++
	}
	metrics.RecordLineItemDispatched(outcome.History.Outcome, d.channel.Name())
	return nil
}

// record writes the outcome, retrying transient store errors. A status
// conflict means someone else closed the item and is not retried.
func (d *Dispatcher) record(ctx context.Context, o *db.DispatchOutcome) error {
	var err error
	for attempt := 1; attempt <= recordAttempts; attempt++ {
		if err = d.repo.RecordDispatch(ctx, o); err == nil {
			return nil
		}
		if errors.Is(err, db.ErrStatusConflict) || attempt == recordAttempts {
			break
		}
		d.logger.Warn("retrying dispatch outcome",
			zap.String("item_id", o.ItemID.String()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if serr := d.sleep(ctx, time.Duration(attempt)*100*time.Millisecond); serr != nil {
			break
		}
	}
	return fmt.Errorf("record outcome for item %s: %w", o.ItemID, err)
}

// recoverClaims closes items an earlier run claimed but never recorded, so
// the batch counters keep matching the history.
func (d *Dispatcher) recoverClaims(ctx context.Context, batch *db.Batch, items []*db.LineItem, summary *Summary) error {
	for _, item := range items {
		if item.SendStatus != db.SendStatusSending {
			continue
		}

		reason := interruptedReason
		batchID := batch.ID
		o := &db.DispatchOutcome{
			ItemID:       item.ID,
			BatchID:      batch.ID,
			Status:       db.SendStatusFailed,
			ErrorMessage: &reason,
			History: &db.HistoryRecord{
				ID:          uuid.New(),
				InvoiceID:   item.InvoiceID,
				CustomerID:  item.CustomerID,
				BatchID:     &batchID,
				Outcome:     db.OutcomeFailed,
				MessageText: item.GeneratedMessage,
				Channel:     d.channel.Name(),
				CreatedAt:   d.clock.Now(),
			},
		}
		if err := d.record(ctx, o); err != nil {
			if errors.Is(err, db.ErrStatusConflict) {
				continue
			}
			return err
		}

		item.SendStatus = db.SendStatusFailed
		summary.Recovered++
		summary.Failed++
		d.logger.Warn("closed abandoned line item claim",
			zap.String("batch_id", batch.ID.String()),
			zap.String("item_id", item.ID.String()),
		)
	}
	return nil
}

func (d *Dispatcher) notify(ctx context.Context, batchID uuid.UUID) {
	if len(d.notifiers) == 0 {
		return
	}

	batch, err := d.repo.GetBatch(ctx, batchID)
	if err != nil {
		d.logger.Warn("failed to reload batch for notifiers",
			zap.String("batch_id", batchID.String()),
			zap.Error(err),
		)
		return
	}

	for _, n := range d.notifiers {
		if err := n.BatchCompleted(ctx, batch); err != nil {
			d.logger.Warn("completion notifier failed",
				zap.String("batch_id", batchID.String()),
				zap.Error(err),
			)
		}
	}
}
