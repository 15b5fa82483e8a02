package collections

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/auth"
	"github.com/lalithlochan/dunning/internal/clock"
	"github.com/lalithlochan/dunning/internal/db"
)

// MaxMessageLength bounds generated and edited messages, in runes
const MaxMessageLength = 500

var transitions = map[string][]string{
	db.BatchStatusDraft:            {db.BatchStatusAwaitingApproval, db.BatchStatusCancelled},
	db.BatchStatusAwaitingApproval: {db.BatchStatusApproved, db.BatchStatusCancelled},
	db.BatchStatusApproved:         {db.BatchStatusInProgress},
	db.BatchStatusInProgress:       {db.BatchStatusCompleted},
}

// editableStatuses are the only states in which items may change or the
// batch may be cancelled or deleted
var editableStatuses = []string{db.BatchStatusDraft, db.BatchStatusAwaitingApproval}

// CanTransition reports whether from -> to is an edge of the batch lifecycle
func CanTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Workflow guards batch status changes
type Workflow struct {
	store  BatchStore
	clock  clock.Clock
	logger *zap.Logger
}

func NewWorkflow(store BatchStore, clk clock.Clock, logger *zap.Logger) *Workflow {
	return &Workflow{store: store, clock: clk, logger: logger}
}

func (w *Workflow) transition(ctx context.Context, batch *db.Batch, to string, patch db.BatchPatch) error {
	if !CanTransition(batch.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, batch.Status, to)
	}

	err := w.store.TransitionBatch(ctx, batch.ID, batch.Status, to, patch)
	if errors.Is(err, db.ErrStatusConflict) {
		return fmt.Errorf("%w: batch changed concurrently", ErrInvalidTransition)
	}
	if err != nil {
		return err
	}

	batch.Status = to
	if patch.ApprovedBy != nil {
		batch.ApprovedBy = patch.ApprovedBy
		batch.ApprovedAt = patch.ApprovedAt
	}
	return nil
}

// Submit moves a draft with at least one line item to awaiting_approval
func (w *Workflow) Submit(ctx context.Context, batchID uuid.UUID) (*db.Batch, error) {
	batch, err := w.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status != db.BatchStatusDraft {
		return nil, fmt.Errorf("%w: submit requires draft, batch is %s", ErrInvalidTransition, batch.Status)
	}

	items, err := w.store.ListLineItems(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("list line items: %w", err)
	}
	if len(items) == 0 {
		return nil, ErrNoLineItems
	}

	if err := w.transition(ctx, batch, db.BatchStatusAwaitingApproval, db.BatchPatch{}); err != nil {
		return nil, err
	}
	return batch, nil
}

// Approve stamps the approver. Only admins may approve.
func (w *Workflow) Approve(ctx context.Context, actor auth.Actor, batchID uuid.UUID) (*db.Batch, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}

	batch, err := w.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status != db.BatchStatusAwaitingApproval {
		return nil, fmt.Errorf("%w: approve requires awaiting_approval, batch is %s", ErrInvalidTransition, batch.Status)
	}

	now := w.clock.Now()
	approver := actor.UserID
	patch := db.BatchPatch{ApprovedBy: &approver, ApprovedAt: &now}
	if err := w.transition(ctx, batch, db.BatchStatusApproved, patch); err != nil {
		return nil, err
	}

	w.logger.Info("batch approved",
		zap.String("batch_id", batchID.String()),
		zap.String("approved_by", approver),
	)
	return batch, nil
}

// BeginDispatch claims an approved batch for dispatch. Exactly one caller wins.
func (w *Workflow) BeginDispatch(ctx context.Context, batchID uuid.UUID) (*db.Batch, error) {
	batch, err := w.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status != db.BatchStatusApproved {
		return nil, fmt.Errorf("%w: dispatch requires approved, batch is %s", ErrInvalidTransition, batch.Status)
	}
	if err := w.transition(ctx, batch, db.BatchStatusInProgress, db.BatchPatch{}); err != nil {
		return nil, err
	}
	return batch, nil
}

// RevertDispatch puts a batch back to approved when the dispatch task could
// not be handed off
func (w *Workflow) RevertDispatch(ctx context.Context, batchID uuid.UUID) error {
	return w.store.TransitionBatch(ctx, batchID, db.BatchStatusInProgress, db.BatchStatusApproved, db.BatchPatch{})
}

// BeginResume checks that a stalled batch may be handed to the runner again.
// The batch keeps its in_progress status. Admin only.
func (w *Workflow) BeginResume(ctx context.Context, actor auth.Actor, batchID uuid.UUID) (*db.Batch, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}

	batch, err := w.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status != db.BatchStatusInProgress {
		return nil, fmt.Errorf("%w: resume requires in_progress, batch is %s", ErrInvalidTransition, batch.Status)
	}
	return batch, nil
}

// Cancel marks an editable batch cancelled. Admin only.
func (w *Workflow) Cancel(ctx context.Context, actor auth.Actor, batchID uuid.UUID) (*db.Batch, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}

	batch, err := w.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if err := w.transition(ctx, batch, db.BatchStatusCancelled, db.BatchPatch{}); err != nil {
		return nil, err
	}
	return batch, nil
}

// Delete removes an editable batch and its items. Admin only.
func (w *Workflow) Delete(ctx context.Context, actor auth.Actor, batchID uuid.UUID) error {
	if !actor.IsAdmin() {
		return ErrForbidden
	}

	err := w.store.DeleteBatch(ctx, batchID, editableStatuses)
	if errors.Is(err, db.ErrStatusConflict) {
		return fmt.Errorf("%w: only draft or awaiting_approval batches can be deleted", ErrInvalidTransition)
	}
	return err
}

// EditLineItemMessage replaces one item's message while the batch is editable
func (w *Workflow) EditLineItemMessage(ctx context.Context, batchID, itemID uuid.UUID, text string) (*db.LineItem, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	text = Truncate(text, MaxMessageLength)

	batch, err := w.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if !batch.Editable() {
		return nil, fmt.Errorf("%w: messages can only change before approval, batch is %s", ErrInvalidTransition, batch.Status)
	}

	items, err := w.store.ListLineItems(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("list line items: %w", err)
	}

	var item *db.LineItem
	for _, it := range items {
		if it.ID == itemID {
			item = it
			break
		}
	}
	if item == nil {
		return nil, fmt.Errorf("line item %s in batch %s: %w", itemID, batchID, ErrNotFound)
	}

	if err := w.store.UpdateLineItemMessage(ctx, itemID, text); err != nil {
		return nil, err
	}
	item.GeneratedMessage = &text
	return item, nil
}

// Truncate cuts s to at most n runes
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n]))
}
