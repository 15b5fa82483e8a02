package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/dunning/internal/db"
)

func (s *Store) QueueEntryExists(ctx context.Context, invoiceID uuid.UUID, kind db.QueueKind, statuses []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.queue {
		if e.InvoiceID == invoiceID && e.Kind == kind && contains(statuses, e.Status) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) HistoryExistsSince(ctx context.Context, invoiceID uuid.UUID, kind db.QueueKind, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.history {
		if h.InvoiceID != invoiceID || h.CreatedAt.Before(since) {
			continue
		}
		if kind.IsCritical() {
			if h.IsCriticalQueue {
				return true, nil
			}
			continue
		}
		ruleID, _ := kind.RuleID()
		if h.RuleID != nil && *h.RuleID == ruleID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) InsertQueueEntry(ctx context.Context, e *db.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("InsertQueueEntry"); err != nil {
		return err
	}
	e.CreatedAt = s.clock.Now()
	cp := *e
	s.queue = append(s.queue, &cp)
	return nil
}

func (s *Store) ListPendingQueueEntries(ctx context.Context, limit int) ([]*db.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.QueueEntry
	for _, e := range s.queue {
		if e.Status != db.QueueStatusPending {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ClaimQueueEntry(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.queue {
		if e.ID == id {
			if e.Status != db.QueueStatusPending {
				return false, nil
			}
			e.Status = db.QueueStatusProcessing
			e.Attempts++
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) CompleteQueueEntry(ctx context.Context, id uuid.UUID, status string, errorMsg *string, sentAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.queue {
		if e.ID == id {
			if e.Status != db.QueueStatusProcessing {
				return fmt.Errorf("queue entry %s: %w", id, db.ErrStatusConflict)
			}
			e.Status = status
			e.ErrorMessage = errorMsg
			e.SentAt = sentAt
			return nil
		}
	}
	return fmt.Errorf("queue entry %s: %w", id, db.ErrNotFound)
}

func (s *Store) CreateBatch(ctx context.Context, b *db.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateBatch"); err != nil {
		return err
	}
	if _, ok := s.batches[b.ID]; ok {
		return fmt.Errorf("batch %s already exists", b.ID)
	}
	b.CreatedAt = s.clock.Now()
	cp := *b
	s.batches[b.ID] = &cp
	return nil
}

func (s *Store) GetBatch(ctx context.Context, id uuid.UUID) (*db.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, db.ErrNotFound)
	}
	cp := *b
	return &cp, nil
}

func (s *Store) ListBatches(ctx context.Context, limit, offset int) ([]*db.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*db.Batch, 0, len(s.batches))
	for _, b := range s.batches {
		cp := *b
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID.String() < all[j].ID.String()
	})
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// InsertLineItems appends every item and bumps total_faturas, or changes
// nothing on error
func (s *Store) InsertLineItems(ctx context.Context, batchID uuid.UUID, items []*db.LineItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("InsertLineItems"); err != nil {
		return err
	}

	b, ok := s.batches[batchID]
	if !ok {
		return fmt.Errorf("batch %s: %w", batchID, db.ErrNotFound)
	}
	if !b.Editable() {
		return fmt.Errorf("batch %s: %w", batchID, db.ErrStatusConflict)
	}

	staged := make([]*db.LineItem, 0, len(items))
	for _, it := range items {
		it.BatchID = batchID
		cp := *it
		staged = append(staged, &cp)
	}
	s.items = append(s.items, staged...)
	b.TotalInvoices += len(staged)
	return nil
}

func (s *Store) TransitionBatch(ctx context.Context, id uuid.UUID, from, to string, patch db.BatchPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("TransitionBatch"); err != nil {
		return err
	}
	b, ok := s.batches[id]
	if !ok {
		return fmt.Errorf("batch %s: %w", id, db.ErrNotFound)
	}
	if b.Status != from {
		return fmt.Errorf("batch %s not in %s: %w", id, from, db.ErrStatusConflict)
	}
	b.Status = to
	if patch.ApprovedBy != nil {
		b.ApprovedBy = patch.ApprovedBy
	}
	if patch.ApprovedAt != nil {
		b.ApprovedAt = patch.ApprovedAt
	}
	return nil
}

func (s *Store) DeleteBatch(ctx context.Context, id uuid.UUID, allowed []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return fmt.Errorf("batch %s: %w", id, db.ErrNotFound)
	}
	if !contains(allowed, b.Status) {
		return fmt.Errorf("batch %s: %w", id, db.ErrStatusConflict)
	}
	delete(s.batches, id)

	kept := s.items[:0]
	for _, it := range s.items {
		if it.BatchID != id {
			kept = append(kept, it)
		}
	}
	s.items = kept
	return nil
}

func (s *Store) ListLineItems(ctx context.Context, batchID uuid.UUID) ([]*db.LineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.LineItem
	for _, it := range s.items {
		if it.BatchID == batchID {
			cp := *it
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) UpdateLineItemMessage(ctx context.Context, id uuid.UUID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("UpdateLineItemMessage"); err != nil {
		return err
	}
	for _, it := range s.items {
		if it.ID == id {
			msg := message
			it.GeneratedMessage = &msg
			return nil
		}
	}
	return fmt.Errorf("line item %s: %w", id, db.ErrNotFound)
}

func (s *Store) ClaimLineItem(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		if it.ID == id {
			if it.SendStatus != db.SendStatusPending {
				return false, nil
			}
			it.SendStatus = db.SendStatusSending
			it.Attempts++
			return true, nil
		}
	}
	return false, nil
}

// RecordDispatch mirrors the transactional write: every check runs before
// anything is mutated, so a failure leaves item, history and counters as
// they were.
func (s *Store) RecordDispatch(ctx context.Context, o *db.DispatchOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, method := range []string{"RecordDispatch", "AppendHistory"} {
		if err := s.injected(method); err != nil {
			return err
		}
	}

	var item *db.LineItem
	for _, it := range s.items {
		if it.ID == o.ItemID {
			item = it
			break
		}
	}
	if item == nil {
		return fmt.Errorf("line item %s: %w", o.ItemID, db.ErrNotFound)
	}
	if item.SendStatus != db.SendStatusSending {
		return fmt.Errorf("line item %s: %w", o.ItemID, db.ErrStatusConflict)
	}
	b, ok := s.batches[o.BatchID]
	if !ok {
		return fmt.Errorf("batch %s: %w", o.BatchID, db.ErrNotFound)
	}

	item.SendStatus = o.Status
	item.ErrorMessage = o.ErrorMessage
	item.SentAt = o.SentAt

	if o.History.CreatedAt.IsZero() {
		o.History.CreatedAt = s.clock.Now()
	}
	h := *o.History
	s.history = append(s.history, &h)

	if o.Delivered() {
		b.TotalSuccess++
	} else {
		b.TotalFailure++
	}
	b.TotalSent++
	return nil
}

func (s *Store) AppendHistory(ctx context.Context, h *db.HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("AppendHistory"); err != nil {
		return err
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = s.clock.Now()
	}
	cp := *h
	s.history = append(s.history, &cp)
	return nil
}

func (s *Store) ListActiveSchedules(ctx context.Context) ([]*db.ScheduleConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("ListActiveSchedules"); err != nil {
		return nil, err
	}
	var out []*db.ScheduleConfig
	for _, c := range s.schedules {
		if c.Active {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) MarkScheduleRun(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("MarkScheduleRun"); err != nil {
		return err
	}
	for _, c := range s.schedules {
		if c.ID == id {
			t := at
			c.LastRunAt = &t
			return nil
		}
	}
	return fmt.Errorf("schedule %s: %w", id, db.ErrNotFound)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
