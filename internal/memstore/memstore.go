// Package memstore is an in-memory implementation of every repository
// contract. It backs tests and STORE=memory local runs.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/dunning/internal/clock"
	"github.com/lalithlochan/dunning/internal/db"
)

// Fixed IDs of the seeded status taxonomy
var (
	StatusPendingID   = uuid.MustParse("6f1c1f3e-0000-4000-8000-000000000001")
	StatusOverdueID   = uuid.MustParse("6f1c1f3e-0000-4000-8000-000000000002")
	StatusPaidID      = uuid.MustParse("6f1c1f3e-0000-4000-8000-000000000003")
	StatusCancelledID = uuid.MustParse("6f1c1f3e-0000-4000-8000-000000000004")
)

// Store keeps every table in maps guarded by one mutex
type Store struct {
	mu    sync.Mutex
	clock clock.Clock

	statuses  []*db.PaymentStatus
	rules     []*db.Rule
	customers map[uuid.UUID]*db.Customer
	invoices  []*db.Invoice
	queue     []*db.QueueEntry
	batches   map[uuid.UUID]*db.Batch
	items     []*db.LineItem
	history   []*db.HistoryRecord
	schedules []*db.ScheduleConfig

	errs map[string]error
}

// New returns a store seeded with the Pendente/Atrasado/Pago/Cancelado statuses
func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{
		clock:     clk,
		customers: make(map[uuid.UUID]*db.Customer),
		batches:   make(map[uuid.UUID]*db.Batch),
		errs:      make(map[string]error),
		statuses: []*db.PaymentStatus{
			{ID: StatusPendingID, Name: "Pendente", Order: 1, Active: true},
			{ID: StatusOverdueID, Name: "Atrasado", Order: 2, Active: true},
			{ID: StatusPaidID, Name: "Pago", Order: 3, Active: true},
			{ID: StatusCancelledID, Name: "Cancelado", Order: 4, Active: true},
		},
	}
}

// FailOn makes the named method return err until cleared with a nil err
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.errs, method)
		return
	}
	s.errs[method] = err
}

func (s *Store) injected(method string) error {
	return s.errs[method]
}

// SetStatuses replaces the status taxonomy
func (s *Store) SetStatuses(statuses ...*db.PaymentStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = statuses
}

func (s *Store) AddRule(r *db.Rule) *db.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	cp := *r
	s.rules = append(s.rules, &cp)
	return r
}

func (s *Store) AddCustomer(c *db.Customer) *db.Customer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	cp := *c
	s.customers[c.ID] = &cp
	return c
}

func (s *Store) AddInvoice(inv *db.Invoice) *db.Invoice {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	if inv.BillingID == uuid.Nil {
		inv.BillingID = uuid.New()
	}
	cp := *inv
	s.invoices = append(s.invoices, &cp)
	return inv
}

func (s *Store) AddSchedule(c *db.ScheduleConfig) *db.ScheduleConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	cp := *c
	s.schedules = append(s.schedules, &cp)
	return c
}

// QueueEntries returns a copy of every queue entry
func (s *Store) QueueEntries() []*db.QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*db.QueueEntry, 0, len(s.queue))
	for _, e := range s.queue {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// History returns a copy of every history record
func (s *Store) History() []*db.HistoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*db.HistoryRecord, 0, len(s.history))
	for _, h := range s.history {
		cp := *h
		out = append(out, &cp)
	}
	return out
}

func (s *Store) Schedule(id uuid.UUID) (*db.ScheduleConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.schedules {
		if c.ID == id {
			cp := *c
			return &cp, true
		}
	}
	return nil, false
}

func (s *Store) ListPaymentStatuses(ctx context.Context) ([]*db.PaymentStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("ListPaymentStatuses"); err != nil {
		return nil, err
	}
	out := make([]*db.PaymentStatus, 0, len(s.statuses))
	for _, st := range s.statuses {
		cp := *st
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) ListRules(ctx context.Context, activeOnly bool) ([]*db.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("ListRules"); err != nil {
		return nil, err
	}
	var out []*db.Rule
	for _, r := range s.rules {
		if activeOnly && !r.Active {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].OffsetDays < out[j].OffsetDays
	})
	return out, nil
}

func (s *Store) ListOpenInvoices(ctx context.Context, statusIDs []uuid.UUID) ([]*db.OpenInvoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("ListOpenInvoices"); err != nil {
		return nil, err
	}

	want := make(map[uuid.UUID]bool, len(statusIDs))
	for _, id := range statusIDs {
		want[id] = true
	}

	customers := make(map[uuid.UUID]*db.Customer)
	var out []*db.OpenInvoice
	for _, inv := range s.invoices {
		if !want[inv.StatusID] || inv.PaidAt != nil {
			continue
		}
		c, ok := s.customers[inv.CustomerID]
		if !ok {
			continue
		}
		cc, ok := customers[c.ID]
		if !ok {
			cp := *c
			cc = &cp
			customers[c.ID] = cc
		}
		ic := *inv
		out = append(out, &db.OpenInvoice{Invoice: &ic, Customer: cc})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Customer.ID != b.Customer.ID {
			return a.Customer.ID.String() < b.Customer.ID.String()
		}
		return a.Invoice.DueDate.Before(b.Invoice.DueDate)
	})
	return out, nil
}

func (s *Store) GetInvoice(ctx context.Context, id uuid.UUID) (*db.OpenInvoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range s.invoices {
		if inv.ID != id {
			continue
		}
		c, ok := s.customers[inv.CustomerID]
		if !ok {
			return nil, fmt.Errorf("customer %s: %w", inv.CustomerID, db.ErrNotFound)
		}
		ic, cc := *inv, *c
		return &db.OpenInvoice{Invoice: &ic, Customer: &cc}, nil
	}
	return nil, fmt.Errorf("invoice %s: %w", id, db.ErrNotFound)
}

func (s *Store) GetCustomer(ctx context.Context, id uuid.UUID) (*db.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[id]
	if !ok {
		return nil, fmt.Errorf("customer %s: %w", id, db.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

// MarkPaid stamps data_pagamento on an invoice
func (s *Store) MarkPaid(id uuid.UUID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range s.invoices {
		if inv.ID == id {
			paid := at
			inv.PaidAt = &paid
			inv.StatusID = StatusPaidID
		}
	}
}
