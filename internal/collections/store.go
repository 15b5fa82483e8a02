package collections

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/dunning/internal/db"
)

// RuleStore reads dunning rules
type RuleStore interface {
	ListRules(ctx context.Context, activeOnly bool) ([]*db.Rule, error)
}

// InvoiceStore reads the status taxonomy and open invoices
type InvoiceStore interface {
	ListPaymentStatuses(ctx context.Context) ([]*db.PaymentStatus, error)
	ListOpenInvoices(ctx context.Context, statusIDs []uuid.UUID) ([]*db.OpenInvoice, error)
	GetCustomer(ctx context.Context, id uuid.UUID) (*db.Customer, error)
}

// QueueStore persists per-rule and critical queue entries
type QueueStore interface {
	QueueEntryExists(ctx context.Context, invoiceID uuid.UUID, kind db.QueueKind, statuses []string) (bool, error)
	HistoryExistsSince(ctx context.Context, invoiceID uuid.UUID, kind db.QueueKind, since time.Time) (bool, error)
	InsertQueueEntry(ctx context.Context, e *db.QueueEntry) error
}

// BatchStore persists batches and their line items
type BatchStore interface {
	CreateBatch(ctx context.Context, b *db.Batch) error
	GetBatch(ctx context.Context, id uuid.UUID) (*db.Batch, error)
	ListBatches(ctx context.Context, limit, offset int) ([]*db.Batch, error)
	InsertLineItems(ctx context.Context, batchID uuid.UUID, items []*db.LineItem) error
	TransitionBatch(ctx context.Context, id uuid.UUID, from, to string, patch db.BatchPatch) error
	DeleteBatch(ctx context.Context, id uuid.UUID, allowed []string) error
	ListLineItems(ctx context.Context, batchID uuid.UUID) ([]*db.LineItem, error)
	UpdateLineItemMessage(ctx context.Context, id uuid.UUID, message string) error
}

// ScheduleStore reads schedule configurations
type ScheduleStore interface {
	ListActiveSchedules(ctx context.Context) ([]*db.ScheduleConfig, error)
	MarkScheduleRun(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Store is everything the engine needs from persistence
type Store interface {
	RuleStore
	InvoiceStore
	QueueStore
	BatchStore
	ScheduleStore
}
