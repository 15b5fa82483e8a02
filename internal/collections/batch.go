package collections

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/clock"
	"github.com/lalithlochan/dunning/internal/db"
)

// Builder creates batches and fills them with line items
type Builder struct {
	store  BatchStore
	clock  clock.Clock
	logger *zap.Logger
}

func NewBuilder(store BatchStore, clk clock.Clock, logger *zap.Logger) *Builder {
	return &Builder{store: store, clock: clk, logger: logger}
}

// DefaultBatchName names a batch after the day it was generated
func DefaultBatchName(c clock.Clock) string {
	return "Cobrança " + c.Now().Format("2006-01-02")
}

// Create inserts an empty draft batch
func (b *Builder) Create(ctx context.Context, name, createdBy string) (*db.Batch, error) {
	if name == "" {
		name = DefaultBatchName(b.clock)
	}

	batch := &db.Batch{
		ID:        uuid.New(),
		Name:      name,
		Status:    db.BatchStatusDraft,
		CreatedBy: createdBy,
	}
	if err := b.store.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}
	return batch, nil
}

// LineItemsFor flattens customer groups into one pending line item per
// invoice. The phone is a snapshot taken now.
func LineItemsFor(groups []*CustomerGroup) []*db.LineItem {
	var items []*db.LineItem
	for _, g := range groups {
		for _, inv := range g.Invoices {
			items = append(items, &db.LineItem{
				ID:         uuid.New(),
				InvoiceID:  inv.ID,
				CustomerID: g.Customer.ID,
				Phone:      g.Customer.Phone,
				SendStatus: db.SendStatusPending,
			})
		}
	}
	return items
}

// AddLineItems inserts the groups' invoices into the batch. Either all items
// are written together with the total_faturas update or none are.
func (b *Builder) AddLineItems(ctx context.Context, batchID uuid.UUID, groups []*CustomerGroup) (int, error) {
	items := LineItemsFor(groups)
	if len(items) == 0 {
		return 0, nil
	}

	if err := b.store.InsertLineItems(ctx, batchID, items); err != nil {
		return 0, fmt.Errorf("add line items: %w", err)
	}

	b.logger.Debug("line items built",
		zap.String("batch_id", batchID.String()),
		zap.Int("customers", len(groups)),
		zap.Int("items", len(items)),
	)

	return len(items), nil
}
