package collections

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/ai"
	"github.com/lalithlochan/dunning/internal/db"
	"github.com/lalithlochan/dunning/internal/metrics"
)

// MessageGenerator writes one message per customer
type MessageGenerator interface {
	Generate(ctx context.Context, mc ai.MessageContext) (string, error)
}

// GenerationOutcome counts what a message generation run did
type GenerationOutcome struct {
	Customers int
	Generated int
	Failed    int
}

type customerItems struct {
	customerID uuid.UUID
	items      []*db.LineItem
}

// groupItems keeps customers in the order their first item appears
func groupItems(items []*db.LineItem) []*customerItems {
	idx := make(map[uuid.UUID]*customerItems)
	var out []*customerItems
	for _, it := range items {
		ci, ok := idx[it.CustomerID]
		if !ok {
			ci = &customerItems{customerID: it.CustomerID}
			idx[it.CustomerID] = ci
			out = append(out, ci)
		}
		ci.items = append(ci.items, it)
	}
	return out
}

// messageContext builds the generator input for one customer's items. Invoices
// that are no longer open still count but contribute no age or amount.
func messageContext(customer *db.Customer, items []*db.LineItem, open map[uuid.UUID]*AgedInvoice) ai.MessageContext {
	mc := ai.MessageContext{
		CustomerName: customer.Name,
		InvoiceCount: len(items),
		TotalAmount:  decimal.Zero,
		TaxIDSuffix:  ai.TaxIDSuffix(customer.TaxID),
	}

	first := true
	for _, it := range items {
		inv, ok := open[it.InvoiceID]
		if !ok {
			continue
		}
		mc.TotalAmount = mc.TotalAmount.Add(inv.Amount)
		if first || inv.AgeDays > mc.MaxAgeDays {
			mc.MaxAgeDays = inv.AgeDays
			first = false
		}
	}
	return mc
}

// generateMessages fills in messages for every customer of the batch. A
// customer whose generation fails keeps no message and is skipped at dispatch.
func (s *Service) generateMessages(ctx context.Context, batch *db.Batch, items []*db.LineItem, now time.Time) (GenerationOutcome, error) {
	var out GenerationOutcome

	statusIDs, err := s.aggregator.ResolveStatuses(ctx, true, true)
	if err != nil {
		return out, err
	}
	groups, err := s.aggregator.Load(ctx, statusIDs, now)
	if err != nil {
		return out, err
	}

	open := make(map[uuid.UUID]*AgedInvoice)
	customers := make(map[uuid.UUID]*db.Customer)
	for _, g := range groups {
		customers[g.Customer.ID] = g.Customer
		for _, inv := range g.Invoices {
			open[inv.ID] = inv
		}
	}

	for _, ci := range groupItems(items) {
		out.Customers++

		customer, ok := customers[ci.customerID]
		if !ok {
			customer, err = s.store.GetCustomer(ctx, ci.customerID)
			if err != nil {
				return out, fmt.Errorf("load customer %s: %w", ci.customerID, err)
			}
		}

		text, err := s.generator.Generate(ctx, messageContext(customer, ci.items, open))
		if err == nil && strings.TrimSpace(text) == "" {
			err = ai.ErrEmptyMessage
		}
		if err != nil {
			out.Failed++
			metrics.RecordGenerationFailure()
			s.logger.Warn("message generation failed for customer",
				zap.String("batch_id", batch.ID.String()),
				zap.String("customer_id", ci.customerID.String()),
				zap.Error(err),
			)
			continue
		}

		text = Truncate(strings.TrimSpace(text), MaxMessageLength)
		for _, it := range ci.items {
			if err := s.store.UpdateLineItemMessage(ctx, it.ID, text); err != nil {
				return out, fmt.Errorf("store message for item %s: %w", it.ID, err)
			}
			msg := text
			it.GeneratedMessage = &msg
		}
		out.Generated++
	}

	return out, nil
}
