package collections

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/db"
)

// Status names accepted for the two open states, compared case-insensitively
var (
	pendingStatusNames = []string{"pendente", "pending"}
	overdueStatusNames = []string{"atrasado", "overdue"}
)

// AgedInvoice is an open invoice with its computed age and sequence
type AgedInvoice struct {
	*db.Invoice
	Customer *db.Customer
	AgeDays  int
	Sequence int
}

// CustomerGroup is one customer's open invoices, oldest first
type CustomerGroup struct {
	Customer   *db.Customer
	Invoices   []*AgedInvoice
	MaxAgeDays int
}

// Total sums the amounts of the group's invoices
func (g *CustomerGroup) Total() decimal.Decimal {
	total := decimal.Zero
	for _, inv := range g.Invoices {
		total = total.Add(inv.Amount)
	}
	return total
}

// AgeDays is the number of whole calendar days from due to today.
// Negative means the invoice is not yet due.
func AgeDays(today, due time.Time) int {
	t := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)
	d := time.Date(due.Year(), due.Month(), due.Day(), 0, 0, 0, 0, time.UTC)
	return int(t.Sub(d).Hours() / 24)
}

// Aggregate groups open invoices per customer, computing age and the 1-based
// sequence of each invoice among its customer's open invoices by due date.
// Groups come back ordered by customer name then ID.
func Aggregate(open []*db.OpenInvoice, today time.Time) []*CustomerGroup {
	byCustomer := make(map[uuid.UUID]*CustomerGroup)
	var groups []*CustomerGroup

	for _, oi := range open {
		if oi == nil || oi.Invoice == nil || oi.Customer == nil || oi.Invoice.PaidAt != nil {
			continue
		}
		g, ok := byCustomer[oi.Customer.ID]
		if !ok {
			g = &CustomerGroup{Customer: oi.Customer}
			byCustomer[oi.Customer.ID] = g
			groups = append(groups, g)
		}
		g.Invoices = append(g.Invoices, &AgedInvoice{
			Invoice:  oi.Invoice,
			Customer: oi.Customer,
			AgeDays:  AgeDays(today, oi.Invoice.DueDate),
		})
	}

	for _, g := range groups {
		sort.SliceStable(g.Invoices, func(i, j int) bool {
			a, b := g.Invoices[i], g.Invoices[j]
			if !a.DueDate.Equal(b.DueDate) {
				return a.DueDate.Before(b.DueDate)
			}
			return a.ID.String() < b.ID.String()
		})
		for i, inv := range g.Invoices {
			inv.Sequence = i + 1
			if i == 0 || inv.AgeDays > g.MaxAgeDays {
				g.MaxAgeDays = inv.AgeDays
			}
		}
	}

	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i].Customer, groups[j].Customer
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID.String() < b.ID.String()
	})

	return groups
}

// Aggregator loads open invoices and groups them per customer
type Aggregator struct {
	store  InvoiceStore
	logger *zap.Logger
}

func NewAggregator(store InvoiceStore, logger *zap.Logger) *Aggregator {
	return &Aggregator{store: store, logger: logger}
}

// ResolveStatuses maps the include flags to status IDs by name lookup.
// It fails with ErrStatusesNotConfigured when nothing resolves.
func (a *Aggregator) ResolveStatuses(ctx context.Context, includePending, includeOverdue bool) ([]uuid.UUID, error) {
	if !includePending && !includeOverdue {
		return nil, fmt.Errorf("%w: no open status selected", ErrStatusesNotConfigured)
	}

	statuses, err := a.store.ListPaymentStatuses(ctx)
	if err != nil {
		return nil, fmt.Errorf("list payment statuses: %w", err)
	}

	var ids []uuid.UUID
	for _, s := range statuses {
		name := strings.ToLower(strings.TrimSpace(s.Name))
		switch {
		case includePending && contains(pendingStatusNames, name):
			ids = append(ids, s.ID)
		case includeOverdue && contains(overdueStatusNames, name):
			ids = append(ids, s.ID)
		}
	}

	if len(ids) == 0 {
		return nil, ErrStatusesNotConfigured
	}
	return ids, nil
}

// Load returns the customer groups for invoices in the given statuses
func (a *Aggregator) Load(ctx context.Context, statusIDs []uuid.UUID, today time.Time) ([]*CustomerGroup, error) {
	open, err := a.store.ListOpenInvoices(ctx, statusIDs)
	if err != nil {
		return nil, fmt.Errorf("list open invoices: %w", err)
	}

	groups := Aggregate(open, today)

	a.logger.Debug("invoices aggregated",
		zap.Int("invoices", len(open)),
		zap.Int("customers", len(groups)),
	)

	return groups, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
