package collections

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/ai"
	"github.com/lalithlochan/dunning/internal/auth"
	"github.com/lalithlochan/dunning/internal/clock"
	"github.com/lalithlochan/dunning/internal/db"
	"github.com/lalithlochan/dunning/internal/memstore"
)

var testNow = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

var (
	admin    = auth.Actor{UserID: "ana.admin", Role: auth.RoleAdmin}
	operator = auth.Actor{UserID: "otavio.op", Role: auth.RoleOperator}
)

type fakeRunner struct {
	mu       sync.Mutex
	err      error
	started  []uuid.UUID
	interval time.Duration
	live     map[uuid.UUID]bool
}

func (r *fakeRunner) Running(batchID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live[batchID]
}

func (r *fakeRunner) Start(_ context.Context, batchID uuid.UUID, interval time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.started = append(r.started, batchID)
	r.interval = interval
	return nil
}

// scriptedGenerator fails for the named customers and echoes otherwise
type scriptedGenerator struct {
	fail map[string]bool
	text func(ai.MessageContext) string
	seen []ai.MessageContext
}

func (g *scriptedGenerator) Generate(_ context.Context, mc ai.MessageContext) (string, error) {
	g.seen = append(g.seen, mc)
	if g.fail[mc.CustomerName] {
		return "", errors.New("model overloaded")
	}
	if g.text != nil {
		return g.text(mc), nil
	}
	return "Olá " + mc.CustomerName, nil
}

type fixture struct {
	store  *memstore.Store
	clk    *clock.FakeClock
	runner *fakeRunner
	gen    MessageGenerator
	svc    *Service
}

func newFixture(t *testing.T, opts ...func(*Params)) *fixture {
	t.Helper()
	clk := clock.NewFakeClock(testNow)
	f := &fixture{
		store:  memstore.New(clk),
		clk:    clk,
		runner: &fakeRunner{},
	}
	p := Params{
		Store:     f.store,
		Generator: ai.TemplateGenerator{},
		Runner:    f.runner,
		Clock:     clk,
		Logger:    zap.NewNop(),
	}
	for _, o := range opts {
		o(&p)
	}
	f.gen = p.Generator
	f.svc = NewService(p)
	return f
}

func withGenerator(g MessageGenerator) func(*Params) {
	return func(p *Params) { p.Generator = g }
}

func (f *fixture) rule(direction string, offset, order int) *db.Rule {
	return f.store.AddRule(&db.Rule{Direction: direction, OffsetDays: offset, Active: true, Order: order})
}

func (f *fixture) customer(name, phone string) *db.Customer {
	return f.store.AddCustomer(&db.Customer{Name: name, Phone: phone, TaxID: "123.456.789-09"})
}

// invoice adds an invoice that is age days past due today
func (f *fixture) invoice(c *db.Customer, age int, status uuid.UUID, amount string) *db.Invoice {
	return f.store.AddInvoice(&db.Invoice{
		CustomerID:     c.ID,
		ReferenceMonth: "2024-02",
		DueDate:        testNow.AddDate(0, 0, -age),
		Amount:         decimal.RequireFromString(amount),
		StatusID:       status,
	})
}

func allOpen() GenerationFilter {
	return GenerationFilter{IncludeOverdue: true, IncludePending: true}
}
