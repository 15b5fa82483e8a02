package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/ai"
	"github.com/lalithlochan/dunning/internal/clock"
	"github.com/lalithlochan/dunning/internal/collections"
	"github.com/lalithlochan/dunning/internal/db"
	"github.com/lalithlochan/dunning/internal/memstore"
)

var testNow = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*memstore.Store, *collections.Service, *clock.FakeClock) {
	t.Helper()
	clk := clock.NewFakeClock(testNow)
	store := memstore.New(clk)

	store.AddRule(&db.Rule{Direction: db.DirectionAfterDue, OffsetDays: 0, Active: true, Order: 1})
	c := store.AddCustomer(&db.Customer{Name: "Maria Souza", Phone: "5511900000001", TaxID: "123.456.789-09"})
	store.AddInvoice(&db.Invoice{
		CustomerID: c.ID,
		DueDate:    time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
		Amount:     decimal.RequireFromString("99.90"),
		StatusID:   memstore.StatusPendingID,
	})

	svc := collections.NewService(collections.Params{
		Store:     store,
		Generator: ai.TemplateGenerator{},
		Clock:     clk,
		Logger:    zap.NewNop(),
	})
	return store, svc, clk
}

func TestTick_RunsEachScheduleIndependently(t *testing.T) {
	store, svc, clk := setup(t)
	good := store.AddSchedule(&db.ScheduleConfig{IncludePending: true, IncludeOverdue: true, Active: true})
	bad := store.AddSchedule(&db.ScheduleConfig{Active: true})
	inactive := store.AddSchedule(&db.ScheduleConfig{IncludePending: true, Active: false})

	s := New(svc, store, zap.NewNop(), WithClock(clk))
	report := s.Tick(context.Background())

	assert.False(t, report.Success)
	require.Len(t, report.Runs, 2)
	assert.Equal(t, good.ID, report.Runs[0].ScheduleID)
	assert.Empty(t, report.Runs[0].Error)
	assert.Equal(t, bad.ID, report.Runs[1].ScheduleID)
	assert.NotEmpty(t, report.Runs[1].Error)
	assert.Equal(t, "1 of 2 schedules ran", report.Message)

	cfg, _ := store.Schedule(good.ID)
	require.NotNil(t, cfg.LastRunAt)
	assert.True(t, cfg.LastRunAt.Equal(testNow))
	cfg, _ = store.Schedule(bad.ID)
	assert.Nil(t, cfg.LastRunAt)
	cfg, _ = store.Schedule(inactive.ID)
	assert.Nil(t, cfg.LastRunAt)

	first := report.Runs[0]
	require.NotNil(t, first.Batch.BatchID)
	assert.Equal(t, 1, first.Batch.TotalInvoices)
	require.NotNil(t, first.Messages)
	assert.True(t, first.Messages.Success)

	batch, err := store.GetBatch(context.Background(), *first.Batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, db.BatchStatusAwaitingApproval, batch.Status)
	assert.Equal(t, "Cobrança automática 2024-03-10 09:00", batch.Name)
	assert.Equal(t, "scheduler", batch.CreatedBy)
}

func TestTick_WithoutMessageGeneration(t *testing.T) {
	store, svc, clk := setup(t)
	store.AddSchedule(&db.ScheduleConfig{IncludePending: true, Active: true})

	report := New(svc, store, zap.NewNop(), WithClock(clk), WithMessageGeneration(false)).Tick(context.Background())
	require.True(t, report.Success)
	require.Len(t, report.Runs, 1)
	assert.Nil(t, report.Runs[0].Messages)

	batch, err := store.GetBatch(context.Background(), *report.Runs[0].Batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, db.BatchStatusDraft, batch.Status)
}

func TestTick_NoEligibleInvoicesStillStampsRun(t *testing.T) {
	store, svc, clk := setup(t)
	clk.Advance(24 * time.Hour)
	cfg := store.AddSchedule(&db.ScheduleConfig{IncludePending: true, Active: true})

	report := New(svc, store, zap.NewNop(), WithClock(clk)).Tick(context.Background())
	require.True(t, report.Success)
	require.Len(t, report.Runs, 1)
	assert.Nil(t, report.Runs[0].Batch.BatchID)
	assert.Nil(t, report.Runs[0].Messages)

	got, _ := store.Schedule(cfg.ID)
	require.NotNil(t, got.LastRunAt)
}

func TestTick_StoreErrors(t *testing.T) {
	t.Run("listing schedules", func(t *testing.T) {
		store, svc, clk := setup(t)
		store.FailOn("ListActiveSchedules", errors.New("connection reset"))

		report := New(svc, store, zap.NewNop(), WithClock(clk)).Tick(context.Background())
		assert.False(t, report.Success)
		assert.Contains(t, report.Message, "connection reset")
		assert.Empty(t, report.Runs)
	})

	t.Run("stamping the run", func(t *testing.T) {
		store, svc, clk := setup(t)
		store.AddSchedule(&db.ScheduleConfig{IncludePending: true, Active: true})
		store.FailOn("MarkScheduleRun", errors.New("read only"))

		report := New(svc, store, zap.NewNop(), WithClock(clk)).Tick(context.Background())
		assert.False(t, report.Success)
		require.Len(t, report.Runs, 1)
		assert.Contains(t, report.Runs[0].Error, "read only")
		assert.Nil(t, report.Runs[0].Messages)
	})
}

func TestTick_NoSchedules(t *testing.T) {
	store, svc, clk := setup(t)
	report := New(svc, store, zap.NewNop(), WithClock(clk)).Tick(context.Background())
	assert.True(t, report.Success)
	assert.Equal(t, "no active schedules", report.Message)
}
