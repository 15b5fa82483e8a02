package collections

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/auth"
	"github.com/lalithlochan/dunning/internal/clock"
	"github.com/lalithlochan/dunning/internal/db"
	"github.com/lalithlochan/dunning/internal/metrics"
)

// DefaultSendInterval is the pause between two dispatch attempts
const DefaultSendInterval = time.Second

// ErrNoMessagesGenerated is returned when generation failed for every customer
var ErrNoMessagesGenerated = errors.New("message generation failed for every customer")

// Batch triggers, used as the metrics label
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
)

// Result is the outcome of every entry point
type Result struct {
	Success          bool         `json:"success"`
	Message          string       `json:"message"`
	BatchID          *uuid.UUID   `json:"batch_id,omitempty"`
	Batch            *db.Batch    `json:"batch,omitempty"`
	Item             *db.LineItem `json:"item,omitempty"`
	TotalInvoices    int          `json:"total_invoices,omitempty"`
	TotalCustomers   int          `json:"total_customers,omitempty"`
	CriticalCount    int          `json:"critical_count,omitempty"`
	QueueAdded       int          `json:"queue_added,omitempty"`
	Generated        int          `json:"generated,omitempty"`
	GenerationFailed int          `json:"generation_failed,omitempty"`

	// Err keeps the cause for callers that map failures, e.g. to HTTP status
	Err error `json:"-"`
}

func fail(err error) Result {
	return Result{Success: false, Message: err.Error(), Err: err}
}

func withBatch(msg string, b *db.Batch) Result {
	id := b.ID
	return Result{Success: true, Message: msg, BatchID: &id, Batch: b}
}

// GenerationFilter narrows an ad-hoc or scheduled batch
type GenerationFilter struct {
	Name             string `json:"name"`
	IncludeOverdue   bool   `json:"include_overdue"`
	IncludePending   bool   `json:"include_pending"`
	MinAgeDays       int    `json:"min_age_days"`
	InvoiceSequences []int  `json:"invoice_sequences"`
	Trigger          string `json:"-"`
}

func (f GenerationFilter) keep(inv *AgedInvoice) bool {
	if f.MinAgeDays > 0 && inv.AgeDays < f.MinAgeDays {
		return false
	}
	if len(f.InvoiceSequences) == 0 {
		return true
	}
	for _, seq := range f.InvoiceSequences {
		if inv.Sequence == seq {
			return true
		}
	}
	return false
}

// FilterFromSchedule turns a schedule configuration into generation filters
func FilterFromSchedule(cfg *db.ScheduleConfig) GenerationFilter {
	return GenerationFilter{
		IncludeOverdue:   cfg.IncludeOverdue,
		IncludePending:   cfg.IncludePending,
		MinAgeDays:       cfg.MinAgeDays,
		InvoiceSequences: cfg.InvoiceSequences,
		Trigger:          TriggerScheduled,
	}
}

// Runner carries an in_progress batch through dispatch
type Runner interface {
	Start(ctx context.Context, batchID uuid.UUID, interval time.Duration) error
}

// liveRunner is implemented by runners that can tell whether a batch is
// still being worked on in this process
type liveRunner interface {
	Running(batchID uuid.UUID) bool
}

// Progress is the polling view of a batch being dispatched
type Progress struct {
	BatchID        uuid.UUID `json:"batch_id"`
	Status         string    `json:"status"`
	TotalInvoices  int       `json:"total_invoices"`
	TotalSent      int       `json:"total_sent"`
	TotalSuccess   int       `json:"total_success"`
	TotalFailure   int       `json:"total_failure"`
	Pending        int       `json:"pending"`
	WithoutMessage int       `json:"without_message"`
}

// Params wires a Service
type Params struct {
	Store               Store
	Generator           MessageGenerator
	Runner              Runner
	Clock               clock.Clock
	Logger              *zap.Logger
	CriticalAgeDays     int
	DedupeWindow        time.Duration
	DefaultSendInterval time.Duration
}

// Service is the collections engine entry point
type Service struct {
	store           Store
	generator       MessageGenerator
	runner          Runner
	clock           clock.Clock
	logger          *zap.Logger
	defaultInterval time.Duration

	aggregator *Aggregator
	evaluator  *Evaluator
	populator  *Populator
	builder    *Builder
	workflow   *Workflow
}

func NewService(p Params) *Service {
	if p.Clock == nil {
		p.Clock = clock.Real()
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.DefaultSendInterval <= 0 {
		p.DefaultSendInterval = DefaultSendInterval
	}

	return &Service{
		store:           p.Store,
		generator:       p.Generator,
		runner:          p.Runner,
		clock:           p.Clock,
		logger:          p.Logger,
		defaultInterval: p.DefaultSendInterval,
		aggregator:      NewAggregator(p.Store, p.Logger),
		evaluator:       NewEvaluator(p.CriticalAgeDays, p.Logger),
		populator:       NewPopulator(p.Store, p.Clock, p.DedupeWindow, p.Logger),
		builder:         NewBuilder(p.Store, p.Clock, p.Logger),
		workflow:        NewWorkflow(p.Store, p.Clock, p.Logger),
	}
}

// SetRunner attaches the dispatch runner after construction
func (s *Service) SetRunner(r Runner) {
	s.runner = r
}

func (s *Service) activeRules(ctx context.Context) ([]*db.Rule, error) {
	rules, err := s.store.ListRules(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	active := s.evaluator.ActiveRules(rules)
	if len(active) == 0 {
		return nil, ErrNoActiveRules
	}
	return active, nil
}

// PopulateQueue runs the rule-driven flow: every match and every critical
// invoice is queued once.
func (s *Service) PopulateQueue(ctx context.Context) Result {
	statusIDs, err := s.aggregator.ResolveStatuses(ctx, true, true)
	if err != nil {
		return fail(err)
	}
	rules, err := s.activeRules(ctx)
	if err != nil {
		return fail(err)
	}

	groups, err := s.aggregator.Load(ctx, statusIDs, s.clock.Now())
	if err != nil {
		return fail(err)
	}
	ev := s.evaluator.Evaluate(groups, rules)

	res, err := s.populator.Populate(ctx, ev)
	if err != nil {
		return fail(err)
	}

	return Result{
		Success:        true,
		Message:        fmt.Sprintf("%d queue entries added", res.Added),
		QueueAdded:     res.Added,
		CriticalCount:  len(ev.Critical),
		TotalCustomers: len(groups),
	}
}

// selectGroups keeps eligible invoices that pass the filter, grouped by
// customer in aggregation order. Each invoice appears once.
func selectGroups(groups []*CustomerGroup, eligible []*AgedInvoice, f GenerationFilter) []*CustomerGroup {
	keep := make(map[*AgedInvoice]bool, len(eligible))
	for _, inv := range eligible {
		if f.keep(inv) {
			keep[inv] = true
		}
	}

	var out []*CustomerGroup
	for _, g := range groups {
		sel := &CustomerGroup{Customer: g.Customer}
		for _, inv := range g.Invoices {
			if !keep[inv] {
				continue
			}
			if len(sel.Invoices) == 0 || inv.AgeDays > sel.MaxAgeDays {
				sel.MaxAgeDays = inv.AgeDays
			}
			sel.Invoices = append(sel.Invoices, inv)
		}
		if len(sel.Invoices) > 0 {
			out = append(out, sel)
		}
	}
	return out
}

// GenerateBatch builds a draft batch from today's rule matches. Critical
// invoices are left to the critical queue and only counted.
func (s *Service) GenerateBatch(ctx context.Context, actor auth.Actor, f GenerationFilter) Result {
	if f.Trigger == "" {
		f.Trigger = TriggerManual
	}

	statusIDs, err := s.aggregator.ResolveStatuses(ctx, f.IncludePending, f.IncludeOverdue)
	if err != nil {
		return fail(err)
	}
	rules, err := s.activeRules(ctx)
	if err != nil {
		return fail(err)
	}

	groups, err := s.aggregator.Load(ctx, statusIDs, s.clock.Now())
	if err != nil {
		return fail(err)
	}
	ev := s.evaluator.Evaluate(groups, rules)
	selected := selectGroups(groups, ev.EligibleInvoices(), f)

	if len(selected) == 0 {
		return Result{
			Success:       true,
			Message:       "no eligible invoices",
			CriticalCount: len(ev.Critical),
		}
	}

	createdBy := actor.UserID
	if createdBy == "" {
		createdBy = auth.System().UserID
	}

	batch, err := s.builder.Create(ctx, f.Name, createdBy)
	if err != nil {
		return fail(err)
	}

	n, err := s.builder.AddLineItems(ctx, batch.ID, selected)
	if err != nil {
		if delErr := s.store.DeleteBatch(ctx, batch.ID, editableStatuses); delErr != nil {
			s.logger.Error("failed to remove empty batch after line item failure",
				zap.String("batch_id", batch.ID.String()),
				zap.Error(delErr),
			)
		}
		return fail(err)
	}
	batch.TotalInvoices = n

	metrics.RecordBatchCreated(f.Trigger)
	s.logger.Info("batch generated",
		zap.String("batch_id", batch.ID.String()),
		zap.String("trigger", f.Trigger),
		zap.Int("invoices", n),
		zap.Int("customers", len(selected)),
		zap.Int("critical", len(ev.Critical)),
	)

	res := withBatch(fmt.Sprintf("batch created with %d invoices", n), batch)
	res.TotalInvoices = n
	res.TotalCustomers = len(selected)
	res.CriticalCount = len(ev.Critical)
	return res
}

// GenerateMessages writes a message for every customer of a draft batch that
// has none yet, then submits the batch for approval.
func (s *Service) GenerateMessages(ctx context.Context, batchID uuid.UUID) Result {
	if s.generator == nil {
		return fail(fmt.Errorf("%w: no message generator", ErrChannelNotConfigured))
	}

	batch, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return fail(err)
	}
	if batch.Status != db.BatchStatusDraft {
		return fail(fmt.Errorf("%w: generation requires draft, batch is %s", ErrInvalidTransition, batch.Status))
	}

	items, err := s.store.ListLineItems(ctx, batchID)
	if err != nil {
		return fail(fmt.Errorf("list line items: %w", err))
	}
	if len(items) == 0 {
		return fail(ErrNoLineItems)
	}
	for _, it := range items {
		if it.HasMessage() {
			return fail(ErrMessagesAlreadyGenerated)
		}
	}

	out, err := s.generateMessages(ctx, batch, items, s.clock.Now())
	if err != nil {
		return fail(err)
	}

	if out.Generated == 0 {
		res := fail(ErrNoMessagesGenerated)
		res.TotalCustomers = out.Customers
		res.GenerationFailed = out.Failed
		return res
	}

	if err := s.workflow.transition(ctx, batch, db.BatchStatusAwaitingApproval, db.BatchPatch{}); err != nil {
		return fail(err)
	}

	res := withBatch(fmt.Sprintf("messages generated for %d of %d customers", out.Generated, out.Customers), batch)
	res.TotalCustomers = out.Customers
	res.Generated = out.Generated
	res.GenerationFailed = out.Failed
	return res
}

func (s *Service) Submit(ctx context.Context, batchID uuid.UUID) Result {
	batch, err := s.workflow.Submit(ctx, batchID)
	if err != nil {
		return fail(err)
	}
	return withBatch("batch submitted for approval", batch)
}

func (s *Service) Approve(ctx context.Context, actor auth.Actor, batchID uuid.UUID) Result {
	batch, err := s.workflow.Approve(ctx, actor, batchID)
	if err != nil {
		return fail(err)
	}
	return withBatch("batch approved", batch)
}

func (s *Service) Cancel(ctx context.Context, actor auth.Actor, batchID uuid.UUID) Result {
	batch, err := s.workflow.Cancel(ctx, actor, batchID)
	if err != nil {
		return fail(err)
	}
	return withBatch("batch cancelled", batch)
}

func (s *Service) Delete(ctx context.Context, actor auth.Actor, batchID uuid.UUID) Result {
	if err := s.workflow.Delete(ctx, actor, batchID); err != nil {
		return fail(err)
	}
	id := batchID
	return Result{Success: true, Message: "batch deleted", BatchID: &id}
}

func (s *Service) EditLineItemMessage(ctx context.Context, batchID, itemID uuid.UUID, text string) Result {
	item, err := s.workflow.EditLineItemMessage(ctx, batchID, itemID, text)
	if err != nil {
		return fail(err)
	}
	id := batchID
	return Result{Success: true, Message: "message updated", BatchID: &id, Item: item}
}

// StartDispatch moves an approved batch to in_progress and hands it to the
// runner. The runner, not this call, completes the batch.
func (s *Service) StartDispatch(ctx context.Context, batchID uuid.UUID) Result {
	if s.runner == nil {
		return fail(ErrChannelNotConfigured)
	}

	batch, err := s.workflow.BeginDispatch(ctx, batchID)
	if err != nil {
		return fail(err)
	}

	interval := s.SendInterval(ctx)
	if err := s.runner.Start(ctx, batchID, interval); err != nil {
		if revertErr := s.workflow.RevertDispatch(ctx, batchID); revertErr != nil {
			s.logger.Error("failed to revert batch after runner error",
				zap.String("batch_id", batchID.String()),
				zap.Error(revertErr),
			)
		}
		return fail(fmt.Errorf("start dispatch: %w", err))
	}

	s.logger.Info("dispatch started",
		zap.String("batch_id", batchID.String()),
		zap.Duration("interval", interval),
	)
	return withBatch("dispatch started", batch)
}

// ResumeDispatch restarts a batch left in_progress by a run that died or was
// stopped at shutdown. Items already sent are not sent again.
func (s *Service) ResumeDispatch(ctx context.Context, actor auth.Actor, batchID uuid.UUID) Result {
	if s.runner == nil {
		return fail(ErrChannelNotConfigured)
	}

	batch, err := s.workflow.BeginResume(ctx, actor, batchID)
	if err != nil {
		return fail(err)
	}
	if lr, ok := s.runner.(liveRunner); ok && lr.Running(batchID) {
		return fail(ErrBatchLocked)
	}

	interval := s.SendInterval(ctx)
	if err := s.runner.Start(ctx, batchID, interval); err != nil {
		return fail(fmt.Errorf("resume dispatch: %w", err))
	}

	s.logger.Info("dispatch resumed",
		zap.String("batch_id", batchID.String()),
		zap.String("actor", actor.UserID),
		zap.Duration("interval", interval),
	)
	return withBatch("dispatch resumed", batch)
}

// SendInterval reads the pause between sends from the first active schedule
// that sets one, falling back to the configured default.
func (s *Service) SendInterval(ctx context.Context) time.Duration {
	configs, err := s.store.ListActiveSchedules(ctx)
	if err != nil {
		s.logger.Warn("failed to read send interval, using default", zap.Error(err))
		return s.defaultInterval
	}
	for _, c := range configs {
		if c.SendIntervalSeconds > 0 {
			return time.Duration(c.SendIntervalSeconds) * time.Second
		}
	}
	return s.defaultInterval
}

// Progress summarizes a batch for polling
func (s *Service) Progress(ctx context.Context, batchID uuid.UUID) (*Progress, error) {
	batch, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListLineItems(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("list line items: %w", err)
	}

	p := &Progress{
		BatchID:       batch.ID,
		Status:        batch.Status,
		TotalInvoices: batch.TotalInvoices,
		TotalSent:     batch.TotalSent,
		TotalSuccess:  batch.TotalSuccess,
		TotalFailure:  batch.TotalFailure,
	}
	for _, it := range items {
		if it.SendStatus != db.SendStatusPending {
			continue
		}
		if it.HasMessage() {
			p.Pending++
		} else {
			p.WithoutMessage++
		}
	}
	return p, nil
}

func (s *Service) GetBatch(ctx context.Context, batchID uuid.UUID) (*db.Batch, error) {
	return s.store.GetBatch(ctx, batchID)
}

func (s *Service) ListBatches(ctx context.Context, limit, offset int) ([]*db.Batch, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListBatches(ctx, limit, offset)
}

func (s *Service) ListLineItems(ctx context.Context, batchID uuid.UUID) ([]*db.LineItem, error) {
	if _, err := s.store.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}
	return s.store.ListLineItems(ctx, batchID)
}
