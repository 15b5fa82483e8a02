package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/ai"
	"github.com/lalithlochan/dunning/internal/auth"
	"github.com/lalithlochan/dunning/internal/circuitbreaker"
	"github.com/lalithlochan/dunning/internal/clock"
	"github.com/lalithlochan/dunning/internal/collections"
	"github.com/lalithlochan/dunning/internal/db"
	"github.com/lalithlochan/dunning/internal/dispatch"
	"github.com/lalithlochan/dunning/internal/memstore"
	"github.com/lalithlochan/dunning/internal/redis"
	"github.com/lalithlochan/dunning/internal/scheduler"
)

var testNow = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

const (
	operator = "op-1"
	admin    = "admin-1"
)

type testEnv struct {
	store  *memstore.Store
	svc    *collections.Service
	runner *dispatch.AsyncRunner
	clk    *clock.FakeClock
	router http.Handler
}

// newEnv seeds one rule matching today's invoice and one critical invoice
func newEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	clk := clock.NewFakeClock(testNow)
	store := memstore.New(clk)

	store.AddRule(&db.Rule{Direction: db.DirectionAfterDue, OffsetDays: 0, Active: true, Order: 1})

	ana := store.AddCustomer(&db.Customer{Name: "Ana Lima", Phone: "5511900000001", TaxID: "111.222.333-44"})
	store.AddInvoice(&db.Invoice{
		CustomerID: ana.ID,
		DueDate:    time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
		Amount:     decimal.RequireFromString("120.00"),
		StatusID:   memstore.StatusPendingID,
	})
	bruno := store.AddCustomer(&db.Customer{Name: "Bruno Reis", Phone: "5511900000002"})
	store.AddInvoice(&db.Invoice{
		CustomerID: bruno.ID,
		DueDate:    time.Date(2024, 2, 19, 0, 0, 0, 0, time.UTC),
		Amount:     decimal.RequireFromString("80.00"),
		StatusID:   memstore.StatusOverdueID,
	})

	svc := collections.NewService(collections.Params{
		Store:     store,
		Generator: ai.TemplateGenerator{},
		Clock:     clk,
		Logger:    zap.NewNop(),
	})
	d := dispatch.NewDispatcher(store, dispatch.NewLogChannel(zap.NewNop()), zap.NewNop(),
		dispatch.WithClock(clk),
		dispatch.WithSleep(func(context.Context, time.Duration) error { return nil }),
	)
	runner := dispatch.NewAsyncRunner(context.Background(), d, zap.NewNop())
	svc.SetRunner(runner)

	h := NewHandler(zap.NewNop(), svc, opts...)
	return &testEnv{
		store:  store,
		svc:    svc,
		runner: runner,
		clk:    clk,
		router: NewRouter(h, RouterConfig{AllowActorHeaders: true}),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, actor, role string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(auth.HeaderActorID, actor)
		req.Header.Set(auth.HeaderActorRole, role)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) collections.Result {
	t.Helper()
	var res collections.Result
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode result: %v (body %s)", err, rec.Body.String())
	}
	return res
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("expected problem+json, got %q", ct)
	}
	var p ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&p); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	return p
}

var allOpen = map[string]any{"name": "Cobrança março", "include_pending": true, "include_overdue": true}

func (e *testEnv) createBatch(t *testing.T) uuid.UUID {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/batches", allOpen, operator, auth.RoleOperator)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create batch: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	res := decodeResult(t, rec)
	if res.BatchID == nil {
		t.Fatal("create batch: missing batch_id")
	}
	return *res.BatchID
}

func TestBatchLifecycle(t *testing.T) {
	env := newEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/batches", allOpen, operator, auth.RoleOperator)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeResult(t, rec)
	if created.TotalInvoices != 1 || created.CriticalCount != 1 {
		t.Fatalf("expected 1 invoice and 1 critical, got %+v", created)
	}
	id := *created.BatchID
	base := "/v1/batches/" + id.String()

	rec = env.do(t, http.MethodGet, base+"/items", nil, operator, auth.RoleOperator)
	if rec.Code != http.StatusOK {
		t.Fatalf("list items: %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, base+"/approve", nil, admin, auth.RoleAdmin)
	if rec.Code != http.StatusConflict {
		t.Fatalf("approving a draft should conflict, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, base+"/generate", nil, operator, auth.RoleOperator)
	if rec.Code != http.StatusOK {
		t.Fatalf("generate: %d %s", rec.Code, rec.Body.String())
	}
	if res := decodeResult(t, rec); res.Generated != 1 || res.Batch.Status != db.BatchStatusAwaitingApproval {
		t.Fatalf("unexpected generation result %+v", res)
	}

	rec = env.do(t, http.MethodPost, base+"/dispatch", nil, admin, auth.RoleAdmin)
	if rec.Code != http.StatusConflict {
		t.Fatalf("dispatching before approval should conflict, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, base+"/approve", nil, operator, auth.RoleOperator)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("operator approval should be forbidden, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, base+"/approve", nil, admin, auth.RoleAdmin)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: %d %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, base+"/dispatch", nil, admin, auth.RoleAdmin)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("dispatch: %d %s", rec.Code, rec.Body.String())
	}
	env.runner.Wait()

	rec = env.do(t, http.MethodGet, base+"/progress", nil, operator, auth.RoleOperator)
	if rec.Code != http.StatusOK {
		t.Fatalf("progress: %d", rec.Code)
	}
	var p collections.Progress
	if err := json.NewDecoder(rec.Body).Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Status != db.BatchStatusCompleted || p.TotalSuccess != 1 || p.TotalSent != 1 || p.Pending != 0 {
		t.Fatalf("unexpected progress %+v", p)
	}

	rec = env.do(t, http.MethodPost, base+"/dispatch", nil, admin, auth.RoleAdmin)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second dispatch should conflict, got %d", rec.Code)
	}
}

func TestResumeStalledBatch(t *testing.T) {
	env := newEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/batches", allOpen, operator, auth.RoleOperator)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	id := *decodeResult(t, rec).BatchID
	base := "/v1/batches/" + id.String()

	env.do(t, http.MethodPost, base+"/generate", nil, operator, auth.RoleOperator)
	env.do(t, http.MethodPost, base+"/approve", nil, admin, auth.RoleAdmin)

	// a gateway that died mid-run leaves the batch in_progress with no job
	err := env.store.TransitionBatch(context.Background(), id, db.BatchStatusApproved, db.BatchStatusInProgress, db.BatchPatch{})
	if err != nil {
		t.Fatal(err)
	}

	rec = env.do(t, http.MethodPost, base+"/dispatch", nil, admin, auth.RoleAdmin)
	if rec.Code != http.StatusConflict {
		t.Fatalf("dispatch of an in_progress batch should conflict, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, base+"/resume", nil, operator, auth.RoleOperator)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("operator resume should be forbidden, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, base+"/resume", nil, admin, auth.RoleAdmin)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("resume: %d %s", rec.Code, rec.Body.String())
	}
	env.runner.Wait()

	b, err := env.store.GetBatch(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != db.BatchStatusCompleted || b.TotalSuccess != 1 {
		t.Fatalf("unexpected batch after resume %+v", b)
	}

	rec = env.do(t, http.MethodPost, base+"/resume", nil, admin, auth.RoleAdmin)
	if rec.Code != http.StatusConflict {
		t.Fatalf("resuming a completed batch should conflict, got %d", rec.Code)
	}
}

func TestCreateBatch_Validation(t *testing.T) {
	tests := []struct {
		name           string
		body           any
		actor          string
		expectedStatus int
		expectedType   string
	}{
		{"invalid JSON body", "not valid json", operator, http.StatusBadRequest, "invalid_request"},
		{"negative min age", map[string]any{"include_pending": true, "min_age_days": -1}, operator, http.StatusBadRequest, "invalid_request"},
		{"zero sequence", map[string]any{"include_pending": true, "invoice_sequences": []int{0}}, operator, http.StatusBadRequest, "invalid_request"},
		{"no status selected", map[string]any{"name": "x"}, operator, http.StatusUnprocessableEntity, "configuration_error"},
		{"no actor", allOpen, "", http.StatusUnauthorized, "unauthorized"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t)
			rec := env.do(t, http.MethodPost, "/v1/batches", tt.body, tt.actor, auth.RoleOperator)

			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.expectedStatus, rec.Code, rec.Body.String())
			}
			if p := decodeProblem(t, rec); p.Type != tt.expectedType {
				t.Errorf("expected type %q, got %q", tt.expectedType, p.Type)
			}
		})
	}
}

func TestCreateBatch_NoActiveRules(t *testing.T) {
	clk := clock.NewFakeClock(testNow)
	svc := collections.NewService(collections.Params{Store: memstore.New(clk), Clock: clk, Logger: zap.NewNop()})
	env := &testEnv{router: NewRouter(NewHandler(zap.NewNop(), svc), RouterConfig{AllowActorHeaders: true})}

	rec := env.do(t, http.MethodPost, "/v1/batches", map[string]any{"include_pending": true}, operator, auth.RoleOperator)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if p := decodeProblem(t, rec); p.Detail != collections.ErrNoActiveRules.Error() {
		t.Errorf("unexpected detail %q", p.Detail)
	}
}

func TestCreateBatch_NoEligibleInvoices(t *testing.T) {
	env := newEnv(t)
	env.clk.Advance(24 * time.Hour)

	rec := env.do(t, http.MethodPost, "/v1/batches", allOpen, operator, auth.RoleOperator)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	res := decodeResult(t, rec)
	if !res.Success || res.BatchID != nil || res.Message != "no eligible invoices" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.CriticalCount != 1 {
		t.Errorf("critical invoices should still be counted, got %d", res.CriticalCount)
	}
}

func TestCreateBatch_Idempotency(t *testing.T) {
	idem := redis.NewIdempotency(newTestRedis(t), zap.NewNop())
	env := newEnv(t, WithIdempotency(idem))

	first := env.do(t, http.MethodPost, "/v1/batches", allOpen, operator, auth.RoleOperator, "Idempotency-Key", "k-1")
	if first.Code != http.StatusCreated {
		t.Fatalf("first request: %d %s", first.Code, first.Body.String())
	}
	firstRes := decodeResult(t, first)

	second := env.do(t, http.MethodPost, "/v1/batches", allOpen, operator, auth.RoleOperator, "Idempotency-Key", "k-1")
	if second.Code != http.StatusCreated {
		t.Fatalf("replay should keep the status, got %d", second.Code)
	}
	if second.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("replayed response should be marked")
	}
	secondRes := decodeResult(t, second)
	if *secondRes.BatchID != *firstRes.BatchID {
		t.Errorf("replay returned a different batch: %s vs %s", secondRes.BatchID, firstRes.BatchID)
	}

	batches, err := env.store.ListBatches(context.Background(), 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 1 {
		t.Fatalf("expected exactly one batch, got %d", len(batches))
	}

	// the same key from another actor is a different request
	other := env.do(t, http.MethodPost, "/v1/batches", allOpen, "op-2", auth.RoleOperator, "Idempotency-Key", "k-1")
	if other.Header().Get("X-Idempotency-Replayed") != "" {
		t.Error("keys must be scoped per actor")
	}
}

func TestCreateBatch_FailedRequestReleasesKey(t *testing.T) {
	idem := redis.NewIdempotency(newTestRedis(t), zap.NewNop())
	env := newEnv(t, WithIdempotency(idem))

	rec := env.do(t, http.MethodPost, "/v1/batches", map[string]any{"name": "x"}, operator, auth.RoleOperator, "Idempotency-Key", "k-2")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/v1/batches", allOpen, operator, auth.RoleOperator, "Idempotency-Key", "k-2")
	if rec.Code != http.StatusCreated {
		t.Fatalf("retry after failure should run, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestCreateBatch_IdempotencyKeyReusedWithOtherFilter(t *testing.T) {
	idem := redis.NewIdempotency(newTestRedis(t), zap.NewNop())
	env := newEnv(t, WithIdempotency(idem))

	first := env.do(t, http.MethodPost, "/v1/batches", allOpen, operator, auth.RoleOperator, "Idempotency-Key", "k-3")
	if first.Code != http.StatusCreated {
		t.Fatalf("first request: %d %s", first.Code, first.Body.String())
	}

	other := map[string]any{"min_age_days": 30}
	rec := env.do(t, http.MethodPost, "/v1/batches", other, operator, auth.RoleOperator, "Idempotency-Key", "k-3")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if got := decodeProblem(t, rec).Type; got != "idempotency_key_reused" {
		t.Errorf("unexpected problem type %q", got)
	}
}

func TestGetBatch(t *testing.T) {
	env := newEnv(t)
	id := env.createBatch(t)

	tests := []struct {
		name           string
		path           string
		expectedStatus int
	}{
		{"existing batch", "/v1/batches/" + id.String(), http.StatusOK},
		{"invalid id", "/v1/batches/not-a-uuid", http.StatusBadRequest},
		{"unknown batch", "/v1/batches/" + uuid.NewString(), http.StatusNotFound},
		{"items of unknown batch", "/v1/batches/" + uuid.NewString() + "/items", http.StatusNotFound},
		{"progress of unknown batch", "/v1/batches/" + uuid.NewString() + "/progress", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, tt.path, nil, operator, auth.RoleOperator)
			if rec.Code != tt.expectedStatus {
				t.Errorf("expected %d, got %d: %s", tt.expectedStatus, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestListBatches(t *testing.T) {
	env := newEnv(t)
	env.createBatch(t)

	rec := env.do(t, http.MethodGet, "/v1/batches?limit=500&offset=-3", nil, operator, auth.RoleOperator)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Data   []*db.Batch `json:"data"`
		Limit  int         `json:"limit"`
		Offset int         `json:"offset"`
		Count  int         `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Limit != 20 || resp.Offset != 0 {
		t.Errorf("out of range pagination should fall back to defaults, got %d/%d", resp.Limit, resp.Offset)
	}
	if resp.Count != 1 || len(resp.Data) != 1 {
		t.Errorf("expected one batch, got %d", resp.Count)
	}
}

func TestEditItem(t *testing.T) {
	env := newEnv(t)
	id := env.createBatch(t)
	items, err := env.store.ListLineItems(context.Background(), id)
	if err != nil || len(items) != 1 {
		t.Fatalf("expected one item, got %d (%v)", len(items), err)
	}
	path := fmt.Sprintf("/v1/batches/%s/items/%s", id, items[0].ID)

	rec := env.do(t, http.MethodPatch, path, map[string]string{"message": "  Olá Ana, sua fatura vence hoje.  "}, operator, auth.RoleOperator)
	if rec.Code != http.StatusOK {
		t.Fatalf("edit: %d %s", rec.Code, rec.Body.String())
	}
	res := decodeResult(t, rec)
	if res.Item == nil || *res.Item.GeneratedMessage != "Olá Ana, sua fatura vence hoje." {
		t.Fatalf("message should be trimmed and stored, got %+v", res.Item)
	}

	rec = env.do(t, http.MethodPatch, path, map[string]string{"message": "   "}, operator, auth.RoleOperator)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty message should be rejected, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPatch, fmt.Sprintf("/v1/batches/%s/items/%s", id, uuid.New()), map[string]string{"message": "x"}, operator, auth.RoleOperator)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown item should be 404, got %d", rec.Code)
	}

	env.do(t, http.MethodPost, "/v1/batches/"+id.String()+"/submit", nil, operator, auth.RoleOperator)
	env.do(t, http.MethodPost, "/v1/batches/"+id.String()+"/approve", nil, admin, auth.RoleAdmin)

	rec = env.do(t, http.MethodPatch, path, map[string]string{"message": "tarde demais"}, operator, auth.RoleOperator)
	if rec.Code != http.StatusConflict {
		t.Errorf("editing an approved batch should conflict, got %d", rec.Code)
	}
}

func TestCancelAndDelete(t *testing.T) {
	env := newEnv(t)
	id := env.createBatch(t)
	base := "/v1/batches/" + id.String()

	if rec := env.do(t, http.MethodDelete, base, nil, operator, auth.RoleOperator); rec.Code != http.StatusForbidden {
		t.Fatalf("operator delete should be forbidden, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, base, nil, admin, auth.RoleAdmin); rec.Code != http.StatusOK {
		t.Fatalf("admin delete: %d %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodGet, base, nil, operator, auth.RoleOperator); rec.Code != http.StatusNotFound {
		t.Fatalf("deleted batch should be gone, got %d", rec.Code)
	}

	id = env.createBatch(t)
	base = "/v1/batches/" + id.String()
	rec := env.do(t, http.MethodPost, base+"/cancel", nil, admin, auth.RoleAdmin)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
	}
	if res := decodeResult(t, rec); res.Batch.Status != db.BatchStatusCancelled {
		t.Errorf("expected cancelled, got %s", res.Batch.Status)
	}
	if rec := env.do(t, http.MethodPost, base+"/submit", nil, operator, auth.RoleOperator); rec.Code != http.StatusConflict {
		t.Errorf("a cancelled batch cannot be submitted, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, base, nil, admin, auth.RoleAdmin); rec.Code != http.StatusConflict {
		t.Errorf("a cancelled batch cannot be deleted, got %d", rec.Code)
	}
}

func TestPopulateQueue(t *testing.T) {
	env := newEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/queue/populate", nil, operator, auth.RoleOperator)
	if rec.Code != http.StatusOK {
		t.Fatalf("populate: %d %s", rec.Code, rec.Body.String())
	}
	if res := decodeResult(t, rec); res.QueueAdded != 2 || res.CriticalCount != 1 {
		t.Fatalf("expected one rule entry and one critical entry, got %+v", res)
	}

	rec = env.do(t, http.MethodPost, "/v1/queue/populate", nil, operator, auth.RoleOperator)
	if res := decodeResult(t, rec); res.QueueAdded != 0 {
		t.Errorf("second run should add nothing, got %d", res.QueueAdded)
	}
}

func TestSchedulerTick(t *testing.T) {
	env := newEnv(t)
	if rec := env.do(t, http.MethodPost, "/v1/scheduler/tick", nil, admin, auth.RoleAdmin); rec.Code != http.StatusNotImplemented {
		t.Fatalf("tick without scheduler should be 501, got %d", rec.Code)
	}

	env = newEnv(t)
	env.store.AddSchedule(&db.ScheduleConfig{IncludePending: true, Active: true})
	sched := scheduler.New(env.svc, env.store, zap.NewNop(), scheduler.WithClock(env.clk))
	env.router = NewRouter(NewHandler(zap.NewNop(), env.svc, WithScheduler(sched)), RouterConfig{AllowActorHeaders: true})

	if rec := env.do(t, http.MethodPost, "/v1/scheduler/tick", nil, operator, auth.RoleOperator); rec.Code != http.StatusForbidden {
		t.Fatalf("operator tick should be forbidden, got %d", rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/v1/scheduler/tick", nil, admin, auth.RoleAdmin)
	if rec.Code != http.StatusOK {
		t.Fatalf("tick: %d %s", rec.Code, rec.Body.String())
	}
	var report scheduler.Report
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatal(err)
	}
	if !report.Success || len(report.Runs) != 1 || report.Runs[0].Batch.BatchID == nil {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestHealth(t *testing.T) {
	cb := circuitbreaker.New(circuitbreaker.Config{Name: "whatsapp", MaxFailures: 1, RecoveryTimeout: time.Minute}, nil, zap.NewNop())
	env := newEnv(t, WithBreakers(cb))

	check := func(want string) {
		t.Helper()
		rec := env.do(t, http.MethodGet, "/health", nil, "", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("health: %d", rec.Code)
		}
		var resp struct {
			Status   string                 `json:"status"`
			Breakers []circuitbreaker.Stats `json:"breakers"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
		if resp.Status != want {
			t.Errorf("expected %q, got %q", want, resp.Status)
		}
		if len(resp.Breakers) != 1 || resp.Breakers[0].Name != "whatsapp" {
			t.Errorf("unexpected breakers %+v", resp.Breakers)
		}
	}

	check("ok")
	cb.RecordFailure()
	check("degraded")
}

func TestHealth_DependencyProbe(t *testing.T) {
	probeErr := errors.New("connection refused")
	var failing bool
	env := newEnv(t, WithHealthCheck("redis", func(context.Context) error {
		if failing {
			return probeErr
		}
		return nil
	}))

	read := func() (string, map[string]string) {
		t.Helper()
		rec := env.do(t, http.MethodGet, "/health", nil, "", "")
		var resp struct {
			Status       string            `json:"status"`
			Dependencies map[string]string `json:"dependencies"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
		return resp.Status, resp.Dependencies
	}

	status, deps := read()
	if status != "ok" || deps["redis"] != "ok" {
		t.Errorf("healthy probe: status %q deps %v", status, deps)
	}

	failing = true
	status, deps = read()
	if status != "degraded" || deps["redis"] != probeErr.Error() {
		t.Errorf("failing probe: status %q deps %v", status, deps)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("batch x: %w", collections.ErrNotFound), http.StatusNotFound},
		{collections.ErrForbidden, http.StatusForbidden},
		{fmt.Errorf("%w: draft -> approved", collections.ErrInvalidTransition), http.StatusConflict},
		{collections.ErrMessagesAlreadyGenerated, http.StatusConflict},
		{collections.ErrBatchLocked, http.StatusConflict},
		{collections.ErrNoActiveRules, http.StatusUnprocessableEntity},
		{collections.ErrChannelNotConfigured, http.StatusUnprocessableEntity},
		{collections.ErrEmptyMessage, http.StatusBadRequest},
		{collections.ErrNoMessagesGenerated, http.StatusBadGateway},
		{errors.New("connection refused"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got, _, _ := classify(tt.err); got != tt.status {
				t.Errorf("expected %d, got %d", tt.status, got)
			}
		})
	}
}
