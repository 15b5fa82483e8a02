package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/auth"
	"github.com/lalithlochan/dunning/internal/circuitbreaker"
	"github.com/lalithlochan/dunning/internal/collections"
	"github.com/lalithlochan/dunning/internal/db"
	"github.com/lalithlochan/dunning/internal/redis"
	"github.com/lalithlochan/dunning/internal/scheduler"
)

// maxBodyBytes caps a generation filter; real ones are well under 1 KiB
const maxBodyBytes = 64 << 10

// Service is the collections engine as seen by the HTTP layer
type Service interface {
	GenerateBatch(ctx context.Context, actor auth.Actor, f collections.GenerationFilter) collections.Result
	GenerateMessages(ctx context.Context, batchID uuid.UUID) collections.Result
	Submit(ctx context.Context, batchID uuid.UUID) collections.Result
	Approve(ctx context.Context, actor auth.Actor, batchID uuid.UUID) collections.Result
	Cancel(ctx context.Context, actor auth.Actor, batchID uuid.UUID) collections.Result
	Delete(ctx context.Context, actor auth.Actor, batchID uuid.UUID) collections.Result
	EditLineItemMessage(ctx context.Context, batchID, itemID uuid.UUID, text string) collections.Result
	StartDispatch(ctx context.Context, batchID uuid.UUID) collections.Result
	ResumeDispatch(ctx context.Context, actor auth.Actor, batchID uuid.UUID) collections.Result
	PopulateQueue(ctx context.Context) collections.Result
	Progress(ctx context.Context, batchID uuid.UUID) (*collections.Progress, error)
	GetBatch(ctx context.Context, batchID uuid.UUID) (*db.Batch, error)
	ListBatches(ctx context.Context, limit, offset int) ([]*db.Batch, error)
	ListLineItems(ctx context.Context, batchID uuid.UUID) ([]*db.LineItem, error)
}

// Ticker runs one scheduler pass
type Ticker interface {
	Tick(ctx context.Context) scheduler.Report
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	svc         Service
	ticker      Ticker             // nil disables POST /v1/scheduler/tick
	idempotency *redis.Idempotency // nil if Redis not configured
	breakers    []*circuitbreaker.CircuitBreaker
	checks      []healthCheck
}

type healthCheck struct {
	name string
	fn   func(ctx context.Context) error
}

type Option func(*Handler)

func WithIdempotency(s *redis.Idempotency) Option {
	return func(h *Handler) { h.idempotency = s }
}

func WithScheduler(t Ticker) Option {
	return func(h *Handler) { h.ticker = t }
}

// WithBreakers reports the given circuit breakers on /health
func WithBreakers(cbs ...*circuitbreaker.CircuitBreaker) Option {
	return func(h *Handler) { h.breakers = append(h.breakers, cbs...) }
}

// WithHealthCheck adds a dependency probe to /health, e.g. the database or Redis
func WithHealthCheck(name string, fn func(ctx context.Context) error) Option {
	return func(h *Handler) { h.checks = append(h.checks, healthCheck{name: name, fn: fn}) }
}

func NewHandler(logger *zap.Logger, svc Service, opts ...Option) *Handler {
	h := &Handler{logger: logger, svc: svc}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CreateBatch handles POST /v1/batches.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, _ := auth.ActorFrom(ctx)
	idempotencyKey := r.Header.Get("Idempotency-Key")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unreadable body", err.Error())
		return
	}
	var f collections.GenerationFilter
	if err := json.Unmarshal(body, &f); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if f.MinAgeDays < 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid min_age_days", "min_age_days must be >= 0")
		return
	}
	for _, seq := range f.InvoiceSequences {
		if seq < 1 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid invoice_sequences", "sequence numbers start at 1")
			return
		}
	}
	f.Trigger = collections.TriggerManual

	fingerprint := redis.Fingerprint(body)
	claimed := false
	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.Begin(ctx, actor.UserID, idempotencyKey, fingerprint)
		switch {
		case errors.Is(err, redis.ErrRequestInFlight):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case errors.Is(err, redis.ErrKeyReused):
			h.writeError(w, http.StatusUnprocessableEntity, "idempotency_key_reused",
				"Idempotency key reused",
				"This idempotency key was already used with a different filter")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		case cached != nil:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		default:
			claimed = true
		}
	}

	res := h.svc.GenerateBatch(ctx, actor, f)
	status := http.StatusOK
	if res.BatchID != nil {
		status = http.StatusCreated
	}

	if claimed {
		h.settleIdempotency(context.WithoutCancel(ctx), actor.UserID, idempotencyKey, fingerprint, status, res)
	}

	h.writeResult(w, status, res)
}

// settleIdempotency stores a successful response for replay and releases
// the key after a failure so the client can retry.
func (h *Handler) settleIdempotency(ctx context.Context, actorID, key, fingerprint string, status int, res collections.Result) {
	if !res.Success {
		if err := h.idempotency.Abandon(ctx, actorID, key); err != nil {
			h.logger.Warn("failed to release idempotency key", zap.Error(err), zap.String("idempotency_key", key))
		}
		return
	}

	body, err := json.Marshal(res)
	if err != nil {
		h.logger.Error("failed to encode idempotent response", zap.Error(err))
		return
	}
	stored := &redis.IdempotencyResult{StatusCode: status, Body: body}
	if res.BatchID != nil {
		stored.BatchID = res.BatchID.String()
	}
	if err := h.idempotency.Complete(ctx, actorID, key, fingerprint, stored); err != nil {
		h.logger.Warn("failed to store idempotent response", zap.Error(err), zap.String("idempotency_key", key))
	}
}

// ListBatches handles GET /v1/batches?limit=20&offset=0
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Parse pagination parameters with defaults
	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	batches, err := h.svc.ListBatches(ctx, limit, offset)
	if err != nil {
		h.logger.Error("failed to list batches", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list batches", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":   batches,
		"limit":  limit,
		"offset": offset,
		"count":  len(batches),
	})
}

// GetBatch handles GET /v1/batches/{id}
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	batchID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	batch, err := h.svc.GetBatch(r.Context(), batchID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get batch")
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// ListItems handles GET /v1/batches/{id}/items
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	batchID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	items, err := h.svc.ListLineItems(r.Context(), batchID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list line items")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  items,
		"count": len(items),
	})
}

// Progress handles GET /v1/batches/{id}/progress
func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	batchID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	p, err := h.svc.Progress(r.Context(), batchID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to read progress")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GenerateMessages handles POST /v1/batches/{id}/generate
func (h *Handler) GenerateMessages(w http.ResponseWriter, r *http.Request) {
	h.batchAction(w, r, func(ctx context.Context, _ auth.Actor, id uuid.UUID) collections.Result {
		return h.svc.GenerateMessages(ctx, id)
	})
}

// Submit handles POST /v1/batches/{id}/submit
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	h.batchAction(w, r, func(ctx context.Context, _ auth.Actor, id uuid.UUID) collections.Result {
		return h.svc.Submit(ctx, id)
	})
}

// Approve handles POST /v1/batches/{id}/approve
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	h.batchAction(w, r, h.svc.Approve)
}

// Dispatch handles POST /v1/batches/{id}/dispatch. The run continues in the
// background; poll the progress endpoint.
func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	batchID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	res := h.svc.StartDispatch(r.Context(), batchID)
	h.writeResult(w, http.StatusAccepted, res)
}

// Resume handles POST /v1/batches/{id}/resume. Admin only; restarts a batch
// stuck in_progress.
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	batchID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	actor, _ := auth.ActorFrom(r.Context())
	res := h.svc.ResumeDispatch(r.Context(), actor, batchID)
	h.writeResult(w, http.StatusAccepted, res)
}

// Cancel handles POST /v1/batches/{id}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.batchAction(w, r, h.svc.Cancel)
}

// DeleteBatch handles DELETE /v1/batches/{id}
func (h *Handler) DeleteBatch(w http.ResponseWriter, r *http.Request) {
	h.batchAction(w, r, h.svc.Delete)
}

// EditItem handles PATCH /v1/batches/{id}/items/{itemID}
func (h *Handler) EditItem(w http.ResponseWriter, r *http.Request) {
	batchID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	itemID, ok := h.pathID(w, r, "itemID")
	if !ok {
		return
	}

	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	res := h.svc.EditLineItemMessage(r.Context(), batchID, itemID, req.Message)
	h.writeResult(w, http.StatusOK, res)
}

// PopulateQueue handles POST /v1/queue/populate
func (h *Handler) PopulateQueue(w http.ResponseWriter, r *http.Request) {
	res := h.svc.PopulateQueue(r.Context())
	h.writeResult(w, http.StatusOK, res)
}

// Tick handles POST /v1/scheduler/tick. Admin only.
func (h *Handler) Tick(w http.ResponseWriter, r *http.Request) {
	if h.ticker == nil {
		h.writeError(w, http.StatusNotImplemented, "not_configured", "Scheduler not configured", "")
		return
	}
	actor, _ := auth.ActorFrom(r.Context())
	if !actor.IsAdmin() {
		h.writeServiceError(w, collections.ErrForbidden, "")
		return
	}

	report := h.ticker.Tick(r.Context())
	status := http.StatusOK
	if !report.Success {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, report)
}

// Health handles GET /health. It reports the outbound circuit state and the
// configured dependency probes; any failure marks the service degraded.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats := make([]circuitbreaker.Stats, 0, len(h.breakers))
	degraded := false
	for _, cb := range h.breakers {
		s := cb.Stats()
		if cb.State() == circuitbreaker.StateOpen {
			degraded = true
		}
		stats = append(stats, s)
	}

	deps := make(map[string]string, len(h.checks))
	for _, c := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := c.fn(ctx)
		cancel()
		if err != nil {
			degraded = true
			deps[c.name] = err.Error()
			h.logger.Warn("health check failed", zap.String("dependency", c.name), zap.Error(err))
			continue
		}
		deps[c.name] = "ok"
	}

	status := "ok"
	if degraded {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       status,
		"breakers":     stats,
		"dependencies": deps,
	})
}

type actionFunc func(ctx context.Context, actor auth.Actor, batchID uuid.UUID) collections.Result

func (h *Handler) batchAction(w http.ResponseWriter, r *http.Request, fn actionFunc) {
	batchID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	actor, _ := auth.ActorFrom(r.Context())
	h.writeResult(w, http.StatusOK, fn(r.Context(), actor, batchID))
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// writeResult writes a successful Result as JSON or maps a failed one to
// problem+json
func (h *Handler) writeResult(w http.ResponseWriter, status int, res collections.Result) {
	if !res.Success {
		h.writeServiceError(w, res.Err, res.Message)
		return
	}
	writeJSON(w, status, res)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error, detail string) {
	status, errType, title := classify(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
		detail = ""
	} else if detail == "" && err != nil {
		detail = err.Error()
	}
	h.writeError(w, status, errType, title, detail)
}

// classify maps engine errors to an HTTP status and problem type
func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, collections.ErrNotFound):
		return http.StatusNotFound, "not_found", "Resource not found"
	case errors.Is(err, collections.ErrForbidden):
		return http.StatusForbidden, "forbidden", "Admin role required"
	case errors.Is(err, collections.ErrInvalidTransition),
		errors.Is(err, collections.ErrMessagesAlreadyGenerated),
		errors.Is(err, collections.ErrNoLineItems),
		errors.Is(err, collections.ErrBatchLocked):
		return http.StatusConflict, "invalid_state", "Batch state does not allow this operation"
	case errors.Is(err, collections.ErrNoActiveRules),
		errors.Is(err, collections.ErrStatusesNotConfigured),
		errors.Is(err, collections.ErrChannelNotConfigured):
		return http.StatusUnprocessableEntity, "configuration_error", "Collections engine is not configured"
	case errors.Is(err, collections.ErrEmptyMessage):
		return http.StatusBadRequest, "invalid_request", "Invalid message"
	case errors.Is(err, collections.ErrNoMessagesGenerated):
		return http.StatusBadGateway, "generation_failed", "Message generation failed"
	default:
		return http.StatusInternalServerError, "internal_error", "Internal server error"
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, errType, title, detail)
}

func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
