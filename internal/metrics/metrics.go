package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dunning_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dunning_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	batchesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dunning_batches_created_total",
			Help: "Batches created by trigger (manual or scheduled)",
		},
		[]string{"trigger"},
	)

	lineItemsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dunning_line_items_dispatched_total",
			Help: "Line items dispatched by outcome and channel",
		},
		[]string{"outcome", "channel"},
	)

	queueEntriesAdded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dunning_queue_entries_added_total",
			Help: "Queue entries inserted by queue kind",
		},
		[]string{"kind"},
	)

	queueEntriesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dunning_queue_entries_processed_total",
			Help: "Rule-driven queue entries processed by outcome",
		},
		[]string{"outcome"},
	)

	generationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dunning_message_generation_failures_total",
			Help: "Customers for which message generation failed",
		},
	)

	schedulerRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dunning_scheduler_runs_total",
			Help: "Schedule configuration runs by outcome",
		},
		[]string{"outcome"},
	)

	dispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dunning_batch_dispatch_duration_seconds",
			Help:    "Wall time of a full batch dispatch run",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dunning_sqs_messages_in_flight",
			Help: "Dispatch jobs currently being processed from SQS",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dunning_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"key"},
	)

	circuitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dunning_circuit_breaker_rejections_total",
			Help: "Sends rejected while a channel circuit was open",
		},
		[]string{"channel"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordBatchCreated counts a new batch by what triggered it
func RecordBatchCreated(trigger string) {
	batchesCreated.WithLabelValues(trigger).Inc()
}

// RecordLineItemDispatched counts one dispatch attempt
func RecordLineItemDispatched(outcome, channel string) {
	lineItemsDispatched.WithLabelValues(outcome, channel).Inc()
}

// RecordQueueEntryAdded counts an inserted queue entry
func RecordQueueEntryAdded(kind string) {
	queueEntriesAdded.WithLabelValues(kind).Inc()
}

func RecordQueueEntryProcessed(outcome string) {
	queueEntriesProcessed.WithLabelValues(outcome).Inc()
}

// RecordGenerationFailure counts a customer left without a message
func RecordGenerationFailure() {
	generationFailures.Inc()
}

func RecordSchedulerRun(outcome string) {
	schedulerRuns.WithLabelValues(outcome).Inc()
}

// RecordDispatchDuration records how long a batch took to dispatch
func RecordDispatchDuration(d time.Duration) {
	dispatchDuration.Observe(d.Seconds())
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(key string) {
	rateLimitRejections.WithLabelValues(key).Inc()
}

func RecordCircuitRejection(channel string) {
	circuitRejections.WithLabelValues(channel).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
// Requests are labelled by chi route pattern so batch IDs stay out of the label set.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}

		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
