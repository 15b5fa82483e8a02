package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/auth"
	"github.com/lalithlochan/dunning/internal/metrics"
	"github.com/lalithlochan/dunning/internal/redis"
)

// RouterConfig carries the optional pieces of the HTTP stack
type RouterConfig struct {
	Tokens            *auth.Manager // nil trusts the X-Actor-* headers when AllowActorHeaders is set
	AllowActorHeaders bool
	RateLimiter       *redis.RateLimiter
	Timeout           time.Duration
}

// NewRouter mounts every route of the collections API
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Timeout))
	r.Use(metrics.Middleware)
	r.Use(requestLogger(h.logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Tokens, cfg.AllowActorHeaders, h.logger))
		r.Use(RequireActor)
		r.Use(RateLimitMiddleware(cfg.RateLimiter, h.logger, ActorKeyFunc))

		r.Route("/batches", func(r chi.Router) {
			r.Post("/", h.CreateBatch)
			r.Get("/", h.ListBatches)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetBatch)
				r.Delete("/", h.DeleteBatch)
				r.Get("/items", h.ListItems)
				r.Patch("/items/{itemID}", h.EditItem)
				r.Get("/progress", h.Progress)
				r.Post("/generate", h.GenerateMessages)
				r.Post("/submit", h.Submit)
				r.Post("/approve", h.Approve)
				r.Post("/dispatch", h.Dispatch)
				r.Post("/resume", h.Resume)
				r.Post("/cancel", h.Cancel)
			})
		})

		r.Post("/queue/populate", h.PopulateQueue)
		r.Post("/scheduler/tick", h.Tick)
	})

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
