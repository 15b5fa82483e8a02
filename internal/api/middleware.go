package api

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/auth"
	"github.com/lalithlochan/dunning/internal/redis"
)

// RateLimitMiddleware throttles requests per key. A nil limiter, an empty
// key or a Redis error lets the request through; the API stays usable
// while Redis is down.
func RateLimitMiddleware(limiter *redis.RateLimiter, logger *zap.Logger, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			res, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limit check failed, allowing request",
					zap.String("key", key),
					zap.Error(err),
				)
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

			if !res.Allowed {
				wait := int(math.Ceil(time.Until(res.ResetAt).Seconds()))
				h.Set("Retry-After", strconv.Itoa(max(1, wait)))
				writeProblem(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too Many Requests",
					"too many batch requests for this actor, retry after "+strconv.Itoa(max(1, wait))+"s")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireActor rejects requests that reached the API without an identity
func RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := auth.ActorFrom(r.Context()); !ok {
			writeProblem(w, http.StatusUnauthorized, "unauthorized", "Unauthorized", "request carries no actor")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ActorKeyFunc keys on the actor, or on the client address for anonymous calls
func ActorKeyFunc(r *http.Request) string {
	if actor, ok := auth.ActorFrom(r.Context()); ok && actor.UserID != "" {
		return "actor:" + actor.UserID
	}
	return IPKeyFunc(r)
}

// IPKeyFunc prefers proxy headers over the socket address.
func IPKeyFunc(r *http.Request) string {
	for _, h := range []string{"X-Forwarded-For", "X-Real-IP"} {
		if ip := r.Header.Get(h); ip != "" {
			return "ip:" + ip
		}
	}
	return "ip:" + r.RemoteAddr
}
