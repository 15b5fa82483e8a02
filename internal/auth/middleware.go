package auth

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const bearerPrefix = "Bearer "

// Dev-mode identity headers, honoured only when no token manager is configured
const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Middleware verifies the bearer token and injects the actor into the request
// context. With a nil manager and allowHeaders set, the actor is read from the
// X-Actor-* headers instead.
func Middleware(m *Manager, allowHeaders bool, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m == nil {
				if allowHeaders {
					if id := r.Header.Get(HeaderActorID); id != "" {
						role := r.Header.Get(HeaderActorRole)
						if role == "" {
							role = RoleOperator
						}
						r = r.WithContext(WithActor(r.Context(), Actor{UserID: id, Role: role}))
					}
				}
				next.ServeHTTP(w, r)
				return
			}

			raw := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(raw, bearerPrefix) {
				unauthorized(w, "missing bearer token")
				return
			}

			actor, err := m.Verify(strings.TrimPrefix(raw, bearerPrefix), time.Now())
			if err != nil {
				logger.Debug("rejected token", zap.Error(err))
				unauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

func unauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(problem{
		Type:   "https://dunning.dev/errors/unauthorized",
		Title:  "Unauthorized",
		Status: http.StatusUnauthorized,
		Detail: detail,
	})
}
