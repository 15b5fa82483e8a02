package auth

import "context"

// Roles understood by the batch workflow
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleSystem   = "system"
)

// Actor is whoever triggered an operation
type Actor struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// IsAdmin reports whether the actor holds elevated privilege
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// System is the actor used by scheduled runs
func System() Actor {
	return Actor{UserID: "scheduler", Role: RoleSystem}
}

type ctxKey struct{}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// ActorFrom returns the actor stored by the auth middleware
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(ctxKey{}).(Actor)
	return a, ok && a.UserID != ""
}
