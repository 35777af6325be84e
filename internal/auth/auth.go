// Package auth carries the caller identity asserted by the upstream identity
// layer. The engine does not issue sessions; it trusts X-Actor-ID and
// X-Actor-Role from the gateway in front of it and guards admin routes with
// a shared secret.
package auth

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNoActor     = errors.New("actor identity required")
	ErrInvalidRole = errors.New("invalid actor role")
)

// Role is the capacity in which an actor calls the engine.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleSeller   Role = "seller"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
)

// ParseRole normalizes a role string.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleCustomer, RoleSeller, RoleAdmin:
		return r, nil
	default:
		return "", ErrInvalidRole
	}
}

// Actor identifies who is performing an operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// System is the actor used by webhooks and the auto-release sweep.
var System = Actor{ID: "system", Role: RoleSystem}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// Is reports whether a acts as the given user, or is an admin.
func (a Actor) Is(userID string) bool {
	return a.IsAdmin() || (a.ID != "" && a.ID == userID)
}

type ctxKey struct{}

// WithActor stores the actor in ctx.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// ActorFrom returns the actor stored in ctx.
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(ctxKey{}).(Actor)
	return a, ok
}
