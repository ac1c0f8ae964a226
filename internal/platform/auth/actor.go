package auth

import (
	"context"
	"strings"
)

type contextKey string

const actorKey contextKey = "actor"

const (
	RolePatient      = "patient"
	RoleDoctor       = "doctor"
	RoleReceptionist = "receptionist"
)

var knownRoles = map[string]bool{
	RolePatient:      true,
	RoleDoctor:       true,
	RoleReceptionist: true,
}

// Actor is the authenticated caller: the token subject and its scheduling role.
type Actor struct {
	ID   string
	Role string
}

// IsKnownRole reports whether role is one of patient, doctor or receptionist.
func IsKnownRole(role string) bool {
	return knownRoles[role]
}

// pickRole returns the first recognised role in roles, or "".
func pickRole(roles []string) string {
	for _, r := range roles {
		r = strings.ToLower(strings.TrimSpace(r))
		if knownRoles[r] {
			return r
		}
	}
	return ""
}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// ActorFromContext returns the actor set by JWTMiddleware or DevAuthMiddleware.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey).(Actor)
	return a, ok
}

func UserIDFromContext(ctx context.Context) string {
	a, _ := ActorFromContext(ctx)
	return a.ID
}

func RoleFromContext(ctx context.Context) string {
	a, _ := ActorFromContext(ctx)
	return a.Role
}
