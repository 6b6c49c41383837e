// Package auth carries caller identity through request contexts and
// provides the HTTP middleware that establishes it: request correlation,
// bearer-token authentication and per-actor rate limiting.
package auth

import (
	"context"
	"slices"

	"github.com/Mindburn-Labs/helmpay/pkg/pilot"
)

type principalKey struct{}

// Principal is the authenticated caller.
type Principal struct {
	Subject        string
	OrganizationID string
	Roles          []string
}

func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// Pilot returns the identity the execution-mode guard checks.
func (p Principal) Pilot() pilot.Principal {
	return pilot.Principal{OrganizationID: p.OrganizationID, Subject: p.Subject}
}

// ActorID keys per-caller state such as rate limit buckets.
func (p Principal) ActorID() string {
	return p.OrganizationID + "/" + p.Subject
}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// GetPrincipal retrieves the Principal from ctx.
func GetPrincipal(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
