package auth

import (
	"context"
	"slices"

	"github.com/google/uuid"
)

// Identity is an authenticated principal and the claim snapshot issued to it.
// Claims do not change for the lifetime of a session.
type Identity struct {
	UserID uuid.UUID
	Name   string
	Claims []Claim
}

// SystemPermissions lists the identity's system-wide permissions in claim
// order.
func (i Identity) SystemPermissions() []SystemPermission {
	var out []SystemPermission
	for _, c := range i.Claims {
		if c.Type == ClaimPermission {
			out = append(out, SystemPermission(c.Value))
		}
	}
	return out
}

// HasSystem reports whether the identity holds any of perms. An empty list
// is satisfied by any identity.
func (i Identity) HasSystem(perms ...SystemPermission) bool {
	if len(perms) == 0 {
		return true
	}
	for _, c := range i.Claims {
		if c.Type == ClaimPermission && slices.Contains(perms, SystemPermission(c.Value)) {
			return true
		}
	}
	return false
}

type identityContextKey struct{}

// ContextWithIdentity attaches the authenticated identity to the context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, &id)
}

// IdentityFromContext returns the caller's identity. An anonymous caller
// yields (Identity{}, false); that is not an error.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	v, ok := ctx.Value(identityContextKey{}).(*Identity)
	if !ok || v == nil || v.UserID == uuid.Nil {
		return Identity{}, false
	}
	return *v, true
}
