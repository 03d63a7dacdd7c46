package auth

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"gallery.dev/internal/store"
)

// ClaimType selects which scope a claim targets.
type ClaimType string

const (
	ClaimPermission           ClaimType = "Permission"
	ClaimExhibitPermission    ClaimType = "ExhibitPermission"
	ClaimCollectionPermission ClaimType = "CollectionPermission"
	ClaimTeamPermission       ClaimType = "TeamPermission"
)

// Claim is one typed fact about an identity. System claims carry a single
// permission name; scoped claims carry a JSON document naming the resource and
// its permission set.
type Claim struct {
	Type  ClaimType `json:"type"`
	Value string    `json:"value"`
}

// ClaimTypeFor returns the claim type used for scope.
func ClaimTypeFor(scope store.Scope) ClaimType {
	switch scope {
	case store.ScopeExhibit:
		return ClaimExhibitPermission
	case store.ScopeCollection:
		return ClaimCollectionPermission
	case store.ScopeTeam:
		return ClaimTeamPermission
	}
	return ClaimPermission
}

// SystemClaim grants perm application-wide.
func SystemClaim(perm SystemPermission) Claim {
	return Claim{Type: ClaimPermission, Value: string(perm)}
}

// ScopedClaim is the decoded form of an Exhibit, Collection or Team claim.
type ScopedClaim[P ScopedPermission] struct {
	ResourceID  uuid.UUID
	Permissions []P
}

// Allows reports whether the claim grants any of required. An empty
// requirement is satisfied by the claim's presence alone.
func (c ScopedClaim[P]) Allows(required ...P) bool {
	if len(required) == 0 {
		return true
	}
	for _, r := range required {
		if slices.Contains(c.Permissions, r) {
			return true
		}
	}
	return false
}

func idKey(scope store.Scope) string { return string(scope) + "Id" }

// NewScopedClaim encodes {"<Scope>Id": id, "Permissions": [...]}. Permissions
// are deduplicated and sorted, so equal sets always encode identically.
func NewScopedClaim[P ScopedPermission](id uuid.UUID, perms []P) (Claim, error) {
	var zero P
	scope := zero.Scope()
	if scope == store.ScopeSystem {
		return Claim{}, fmt.Errorf("%w: system permissions are not resource scoped", ErrInvalidInput)
	}
	if id == uuid.Nil {
		return Claim{}, fmt.Errorf("%w: %s claim requires a resource id", ErrInvalidInput, scope)
	}
	raw, err := json.Marshal(map[string]any{
		idKey(scope):  id,
		"Permissions": normalize(perms),
	})
	if err != nil {
		return Claim{}, fmt.Errorf("encode %s claim: %w", scope, err)
	}
	return Claim{Type: ClaimTypeFor(scope), Value: string(raw)}, nil
}

// ClaimFromMembership issues the claim a membership in resourceID with role
// grants. AllPermissions roles expand to the scope's full set.
func ClaimFromMembership[P ScopedPermission](resourceID uuid.UUID, role store.Role) (Claim, error) {
	return NewScopedClaim(resourceID, RolePermissions[P](role))
}

// ParseScopedClaim decodes c as a claim of P's scope.
func ParseScopedClaim[P ScopedPermission](c Claim) (ScopedClaim[P], error) {
	var zero P
	scope := zero.Scope()
	if c.Type != ClaimTypeFor(scope) || scope == store.ScopeSystem {
		return ScopedClaim[P]{}, fmt.Errorf("%w: %s is not a %s claim", ErrMalformedClaim, c.Type, scope)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(c.Value), &doc); err != nil {
		return ScopedClaim[P]{}, fmt.Errorf("%w: %v", ErrMalformedClaim, err)
	}
	rawID, ok := doc[idKey(scope)]
	if !ok {
		return ScopedClaim[P]{}, fmt.Errorf("%w: missing %s", ErrMalformedClaim, idKey(scope))
	}
	var id uuid.UUID
	if err := json.Unmarshal(rawID, &id); err != nil || id == uuid.Nil {
		return ScopedClaim[P]{}, fmt.Errorf("%w: bad %s", ErrMalformedClaim, idKey(scope))
	}
	var perms []P
	if raw, ok := doc["Permissions"]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &perms); err != nil {
			return ScopedClaim[P]{}, fmt.Errorf("%w: bad Permissions: %v", ErrMalformedClaim, err)
		}
	}
	return ScopedClaim[P]{ResourceID: id, Permissions: normalize(perms)}, nil
}

// FindScopedClaim scans claims in order and returns the first claim of P's
// scope for id. Claim sets are small, so this is a linear scan. Malformed
// entries are skipped. Duplicate claims for one id are tolerated and the first
// wins; they are never merged.
func FindScopedClaim[P ScopedPermission](claims []Claim, id uuid.UUID) (ScopedClaim[P], bool) {
	var zero P
	want := ClaimTypeFor(zero.Scope())
	for _, c := range claims {
		if c.Type != want {
			continue
		}
		sc, err := ParseScopedClaim[P](c)
		if err != nil {
			continue
		}
		if sc.ResourceID == id {
			return sc, true
		}
	}
	return ScopedClaim[P]{}, false
}

// ScopedClaims decodes every well-formed claim of P's scope, in order.
func ScopedClaims[P ScopedPermission](claims []Claim) []ScopedClaim[P] {
	var zero P
	want := ClaimTypeFor(zero.Scope())
	var out []ScopedClaim[P]
	for _, c := range claims {
		if c.Type != want {
			continue
		}
		if sc, err := ParseScopedClaim[P](c); err == nil {
			out = append(out, sc)
		}
	}
	return out
}

func normalize[P ~string](perms []P) []P {
	out := make([]P, 0, len(perms))
	for _, p := range perms {
		if p != "" && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}
