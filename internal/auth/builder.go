package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"gallery.dev/internal/store"
)

// ClaimsBuilder issues claim snapshots from durable role and membership
// records. It never writes.
type ClaimsBuilder struct {
	store store.Reader
}

func NewClaimsBuilder(r store.Reader) *ClaimsBuilder {
	return &ClaimsBuilder{store: r}
}

// Authenticate checks credentials and returns the identity with fresh claims.
func (b *ClaimsBuilder) Authenticate(ctx context.Context, email, password string) (Identity, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return Identity{}, fmt.Errorf("%w: email and password are required", ErrInvalidInput)
	}
	user, err := store.UserByEmail(ctx, b.store, email)
	if errors.Is(err, store.ErrNotFound) {
		return Identity{}, ErrInvalidCredentials
	}
	if err != nil {
		return Identity{}, err
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	return b.Identity(ctx, user.ID)
}

// Identity loads the user and builds its claims.
func (b *ClaimsBuilder) Identity(ctx context.Context, userID uuid.UUID) (Identity, error) {
	user, err := store.Get[store.User](ctx, b.store, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Identity{}, fmt.Errorf("%w: unknown user", ErrUnauthorized)
	}
	if err != nil {
		return Identity{}, err
	}
	claims, err := b.build(ctx, user)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: user.ID, Name: user.Name, Claims: claims}, nil
}

// Build returns the claims for userID.
func (b *ClaimsBuilder) Build(ctx context.Context, userID uuid.UUID) ([]Claim, error) {
	id, err := b.Identity(ctx, userID)
	if err != nil {
		return nil, err
	}
	return id.Claims, nil
}

func (b *ClaimsBuilder) build(ctx context.Context, user store.User) ([]Claim, error) {
	system, err := b.systemPermissions(ctx, user)
	if err != nil {
		return nil, err
	}
	claims := make([]Claim, 0, len(system))
	for _, p := range system {
		claims = append(claims, SystemClaim(p))
	}

	groups, err := store.ListByID[store.GroupMembership](ctx, b.store, store.RefUserID, user.ID)
	if err != nil {
		return nil, err
	}
	principals := []principal{{field: store.RefUserID, id: user.ID}}
	for _, g := range groups {
		principals = append(principals, principal{field: store.RefGroupID, id: g.GroupID})
	}

	roles := roleCache{store: b.store, byID: make(map[uuid.UUID]store.Role)}

	exhibits := newGrants[ExhibitPermission]()
	for _, p := range principals {
		ms, err := store.ListByID[store.ExhibitMembership](ctx, b.store, p.field, p.id)
		if err != nil {
			return nil, err
		}
		for _, m := range ms {
			role, ok, err := roles.get(ctx, m.RoleID)
			if err != nil {
				return nil, err
			}
			if ok {
				exhibits.add(m.ExhibitID, RolePermissions[ExhibitPermission](role)...)
			}
		}
	}

	collections := newGrants[CollectionPermission]()
	for _, p := range principals {
		ms, err := store.ListByID[store.CollectionMembership](ctx, b.store, p.field, p.id)
		if err != nil {
			return nil, err
		}
		for _, m := range ms {
			role, ok, err := roles.get(ctx, m.RoleID)
			if err != nil {
				return nil, err
			}
			if ok {
				collections.add(m.CollectionID, RolePermissions[CollectionPermission](role)...)
			}
		}
	}

	teams := newGrants[TeamPermission]()
	teamUsers, err := store.ListByID[store.TeamUser](ctx, b.store, store.RefUserID, user.ID)
	if err != nil {
		return nil, err
	}
	for _, tu := range teamUsers {
		if !tu.RoleID.Valid {
			teams.add(tu.TeamID, ViewTeam)
			continue
		}
		role, ok, err := roles.get(ctx, tu.RoleID.UUID)
		if err != nil {
			return nil, err
		}
		if ok {
			teams.add(tu.TeamID, RolePermissions[TeamPermission](role)...)
		} else {
			teams.add(tu.TeamID, ViewTeam)
		}
	}

	for _, emit := range []func() ([]Claim, error){exhibits.claims, collections.claims, teams.claims} {
		cs, err := emit()
		if err != nil {
			return nil, err
		}
		claims = append(claims, cs...)
	}
	return claims, nil
}

func (b *ClaimsBuilder) systemPermissions(ctx context.Context, user store.User) ([]SystemPermission, error) {
	var perms []SystemPermission
	if user.RoleID.Valid {
		role, err := store.Get[store.Role](ctx, b.store, user.RoleID.UUID)
		switch {
		case err == nil:
			perms = append(perms, RolePermissions[SystemPermission](role)...)
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}
	direct, err := store.ListByID[store.UserPermission](ctx, b.store, store.RefUserID, user.ID)
	if err != nil {
		return nil, err
	}
	for _, d := range direct {
		if ValidPermission(store.ScopeSystem, d.Permission) {
			perms = append(perms, SystemPermission(d.Permission))
		}
	}
	return normalize(perms), nil
}

type principal struct {
	field string
	id    uuid.UUID
}

type roleCache struct {
	store store.Reader
	byID  map[uuid.UUID]store.Role
}

// get returns false for a role that no longer exists.
func (c roleCache) get(ctx context.Context, id uuid.UUID) (store.Role, bool, error) {
	if r, ok := c.byID[id]; ok {
		return r, true, nil
	}
	r, err := store.Get[store.Role](ctx, c.store, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Role{}, false, nil
	}
	if err != nil {
		return store.Role{}, false, err
	}
	c.byID[id] = r
	return r, true, nil
}

// grants merges permissions per resource so issuance emits one claim per id.
type grants[P ScopedPermission] struct {
	byID map[uuid.UUID][]P
}

func newGrants[P ScopedPermission]() *grants[P] {
	return &grants[P]{byID: make(map[uuid.UUID][]P)}
}

func (g *grants[P]) add(id uuid.UUID, perms ...P) {
	g.byID[id] = append(g.byID[id], perms...)
}

func (g *grants[P]) claims() ([]Claim, error) {
	ids := make([]uuid.UUID, 0, len(g.byID))
	for id := range g.byID {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return strings.Compare(a.String(), b.String()) })
	out := make([]Claim, 0, len(ids))
	for _, id := range ids {
		c, err := NewScopedClaim(id, g.byID[id])
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
