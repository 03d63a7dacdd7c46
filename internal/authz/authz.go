// Package authz decides whether the caller in a context may act on the system
// or on one resource. A decision is a boolean; translating a denial into a
// response belongs to the caller.
package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"gallery.dev/internal/auth"
	"gallery.dev/internal/obs"
	"gallery.dev/internal/store"
)

// Engine evaluates claims against requirements. It keeps no state between
// calls; every scope lookup reads the store afresh.
type Engine struct {
	store store.Reader
}

func New(r store.Reader) *Engine {
	return &Engine{store: r}
}

// AuthorizeSystem succeeds when the caller holds any of perms. With no perms
// it succeeds for any authenticated caller. Anonymous callers are denied.
func (e *Engine) AuthorizeSystem(ctx context.Context, perms ...auth.SystemPermission) bool {
	allowed := authorizeSystem(ctx, perms)
	obs.ObserveAuthorization(string(store.ScopeSystem), allowed)
	return allowed
}

func authorizeSystem(ctx context.Context, perms []auth.SystemPermission) bool {
	id, ok := auth.IdentityFromContext(ctx)
	if !ok {
		return false
	}
	return id.HasSystem(perms...)
}

// AuthorizeResource succeeds when the caller holds any of system, or when it
// holds a P-scoped claim for the scope that resource resolves to and
// that claim allows any of scoped. An empty system list grants nothing on its
// own. An empty scoped list makes presence of the claim sufficient.
//
// A resource that no longer exists resolves to no scope, leaving only the
// system result. Storage failures and cancellation are returned as errors.
func AuthorizeResource[P auth.ScopedPermission](ctx context.Context, e *Engine, resource store.EntityType, id uuid.UUID, system []auth.SystemPermission, scoped []P) (bool, error) {
	var zero P
	scope := zero.Scope()
	resolve := resolverFor(resource, scope)

	caller, ok := auth.IdentityFromContext(ctx)
	if !ok {
		obs.ObserveAuthorization(string(scope), false)
		return false, nil
	}
	if len(system) > 0 && caller.HasSystem(system...) {
		obs.ObserveAuthorization(string(scope), true)
		return true, nil
	}

	scopeID, found, err := resolve(ctx, e.store, id)
	if err != nil {
		return false, fmt.Errorf("resolve %s scope of %s %s: %w", scope, resource, id, err)
	}
	allowed := false
	if found {
		if claim, ok := auth.FindScopedClaim[P](caller.Claims, scopeID); ok {
			allowed = claim.Allows(scoped...)
		}
	}
	obs.ObserveAuthorization(string(scope), allowed)
	return allowed, nil
}

// AuthorizeExhibit authorizes against the exhibit resource resolves to.
func (e *Engine) AuthorizeExhibit(ctx context.Context, resource store.EntityType, id uuid.UUID, system []auth.SystemPermission, scoped ...auth.ExhibitPermission) (bool, error) {
	return AuthorizeResource(ctx, e, resource, id, system, scoped)
}

// AuthorizeCollection authorizes against the collection resource resolves to.
func (e *Engine) AuthorizeCollection(ctx context.Context, resource store.EntityType, id uuid.UUID, system []auth.SystemPermission, scoped ...auth.CollectionPermission) (bool, error) {
	return AuthorizeResource(ctx, e, resource, id, system, scoped)
}

// AuthorizeTeam authorizes against the team resource resolves to.
func (e *Engine) AuthorizeTeam(ctx context.Context, resource store.EntityType, id uuid.UUID, system []auth.SystemPermission, scoped ...auth.TeamPermission) (bool, error) {
	return AuthorizeResource(ctx, e, resource, id, system, scoped)
}

// resolver maps a resource id to the id of the scope it is authorized under.
// found is false when the resource or its parent does not exist.
type resolver func(ctx context.Context, r store.Reader, id uuid.UUID) (scopeID uuid.UUID, found bool, err error)

type resolverKey struct {
	resource store.EntityType
	scope    store.Scope
}

var resolvers = map[resolverKey]resolver{
	{store.TypeExhibit, store.ScopeExhibit}:                 self,
	{store.TypeExhibit, store.ScopeCollection}:              parent(func(e store.Exhibit) uuid.UUID { return e.CollectionID }),
	{store.TypeExhibitMembership, store.ScopeExhibit}:       parent(func(m store.ExhibitMembership) uuid.UUID { return m.ExhibitID }),
	{store.TypeCollection, store.ScopeCollection}:           self,
	{store.TypeCollectionMembership, store.ScopeCollection}: parent(func(m store.CollectionMembership) uuid.UUID { return m.CollectionID }),
	{store.TypeCard, store.ScopeCollection}:                 parent(func(c store.Card) uuid.UUID { return c.CollectionID }),
	{store.TypeArticle, store.ScopeCollection}:              parent(func(a store.Article) uuid.UUID { return a.CollectionID }),
	{store.TypeArticle, store.ScopeExhibit}:                 parent(func(a store.Article) uuid.UUID { return a.ExhibitID.UUID }),
	{store.TypeTeam, store.ScopeTeam}:                       self,
	{store.TypeTeam, store.ScopeExhibit}:                    parent(func(t store.Team) uuid.UUID { return t.ExhibitID }),
	{store.TypeTeamUser, store.ScopeTeam}:                   parent(func(tu store.TeamUser) uuid.UUID { return tu.TeamID }),
	{store.TypeTeamUser, store.ScopeExhibit}:                grandparent(func(tu store.TeamUser) uuid.UUID { return tu.TeamID }, func(t store.Team) uuid.UUID { return t.ExhibitID }),
	{store.TypeTeamCard, store.ScopeTeam}:                   parent(func(tc store.TeamCard) uuid.UUID { return tc.TeamID }),
	{store.TypeTeamCard, store.ScopeExhibit}:                grandparent(func(tc store.TeamCard) uuid.UUID { return tc.TeamID }, func(t store.Team) uuid.UUID { return t.ExhibitID }),
	{store.TypeUserArticle, store.ScopeExhibit}:             parent(func(ua store.UserArticle) uuid.UUID { return ua.ExhibitID }),
}

// resolverFor panics for pairs with no registered resolution; that is a wiring
// mistake, not a denial.
func resolverFor(resource store.EntityType, scope store.Scope) resolver {
	r, ok := resolvers[resolverKey{resource, scope}]
	if !ok {
		panic(fmt.Sprintf("authz: no %s scope resolution registered for resource type %s", scope, resource))
	}
	return r
}

// self is the identity resolution: the resource id is the scope id.
func self(ctx context.Context, _ store.Reader, id uuid.UUID) (uuid.UUID, bool, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, false, err
	}
	return id, id != uuid.Nil, nil
}

// parent loads the resource and reads its owning scope id.
func parent[T store.Entity](owner func(T) uuid.UUID) resolver {
	return func(ctx context.Context, r store.Reader, id uuid.UUID) (uuid.UUID, bool, error) {
		e, err := store.Get[T](ctx, r, id)
		if errors.Is(err, store.ErrNotFound) {
			return uuid.Nil, false, nil
		}
		if err != nil {
			return uuid.Nil, false, err
		}
		scopeID := owner(e)
		return scopeID, scopeID != uuid.Nil, nil
	}
}

// grandparent walks two ownership links.
func grandparent[T, U store.Entity](first func(T) uuid.UUID, second func(U) uuid.UUID) resolver {
	viaFirst := parent(first)
	viaSecond := parent(second)
	return func(ctx context.Context, r store.Reader, id uuid.UUID) (uuid.UUID, bool, error) {
		mid, found, err := viaFirst(ctx, r, id)
		if err != nil || !found {
			return uuid.Nil, false, err
		}
		return viaSecond(ctx, r, mid)
	}
}
