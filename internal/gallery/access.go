package gallery

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"gallery.dev/internal/auth"
	"gallery.dev/internal/store"
)

// CreateUser stores a new user. A non-empty password is hashed; the hash is
// never returned.
func (s *Service) CreateUser(ctx context.Context, u store.User, password string) (store.User, error) {
	if err := s.requireSystem(ctx, auth.ManageUsers); err != nil {
		return store.User{}, err
	}
	name, err := requireName(u.Name, "user")
	if err != nil {
		return store.User{}, err
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(u.Email))
	if err != nil {
		return store.User{}, fmt.Errorf("%w: invalid email", ErrInvalid)
	}
	u.ID, u.Name, u.Email, u.PasswordHash = ensureID(u.ID), name, strings.ToLower(addr.Address), ""
	if password != "" {
		if u.PasswordHash, err = auth.HashPassword(password); err != nil {
			return store.User{}, err
		}
	}
	err = s.write(ctx, "user.create", map[string]any{"id": u.ID.String()}, func(ctx context.Context, tx store.Tx) error {
		switch _, err := store.UserByEmail(ctx, tx, u.Email); {
		case err == nil:
			return fmt.Errorf("%w: email already registered", store.ErrConflict)
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		if err := checkRole(ctx, tx, u.RoleID, store.ScopeSystem); err != nil {
			return err
		}
		return tx.Put(ctx, u)
	})
	u.PasswordHash = ""
	return u, err
}

func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (store.User, error) {
	caller, err := Caller(ctx)
	if err != nil {
		return store.User{}, err
	}
	if caller.UserID != id {
		if err := s.requireSystem(ctx, auth.ViewUsers); err != nil {
			return store.User{}, err
		}
	}
	u, err := store.Get[store.User](ctx, s.store, id)
	u.PasswordHash = ""
	return u, err
}

func (s *Service) ListUsers(ctx context.Context) ([]store.User, error) {
	if err := s.requireSystem(ctx, auth.ViewUsers); err != nil {
		return nil, err
	}
	users, err := store.ListAll[store.User](ctx, s.store)
	for i := range users {
		users[i].PasswordHash = ""
	}
	return users, err
}

// SetUserRole assigns or clears the user's system role.
func (s *Service) SetUserRole(ctx context.Context, userID uuid.UUID, roleID uuid.NullUUID) error {
	if err := s.requireSystem(ctx, auth.ManageUsers); err != nil {
		return err
	}
	return s.write(ctx, "user.role", map[string]any{"id": userID.String()}, func(ctx context.Context, tx store.Tx) error {
		u, err := store.Get[store.User](ctx, tx, userID)
		if err != nil {
			return err
		}
		if err := checkRole(ctx, tx, roleID, store.ScopeSystem); err != nil {
			return err
		}
		u.RoleID = roleID
		return tx.Put(ctx, u)
	})
}

// DeleteUser removes the user and every record that names them.
func (s *Service) DeleteUser(ctx context.Context, id uuid.UUID) error {
	if err := s.requireSystem(ctx, auth.ManageUsers); err != nil {
		return err
	}
	return s.write(ctx, "user.delete", map[string]any{"id": id.String()}, func(ctx context.Context, tx store.Tx) error {
		if err := deleteAll[store.TeamUser](ctx, tx, store.RefUserID, id); err != nil {
			return err
		}
		if err := deleteAll[store.GroupMembership](ctx, tx, store.RefUserID, id); err != nil {
			return err
		}
		if err := deleteAll[store.UserPermission](ctx, tx, store.RefUserID, id); err != nil {
			return err
		}
		if err := deleteAll[store.UserArticle](ctx, tx, store.RefUserID, id); err != nil {
			return err
		}
		if err := deleteAll[store.ExhibitMembership](ctx, tx, store.RefUserID, id); err != nil {
			return err
		}
		if err := deleteAll[store.CollectionMembership](ctx, tx, store.RefUserID, id); err != nil {
			return err
		}
		return tx.Delete(ctx, store.TypeUser, id)
	})
}

func (s *Service) ListUserPermissions(ctx context.Context, userID uuid.UUID) ([]store.UserPermission, error) {
	if err := s.requireSystem(ctx, auth.ViewUsers); err != nil {
		return nil, err
	}
	return store.ListByID[store.UserPermission](ctx, s.store, store.RefUserID, userID)
}

// GrantPermission gives the user a direct system permission. Granting one the
// user already holds returns the existing grant.
func (s *Service) GrantPermission(ctx context.Context, userID uuid.UUID, perm auth.SystemPermission) (store.UserPermission, error) {
	if err := s.requireSystem(ctx, auth.ManageUsers); err != nil {
		return store.UserPermission{}, err
	}
	if !auth.ValidPermission(store.ScopeSystem, string(perm)) {
		return store.UserPermission{}, fmt.Errorf("%w: unknown permission %q", ErrInvalid, perm)
	}
	var out store.UserPermission
	err := s.write(ctx, "user.grant", map[string]any{"user_id": userID.String(), "permission": string(perm)}, func(ctx context.Context, tx store.Tx) error {
		if err := mustExist(ctx, tx, store.TypeUser, userID); err != nil {
			return err
		}
		grants, err := store.ListByID[store.UserPermission](ctx, tx, store.RefUserID, userID)
		if err != nil {
			return err
		}
		for _, g := range grants {
			if g.Permission == string(perm) {
				out = g
				return nil
			}
		}
		out = store.UserPermission{ID: uuid.New(), UserID: userID, Permission: string(perm)}
		return tx.Put(ctx, out)
	})
	return out, err
}

func (s *Service) RevokePermission(ctx context.Context, userID uuid.UUID, perm auth.SystemPermission) error {
	if err := s.requireSystem(ctx, auth.ManageUsers); err != nil {
		return err
	}
	return s.write(ctx, "user.revoke", map[string]any{"user_id": userID.String(), "permission": string(perm)}, func(ctx context.Context, tx store.Tx) error {
		grants, err := store.ListByID[store.UserPermission](ctx, tx, store.RefUserID, userID)
		if err != nil {
			return err
		}
		for _, g := range grants {
			if g.Permission == string(perm) {
				return tx.Delete(ctx, store.TypeUserPermission, g.ID)
			}
		}
		return fmt.Errorf("%w: user %s does not hold %s", store.ErrNotFound, userID, perm)
	})
}

func (s *Service) ListRoles(ctx context.Context) ([]store.Role, error) {
	if err := s.requireSystem(ctx, auth.ViewRoles); err != nil {
		return nil, err
	}
	return store.ListAll[store.Role](ctx, s.store)
}

// SaveRole creates or replaces a role. Immutable roles and scope changes are
// rejected.
func (s *Service) SaveRole(ctx context.Context, r store.Role) (store.Role, error) {
	if err := s.requireSystem(ctx, auth.ManageRoles); err != nil {
		return store.Role{}, err
	}
	if err := r.Validate(); err != nil {
		return store.Role{}, err
	}
	for _, p := range r.Permissions {
		if !auth.ValidPermission(r.Scope, p) {
			return store.Role{}, fmt.Errorf("%w: %q is not a %s permission", ErrInvalid, p, r.Scope)
		}
	}
	r.ID, r.Name = ensureID(r.ID), strings.TrimSpace(r.Name)
	return r, s.write(ctx, "role.save", map[string]any{"id": r.ID.String()}, func(ctx context.Context, tx store.Tx) error {
		current, err := store.Get[store.Role](ctx, tx, r.ID)
		switch {
		case err == nil && current.Immutable:
			return fmt.Errorf("%w: role %s is immutable", store.ErrConflict, current.Name)
		case err == nil && current.Scope != r.Scope:
			return fmt.Errorf("%w: role scope cannot change", ErrInvalid)
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return err
		}
		return tx.Put(ctx, r)
	})
}

// DeleteRole removes a role nothing references.
func (s *Service) DeleteRole(ctx context.Context, id uuid.UUID) error {
	if err := s.requireSystem(ctx, auth.ManageRoles); err != nil {
		return err
	}
	return s.write(ctx, "role.delete", map[string]any{"id": id.String()}, func(ctx context.Context, tx store.Tx) error {
		role, err := store.Get[store.Role](ctx, tx, id)
		if err != nil {
			return err
		}
		if role.Immutable {
			return fmt.Errorf("%w: role %s is immutable", store.ErrConflict, role.Name)
		}
		for _, typ := range []store.EntityType{store.TypeUser, store.TypeTeamUser, store.TypeExhibitMembership, store.TypeCollectionMembership} {
			used, err := tx.List(ctx, typ, store.RefRoleID, id.String())
			if err != nil {
				return err
			}
			if len(used) > 0 {
				return fmt.Errorf("%w: role %s is still assigned", store.ErrConflict, role.Name)
			}
		}
		return tx.Delete(ctx, store.TypeRole, id)
	})
}

func (s *Service) ListGroups(ctx context.Context) ([]store.Group, error) {
	if err := s.requireSystem(ctx, auth.ViewGroups); err != nil {
		return nil, err
	}
	return store.ListAll[store.Group](ctx, s.store)
}

func (s *Service) SaveGroup(ctx context.Context, g store.Group) (store.Group, error) {
	if err := s.requireSystem(ctx, auth.ManageGroups); err != nil {
		return store.Group{}, err
	}
	name, err := requireName(g.Name, "group")
	if err != nil {
		return store.Group{}, err
	}
	g.ID, g.Name = ensureID(g.ID), name
	return g, s.put(ctx, "group.save", g)
}

// DeleteGroup removes the group, its members and the memberships granted to
// it.
func (s *Service) DeleteGroup(ctx context.Context, id uuid.UUID) error {
	if err := s.requireSystem(ctx, auth.ManageGroups); err != nil {
		return err
	}
	return s.write(ctx, "group.delete", map[string]any{"id": id.String()}, func(ctx context.Context, tx store.Tx) error {
		if err := deleteAll[store.GroupMembership](ctx, tx, store.RefGroupID, id); err != nil {
			return err
		}
		if err := deleteAll[store.ExhibitMembership](ctx, tx, store.RefGroupID, id); err != nil {
			return err
		}
		if err := deleteAll[store.CollectionMembership](ctx, tx, store.RefGroupID, id); err != nil {
			return err
		}
		return tx.Delete(ctx, store.TypeGroup, id)
	})
}

func (s *Service) ListGroupMembers(ctx context.Context, groupID uuid.UUID) ([]store.GroupMembership, error) {
	if err := s.requireSystem(ctx, auth.ViewGroups); err != nil {
		return nil, err
	}
	return store.ListByID[store.GroupMembership](ctx, s.store, store.RefGroupID, groupID)
}

func (s *Service) AddGroupMember(ctx context.Context, groupID, userID uuid.UUID) (store.GroupMembership, error) {
	if err := s.requireSystem(ctx, auth.ManageGroups); err != nil {
		return store.GroupMembership{}, err
	}
	m := store.GroupMembership{ID: uuid.New(), GroupID: groupID, UserID: userID}
	return m, s.write(ctx, "group.member.add", map[string]any{"group_id": groupID.String(), "user_id": userID.String()}, func(ctx context.Context, tx store.Tx) error {
		if err := mustExist(ctx, tx, store.TypeGroup, groupID); err != nil {
			return err
		}
		if err := mustExist(ctx, tx, store.TypeUser, userID); err != nil {
			return err
		}
		members, err := store.ListByID[store.GroupMembership](ctx, tx, store.RefGroupID, groupID)
		if err != nil {
			return err
		}
		for _, existing := range members {
			if existing.UserID == userID {
				return fmt.Errorf("%w: user is already a member", store.ErrConflict)
			}
		}
		return tx.Put(ctx, m)
	})
}

func (s *Service) RemoveGroupMember(ctx context.Context, id uuid.UUID) error {
	if err := s.requireSystem(ctx, auth.ManageGroups); err != nil {
		return err
	}
	return s.remove(ctx, "group.member.remove", store.TypeGroupMembership, id)
}

func (s *Service) ListExhibitMemberships(ctx context.Context, exhibitID uuid.UUID) ([]store.ExhibitMembership, error) {
	if err := s.requireExhibit(ctx, store.TypeExhibit, exhibitID, auth.ViewExhibits); err != nil {
		return nil, err
	}
	return store.ListByID[store.ExhibitMembership](ctx, s.store, store.RefExhibitID, exhibitID)
}

func (s *Service) AddExhibitMembership(ctx context.Context, m store.ExhibitMembership) (store.ExhibitMembership, error) {
	if err := s.requireExhibit(ctx, store.TypeExhibit, m.ExhibitID, auth.ManageExhibits, auth.ManageExhibit); err != nil {
		return store.ExhibitMembership{}, err
	}
	if err := m.Validate(); err != nil {
		return store.ExhibitMembership{}, err
	}
	m.ID = ensureID(m.ID)
	return m, s.write(ctx, "exhibit.membership.add", map[string]any{"id": m.ID.String(), "exhibit_id": m.ExhibitID.String()}, func(ctx context.Context, tx store.Tx) error {
		if err := mustExist(ctx, tx, store.TypeExhibit, m.ExhibitID); err != nil {
			return err
		}
		if err := checkMembership(ctx, tx, m, store.ScopeExhibit, store.RefExhibitID, m.ExhibitID); err != nil {
			return err
		}
		return tx.Put(ctx, m)
	})
}

func (s *Service) RemoveExhibitMembership(ctx context.Context, id uuid.UUID) error {
	if err := s.requireExhibit(ctx, store.TypeExhibitMembership, id, auth.ManageExhibits, auth.ManageExhibit); err != nil {
		return err
	}
	return s.remove(ctx, "exhibit.membership.remove", store.TypeExhibitMembership, id)
}

func (s *Service) ListCollectionMemberships(ctx context.Context, collectionID uuid.UUID) ([]store.CollectionMembership, error) {
	if err := s.requireCollection(ctx, store.TypeCollection, collectionID, auth.ViewCollections); err != nil {
		return nil, err
	}
	return store.ListByID[store.CollectionMembership](ctx, s.store, store.RefCollectionID, collectionID)
}

func (s *Service) AddCollectionMembership(ctx context.Context, m store.CollectionMembership) (store.CollectionMembership, error) {
	if err := s.requireCollection(ctx, store.TypeCollection, m.CollectionID, auth.ManageCollections, auth.ManageCollection); err != nil {
		return store.CollectionMembership{}, err
	}
	if err := m.Validate(); err != nil {
		return store.CollectionMembership{}, err
	}
	m.ID = ensureID(m.ID)
	return m, s.write(ctx, "collection.membership.add", map[string]any{"id": m.ID.String(), "collection_id": m.CollectionID.String()}, func(ctx context.Context, tx store.Tx) error {
		if err := mustExist(ctx, tx, store.TypeCollection, m.CollectionID); err != nil {
			return err
		}
		if err := checkMembership(ctx, tx, m, store.ScopeCollection, store.RefCollectionID, m.CollectionID); err != nil {
			return err
		}
		return tx.Put(ctx, m)
	})
}

func (s *Service) RemoveCollectionMembership(ctx context.Context, id uuid.UUID) error {
	if err := s.requireCollection(ctx, store.TypeCollectionMembership, id, auth.ManageCollections, auth.ManageCollection); err != nil {
		return err
	}
	return s.remove(ctx, "collection.membership.remove", store.TypeCollectionMembership, id)
}

type membership interface {
	store.Entity
	Principal() (uuid.UUID, bool)
}

// checkMembership requires the principal and a role of scope to exist, and
// rejects a second membership of the same principal on the resource.
func checkMembership[M membership](ctx context.Context, tx store.Tx, m M, scope store.Scope, field string, resourceID uuid.UUID) error {
	principal, isUser := m.Principal()
	principalType := store.TypeGroup
	if isUser {
		principalType = store.TypeUser
	}
	if err := mustExist(ctx, tx, principalType, principal); err != nil {
		return err
	}
	if err := checkRole(ctx, tx, store.Ref(roleOf(m)), scope); err != nil {
		return err
	}
	existing, err := store.ListByID[M](ctx, tx, field, resourceID)
	if err != nil {
		return err
	}
	for _, other := range existing {
		if other.EntityID() == m.EntityID() {
			continue
		}
		if p, u := other.Principal(); p == principal && u == isUser {
			return fmt.Errorf("%w: %s already has a membership", store.ErrConflict, principalType)
		}
	}
	return nil
}

func roleOf(m store.Entity) uuid.UUID {
	switch v := m.(type) {
	case store.ExhibitMembership:
		return v.RoleID
	case store.CollectionMembership:
		return v.RoleID
	}
	return uuid.Nil
}
