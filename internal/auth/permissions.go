package auth

import (
	"slices"

	"gallery.dev/internal/store"
)

// SystemPermission is granted application-wide.
type SystemPermission string

const (
	CreateCollections SystemPermission = "CreateCollections"
	ViewCollections   SystemPermission = "ViewCollections"
	EditCollections   SystemPermission = "EditCollections"
	ManageCollections SystemPermission = "ManageCollections"
	CreateExhibits    SystemPermission = "CreateExhibits"
	ViewExhibits      SystemPermission = "ViewExhibits"
	EditExhibits      SystemPermission = "EditExhibits"
	ManageExhibits    SystemPermission = "ManageExhibits"
	ViewUsers         SystemPermission = "ViewUsers"
	ManageUsers       SystemPermission = "ManageUsers"
	ViewRoles         SystemPermission = "ViewRoles"
	ManageRoles       SystemPermission = "ManageRoles"
	ViewGroups        SystemPermission = "ViewGroups"
	ManageGroups      SystemPermission = "ManageGroups"
)

// ExhibitPermission applies to one exhibit.
type ExhibitPermission string

const (
	ViewExhibit   ExhibitPermission = "ViewExhibit"
	EditExhibit   ExhibitPermission = "EditExhibit"
	ManageExhibit ExhibitPermission = "ManageExhibit"
)

// CollectionPermission applies to one collection.
type CollectionPermission string

const (
	ViewCollection   CollectionPermission = "ViewCollection"
	EditCollection   CollectionPermission = "EditCollection"
	ManageCollection CollectionPermission = "ManageCollection"
)

// TeamPermission applies to one team.
type TeamPermission string

const (
	ViewTeam   TeamPermission = "ViewTeam"
	EditTeam   TeamPermission = "EditTeam"
	ManageTeam TeamPermission = "ManageTeam"
)

func (SystemPermission) Scope() store.Scope     { return store.ScopeSystem }
func (ExhibitPermission) Scope() store.Scope    { return store.ScopeExhibit }
func (CollectionPermission) Scope() store.Scope { return store.ScopeCollection }
func (TeamPermission) Scope() store.Scope       { return store.ScopeTeam }

// ScopedPermission is the constraint shared by the resource-scoped
// permission enums.
type ScopedPermission interface {
	~string
	Scope() store.Scope
}

var scopePermissions = map[store.Scope][]string{
	store.ScopeSystem: {
		string(CreateCollections), string(ViewCollections), string(EditCollections), string(ManageCollections),
		string(CreateExhibits), string(ViewExhibits), string(EditExhibits), string(ManageExhibits),
		string(ViewUsers), string(ManageUsers), string(ViewRoles), string(ManageRoles),
		string(ViewGroups), string(ManageGroups),
	},
	store.ScopeExhibit:    {string(ViewExhibit), string(EditExhibit), string(ManageExhibit)},
	store.ScopeCollection: {string(ViewCollection), string(EditCollection), string(ManageCollection)},
	store.ScopeTeam:       {string(ViewTeam), string(EditTeam), string(ManageTeam)},
}

// PermissionsForScope lists every permission name defined for scope.
func PermissionsForScope(scope store.Scope) []string {
	return slices.Clone(scopePermissions[scope])
}

// ValidPermission reports whether name is defined for scope.
func ValidPermission(scope store.Scope, name string) bool {
	return slices.Contains(scopePermissions[scope], name)
}

// AllPermissions lists every permission of P's scope.
func AllPermissions[P ScopedPermission]() []P {
	var zero P
	names := scopePermissions[zero.Scope()]
	out := make([]P, len(names))
	for i, n := range names {
		out[i] = P(n)
	}
	return out
}

// RolePermissions expands role into permissions of P's scope. A role of a
// different scope grants nothing; unknown names are dropped.
func RolePermissions[P ScopedPermission](role store.Role) []P {
	var zero P
	if role.Scope != zero.Scope() {
		return nil
	}
	if role.AllPermissions {
		return AllPermissions[P]()
	}
	out := make([]P, 0, len(role.Permissions))
	for _, name := range role.Permissions {
		if ValidPermission(role.Scope, name) {
			out = append(out, P(name))
		}
	}
	return out
}
