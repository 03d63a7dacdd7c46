package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntityType names a table in the store. Values double as the entity name in
// change notifications.
type EntityType string

const (
	TypeUser                 EntityType = "User"
	TypeGroup                EntityType = "Group"
	TypeGroupMembership      EntityType = "GroupMembership"
	TypeRole                 EntityType = "Role"
	TypeUserPermission       EntityType = "UserPermission"
	TypeCollection           EntityType = "Collection"
	TypeExhibit              EntityType = "Exhibit"
	TypeCard                 EntityType = "Card"
	TypeArticle              EntityType = "Article"
	TypeTeam                 EntityType = "Team"
	TypeTeamUser             EntityType = "TeamUser"
	TypeTeamCard             EntityType = "TeamCard"
	TypeUserArticle          EntityType = "UserArticle"
	TypeExhibitMembership    EntityType = "ExhibitMembership"
	TypeCollectionMembership EntityType = "CollectionMembership"
)

// Scope is the resource category a role or permission applies to.
type Scope string

const (
	ScopeSystem     Scope = "System"
	ScopeExhibit    Scope = "Exhibit"
	ScopeCollection Scope = "Collection"
	ScopeTeam       Scope = "Team"
)

// Valid reports whether s is one of the known scopes.
func (s Scope) Valid() bool {
	switch s {
	case ScopeSystem, ScopeExhibit, ScopeCollection, ScopeTeam:
		return true
	}
	return false
}

// Entity is anything stored in a flat, id-keyed table. Relationships are held
// as ids and exposed through Refs so both stores can filter on them.
type Entity interface {
	EntityID() uuid.UUID
	EntityType() EntityType
	Refs() map[string]string
}

// Validator is implemented by entities with invariants beyond field presence.
type Validator interface {
	Validate() error
}

type User struct {
	ID           uuid.UUID     `json:"id"`
	Name         string        `json:"name"`
	Email        string        `json:"email"`
	PasswordHash string        `json:"passwordHash,omitempty"`
	RoleID       uuid.NullUUID `json:"roleId"`
}

type Group struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
}

type GroupMembership struct {
	ID      uuid.UUID `json:"id"`
	GroupID uuid.UUID `json:"groupId"`
	UserID  uuid.UUID `json:"userId"`
}

// Role is a named permission set in one scope. AllPermissions grants every
// permission of that scope; Immutable roles cannot be edited or deleted.
type Role struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	Scope          Scope     `json:"scope"`
	Permissions    []string  `json:"permissions"`
	AllPermissions bool      `json:"allPermissions"`
	Immutable      bool      `json:"immutable"`
}

// UserPermission is a direct system permission grant.
type UserPermission struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"userId"`
	Permission string    `json:"permission"`
}

type Collection struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
}

// Exhibit is a timed run of a collection; CurrentMove/CurrentInject mark how
// far the release schedule has advanced.
type Exhibit struct {
	ID            uuid.UUID `json:"id"`
	CollectionID  uuid.UUID `json:"collectionId"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	CurrentMove   int       `json:"currentMove"`
	CurrentInject int       `json:"currentInject"`
}

type Card struct {
	ID           uuid.UUID `json:"id"`
	CollectionID uuid.UUID `json:"collectionId"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Move         int       `json:"move"`
	Inject       int       `json:"inject"`
}

// Article belongs to a collection and may be narrowed to one exhibit.
type Article struct {
	ID           uuid.UUID     `json:"id"`
	CollectionID uuid.UUID     `json:"collectionId"`
	CardID       uuid.NullUUID `json:"cardId"`
	ExhibitID    uuid.NullUUID `json:"exhibitId"`
	Name         string        `json:"name"`
	Summary      string        `json:"summary,omitempty"`
	Move         int           `json:"move"`
	Inject       int           `json:"inject"`
	DatePosted   time.Time     `json:"datePosted"`
}

type Team struct {
	ID        uuid.UUID `json:"id"`
	ExhibitID uuid.UUID `json:"exhibitId"`
	Name      string    `json:"name"`
	ShortName string    `json:"shortName,omitempty"`
}

// TeamUser places a user on a team; RoleID references a Team-scope role.
type TeamUser struct {
	ID         uuid.UUID     `json:"id"`
	TeamID     uuid.UUID     `json:"teamId"`
	UserID     uuid.UUID     `json:"userId"`
	RoleID     uuid.NullUUID `json:"roleId"`
	IsObserver bool          `json:"isObserver"`
}

type TeamCard struct {
	ID            uuid.UUID `json:"id"`
	TeamID        uuid.UUID `json:"teamId"`
	CardID        uuid.UUID `json:"cardId"`
	Move          int       `json:"move"`
	Inject        int       `json:"inject"`
	IsShownOnWall bool      `json:"isShownOnWall"`
}

// UserArticle is one user's copy of a released article within an exhibit.
type UserArticle struct {
	ID               uuid.UUID `json:"id"`
	ExhibitID        uuid.UUID `json:"exhibitId"`
	ArticleID        uuid.UUID `json:"articleId"`
	UserID           uuid.UUID `json:"userId"`
	IsRead           bool      `json:"isRead"`
	ActualDatePosted time.Time `json:"actualDatePosted"`
}

type ExhibitMembership struct {
	ID        uuid.UUID     `json:"id"`
	ExhibitID uuid.UUID     `json:"exhibitId"`
	UserID    uuid.NullUUID `json:"userId"`
	GroupID   uuid.NullUUID `json:"groupId"`
	RoleID    uuid.UUID     `json:"roleId"`
}

type CollectionMembership struct {
	ID           uuid.UUID     `json:"id"`
	CollectionID uuid.UUID     `json:"collectionId"`
	UserID       uuid.NullUUID `json:"userId"`
	GroupID      uuid.NullUUID `json:"groupId"`
	RoleID       uuid.UUID     `json:"roleId"`
}

func (e User) EntityID() uuid.UUID                 { return e.ID }
func (e Group) EntityID() uuid.UUID                { return e.ID }
func (e GroupMembership) EntityID() uuid.UUID      { return e.ID }
func (e Role) EntityID() uuid.UUID                 { return e.ID }
func (e UserPermission) EntityID() uuid.UUID       { return e.ID }
func (e Collection) EntityID() uuid.UUID           { return e.ID }
func (e Exhibit) EntityID() uuid.UUID              { return e.ID }
func (e Card) EntityID() uuid.UUID                 { return e.ID }
func (e Article) EntityID() uuid.UUID              { return e.ID }
func (e Team) EntityID() uuid.UUID                 { return e.ID }
func (e TeamUser) EntityID() uuid.UUID             { return e.ID }
func (e TeamCard) EntityID() uuid.UUID             { return e.ID }
func (e UserArticle) EntityID() uuid.UUID          { return e.ID }
func (e ExhibitMembership) EntityID() uuid.UUID    { return e.ID }
func (e CollectionMembership) EntityID() uuid.UUID { return e.ID }

func (User) EntityType() EntityType                 { return TypeUser }
func (Group) EntityType() EntityType                { return TypeGroup }
func (GroupMembership) EntityType() EntityType      { return TypeGroupMembership }
func (Role) EntityType() EntityType                 { return TypeRole }
func (UserPermission) EntityType() EntityType       { return TypeUserPermission }
func (Collection) EntityType() EntityType           { return TypeCollection }
func (Exhibit) EntityType() EntityType              { return TypeExhibit }
func (Card) EntityType() EntityType                 { return TypeCard }
func (Article) EntityType() EntityType              { return TypeArticle }
func (Team) EntityType() EntityType                 { return TypeTeam }
func (TeamUser) EntityType() EntityType             { return TypeTeamUser }
func (TeamCard) EntityType() EntityType             { return TypeTeamCard }
func (UserArticle) EntityType() EntityType          { return TypeUserArticle }
func (ExhibitMembership) EntityType() EntityType    { return TypeExhibitMembership }
func (CollectionMembership) EntityType() EntityType { return TypeCollectionMembership }

// Ref field names used with ListBy.
const (
	RefEmail        = "email"
	RefRoleID       = "roleId"
	RefGroupID      = "groupId"
	RefUserID       = "userId"
	RefCollectionID = "collectionId"
	RefExhibitID    = "exhibitId"
	RefCardID       = "cardId"
	RefArticleID    = "articleId"
	RefTeamID       = "teamId"
	RefScope        = "scope"
)

func (e User) Refs() map[string]string {
	return refs(RefEmail, strings.ToLower(e.Email), RefRoleID, nullRef(e.RoleID))
}
func (e Group) Refs() map[string]string { return nil }
func (e GroupMembership) Refs() map[string]string {
	return refs(RefGroupID, e.GroupID.String(), RefUserID, e.UserID.String())
}
func (e Role) Refs() map[string]string { return refs(RefScope, string(e.Scope)) }
func (e UserPermission) Refs() map[string]string {
	return refs(RefUserID, e.UserID.String())
}
func (e Collection) Refs() map[string]string { return nil }
func (e Exhibit) Refs() map[string]string {
	return refs(RefCollectionID, e.CollectionID.String())
}
func (e Card) Refs() map[string]string {
	return refs(RefCollectionID, e.CollectionID.String())
}
func (e Article) Refs() map[string]string {
	return refs(RefCollectionID, e.CollectionID.String(), RefCardID, nullRef(e.CardID), RefExhibitID, nullRef(e.ExhibitID))
}
func (e Team) Refs() map[string]string { return refs(RefExhibitID, e.ExhibitID.String()) }
func (e TeamUser) Refs() map[string]string {
	return refs(RefTeamID, e.TeamID.String(), RefUserID, e.UserID.String(), RefRoleID, nullRef(e.RoleID))
}
func (e TeamCard) Refs() map[string]string {
	return refs(RefTeamID, e.TeamID.String(), RefCardID, e.CardID.String())
}
func (e UserArticle) Refs() map[string]string {
	return refs(RefExhibitID, e.ExhibitID.String(), RefArticleID, e.ArticleID.String(), RefUserID, e.UserID.String())
}
func (e ExhibitMembership) Refs() map[string]string {
	return refs(RefExhibitID, e.ExhibitID.String(), RefUserID, nullRef(e.UserID), RefGroupID, nullRef(e.GroupID), RefRoleID, e.RoleID.String())
}
func (e CollectionMembership) Refs() map[string]string {
	return refs(RefCollectionID, e.CollectionID.String(), RefUserID, nullRef(e.UserID), RefGroupID, nullRef(e.GroupID), RefRoleID, e.RoleID.String())
}

// Validate enforces the UserId XOR GroupId membership invariant.
func (e ExhibitMembership) Validate() error {
	return validatePrincipal(e.UserID, e.GroupID)
}

// Validate enforces the UserId XOR GroupId membership invariant.
func (e CollectionMembership) Validate() error {
	return validatePrincipal(e.UserID, e.GroupID)
}

// Validate rejects roles with an unknown scope.
func (e Role) Validate() error {
	if !e.Scope.Valid() {
		return fmt.Errorf("%w: unknown role scope %q", ErrInvalidInput, e.Scope)
	}
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	return nil
}

// Principal returns the membership's user or group id and which one it is.
func (e ExhibitMembership) Principal() (uuid.UUID, bool) {
	return principalOf(e.UserID, e.GroupID)
}

// Principal returns the membership's user or group id and which one it is.
func (e CollectionMembership) Principal() (uuid.UUID, bool) {
	return principalOf(e.UserID, e.GroupID)
}

// present treats a valid but nil id as absent.
func present(id uuid.NullUUID) bool {
	return id.Valid && id.UUID != uuid.Nil
}

func principalOf(userID, groupID uuid.NullUUID) (uuid.UUID, bool) {
	if present(userID) {
		return userID.UUID, true
	}
	return groupID.UUID, false
}

func validatePrincipal(userID, groupID uuid.NullUUID) error {
	switch {
	case present(userID) && present(groupID):
		return fmt.Errorf("%w: membership must reference a user or a group, not both", ErrInvalidInput)
	case !present(userID) && !present(groupID):
		return fmt.Errorf("%w: membership must reference a user or a group", ErrInvalidInput)
	}
	return nil
}

func nullRef(id uuid.NullUUID) string {
	if !present(id) {
		return ""
	}
	return id.UUID.String()
}

func refs(kv ...string) map[string]string {
	out := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] == "" {
			continue
		}
		out[kv[i]] = kv[i+1]
	}
	return out
}

// Ref wraps id as a valid NullUUID.
func Ref(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: true}
}
