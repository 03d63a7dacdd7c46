// Package store defines the gallery's durable data model and the storage
// contracts the core depends on. Entities live in flat tables keyed by id;
// relationships are ids, never object pointers.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("store: not found")
	ErrConflict     = errors.New("store: conflict")
	ErrInvalidInput = errors.New("store: invalid input")
)

// Reader is read access to committed state (or to a transaction's view).
type Reader interface {
	// Get returns the entity or ErrNotFound.
	Get(ctx context.Context, typ EntityType, id uuid.UUID) (Entity, error)
	// List returns entities of typ whose Refs()[field] equals value, ordered
	// by id. An empty field lists the whole table.
	List(ctx context.Context, typ EntityType, field, value string) ([]Entity, error)
}

// Tx is a unit of work. Put creates or replaces an entity; Delete removes one.
// Both stage a change event that is published only if the unit commits.
type Tx interface {
	Reader
	Put(ctx context.Context, e Entity) error
	Delete(ctx context.Context, typ EntityType, id uuid.UUID) error
}

// Store is the storage collaborator: reads plus transactional writes.
type Store interface {
	Reader
	// Update runs fn in one unit of work. A non-nil error from fn or from the
	// commit rolls everything back and discards staged change events.
	Update(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
}

// Get loads an entity of type T.
func Get[T Entity](ctx context.Context, r Reader, id uuid.UUID) (T, error) {
	var zero T
	e, err := r.Get(ctx, zero.EntityType(), id)
	if err != nil {
		return zero, err
	}
	v, ok := e.(T)
	if !ok {
		return zero, fmt.Errorf("store: %s %s has unexpected type %T", zero.EntityType(), id, e)
	}
	return v, nil
}

// ListBy lists entities of type T whose ref field equals value.
func ListBy[T Entity](ctx context.Context, r Reader, field, value string) ([]T, error) {
	var zero T
	list, err := r.List(ctx, zero.EntityType(), field, value)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(list))
	for _, e := range list {
		v, ok := e.(T)
		if !ok {
			return nil, fmt.Errorf("store: %s list returned %T", zero.EntityType(), e)
		}
		out = append(out, v)
	}
	return out, nil
}

// ListByID is ListBy for id-valued refs.
func ListByID[T Entity](ctx context.Context, r Reader, field string, id uuid.UUID) ([]T, error) {
	return ListBy[T](ctx, r, field, id.String())
}

// ListAll lists the whole table for T.
func ListAll[T Entity](ctx context.Context, r Reader) ([]T, error) {
	return ListBy[T](ctx, r, "", "")
}

// Exists reports whether the entity is present. Errors other than
// ErrNotFound are returned.
func Exists(ctx context.Context, r Reader, typ EntityType, id uuid.UUID) (bool, error) {
	_, err := r.Get(ctx, typ, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// UserByEmail finds a user by case-insensitive email.
func UserByEmail(ctx context.Context, r Reader, email string) (User, error) {
	users, err := ListBy[User](ctx, r, RefEmail, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return User{}, err
	}
	if len(users) == 0 {
		return User{}, ErrNotFound
	}
	return users[0], nil
}

// TeamsForUser returns every team the user sits on.
func TeamsForUser(ctx context.Context, r Reader, userID uuid.UUID) ([]Team, error) {
	memberships, err := ListByID[TeamUser](ctx, r, RefUserID, userID)
	if err != nil {
		return nil, err
	}
	teams := make([]Team, 0, len(memberships))
	for _, m := range memberships {
		team, err := Get[Team](ctx, r, m.TeamID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		teams = append(teams, team)
	}
	return teams, nil
}

// UsersOnExhibit returns the ids of every user on any team of the exhibit.
func UsersOnExhibit(ctx context.Context, r Reader, exhibitID uuid.UUID) ([]uuid.UUID, error) {
	teams, err := ListByID[Team](ctx, r, RefExhibitID, exhibitID)
	if err != nil {
		return nil, err
	}
	var users []uuid.UUID
	for _, team := range teams {
		members, err := UsersOnTeam(ctx, r, team.ID)
		if err != nil {
			return nil, err
		}
		users = append(users, members...)
	}
	return users, nil
}

// UsersOnTeam returns the ids of the team's users.
func UsersOnTeam(ctx context.Context, r Reader, teamID uuid.UUID) ([]uuid.UUID, error) {
	members, err := ListByID[TeamUser](ctx, r, RefTeamID, teamID)
	if err != nil {
		return nil, err
	}
	out := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		out = append(out, m.UserID)
	}
	return out, nil
}

var decoders = map[EntityType]func([]byte) (Entity, error){
	TypeUser:                 decodeAs[User],
	TypeGroup:                decodeAs[Group],
	TypeGroupMembership:      decodeAs[GroupMembership],
	TypeRole:                 decodeAs[Role],
	TypeUserPermission:       decodeAs[UserPermission],
	TypeCollection:           decodeAs[Collection],
	TypeExhibit:              decodeAs[Exhibit],
	TypeCard:                 decodeAs[Card],
	TypeArticle:              decodeAs[Article],
	TypeTeam:                 decodeAs[Team],
	TypeTeamUser:             decodeAs[TeamUser],
	TypeTeamCard:             decodeAs[TeamCard],
	TypeUserArticle:          decodeAs[UserArticle],
	TypeExhibitMembership:    decodeAs[ExhibitMembership],
	TypeCollectionMembership: decodeAs[CollectionMembership],
}

// Decode turns a stored JSON document back into its entity type.
func Decode(typ EntityType, raw []byte) (Entity, error) {
	dec, ok := decoders[typ]
	if !ok {
		return nil, fmt.Errorf("%w: unknown entity type %q", ErrInvalidInput, typ)
	}
	return dec(raw)
}

// KnownType reports whether typ has a table.
func KnownType(typ EntityType) bool {
	_, ok := decoders[typ]
	return ok
}

func decodeAs[T Entity](raw []byte) (Entity, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", v.EntityType(), err)
	}
	return v, nil
}

// Clone copies e so callers cannot alias slices held by a store.
func Clone(e Entity) Entity {
	if r, ok := e.(Role); ok {
		r.Permissions = slices.Clone(r.Permissions)
		return r
	}
	return e
}

// Check validates an entity before it is written.
func Check(e Entity) error {
	if e == nil {
		return fmt.Errorf("%w: nil entity", ErrInvalidInput)
	}
	if reflect.ValueOf(e).Kind() == reflect.Pointer {
		return fmt.Errorf("%w: %s must be stored by value", ErrInvalidInput, e.EntityType())
	}
	if e.EntityID() == uuid.Nil {
		return fmt.Errorf("%w: %s id is required", ErrInvalidInput, e.EntityType())
	}
	if v, ok := e.(Validator); ok {
		return v.Validate()
	}
	return nil
}
