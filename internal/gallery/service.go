// Package gallery is the application layer: every operation authorizes the
// caller, validates input, runs a single unit of work and writes an audit
// entry.
package gallery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"gallery.dev/internal/audit"
	"gallery.dev/internal/auth"
	"gallery.dev/internal/authz"
	"gallery.dev/internal/obs"
	"gallery.dev/internal/store"
)

var (
	ErrForbidden = errors.New("gallery: forbidden")
	ErrInvalid   = store.ErrInvalidInput
)

type Service struct {
	store store.Store
	authz *authz.Engine
	now   func() time.Time
}

func New(s store.Store, engine *authz.Engine) *Service {
	return &Service{store: s, authz: engine, now: time.Now}
}

// Caller returns the identity on ctx or ErrForbidden.
func Caller(ctx context.Context) (auth.Identity, error) {
	id, ok := auth.IdentityFromContext(ctx)
	if !ok {
		return auth.Identity{}, fmt.Errorf("%w: authentication required", ErrForbidden)
	}
	return id, nil
}

func (s *Service) requireSystem(ctx context.Context, perms ...auth.SystemPermission) error {
	if !s.authz.AuthorizeSystem(ctx, perms...) {
		return fmt.Errorf("%w: requires %v", ErrForbidden, perms)
	}
	return nil
}

func (s *Service) requireExhibit(ctx context.Context, resource store.EntityType, id uuid.UUID, system auth.SystemPermission, scoped ...auth.ExhibitPermission) error {
	return decide(s.authz.AuthorizeExhibit(ctx, resource, id, []auth.SystemPermission{system}, scoped...))
}

func (s *Service) requireCollection(ctx context.Context, resource store.EntityType, id uuid.UUID, system auth.SystemPermission, scoped ...auth.CollectionPermission) error {
	return decide(s.authz.AuthorizeCollection(ctx, resource, id, []auth.SystemPermission{system}, scoped...))
}

func (s *Service) requireTeam(ctx context.Context, resource store.EntityType, id uuid.UUID, system auth.SystemPermission, scoped ...auth.TeamPermission) error {
	return decide(s.authz.AuthorizeTeam(ctx, resource, id, []auth.SystemPermission{system}, scoped...))
}

func decide(allowed bool, err error) error {
	if err != nil {
		return err
	}
	if !allowed {
		return ErrForbidden
	}
	return nil
}

// write runs fn in one unit of work and audits the outcome.
func (s *Service) write(ctx context.Context, event string, fields map[string]any, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := s.store.Update(ctx, fn); err != nil {
		return err
	}
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		obs.Log(ctx, obs.LevelWarn, "audit log failed", map[string]any{"event": event, "error": err})
	}
	return nil
}

func (s *Service) put(ctx context.Context, event string, e store.Entity) error {
	return s.write(ctx, event, map[string]any{"id": e.EntityID().String()}, func(ctx context.Context, tx store.Tx) error {
		return tx.Put(ctx, e)
	})
}

func (s *Service) remove(ctx context.Context, event string, typ store.EntityType, id uuid.UUID) error {
	return s.write(ctx, event, map[string]any{"id": id.String()}, func(ctx context.Context, tx store.Tx) error {
		return tx.Delete(ctx, typ, id)
	})
}

// mustExist reports ErrNotFound, naming what is missing.
func mustExist(ctx context.Context, r store.Reader, typ store.EntityType, id uuid.UUID) error {
	ok, err := store.Exists(ctx, r, typ, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s %s", store.ErrNotFound, typ, id)
	}
	return nil
}

func requireName(name, what string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: %s name is required", ErrInvalid, what)
	}
	return name, nil
}

func ensureID(id uuid.UUID) uuid.UUID {
	if id == uuid.Nil {
		return uuid.New()
	}
	return id
}

// deleteAll removes every entity of T whose ref field equals id.
func deleteAll[T store.Entity](ctx context.Context, tx store.Tx, field string, id uuid.UUID) error {
	list, err := store.ListByID[T](ctx, tx, field, id)
	if err != nil {
		return err
	}
	for _, e := range list {
		if err := tx.Delete(ctx, e.EntityType(), e.EntityID()); err != nil {
			return err
		}
	}
	return nil
}
