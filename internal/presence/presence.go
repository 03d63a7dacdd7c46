// Package presence joins hub connections to the groups their caller is
// allowed to hear from.
package presence

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"gallery.dev/internal/auth"
	"gallery.dev/internal/authz"
	"gallery.dev/internal/hub"
	"gallery.dev/internal/obs"
	"gallery.dev/internal/store"
)

var ErrForbidden = errors.New("presence: forbidden")

// Groups is the join/leave primitive of a hub.
type Groups interface {
	JoinGroup(ctx context.Context, connID, group string) error
	LeaveGroup(ctx context.Context, connID, group string) error
}

type Service struct {
	store  store.Reader
	authz  *authz.Engine
	groups Groups
}

func New(r store.Reader, engine *authz.Engine, groups Groups) *Service {
	return &Service{store: r, authz: engine, groups: groups}
}

// Groups computes every group the identity may receive on the main hub:
// its personal group, the admin group for system viewers, each exhibit and
// team it sits on, and each resource it holds a scoped claim for. The result
// is sorted and free of duplicates.
func (s *Service) Groups(ctx context.Context, id auth.Identity) ([]string, error) {
	groups := []string{id.UserID.String()}
	if id.HasSystem(auth.ViewExhibits, auth.ViewCollections) {
		groups = append(groups, hub.AdminGroup)
	}

	memberships, err := store.ListByID[store.TeamUser](ctx, s.store, store.RefUserID, id.UserID)
	if err != nil {
		return nil, err
	}
	for _, m := range memberships {
		team, err := store.Get[store.Team](ctx, s.store, m.TeamID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		groups = append(groups, team.ExhibitID.String(), team.ID.String())
	}

	for _, c := range auth.ScopedClaims[auth.ExhibitPermission](id.Claims) {
		groups = append(groups, c.ResourceID.String())
	}
	for _, c := range auth.ScopedClaims[auth.CollectionPermission](id.Claims) {
		groups = append(groups, c.ResourceID.String())
	}
	for _, c := range auth.ScopedClaims[auth.TeamPermission](id.Claims) {
		groups = append(groups, c.ResourceID.String())
	}

	slices.Sort(groups)
	return slices.Compact(groups), nil
}

// Connect joins connID to every group of the identity. It returns once all
// joins have completed.
func (s *Service) Connect(ctx context.Context, id auth.Identity, connID string) ([]string, error) {
	groups, err := s.Groups(ctx, id)
	if err != nil {
		return nil, err
	}
	return groups, s.each(ctx, groups, func(ctx context.Context, g string) error {
		return s.groups.JoinGroup(ctx, connID, g)
	})
}

// Disconnect recomputes the identity's groups with the same rules as Connect
// and leaves each of them.
func (s *Service) Disconnect(ctx context.Context, id auth.Identity, connID string) error {
	groups, err := s.Groups(ctx, id)
	if err != nil {
		return err
	}
	return s.each(ctx, groups, func(ctx context.Context, g string) error {
		return s.groups.LeaveGroup(ctx, connID, g)
	})
}

// ConnectPersonal joins only the personal group; used by the notifications
// hub.
func (s *Service) ConnectPersonal(ctx context.Context, id auth.Identity, connID string) error {
	return s.groups.JoinGroup(ctx, connID, id.UserID.String())
}

// JoinExhibit subscribes the connection to one exhibit and to the caller's
// team within it.
func (s *Service) JoinExhibit(ctx context.Context, connID string, exhibitID uuid.UUID) error {
	groups, err := s.exhibitGroups(ctx, exhibitID)
	if err != nil {
		return err
	}
	return s.each(ctx, groups, func(ctx context.Context, g string) error {
		return s.groups.JoinGroup(ctx, connID, g)
	})
}

// LeaveExhibit undoes JoinExhibit.
func (s *Service) LeaveExhibit(ctx context.Context, connID string, exhibitID uuid.UUID) error {
	groups, err := s.exhibitGroups(ctx, exhibitID)
	if err != nil {
		return err
	}
	return s.each(ctx, groups, func(ctx context.Context, g string) error {
		return s.groups.LeaveGroup(ctx, connID, g)
	})
}

func (s *Service) exhibitGroups(ctx context.Context, exhibitID uuid.UUID) ([]string, error) {
	id, ok := auth.IdentityFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("%w: anonymous", ErrForbidden)
	}
	allowed, err := s.authz.AuthorizeExhibit(ctx, store.TypeExhibit, exhibitID, []auth.SystemPermission{auth.ViewExhibits}, auth.ViewExhibit)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, fmt.Errorf("%w: exhibit %s", ErrForbidden, exhibitID)
	}
	groups := []string{exhibitID.String()}
	teams, err := store.TeamsForUser(ctx, s.store, id.UserID)
	if err != nil {
		return nil, err
	}
	for _, t := range teams {
		if t.ExhibitID == exhibitID {
			groups = append(groups, t.ID.String())
		}
	}
	return groups, nil
}

// each runs fn for every group concurrently and waits for all of them.
func (s *Service) each(ctx context.Context, groups []string, fn func(context.Context, string) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, group := range groups {
		g.Go(func() error {
			if err := fn(ctx, group); err != nil {
				obs.Log(ctx, obs.LevelWarn, "group membership change failed", map[string]any{
					"group": group,
					"error": err,
				})
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
