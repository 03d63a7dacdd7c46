package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"gallery.dev/internal/events"
	"gallery.dev/internal/store"
)

// Routes is the notification table for the gallery.
func Routes() []Route {
	return []Route{
		{Entity: store.TypeCollection, Channel: Main, Method: Suffixed("Collection"), SelfAddressed: true},
		{Entity: store.TypeExhibit, Channel: Main, Method: Suffixed("Exhibit"), SelfAddressed: true,
			Audience: typed(exhibitAudience)},
		{Entity: store.TypeCard, Channel: Main, Method: Suffixed("Card"), SelfAddressed: true,
			Audience: typed(cardAudience)},
		{Entity: store.TypeArticle, Channel: Main, Method: Suffixed("Article"), SelfAddressed: true,
			Audience: typed(articleAudience)},
		{Entity: store.TypeTeam, Channel: Main, Method: Suffixed("Team"), SelfAddressed: true,
			Audience: typed(teamAudience)},
		{Entity: store.TypeTeamUser, Channel: Main, Method: Suffixed("TeamUser"), SelfAddressed: true,
			Audience: typed(teamUserAudience)},
		{Entity: store.TypeTeamCard, Channel: Main, Method: Suffixed("TeamCard"),
			Audience: typed(teamCardAudience)},
		{Entity: store.TypeUserArticle, Channel: Main, Method: Suffixed("UserArticle"),
			Audience: typed(func(_ context.Context, _ store.Reader, ua store.UserArticle) ([]string, error) {
				return []string{ua.UserID.String()}, nil
			})},
		{Entity: store.TypeUserArticle, Channel: Notifications, Method: Fixed("UnreadCountUpdated"), Private: true,
			Audience: typed(func(_ context.Context, _ store.Reader, ua store.UserArticle) ([]string, error) {
				return []string{ua.UserID.String()}, nil
			}),
			Payload: unreadCountPayload},
		{Entity: store.TypeUserPermission, Channel: Main, Method: Suffixed("UserPermission"),
			Audience: typed(func(_ context.Context, _ store.Reader, up store.UserPermission) ([]string, error) {
				return []string{up.UserID.String()}, nil
			})},
		{Entity: store.TypeExhibitMembership, Channel: Main, Method: Suffixed("ExhibitMembership"), SelfAddressed: true,
			Audience: typed(func(ctx context.Context, r store.Reader, m store.ExhibitMembership) ([]string, error) {
				id, isUser := m.Principal()
				return principalAudience(ctx, r, m.ExhibitID, id, isUser)
			})},
		{Entity: store.TypeCollectionMembership, Channel: Main, Method: Suffixed("CollectionMembership"), SelfAddressed: true,
			Audience: typed(func(ctx context.Context, r store.Reader, m store.CollectionMembership) ([]string, error) {
				id, isUser := m.Principal()
				return principalAudience(ctx, r, m.CollectionID, id, isUser)
			})},
	}
}

// typed adapts an audience over a concrete entity type.
func typed[T store.Entity](fn func(ctx context.Context, r store.Reader, e T) ([]string, error)) AudienceFunc {
	return func(ctx context.Context, r store.Reader, c events.Change) ([]string, error) {
		e, ok := c.Entity.(T)
		if !ok {
			var zero T
			return nil, fmt.Errorf("change %s carries %T, want %s", c.ID, c.Entity, zero.EntityType())
		}
		return fn(ctx, r, e)
	}
}

func exhibitAudience(_ context.Context, _ store.Reader, e store.Exhibit) ([]string, error) {
	return []string{e.CollectionID.String()}, nil
}

// A card reaches every user on every team of every exhibit built from its
// collection.
func cardAudience(ctx context.Context, r store.Reader, c store.Card) ([]string, error) {
	groups := []string{c.CollectionID.String()}
	exhibits, err := store.ListByID[store.Exhibit](ctx, r, store.RefCollectionID, c.CollectionID)
	if err != nil {
		return nil, err
	}
	for _, e := range exhibits {
		users, err := store.UsersOnExhibit(ctx, r, e.ID)
		if err != nil {
			return nil, err
		}
		groups = appendIDs(groups, users...)
	}
	return groups, nil
}

// An article scoped to one exhibit reaches that exhibit; otherwise every
// exhibit of its collection.
func articleAudience(ctx context.Context, r store.Reader, a store.Article) ([]string, error) {
	groups := []string{a.CollectionID.String()}
	if a.ExhibitID.Valid {
		return append(groups, a.ExhibitID.UUID.String()), nil
	}
	exhibits, err := store.ListByID[store.Exhibit](ctx, r, store.RefCollectionID, a.CollectionID)
	if err != nil {
		return nil, err
	}
	for _, e := range exhibits {
		groups = append(groups, e.ID.String())
	}
	return groups, nil
}

func teamAudience(_ context.Context, _ store.Reader, t store.Team) ([]string, error) {
	return []string{t.ExhibitID.String()}, nil
}

func teamUserAudience(ctx context.Context, r store.Reader, tu store.TeamUser) ([]string, error) {
	groups := []string{tu.TeamID.String(), tu.UserID.String()}
	team, err := store.Get[store.Team](ctx, r, tu.TeamID)
	switch {
	case err == nil:
		groups = append(groups, team.ExhibitID.String())
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	return groups, nil
}

// A team card is addressed to the users of its team, not to itself.
func teamCardAudience(ctx context.Context, r store.Reader, tc store.TeamCard) ([]string, error) {
	users, err := store.UsersOnTeam(ctx, r, tc.TeamID)
	if err != nil {
		return nil, err
	}
	return appendIDs(nil, users...), nil
}

// principalAudience addresses a membership's resource group and the affected
// users: the user itself, or every member of the group.
func principalAudience(ctx context.Context, r store.Reader, resourceID, principal uuid.UUID, isUser bool) ([]string, error) {
	groups := []string{resourceID.String()}
	if isUser {
		return append(groups, principal.String()), nil
	}
	members, err := store.ListByID[store.GroupMembership](ctx, r, store.RefGroupID, principal)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		groups = append(groups, m.UserID.String())
	}
	return groups, nil
}

// UnreadCount is the payload of UnreadCountUpdated.
type UnreadCount struct {
	ExhibitID uuid.UUID `json:"exhibitId"`
	Count     int       `json:"count"`
}

func unreadCountPayload(ctx context.Context, r store.Reader, c events.Change) ([]any, error) {
	ua, ok := c.Entity.(store.UserArticle)
	if !ok {
		return nil, fmt.Errorf("change %s carries %T, want UserArticle", c.ID, c.Entity)
	}
	count, err := UnreadArticles(ctx, r, ua.UserID, ua.ExhibitID)
	if err != nil {
		return nil, err
	}
	return []any{UnreadCount{ExhibitID: ua.ExhibitID, Count: count}}, nil
}

// UnreadArticles counts the user's unread articles in an exhibit.
func UnreadArticles(ctx context.Context, r store.Reader, userID, exhibitID uuid.UUID) (int, error) {
	list, err := store.ListByID[store.UserArticle](ctx, r, store.RefUserID, userID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ua := range list {
		if ua.ExhibitID == exhibitID && !ua.IsRead {
			n++
		}
	}
	return n, nil
}

func appendIDs(groups []string, ids ...uuid.UUID) []string {
	for _, id := range ids {
		groups = append(groups, id.String())
	}
	return groups
}
