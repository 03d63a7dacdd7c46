package gallery

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"gallery.dev/internal/auth"
	"gallery.dev/internal/store"
)

func (s *Service) ListTeams(ctx context.Context, exhibitID uuid.UUID) ([]store.Team, error) {
	if err := s.requireExhibit(ctx, store.TypeExhibit, exhibitID, auth.ViewExhibits); err != nil {
		return nil, err
	}
	return store.ListByID[store.Team](ctx, s.store, store.RefExhibitID, exhibitID)
}

func (s *Service) CreateTeam(ctx context.Context, t store.Team) (store.Team, error) {
	if err := s.requireExhibit(ctx, store.TypeExhibit, t.ExhibitID, auth.ManageExhibits, auth.ManageExhibit); err != nil {
		return store.Team{}, err
	}
	name, err := requireName(t.Name, "team")
	if err != nil {
		return store.Team{}, err
	}
	t.ID, t.Name = ensureID(t.ID), name
	return t, s.write(ctx, "team.create", map[string]any{"id": t.ID.String(), "exhibit_id": t.ExhibitID.String()}, func(ctx context.Context, tx store.Tx) error {
		if err := mustExist(ctx, tx, store.TypeExhibit, t.ExhibitID); err != nil {
			return err
		}
		return tx.Put(ctx, t)
	})
}

func (s *Service) UpdateTeam(ctx context.Context, t store.Team) (store.Team, error) {
	if err := s.requireTeam(ctx, store.TypeTeam, t.ID, auth.EditExhibits, auth.EditTeam, auth.ManageTeam); err != nil {
		return store.Team{}, err
	}
	name, err := requireName(t.Name, "team")
	if err != nil {
		return store.Team{}, err
	}
	t.Name = name
	return t, s.write(ctx, "team.update", map[string]any{"id": t.ID.String()}, func(ctx context.Context, tx store.Tx) error {
		current, err := store.Get[store.Team](ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if current.ExhibitID != t.ExhibitID {
			return fmt.Errorf("%w: a team cannot move to another exhibit", ErrInvalid)
		}
		return tx.Put(ctx, t)
	})
}

func (s *Service) DeleteTeam(ctx context.Context, id uuid.UUID) error {
	if err := s.requireExhibit(ctx, store.TypeTeam, id, auth.ManageExhibits, auth.ManageExhibit); err != nil {
		return err
	}
	return s.write(ctx, "team.delete", map[string]any{"id": id.String()}, func(ctx context.Context, tx store.Tx) error {
		return deleteTeam(ctx, tx, id)
	})
}

func deleteTeam(ctx context.Context, tx store.Tx, id uuid.UUID) error {
	if err := deleteAll[store.TeamUser](ctx, tx, store.RefTeamID, id); err != nil {
		return err
	}
	if err := deleteAll[store.TeamCard](ctx, tx, store.RefTeamID, id); err != nil {
		return err
	}
	return tx.Delete(ctx, store.TypeTeam, id)
}

func (s *Service) ListTeamUsers(ctx context.Context, teamID uuid.UUID) ([]store.TeamUser, error) {
	if err := s.requireTeam(ctx, store.TypeTeam, teamID, auth.ViewExhibits); err != nil {
		return nil, err
	}
	return store.ListByID[store.TeamUser](ctx, s.store, store.RefTeamID, teamID)
}

// AddTeamUser places a user on a team. A user sits on at most one team per
// exhibit.
func (s *Service) AddTeamUser(ctx context.Context, tu store.TeamUser) (store.TeamUser, error) {
	if err := s.requireExhibit(ctx, store.TypeTeam, tu.TeamID, auth.ManageExhibits, auth.ManageExhibit); err != nil {
		return store.TeamUser{}, err
	}
	tu.ID = ensureID(tu.ID)
	return tu, s.write(ctx, "team_user.add", map[string]any{"id": tu.ID.String(), "team_id": tu.TeamID.String(), "user_id": tu.UserID.String()}, func(ctx context.Context, tx store.Tx) error {
		team, err := store.Get[store.Team](ctx, tx, tu.TeamID)
		if err != nil {
			return err
		}
		if err := mustExist(ctx, tx, store.TypeUser, tu.UserID); err != nil {
			return err
		}
		if err := checkRole(ctx, tx, tu.RoleID, store.ScopeTeam); err != nil {
			return err
		}
		teams, err := store.TeamsForUser(ctx, tx, tu.UserID)
		if err != nil {
			return err
		}
		for _, other := range teams {
			if other.ExhibitID == team.ExhibitID {
				return fmt.Errorf("%w: user %s is already on team %s of this exhibit", store.ErrConflict, tu.UserID, other.ID)
			}
		}
		return tx.Put(ctx, tu)
	})
}

// UpdateTeamUser changes the role and observer flag of a team membership.
func (s *Service) UpdateTeamUser(ctx context.Context, id uuid.UUID, roleID uuid.NullUUID, observer bool) (store.TeamUser, error) {
	if err := s.requireExhibit(ctx, store.TypeTeamUser, id, auth.ManageExhibits, auth.ManageExhibit); err != nil {
		return store.TeamUser{}, err
	}
	var out store.TeamUser
	err := s.write(ctx, "team_user.update", map[string]any{"id": id.String()}, func(ctx context.Context, tx store.Tx) error {
		tu, err := store.Get[store.TeamUser](ctx, tx, id)
		if err != nil {
			return err
		}
		if err := checkRole(ctx, tx, roleID, store.ScopeTeam); err != nil {
			return err
		}
		tu.RoleID, tu.IsObserver = roleID, observer
		out = tu
		return tx.Put(ctx, tu)
	})
	return out, err
}

func (s *Service) RemoveTeamUser(ctx context.Context, id uuid.UUID) error {
	if err := s.requireExhibit(ctx, store.TypeTeamUser, id, auth.ManageExhibits, auth.ManageExhibit); err != nil {
		return err
	}
	return s.remove(ctx, "team_user.remove", store.TypeTeamUser, id)
}

func (s *Service) ListTeamCards(ctx context.Context, teamID uuid.UUID) ([]store.TeamCard, error) {
	if err := s.requireTeam(ctx, store.TypeTeam, teamID, auth.ViewExhibits); err != nil {
		return nil, err
	}
	return store.ListByID[store.TeamCard](ctx, s.store, store.RefTeamID, teamID)
}

// SaveTeamCard assigns a card to a team. The card must belong to the
// collection the team's exhibit runs.
func (s *Service) SaveTeamCard(ctx context.Context, tc store.TeamCard) (store.TeamCard, error) {
	if err := s.requireExhibit(ctx, store.TypeTeam, tc.TeamID, auth.EditExhibits, auth.EditExhibit, auth.ManageExhibit); err != nil {
		return store.TeamCard{}, err
	}
	if tc.Move < 0 || tc.Inject < 0 {
		return store.TeamCard{}, fmt.Errorf("%w: move and inject must not be negative", ErrInvalid)
	}
	tc.ID = ensureID(tc.ID)
	return tc, s.write(ctx, "team_card.save", map[string]any{"id": tc.ID.String(), "team_id": tc.TeamID.String()}, func(ctx context.Context, tx store.Tx) error {
		team, err := store.Get[store.Team](ctx, tx, tc.TeamID)
		if err != nil {
			return err
		}
		exhibit, err := store.Get[store.Exhibit](ctx, tx, team.ExhibitID)
		if err != nil {
			return err
		}
		card, err := store.Get[store.Card](ctx, tx, tc.CardID)
		if err != nil {
			return err
		}
		if card.CollectionID != exhibit.CollectionID {
			return fmt.Errorf("%w: card belongs to another collection", ErrInvalid)
		}
		if err := sameOwner(ctx, tx, tc.ID, func(old store.TeamCard) bool { return old.TeamID == tc.TeamID }); err != nil {
			return err
		}
		return tx.Put(ctx, tc)
	})
}

func (s *Service) DeleteTeamCard(ctx context.Context, id uuid.UUID) error {
	if err := s.requireExhibit(ctx, store.TypeTeamCard, id, auth.EditExhibits, auth.EditExhibit, auth.ManageExhibit); err != nil {
		return err
	}
	return s.remove(ctx, "team_card.delete", store.TypeTeamCard, id)
}

// ReleaseArticles advances the exhibit to (move, inject) and gives every
// user on the exhibit a copy of each article due at or before that point.
// Articles already released to a user are left alone. It returns the number
// of copies created.
func (s *Service) ReleaseArticles(ctx context.Context, exhibitID uuid.UUID, move, inject int) (int, error) {
	if err := s.requireExhibit(ctx, store.TypeExhibit, exhibitID, auth.EditExhibits, auth.EditExhibit, auth.ManageExhibit); err != nil {
		return 0, err
	}
	if move < 0 || inject < 0 {
		return 0, fmt.Errorf("%w: move and inject must not be negative", ErrInvalid)
	}
	released := 0
	err := s.write(ctx, "exhibit.release", map[string]any{"exhibit_id": exhibitID.String(), "move": move, "inject": inject}, func(ctx context.Context, tx store.Tx) error {
		released = 0
		exhibit, err := store.Get[store.Exhibit](ctx, tx, exhibitID)
		if err != nil {
			return err
		}
		exhibit.CurrentMove, exhibit.CurrentInject = move, inject
		if err := tx.Put(ctx, exhibit); err != nil {
			return err
		}

		articles, err := store.ListByID[store.Article](ctx, tx, store.RefCollectionID, exhibit.CollectionID)
		if err != nil {
			return err
		}
		users, err := store.UsersOnExhibit(ctx, tx, exhibitID)
		if err != nil {
			return err
		}
		slices.SortFunc(users, func(a, b uuid.UUID) int { return cmp.Compare(a.String(), b.String()) })
		users = slices.Compact(users)

		existing, err := store.ListByID[store.UserArticle](ctx, tx, store.RefExhibitID, exhibitID)
		if err != nil {
			return err
		}
		type key struct{ article, user uuid.UUID }
		have := make(map[key]bool, len(existing))
		for _, ua := range existing {
			have[key{ua.ArticleID, ua.UserID}] = true
		}

		now := s.now().UTC()
		for _, a := range articles {
			if a.ExhibitID.Valid && a.ExhibitID.UUID != exhibitID {
				continue
			}
			if cmp.Or(cmp.Compare(a.Move, move), cmp.Compare(a.Inject, inject)) > 0 {
				continue
			}
			for _, u := range users {
				if have[key{a.ID, u}] {
					continue
				}
				ua := store.UserArticle{ID: uuid.New(), ExhibitID: exhibitID, ArticleID: a.ID, UserID: u, ActualDatePosted: now}
				if err := tx.Put(ctx, ua); err != nil {
					return err
				}
				released++
			}
		}
		return nil
	})
	return released, err
}

// MyArticles lists the caller's released articles in an exhibit.
func (s *Service) MyArticles(ctx context.Context, exhibitID uuid.UUID) ([]store.UserArticle, error) {
	caller, err := Caller(ctx)
	if err != nil {
		return nil, err
	}
	mine, err := store.ListByID[store.UserArticle](ctx, s.store, store.RefUserID, caller.UserID)
	if err != nil {
		return nil, err
	}
	out := mine[:0]
	for _, ua := range mine {
		if ua.ExhibitID == exhibitID {
			out = append(out, ua)
		}
	}
	return out, nil
}

// SetArticleRead marks a released article read or unread. Owners may always
// do this; others need edit rights on the exhibit.
func (s *Service) SetArticleRead(ctx context.Context, id uuid.UUID, read bool) (store.UserArticle, error) {
	caller, err := Caller(ctx)
	if err != nil {
		return store.UserArticle{}, err
	}
	ua, err := store.Get[store.UserArticle](ctx, s.store, id)
	if err != nil {
		return store.UserArticle{}, err
	}
	if ua.UserID != caller.UserID {
		if err := s.requireExhibit(ctx, store.TypeUserArticle, id, auth.EditExhibits, auth.EditExhibit, auth.ManageExhibit); err != nil {
			return store.UserArticle{}, err
		}
	}
	var out store.UserArticle
	err = s.write(ctx, "user_article.read", map[string]any{"id": id.String(), "read": read}, func(ctx context.Context, tx store.Tx) error {
		current, err := store.Get[store.UserArticle](ctx, tx, id)
		if err != nil {
			return err
		}
		current.IsRead = read
		out = current
		return tx.Put(ctx, current)
	})
	return out, err
}

// checkRole requires an optional role reference to name a role of scope.
func checkRole(ctx context.Context, r store.Reader, id uuid.NullUUID, scope store.Scope) error {
	if !id.Valid {
		return nil
	}
	role, err := store.Get[store.Role](ctx, r, id.UUID)
	if err != nil {
		return err
	}
	if role.Scope != scope {
		return fmt.Errorf("%w: role %s has scope %s, want %s", ErrInvalid, role.Name, role.Scope, scope)
	}
	return nil
}
