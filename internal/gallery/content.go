package gallery

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"gallery.dev/internal/auth"
	"gallery.dev/internal/store"
)

func (s *Service) CreateCollection(ctx context.Context, c store.Collection) (store.Collection, error) {
	if err := s.requireSystem(ctx, auth.CreateCollections); err != nil {
		return store.Collection{}, err
	}
	name, err := requireName(c.Name, "collection")
	if err != nil {
		return store.Collection{}, err
	}
	c.ID, c.Name = ensureID(c.ID), name
	return c, s.put(ctx, "collection.create", c)
}

func (s *Service) GetCollection(ctx context.Context, id uuid.UUID) (store.Collection, error) {
	if err := s.requireCollection(ctx, store.TypeCollection, id, auth.ViewCollections); err != nil {
		return store.Collection{}, err
	}
	return store.Get[store.Collection](ctx, s.store, id)
}

// ListCollections returns every collection for system viewers and otherwise
// those the caller holds a collection claim for.
func (s *Service) ListCollections(ctx context.Context) ([]store.Collection, error) {
	caller, err := Caller(ctx)
	if err != nil {
		return nil, err
	}
	all, err := store.ListAll[store.Collection](ctx, s.store)
	if err != nil || caller.HasSystem(auth.ViewCollections) {
		return all, err
	}
	out := make([]store.Collection, 0)
	for _, c := range all {
		if _, ok := auth.FindScopedClaim[auth.CollectionPermission](caller.Claims, c.ID); ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Service) UpdateCollection(ctx context.Context, c store.Collection) (store.Collection, error) {
	if err := s.requireCollection(ctx, store.TypeCollection, c.ID, auth.EditCollections, auth.EditCollection, auth.ManageCollection); err != nil {
		return store.Collection{}, err
	}
	name, err := requireName(c.Name, "collection")
	if err != nil {
		return store.Collection{}, err
	}
	c.Name = name
	return c, s.write(ctx, "collection.update", map[string]any{"id": c.ID.String()}, func(ctx context.Context, tx store.Tx) error {
		if err := mustExist(ctx, tx, store.TypeCollection, c.ID); err != nil {
			return err
		}
		return tx.Put(ctx, c)
	})
}

// DeleteCollection removes the collection with its cards, articles and
// memberships. Collections with exhibits cannot be deleted.
func (s *Service) DeleteCollection(ctx context.Context, id uuid.UUID) error {
	if err := s.requireCollection(ctx, store.TypeCollection, id, auth.ManageCollections, auth.ManageCollection); err != nil {
		return err
	}
	return s.write(ctx, "collection.delete", map[string]any{"id": id.String()}, func(ctx context.Context, tx store.Tx) error {
		exhibits, err := store.ListByID[store.Exhibit](ctx, tx, store.RefCollectionID, id)
		if err != nil {
			return err
		}
		if len(exhibits) > 0 {
			return fmt.Errorf("%w: collection %s still has %d exhibits", store.ErrConflict, id, len(exhibits))
		}
		if err := deleteAll[store.Card](ctx, tx, store.RefCollectionID, id); err != nil {
			return err
		}
		if err := deleteAll[store.Article](ctx, tx, store.RefCollectionID, id); err != nil {
			return err
		}
		if err := deleteAll[store.CollectionMembership](ctx, tx, store.RefCollectionID, id); err != nil {
			return err
		}
		return tx.Delete(ctx, store.TypeCollection, id)
	})
}

func (s *Service) CreateExhibit(ctx context.Context, e store.Exhibit) (store.Exhibit, error) {
	if err := s.requireSystem(ctx, auth.CreateExhibits); err != nil {
		return store.Exhibit{}, err
	}
	name, err := requireName(e.Name, "exhibit")
	if err != nil {
		return store.Exhibit{}, err
	}
	if e.CurrentMove < 0 || e.CurrentInject < 0 {
		return store.Exhibit{}, fmt.Errorf("%w: move and inject must not be negative", ErrInvalid)
	}
	e.ID, e.Name = ensureID(e.ID), name
	return e, s.write(ctx, "exhibit.create", map[string]any{"id": e.ID.String()}, func(ctx context.Context, tx store.Tx) error {
		if err := mustExist(ctx, tx, store.TypeCollection, e.CollectionID); err != nil {
			return err
		}
		return tx.Put(ctx, e)
	})
}

func (s *Service) GetExhibit(ctx context.Context, id uuid.UUID) (store.Exhibit, error) {
	if err := s.requireExhibit(ctx, store.TypeExhibit, id, auth.ViewExhibits); err != nil {
		return store.Exhibit{}, err
	}
	return store.Get[store.Exhibit](ctx, s.store, id)
}

// ListExhibits returns every exhibit for system viewers and otherwise those
// the caller holds an exhibit claim for or has a team on.
func (s *Service) ListExhibits(ctx context.Context) ([]store.Exhibit, error) {
	caller, err := Caller(ctx)
	if err != nil {
		return nil, err
	}
	all, err := store.ListAll[store.Exhibit](ctx, s.store)
	if err != nil || caller.HasSystem(auth.ViewExhibits) {
		return all, err
	}
	teams, err := store.TeamsForUser(ctx, s.store, caller.UserID)
	if err != nil {
		return nil, err
	}
	onTeam := make(map[uuid.UUID]bool, len(teams))
	for _, t := range teams {
		onTeam[t.ExhibitID] = true
	}
	out := make([]store.Exhibit, 0)
	for _, e := range all {
		if _, ok := auth.FindScopedClaim[auth.ExhibitPermission](caller.Claims, e.ID); ok || onTeam[e.ID] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Service) UpdateExhibit(ctx context.Context, e store.Exhibit) (store.Exhibit, error) {
	if err := s.requireExhibit(ctx, store.TypeExhibit, e.ID, auth.EditExhibits, auth.EditExhibit, auth.ManageExhibit); err != nil {
		return store.Exhibit{}, err
	}
	name, err := requireName(e.Name, "exhibit")
	if err != nil {
		return store.Exhibit{}, err
	}
	e.Name = name
	return e, s.write(ctx, "exhibit.update", map[string]any{"id": e.ID.String()}, func(ctx context.Context, tx store.Tx) error {
		current, err := store.Get[store.Exhibit](ctx, tx, e.ID)
		if err != nil {
			return err
		}
		if current.CollectionID != e.CollectionID {
			return fmt.Errorf("%w: an exhibit cannot move to another collection", ErrInvalid)
		}
		return tx.Put(ctx, e)
	})
}

// DeleteExhibit removes the exhibit and everything scoped to it in one unit of
// work.
func (s *Service) DeleteExhibit(ctx context.Context, id uuid.UUID) error {
	if err := s.requireExhibit(ctx, store.TypeExhibit, id, auth.ManageExhibits, auth.ManageExhibit); err != nil {
		return err
	}
	return s.write(ctx, "exhibit.delete", map[string]any{"id": id.String()}, func(ctx context.Context, tx store.Tx) error {
		teams, err := store.ListByID[store.Team](ctx, tx, store.RefExhibitID, id)
		if err != nil {
			return err
		}
		for _, t := range teams {
			if err := deleteTeam(ctx, tx, t.ID); err != nil {
				return err
			}
		}
		if err := deleteAll[store.UserArticle](ctx, tx, store.RefExhibitID, id); err != nil {
			return err
		}
		if err := deleteAll[store.ExhibitMembership](ctx, tx, store.RefExhibitID, id); err != nil {
			return err
		}
		return tx.Delete(ctx, store.TypeExhibit, id)
	})
}

func (s *Service) ListCards(ctx context.Context, collectionID uuid.UUID) ([]store.Card, error) {
	if err := s.requireCollection(ctx, store.TypeCollection, collectionID, auth.ViewCollections); err != nil {
		return nil, err
	}
	return store.ListByID[store.Card](ctx, s.store, store.RefCollectionID, collectionID)
}

func (s *Service) SaveCard(ctx context.Context, c store.Card) (store.Card, error) {
	if err := s.requireCollection(ctx, store.TypeCollection, c.CollectionID, auth.EditCollections, auth.EditCollection, auth.ManageCollection); err != nil {
		return store.Card{}, err
	}
	name, err := requireName(c.Name, "card")
	if err != nil {
		return store.Card{}, err
	}
	if c.Move < 0 || c.Inject < 0 {
		return store.Card{}, fmt.Errorf("%w: move and inject must not be negative", ErrInvalid)
	}
	c.ID, c.Name = ensureID(c.ID), name
	return c, s.write(ctx, "card.save", map[string]any{"id": c.ID.String()}, func(ctx context.Context, tx store.Tx) error {
		if err := mustExist(ctx, tx, store.TypeCollection, c.CollectionID); err != nil {
			return err
		}
		if err := sameOwner(ctx, tx, c.ID, func(old store.Card) bool { return old.CollectionID == c.CollectionID }); err != nil {
			return err
		}
		return tx.Put(ctx, c)
	})
}

func (s *Service) DeleteCard(ctx context.Context, id uuid.UUID) error {
	if err := s.requireCollection(ctx, store.TypeCard, id, auth.EditCollections, auth.EditCollection, auth.ManageCollection); err != nil {
		return err
	}
	return s.write(ctx, "card.delete", map[string]any{"id": id.String()}, func(ctx context.Context, tx store.Tx) error {
		teamCards, err := store.ListByID[store.TeamCard](ctx, tx, store.RefCardID, id)
		if err != nil {
			return err
		}
		for _, tc := range teamCards {
			if err := tx.Delete(ctx, store.TypeTeamCard, tc.ID); err != nil {
				return err
			}
		}
		return tx.Delete(ctx, store.TypeCard, id)
	})
}

func (s *Service) ListArticles(ctx context.Context, collectionID uuid.UUID) ([]store.Article, error) {
	if err := s.requireCollection(ctx, store.TypeCollection, collectionID, auth.ViewCollections); err != nil {
		return nil, err
	}
	return store.ListByID[store.Article](ctx, s.store, store.RefCollectionID, collectionID)
}

// SaveArticle creates or replaces an article. An exhibit-scoped article must
// name an exhibit of the same collection, and a card of the same collection.
func (s *Service) SaveArticle(ctx context.Context, a store.Article) (store.Article, error) {
	if err := s.requireCollection(ctx, store.TypeCollection, a.CollectionID, auth.EditCollections, auth.EditCollection, auth.ManageCollection); err != nil {
		return store.Article{}, err
	}
	name, err := requireName(a.Name, "article")
	if err != nil {
		return store.Article{}, err
	}
	if a.Move < 0 || a.Inject < 0 {
		return store.Article{}, fmt.Errorf("%w: move and inject must not be negative", ErrInvalid)
	}
	a.ID, a.Name = ensureID(a.ID), name
	if a.DatePosted.IsZero() {
		a.DatePosted = s.now().UTC()
	}
	return a, s.write(ctx, "article.save", map[string]any{"id": a.ID.String()}, func(ctx context.Context, tx store.Tx) error {
		if err := mustExist(ctx, tx, store.TypeCollection, a.CollectionID); err != nil {
			return err
		}
		if a.ExhibitID.Valid {
			e, err := store.Get[store.Exhibit](ctx, tx, a.ExhibitID.UUID)
			if err != nil {
				return err
			}
			if e.CollectionID != a.CollectionID {
				return fmt.Errorf("%w: exhibit belongs to another collection", ErrInvalid)
			}
		}
		if a.CardID.Valid {
			c, err := store.Get[store.Card](ctx, tx, a.CardID.UUID)
			if err != nil {
				return err
			}
			if c.CollectionID != a.CollectionID {
				return fmt.Errorf("%w: card belongs to another collection", ErrInvalid)
			}
		}
		if err := sameOwner(ctx, tx, a.ID, func(old store.Article) bool { return old.CollectionID == a.CollectionID }); err != nil {
			return err
		}
		return tx.Put(ctx, a)
	})
}

func (s *Service) DeleteArticle(ctx context.Context, id uuid.UUID) error {
	if err := s.requireCollection(ctx, store.TypeArticle, id, auth.EditCollections, auth.EditCollection, auth.ManageCollection); err != nil {
		return err
	}
	return s.write(ctx, "article.delete", map[string]any{"id": id.String()}, func(ctx context.Context, tx store.Tx) error {
		if err := deleteAll[store.UserArticle](ctx, tx, store.RefArticleID, id); err != nil {
			return err
		}
		return tx.Delete(ctx, store.TypeArticle, id)
	})
}

// sameOwner rejects a replace that would move an existing entity to another
// parent; authorization was checked against the new parent only.
func sameOwner[T store.Entity](ctx context.Context, tx store.Tx, id uuid.UUID, same func(old T) bool) error {
	old, err := store.Get[T](ctx, tx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if !same(old) {
		var zero T
		return fmt.Errorf("%w: %s %s cannot change owner", ErrInvalid, zero.EntityType(), id)
	}
	return nil
}
