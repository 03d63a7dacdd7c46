package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"gallery.dev/internal/events"
	"gallery.dev/internal/store"
)

func recorder(bus *events.Bus, types ...store.EntityType) *[]events.Change {
	var (
		mu  sync.Mutex
		got []events.Change
	)
	for _, typ := range types {
		for _, k := range []events.Kind{events.Created, events.Updated, events.Deleted} {
			bus.Subscribe(string(typ), k, func(_ context.Context, c events.Change) error {
				mu.Lock()
				defer mu.Unlock()
				got = append(got, c)
				return nil
			})
		}
	}
	return &got
}

func TestUpdateCommitsAndPublishes(t *testing.T) {
	bus := events.NewBus()
	got := recorder(bus, store.TypeCollection, store.TypeExhibit)
	s := New(bus)
	ctx := context.Background()

	c := store.Collection{ID: uuid.New(), Name: "Harbor"}
	e := store.Exhibit{ID: uuid.New(), CollectionID: c.ID, Name: "Dawn"}
	err := s.Update(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.Put(ctx, c); err != nil {
			return err
		}
		return tx.Put(ctx, e)
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(*got) != 2 || (*got)[0].EntityType != "Collection" || (*got)[1].EntityType != "Exhibit" {
		t.Fatalf("unexpected events: %+v", *got)
	}

	loaded, err := store.Get[store.Exhibit](ctx, s, e.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if loaded.Name != "Dawn" {
		t.Fatalf("unexpected exhibit: %+v", loaded)
	}
	list, err := store.ListByID[store.Exhibit](ctx, s, store.RefCollectionID, c.ID)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListByID: %v %+v", err, list)
	}
}

func TestUpdateFailureLeavesStateAndPublishesNothing(t *testing.T) {
	bus := events.NewBus()
	got := recorder(bus, store.TypeCollection)
	s := New(bus)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.Update(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.Put(ctx, store.Collection{ID: uuid.New(), Name: "Lost"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(*got) != 0 {
		t.Fatalf("rolled back unit published %d events", len(*got))
	}
	all, _ := store.ListAll[store.Collection](ctx, s)
	if len(all) != 0 {
		t.Fatalf("rolled back write is visible: %+v", all)
	}
}

func TestCancelledContextAbortsCommit(t *testing.T) {
	bus := events.NewBus()
	got := recorder(bus, store.TypeCollection)
	s := New(bus)
	ctx, cancel := context.WithCancel(context.Background())

	err := s.Update(ctx, func(ctx context.Context, tx store.Tx) error {
		err := tx.Put(ctx, store.Collection{ID: uuid.New(), Name: "Late"})
		cancel()
		return err
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(*got) != 0 {
		t.Fatalf("cancelled unit published events")
	}
}

func TestTxSeesOwnWrites(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	team := store.Team{ID: uuid.New(), ExhibitID: uuid.New(), Name: "Blue"}
	user := uuid.New()

	err := s.Update(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.Put(ctx, team); err != nil {
			return err
		}
		if err := tx.Put(ctx, store.TeamUser{ID: uuid.New(), TeamID: team.ID, UserID: user}); err != nil {
			return err
		}
		teams, err := store.TeamsForUser(ctx, tx, user)
		if err != nil {
			return err
		}
		if len(teams) != 1 || teams[0].ID != team.ID {
			t.Fatalf("tx view missing staged rows: %+v", teams)
		}
		if _, err := s.Get(ctx, store.TypeTeam, team.ID); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("uncommitted row leaked outside tx: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func TestDeleteThenListHidesRow(t *testing.T) {
	bus := events.NewBus()
	got := recorder(bus, store.TypeCollection)
	s := New(bus)
	ctx := context.Background()
	c := store.Collection{ID: uuid.New(), Name: "Harbor"}

	_ = s.Update(ctx, func(ctx context.Context, tx store.Tx) error { return tx.Put(ctx, c) })
	err := s.Update(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.Delete(ctx, store.TypeCollection, c.ID); err != nil {
			return err
		}
		list, err := tx.List(ctx, store.TypeCollection, "", "")
		if err != nil {
			return err
		}
		if len(list) != 0 {
			t.Fatalf("deleted row still listed in tx")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(*got) != 2 || (*got)[1].Kind != events.Deleted {
		t.Fatalf("unexpected events: %+v", *got)
	}
	if err := s.Update(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.Delete(ctx, store.TypeCollection, c.ID)
	}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second delete should be not found, got %v", err)
	}
}

func TestPutRejectsInvalidMembership(t *testing.T) {
	s := New(nil)
	err := s.Update(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.Put(ctx, store.ExhibitMembership{
			ID:        uuid.New(),
			ExhibitID: uuid.New(),
			UserID:    store.Ref(uuid.New()),
			GroupID:   store.Ref(uuid.New()),
			RoleID:    uuid.New(),
		})
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestReadsReturnCopies(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	role := store.Role{ID: uuid.New(), Name: "Observer", Scope: store.ScopeExhibit, Permissions: []string{"ViewExhibit"}}
	_ = s.Update(ctx, func(ctx context.Context, tx store.Tx) error { return tx.Put(ctx, role) })

	loaded, err := store.Get[store.Role](ctx, s, role.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	loaded.Permissions[0] = "ManageExhibit"
	again, _ := store.Get[store.Role](ctx, s, role.ID)
	if again.Permissions[0] != "ViewExhibit" {
		t.Fatalf("store aliased caller slice")
	}
}
