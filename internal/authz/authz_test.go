package authz

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"gallery.dev/internal/auth"
	"gallery.dev/internal/store"
	"gallery.dev/internal/store/memory"
)

type fixture struct {
	engine     *Engine
	collection store.Collection
	e1, e2     store.Exhibit
	team       store.Team
	teamUser   store.TeamUser
	card       store.Card
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	c := store.Collection{ID: uuid.New(), Name: "Harbor"}
	f := fixture{
		collection: c,
		e1:         store.Exhibit{ID: uuid.New(), CollectionID: c.ID, Name: "E1"},
		e2:         store.Exhibit{ID: uuid.New(), CollectionID: c.ID, Name: "E2"},
		card:       store.Card{ID: uuid.New(), CollectionID: c.ID, Name: "Port closure"},
	}
	f.team = store.Team{ID: uuid.New(), ExhibitID: f.e1.ID, Name: "Blue"}
	f.teamUser = store.TeamUser{ID: uuid.New(), TeamID: f.team.ID, UserID: uuid.New()}

	s := memory.New(nil)
	err := s.Update(context.Background(), func(ctx context.Context, tx store.Tx) error {
		for _, e := range []store.Entity{c, f.e1, f.e2, f.card, f.team, f.teamUser} {
			if err := tx.Put(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	f.engine = New(s)
	return f
}

func as(claims ...auth.Claim) context.Context {
	return auth.ContextWithIdentity(context.Background(), auth.Identity{UserID: uuid.New(), Claims: claims})
}

func exhibitClaim(t *testing.T, id uuid.UUID, perms ...auth.ExhibitPermission) auth.Claim {
	t.Helper()
	c, err := auth.NewScopedClaim(id, perms)
	if err != nil {
		t.Fatalf("NewScopedClaim: %v", err)
	}
	return c
}

func TestAuthorizeSystem(t *testing.T) {
	e := New(memory.New(nil))
	ctx := as(auth.SystemClaim(auth.ViewExhibits))

	if !e.AuthorizeSystem(ctx, auth.ManageExhibits, auth.ViewExhibits) {
		t.Fatalf("intersecting permissions should pass")
	}
	if e.AuthorizeSystem(ctx, auth.ManageExhibits) {
		t.Fatalf("disjoint permissions should fail")
	}
	if !e.AuthorizeSystem(ctx) {
		t.Fatalf("empty requirement should pass for an authenticated caller")
	}
	if e.AuthorizeSystem(context.Background()) {
		t.Fatalf("anonymous caller should be denied")
	}
}

func TestExhibitClaimOnlyCoversItsExhibit(t *testing.T) {
	f := newFixture(t)
	ctx := as(exhibitClaim(t, f.e1.ID, auth.EditExhibit))
	system := []auth.SystemPermission{auth.EditExhibits}

	ok, err := f.engine.AuthorizeExhibit(ctx, store.TypeExhibit, f.e2.ID, system, auth.EditExhibit)
	if err != nil || ok {
		t.Fatalf("claim for E1 must not grant E2: ok=%v err=%v", ok, err)
	}
	ok, err = f.engine.AuthorizeExhibit(ctx, store.TypeExhibit, f.e1.ID, system, auth.EditExhibit, auth.ManageExhibit)
	if err != nil || !ok {
		t.Fatalf("claim for E1 should grant E1: ok=%v err=%v", ok, err)
	}
}

func TestEmptyClaimIsPresenceOnly(t *testing.T) {
	f := newFixture(t)
	ctx := as(exhibitClaim(t, f.e1.ID))

	ok, _ := f.engine.AuthorizeExhibit(ctx, store.TypeExhibit, f.e1.ID, []auth.SystemPermission{auth.ViewExhibits}, auth.ViewExhibit)
	if ok {
		t.Fatalf("empty permission set must deny a non-empty requirement")
	}
	ok, _ = f.engine.AuthorizeExhibit(ctx, store.TypeExhibit, f.e1.ID, []auth.SystemPermission{auth.ViewExhibits})
	if !ok {
		t.Fatalf("presence-only check should pass")
	}
}

func TestSystemPermissionShortCircuits(t *testing.T) {
	f := newFixture(t)
	ctx := as(auth.SystemClaim(auth.ManageExhibits))
	ok, err := f.engine.AuthorizeExhibit(ctx, store.TypeExhibit, uuid.New(), []auth.SystemPermission{auth.ManageExhibits}, auth.ManageExhibit)
	if err != nil || !ok {
		t.Fatalf("system permission should grant any exhibit: ok=%v err=%v", ok, err)
	}
}

func TestResolutionWalksOwnership(t *testing.T) {
	f := newFixture(t)
	none := []auth.SystemPermission{auth.ManageExhibits}

	ctx := as(exhibitClaim(t, f.e1.ID, auth.ViewExhibit))
	for _, tc := range []struct {
		resource store.EntityType
		id       uuid.UUID
	}{
		{store.TypeTeam, f.team.ID},
		{store.TypeTeamUser, f.teamUser.ID},
	} {
		ok, err := f.engine.AuthorizeExhibit(ctx, tc.resource, tc.id, none, auth.ViewExhibit)
		if err != nil || !ok {
			t.Fatalf("%s should resolve to its exhibit: ok=%v err=%v", tc.resource, ok, err)
		}
	}

	coll, _ := auth.NewScopedClaim(f.collection.ID, []auth.CollectionPermission{auth.EditCollection})
	ctx = as(coll)
	for _, tc := range []struct {
		resource store.EntityType
		id       uuid.UUID
	}{
		{store.TypeCollection, f.collection.ID},
		{store.TypeExhibit, f.e2.ID},
		{store.TypeCard, f.card.ID},
	} {
		ok, err := f.engine.AuthorizeCollection(ctx, tc.resource, tc.id, none, auth.EditCollection)
		if err != nil || !ok {
			t.Fatalf("%s should resolve to its collection: ok=%v err=%v", tc.resource, ok, err)
		}
	}
}

func TestMissingResourceFallsBackToSystem(t *testing.T) {
	f := newFixture(t)
	missing := uuid.New()
	team, _ := auth.NewScopedClaim(missing, []auth.TeamPermission{auth.ManageTeam})

	ok, err := f.engine.AuthorizeTeam(as(team), store.TypeTeamCard, missing, []auth.SystemPermission{auth.ManageExhibits}, auth.ManageTeam)
	if err != nil || ok {
		t.Fatalf("missing resource must not grant: ok=%v err=%v", ok, err)
	}
	ok, err = f.engine.AuthorizeTeam(as(team, auth.SystemClaim(auth.ManageExhibits)), store.TypeTeamCard, missing, []auth.SystemPermission{auth.ManageExhibits}, auth.ManageTeam)
	if err != nil || !ok {
		t.Fatalf("system permission should still apply: ok=%v err=%v", ok, err)
	}
}

func TestMalformedClaimFailsClosed(t *testing.T) {
	f := newFixture(t)
	ctx := as(auth.Claim{Type: auth.ClaimExhibitPermission, Value: `{"ExhibitId":"` + f.e1.ID.String()})
	ok, err := f.engine.AuthorizeExhibit(ctx, store.TypeExhibit, f.e1.ID, []auth.SystemPermission{auth.ViewExhibits})
	if err != nil {
		t.Fatalf("malformed claim should not error: %v", err)
	}
	if ok {
		t.Fatalf("malformed claim must be treated as absent")
	}
}

func TestCancelledContextReturnsError(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(as(exhibitClaim(t, f.e1.ID, auth.ViewExhibit)))
	cancel()
	_, err := f.engine.AuthorizeExhibit(ctx, store.TypeTeam, f.team.ID, []auth.SystemPermission{auth.ViewExhibits}, auth.ViewExhibit)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
}

func TestUnregisteredResolutionPanics(t *testing.T) {
	f := newFixture(t)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for unregistered resource/scope pair")
		}
	}()
	_, _ = f.engine.AuthorizeTeam(as(), store.TypeCollection, f.collection.ID, nil)
}

func TestEmptySystemListLeavesDecisionToClaim(t *testing.T) {
	f := newFixture(t)

	ok, err := f.engine.AuthorizeExhibit(as(exhibitClaim(t, f.e1.ID, auth.ViewExhibit)), store.TypeExhibit, f.e2.ID, nil, auth.ManageExhibit)
	if err != nil || ok {
		t.Fatalf("claim on E1 must not reach E2: ok=%v err=%v", ok, err)
	}
	ok, err = f.engine.AuthorizeExhibit(as(), store.TypeExhibit, f.e1.ID, nil)
	if err != nil || ok {
		t.Fatalf("caller without claims must be denied: ok=%v err=%v", ok, err)
	}
	ok, err = f.engine.AuthorizeExhibit(as(exhibitClaim(t, f.e1.ID, auth.ManageExhibit)), store.TypeExhibit, f.e1.ID, nil, auth.ManageExhibit)
	if err != nil || !ok {
		t.Fatalf("matching claim must still allow: ok=%v err=%v", ok, err)
	}
}
