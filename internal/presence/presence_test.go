package presence

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/google/uuid"

	"gallery.dev/internal/auth"
	"gallery.dev/internal/authz"
	"gallery.dev/internal/hub"
	"gallery.dev/internal/store"
	"gallery.dev/internal/store/memory"
)

type env struct {
	svc                   *Service
	hub                   *hub.Hub
	store                 *memory.Store
	exhibit, otherExhibit store.Exhibit
	team                  store.Team
	user                  uuid.UUID
}

func newEnv(t *testing.T) env {
	t.Helper()
	s := memory.New(nil)
	c := store.Collection{ID: uuid.New(), Name: "C"}
	e := env{
		store:        s,
		hub:          hub.New("main", 8),
		exhibit:      store.Exhibit{ID: uuid.New(), CollectionID: c.ID, Name: "E"},
		otherExhibit: store.Exhibit{ID: uuid.New(), CollectionID: c.ID, Name: "F"},
		user:         uuid.New(),
	}
	e.team = store.Team{ID: uuid.New(), ExhibitID: e.exhibit.ID, Name: "Blue"}
	err := s.Update(context.Background(), func(ctx context.Context, tx store.Tx) error {
		for _, x := range []store.Entity{c, e.exhibit, e.otherExhibit, e.team,
			store.TeamUser{ID: uuid.New(), TeamID: e.team.ID, UserID: e.user}} {
			if err := tx.Put(ctx, x); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	e.svc = New(s, authz.New(s), e.hub)
	return e
}

func TestGroupsForTeamMember(t *testing.T) {
	e := newEnv(t)
	collectionID := uuid.New()
	coll, _ := auth.NewScopedClaim(collectionID, []auth.CollectionPermission{auth.ViewCollection})
	id := auth.Identity{UserID: e.user, Claims: []auth.Claim{coll}}

	got, err := e.svc.Groups(context.Background(), id)
	if err != nil {
		t.Fatalf("Groups: %v", err)
	}
	want := []string{e.user.String(), e.exhibit.ID.String(), e.team.ID.String(), collectionID.String()}
	slices.Sort(want)
	if !slices.Equal(got, want) {
		t.Fatalf("Groups = %v, want %v", got, want)
	}
	if slices.Contains(got, hub.AdminGroup) {
		t.Fatalf("non-admin joined admin group")
	}
}

func TestGroupsAdminAndDuplicates(t *testing.T) {
	e := newEnv(t)
	claim, _ := auth.NewScopedClaim(e.exhibit.ID, []auth.ExhibitPermission{auth.ViewExhibit})
	id := auth.Identity{UserID: e.user, Claims: []auth.Claim{auth.SystemClaim(auth.ViewExhibits), claim}}

	got, err := e.svc.Groups(context.Background(), id)
	if err != nil {
		t.Fatalf("Groups: %v", err)
	}
	if !slices.Contains(got, hub.AdminGroup) {
		t.Fatalf("system viewer should join admin: %v", got)
	}
	if len(got) != 4 {
		t.Fatalf("exhibit from team and claim should appear once: %v", got)
	}
}

func TestConnectAndDisconnect(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn := e.hub.Connect(ctx, e.user)
	id := auth.Identity{UserID: e.user}

	joined, err := e.svc.Connect(ctx, id, conn.ID)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := e.hub.Groups(conn.ID); !slices.Equal(got, joined) {
		t.Fatalf("hub groups %v != computed %v", got, joined)
	}
	if err := e.svc.Disconnect(ctx, id, conn.ID); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if got := e.hub.Groups(conn.ID); len(got) != 0 {
		t.Fatalf("groups left behind: %v", got)
	}
}

func TestJoinExhibitRequiresView(t *testing.T) {
	e := newEnv(t)
	conn := e.hub.Connect(context.Background(), e.user)

	claim, _ := auth.NewScopedClaim(e.exhibit.ID, []auth.ExhibitPermission{auth.ViewExhibit})
	ctx := auth.ContextWithIdentity(context.Background(), auth.Identity{UserID: e.user, Claims: []auth.Claim{claim}})

	if err := e.svc.JoinExhibit(ctx, conn.ID, e.otherExhibit.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for other exhibit, got %v", err)
	}
	if err := e.svc.JoinExhibit(ctx, conn.ID, e.exhibit.ID); err != nil {
		t.Fatalf("JoinExhibit: %v", err)
	}
	want := []string{e.exhibit.ID.String(), e.team.ID.String()}
	slices.Sort(want)
	if got := e.hub.Groups(conn.ID); !slices.Equal(got, want) {
		t.Fatalf("groups = %v, want %v", got, want)
	}
	if err := e.svc.LeaveExhibit(ctx, conn.ID, e.exhibit.ID); err != nil {
		t.Fatalf("LeaveExhibit: %v", err)
	}
	if got := e.hub.Groups(conn.ID); len(got) != 0 {
		t.Fatalf("groups left behind: %v", got)
	}
	if err := e.svc.JoinExhibit(context.Background(), conn.ID, e.exhibit.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("anonymous join should be forbidden, got %v", err)
	}
}

func TestConnectPersonal(t *testing.T) {
	e := newEnv(t)
	notifications := hub.New("notifications", 8)
	svc := New(e.store, authz.New(e.store), notifications)
	conn := notifications.Connect(context.Background(), e.user)

	if err := svc.ConnectPersonal(context.Background(), auth.Identity{UserID: e.user}, conn.ID); err != nil {
		t.Fatalf("ConnectPersonal: %v", err)
	}
	if got := notifications.Groups(conn.ID); !slices.Equal(got, []string{e.user.String()}) {
		t.Fatalf("unexpected groups %v", got)
	}
}
