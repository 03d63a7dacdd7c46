package pg

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"gallery.dev/internal/events"
	"gallery.dev/internal/store"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock, *[]events.Change) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	bus := events.NewBus()
	var got []events.Change
	for _, typ := range []store.EntityType{store.TypeCollection, store.TypeExhibit} {
		for _, k := range []events.Kind{events.Created, events.Updated, events.Deleted} {
			bus.Subscribe(string(typ), k, func(_ context.Context, c events.Change) error {
				got = append(got, c)
				return nil
			})
		}
	}
	return New(db, bus), mock, &got
}

func docRows(t *testing.T, entities ...store.Entity) *sqlmock.Rows {
	t.Helper()
	rows := sqlmock.NewRows([]string{"data"})
	for _, e := range entities {
		raw, err := json.Marshal(e)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rows.AddRow(raw)
	}
	return rows
}

func TestUpdateCreatesAndPublishesAfterCommit(t *testing.T) {
	s, mock, got := newMock(t)
	c := store.Collection{ID: uuid.New(), Name: "Harbor"}

	mock.ExpectBegin()
	mock.ExpectQuery("select data from entities where entity_type .* for update").
		WithArgs("Collection", c.ID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"data"}))
	mock.ExpectExec("insert into entities").
		WithArgs("Collection", c.ID.String(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Update(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.Put(ctx, c)
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(*got) != 1 || (*got)[0].Kind != events.Created || (*got)[0].EntityID != c.ID.String() {
		t.Fatalf("unexpected events: %+v", *got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateRecordsModifiedFields(t *testing.T) {
	s, mock, got := newMock(t)
	before := store.Exhibit{ID: uuid.New(), CollectionID: uuid.New(), Name: "Dawn", CurrentMove: 1}
	after := before
	after.CurrentMove = 2

	mock.ExpectBegin()
	mock.ExpectQuery("for update").WithArgs("Exhibit", before.ID.String()).WillReturnRows(docRows(t, before))
	mock.ExpectExec("insert into entities").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.Update(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.Put(ctx, after)
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(*got) != 1 || (*got)[0].Kind != events.Updated {
		t.Fatalf("expected one update event, got %+v", *got)
	}
	if m := (*got)[0].Modified; len(m) != 1 || m[0] != "CurrentMove" {
		t.Fatalf("unexpected modified fields: %v", m)
	}
}

func TestUpdateSkipsUnchangedEntity(t *testing.T) {
	s, mock, got := newMock(t)
	c := store.Collection{ID: uuid.New(), Name: "Harbor"}

	mock.ExpectBegin()
	mock.ExpectQuery("for update").WithArgs("Collection", c.ID.String()).WillReturnRows(docRows(t, c))
	mock.ExpectCommit()

	if err := s.Update(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.Put(ctx, c)
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(*got) != 0 {
		t.Fatalf("no-op write should not publish: %+v", *got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateCommitFailureDiscardsEvents(t *testing.T) {
	s, mock, got := newMock(t)
	c := store.Collection{ID: uuid.New(), Name: "Harbor"}

	mock.ExpectBegin()
	mock.ExpectQuery("for update").WillReturnRows(sqlmock.NewRows([]string{"data"}))
	mock.ExpectExec("insert into entities").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(&pgconn.PgError{Code: pgErrSerialization, Message: "could not serialize access"})

	err := s.Update(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.Put(ctx, c)
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if len(*got) != 0 {
		t.Fatalf("rolled back unit published %d events", len(*got))
	}
}

func TestUpdateCallbackErrorRollsBack(t *testing.T) {
	s, mock, got := newMock(t)
	c := store.Collection{ID: uuid.New(), Name: "Harbor"}
	boom := errors.New("validation failed")

	mock.ExpectBegin()
	mock.ExpectQuery("for update").WillReturnRows(sqlmock.NewRows([]string{"data"}))
	mock.ExpectExec("insert into entities").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err := s.Update(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if err := tx.Put(ctx, c); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if len(*got) != 0 {
		t.Fatalf("expected no events, got %d", len(*got))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPutMapsUniqueViolation(t *testing.T) {
	s, mock, _ := newMock(t)
	c := store.Collection{ID: uuid.New(), Name: "Harbor"}

	mock.ExpectBegin()
	mock.ExpectQuery("for update").WillReturnRows(sqlmock.NewRows([]string{"data"}))
	mock.ExpectExec("insert into entities").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, Message: "duplicate key"})
	mock.ExpectRollback()

	err := s.Update(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.Put(ctx, c)
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestDeletePublishesRemovedState(t *testing.T) {
	s, mock, got := newMock(t)
	c := store.Collection{ID: uuid.New(), Name: "Harbor"}

	mock.ExpectBegin()
	mock.ExpectQuery("for update").WithArgs("Collection", c.ID.String()).WillReturnRows(docRows(t, c))
	mock.ExpectExec("delete from entities").WithArgs("Collection", c.ID.String()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.Update(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.Delete(ctx, store.TypeCollection, c.ID)
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(*got) != 1 || (*got)[0].Kind != events.Deleted {
		t.Fatalf("expected delete event, got %+v", *got)
	}
	if removed, ok := (*got)[0].Entity.(store.Collection); !ok || removed.Name != "Harbor" {
		t.Fatalf("delete should carry removed state: %+v", (*got)[0].Entity)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s, mock, _ := newMock(t)
	id := uuid.New()
	mock.ExpectQuery("select data from entities").WithArgs("Team", id.String()).WillReturnRows(sqlmock.NewRows([]string{"data"}))

	if _, err := s.Get(context.Background(), store.TypeTeam, id); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListFiltersByRef(t *testing.T) {
	s, mock, _ := newMock(t)
	collectionID := uuid.New()
	a := store.Exhibit{ID: uuid.New(), CollectionID: collectionID, Name: "A"}
	b := store.Exhibit{ID: uuid.New(), CollectionID: collectionID, Name: "B"}

	mock.ExpectQuery("refs ->>").
		WithArgs("Exhibit", store.RefCollectionID, collectionID.String()).
		WillReturnRows(docRows(t, a, b))

	list, err := store.ListByID[store.Exhibit](context.Background(), s, store.RefCollectionID, collectionID)
	if err != nil {
		t.Fatalf("ListByID: %v", err)
	}
	if len(list) != 2 || list[0].Name != "A" || list[1].Name != "B" {
		t.Fatalf("unexpected exhibits: %+v", list)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUnknownTypeRejectedBeforeQuery(t *testing.T) {
	s, mock, _ := newMock(t)
	if _, err := s.Get(context.Background(), store.EntityType("Ledger"), uuid.New()); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected queries: %v", err)
	}
}
