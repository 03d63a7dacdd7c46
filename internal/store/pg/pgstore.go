package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"gallery.dev/internal/events"
	"gallery.dev/internal/store"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
	pgErrSerialization       = "40001"
)

// Store keeps every entity as a jsonb document in the entities table, with
// its relationship refs in a sibling jsonb column for filtering.
type Store struct {
	db  *sql.DB
	bus *events.Bus
}

var _ store.Store = (*Store)(nil)

// Open connects through the pgx stdlib driver.
func Open(dsn string, bus *events.Bus) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, bus), nil
}

// New wraps an existing handle.
func New(db *sql.DB, bus *events.Bus) *Store {
	if bus == nil {
		bus = events.NewBus()
	}
	return &Store{db: db, bus: bus}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Get(ctx context.Context, typ store.EntityType, id uuid.UUID) (store.Entity, error) {
	return get(ctx, s.db, typ, id, false)
}

func (s *Store) List(ctx context.Context, typ store.EntityType, field, value string) ([]store.Entity, error) {
	return list(ctx, s.db, typ, field, value)
}

// Update runs fn inside a read-committed SQL transaction. Staged change events
// are published only after Commit succeeds.
func (s *Store) Update(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	t := &tx{q: sqlTx, uow: events.NewUnitOfWork()}
	if err := fn(ctx, t); err != nil {
		t.uow.Discard()
		return err
	}
	return s.bus.Commit(ctx, t.uow, func(context.Context) error {
		return mapError(sqlTx.Commit())
	})
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type tx struct {
	q   querier
	uow *events.UnitOfWork
}

func (t *tx) Get(ctx context.Context, typ store.EntityType, id uuid.UUID) (store.Entity, error) {
	return get(ctx, t.q, typ, id, false)
}

func (t *tx) List(ctx context.Context, typ store.EntityType, field, value string) ([]store.Entity, error) {
	return list(ctx, t.q, typ, field, value)
}

func (t *tx) Put(ctx context.Context, e store.Entity) error {
	if err := store.Check(e); err != nil {
		return err
	}
	before, err := get(ctx, t.q, e.EntityType(), e.EntityID(), true)
	kind := events.Created
	var modified []string
	switch {
	case err == nil:
		modified = events.DiffFields(before, e)
		if len(modified) == 0 {
			return nil
		}
		kind = events.Updated
	case !errors.Is(err, store.ErrNotFound):
		return err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s: %w", e.EntityType(), err)
	}
	refs, err := json.Marshal(e.Refs())
	if err != nil {
		return fmt.Errorf("encode %s refs: %w", e.EntityType(), err)
	}
	if _, err := t.q.ExecContext(ctx, `
		insert into entities (entity_type, id, data, refs)
		values ($1, $2, $3, $4)
		on conflict (entity_type, id) do update
		set data = excluded.data, refs = excluded.refs, updated_at = now()
	`, string(e.EntityType()), e.EntityID().String(), data, refs); err != nil {
		return mapError(err)
	}
	t.uow.Stage(events.Change{
		EntityType: string(e.EntityType()),
		EntityID:   e.EntityID().String(),
		Kind:       kind,
		Entity:     store.Clone(e),
		Modified:   modified,
	})
	return nil
}

func (t *tx) Delete(ctx context.Context, typ store.EntityType, id uuid.UUID) error {
	before, err := get(ctx, t.q, typ, id, true)
	if err != nil {
		return err
	}
	if _, err := t.q.ExecContext(ctx, `delete from entities where entity_type = $1 and id = $2`, string(typ), id.String()); err != nil {
		return mapError(err)
	}
	t.uow.Stage(events.Change{
		EntityType: string(typ),
		EntityID:   id.String(),
		Kind:       events.Deleted,
		Entity:     before,
	})
	return nil
}

func get(ctx context.Context, q querier, typ store.EntityType, id uuid.UUID, forUpdate bool) (store.Entity, error) {
	if !store.KnownType(typ) {
		return nil, fmt.Errorf("%w: unknown entity type %q", store.ErrInvalidInput, typ)
	}
	query := `select data from entities where entity_type = $1 and id = $2`
	if forUpdate {
		query += ` for update`
	}
	var raw []byte
	err := q.QueryRowContext(ctx, query, string(typ), id.String()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return store.Decode(typ, raw)
}

func list(ctx context.Context, q querier, typ store.EntityType, field, value string) ([]store.Entity, error) {
	if !store.KnownType(typ) {
		return nil, fmt.Errorf("%w: unknown entity type %q", store.ErrInvalidInput, typ)
	}
	var (
		rows *sql.Rows
		err  error
	)
	if field == "" {
		rows, err = q.QueryContext(ctx, `
			select data from entities
			where entity_type = $1
			order by id
		`, string(typ))
	} else {
		rows, err = q.QueryContext(ctx, `
			select data from entities
			where entity_type = $1 and refs ->> $2 = $3
			order by id
		`, string(typ), field, value)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]store.Entity, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		e, err := store.Decode(typ, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgErrUniqueViolation, pgErrSerialization:
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
		case pgErrForeignKeyViolation:
			return fmt.Errorf("%w: %s", store.ErrNotFound, pgErr.Message)
		}
	}
	return err
}
