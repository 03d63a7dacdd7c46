// Package memory is an in-process implementation of store.Store. Writers are
// serialized; each unit of work stages writes in an overlay that is applied
// atomically on success and dropped on failure.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"gallery.dev/internal/events"
	"gallery.dev/internal/store"
)

type table map[uuid.UUID]store.Entity

// Store keeps every entity type in its own id-keyed table.
type Store struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	tables  map[store.EntityType]table
	bus     *events.Bus
}

var _ store.Store = (*Store)(nil)

// New returns an empty store publishing committed changes on bus.
func New(bus *events.Bus) *Store {
	if bus == nil {
		bus = events.NewBus()
	}
	return &Store{tables: make(map[store.EntityType]table), bus: bus}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Get(ctx context.Context, typ store.EntityType, id uuid.UUID) (store.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(typ, id)
}

func (s *Store) List(ctx context.Context, typ store.EntityType, field, value string) ([]store.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filter(s.tables[typ], nil, field, value), nil
}

// Update runs fn against an overlay. Commit publishes staged changes while the
// writer lock is still held, so events of consecutive units never interleave.
// Handlers must therefore not call Update themselves.
func (s *Store) Update(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &tx{store: s, overlay: make(map[store.EntityType]table), uow: events.NewUnitOfWork()}
	if err := fn(ctx, tx); err != nil {
		tx.uow.Discard()
		return err
	}
	return s.bus.Commit(ctx, tx.uow, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.apply(tx.overlay)
		return nil
	})
}

func (s *Store) get(typ store.EntityType, id uuid.UUID) (store.Entity, error) {
	if !store.KnownType(typ) {
		return nil, fmt.Errorf("%w: unknown entity type %q", store.ErrInvalidInput, typ)
	}
	e, ok := s.tables[typ][id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return store.Clone(e), nil
}

func (s *Store) apply(overlay map[store.EntityType]table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for typ, rows := range overlay {
		t := s.tables[typ]
		if t == nil {
			t = make(table)
			s.tables[typ] = t
		}
		for id, e := range rows {
			if e == nil {
				delete(t, id)
				continue
			}
			t[id] = e
		}
	}
}

type tx struct {
	store   *Store
	overlay map[store.EntityType]table
	uow     *events.UnitOfWork
}

func (t *tx) Get(ctx context.Context, typ store.EntityType, id uuid.UUID) (store.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e, ok := t.overlay[typ][id]; ok {
		if e == nil {
			return nil, store.ErrNotFound
		}
		return store.Clone(e), nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.store.get(typ, id)
}

func (t *tx) List(ctx context.Context, typ store.EntityType, field, value string) ([]store.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return filter(t.store.tables[typ], t.overlay[typ], field, value), nil
}

func (t *tx) Put(ctx context.Context, e store.Entity) error {
	if err := store.Check(e); err != nil {
		return err
	}
	before, err := t.Get(ctx, e.EntityType(), e.EntityID())
	switch {
	case err == nil:
		modified := events.DiffFields(before, e)
		if len(modified) == 0 {
			return nil
		}
		t.stage(e, events.Updated, modified)
	case errors.Is(err, store.ErrNotFound):
		t.stage(e, events.Created, nil)
	default:
		return err
	}
	t.write(e.EntityType(), e.EntityID(), store.Clone(e))
	return nil
}

func (t *tx) Delete(ctx context.Context, typ store.EntityType, id uuid.UUID) error {
	before, err := t.Get(ctx, typ, id)
	if err != nil {
		return err
	}
	t.stage(before, events.Deleted, nil)
	t.write(typ, id, nil)
	return nil
}

func (t *tx) write(typ store.EntityType, id uuid.UUID, e store.Entity) {
	rows := t.overlay[typ]
	if rows == nil {
		rows = make(table)
		t.overlay[typ] = rows
	}
	rows[id] = e
}

func (t *tx) stage(e store.Entity, kind events.Kind, modified []string) {
	t.uow.Stage(events.Change{
		EntityType: string(e.EntityType()),
		EntityID:   e.EntityID().String(),
		Kind:       kind,
		Entity:     store.Clone(e),
		Modified:   modified,
	})
}

func filter(base, overlay table, field, value string) []store.Entity {
	out := make([]store.Entity, 0)
	match := func(e store.Entity) bool {
		return field == "" || (value != "" && e.Refs()[field] == value)
	}
	for id, e := range base {
		if _, shadowed := overlay[id]; shadowed {
			continue
		}
		if match(e) {
			out = append(out, store.Clone(e))
		}
	}
	for _, e := range overlay {
		if e != nil && match(e) {
			out = append(out, store.Clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EntityID().String() < out[j].EntityID().String()
	})
	return out
}
