// Package events captures entity changes staged inside a unit of work and
// republishes them to subscribers once, and only once, the unit commits.
package events

import (
	"context"
	"reflect"
	"slices"
	"sync"
	"time"

	"gallery.dev/internal/ids"
	"gallery.dev/internal/obs"
)

// Kind is the operation a change records.
type Kind int

const (
	Created Kind = iota + 1
	Updated
	Deleted
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "Created"
	case Updated:
		return "Updated"
	case Deleted:
		return "Deleted"
	}
	return "Unknown"
}

// Change is a snapshot of one committed create, update or delete. Entity is
// the post-commit state; for deletes it is the state that was removed.
type Change struct {
	ID         string
	EntityType string
	EntityID   string
	Kind       Kind
	Entity     any
	Modified   []string
	OccurredAt time.Time
}

// Handler consumes a published change. Errors are logged by the bus.
type Handler func(ctx context.Context, change Change) error

// UnitOfWork is the ordered queue of changes staged by one transaction. Each
// transaction owns its own queue.
type UnitOfWork struct {
	mu      sync.Mutex
	changes []Change
	index   map[string]int
}

// NewUnitOfWork returns an empty queue.
func NewUnitOfWork() *UnitOfWork {
	return &UnitOfWork{index: make(map[string]int)}
}

// Stage appends a change. Repeated changes to the same entity within one unit
// collapse into the net effect, so subscribers see one change per entity:
//
//	create, update   -> create with the latest state
//	update, update   -> update with merged modified fields
//	create, delete   -> nothing
//	update, delete   -> delete
//	delete, create   -> update against the deleted state, or nothing if equal
func (u *UnitOfWork) Stage(c Change) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if c.ID == "" {
		c.ID = ids.Prefixed("evt")
	}
	if c.OccurredAt.IsZero() {
		c.OccurredAt = time.Now().UTC()
	}
	key := c.EntityType + "/" + c.EntityID
	i, seen := u.index[key]
	if !seen {
		u.index[key] = len(u.changes)
		u.changes = append(u.changes, c)
		return
	}
	prev := u.changes[i]
	switch {
	case prev.Kind == Created && c.Kind == Updated:
		prev.Entity = c.Entity
		u.changes[i] = prev
	case prev.Kind == Updated && c.Kind == Updated:
		prev.Entity = c.Entity
		prev.Modified = mergeFields(prev.Modified, c.Modified)
		u.changes[i] = prev
	case prev.Kind == Created && c.Kind == Deleted:
		u.changes = slices.Delete(u.changes, i, i+1)
		u.reindex()
	case prev.Kind == Deleted && c.Kind == Created:
		modified := DiffFields(prev.Entity, c.Entity)
		if len(modified) == 0 && prev.Entity != nil && c.Entity != nil {
			u.changes = slices.Delete(u.changes, i, i+1)
			u.reindex()
			return
		}
		prev.Kind = Updated
		prev.Entity = c.Entity
		prev.Modified = modified
		u.changes[i] = prev
	default:
		prev.Kind = c.Kind
		prev.Entity = c.Entity
		prev.Modified = c.Modified
		u.changes[i] = prev
	}
}

// Len reports how many changes are queued.
func (u *UnitOfWork) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.changes)
}

// Changes returns a copy of the queue in staging order.
func (u *UnitOfWork) Changes() []Change {
	u.mu.Lock()
	defer u.mu.Unlock()
	return slices.Clone(u.changes)
}

// Discard drops every staged change.
func (u *UnitOfWork) Discard() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.changes = nil
	u.index = make(map[string]int)
}

func (u *UnitOfWork) drain() []Change {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := u.changes
	u.changes = nil
	u.index = make(map[string]int)
	return out
}

func (u *UnitOfWork) reindex() {
	u.index = make(map[string]int, len(u.changes))
	for i, c := range u.changes {
		u.index[c.EntityType+"/"+c.EntityID] = i
	}
}

type route struct {
	entity string
	kind   Kind
}

// Bus routes committed changes to handlers registered per (entity, kind).
type Bus struct {
	mu       sync.RWMutex
	handlers map[route][]Handler
}

// NewBus returns a bus with no subscribers.
func NewBus() *Bus {
	return &Bus{handlers: make(map[route][]Handler)}
}

// Subscribe registers h for changes of kind to entityType.
func (b *Bus) Subscribe(entityType string, kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := route{entity: entityType, kind: kind}
	b.handlers[key] = append(b.handlers[key], h)
}

// Commit drains uow and runs commit. If commit fails the drained changes are
// dropped and the error returned; nothing is published. Otherwise every
// change is published in staging order. Publishing outlives cancellation of
// ctx because the commit has already happened.
func (b *Bus) Commit(ctx context.Context, uow *UnitOfWork, commit func(context.Context) error) error {
	changes := uow.drain()
	if err := commit(ctx); err != nil {
		if len(changes) > 0 {
			obs.ObserveDiscardedBatch()
			obs.Log(ctx, obs.LevelWarn, "unit of work rolled back, change events discarded", map[string]any{
				"events": len(changes),
				"error":  err,
			})
		}
		return err
	}
	b.Publish(context.WithoutCancel(ctx), changes)
	return nil
}

// Publish delivers each change to its handlers, in order. A failing handler
// is logged and does not stop delivery of the rest.
func (b *Bus) Publish(ctx context.Context, changes []Change) {
	for _, c := range changes {
		b.mu.RLock()
		hs := slices.Clone(b.handlers[route{entity: c.EntityType, kind: c.Kind}])
		b.mu.RUnlock()
		obs.ObserveEntityEvent(c.EntityType, c.Kind.String())
		for _, h := range hs {
			if err := h(ctx, c); err != nil {
				obs.Log(ctx, obs.LevelError, "change handler failed", map[string]any{
					"event":  c.ID,
					"entity": c.EntityType,
					"id":     c.EntityID,
					"kind":   c.Kind.String(),
					"error":  err,
				})
			}
		}
	}
}

// DiffFields lists the exported struct fields whose values differ between
// before and after. Both must be the same struct type (or pointers to it);
// otherwise nil is returned.
func DiffFields(before, after any) []string {
	bv := reflect.Indirect(reflect.ValueOf(before))
	av := reflect.Indirect(reflect.ValueOf(after))
	if !bv.IsValid() || !av.IsValid() || bv.Type() != av.Type() || bv.Kind() != reflect.Struct {
		return nil
	}
	var fields []string
	t := bv.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		if !fieldEqual(bv.Field(i).Interface(), av.Field(i).Interface()) {
			fields = append(fields, f.Name)
		}
	}
	return fields
}

// Timestamps compare by instant; a value decoded from storage carries a
// different location pointer than one built in memory.
func fieldEqual(a, b any) bool {
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	}
	av, bv := reflect.ValueOf(a), reflect.ValueOf(b)
	if av.Kind() == reflect.Slice && bv.Kind() == reflect.Slice && av.Len() == 0 && bv.Len() == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func mergeFields(a, b []string) []string {
	out := slices.Clone(a)
	for _, f := range b {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}
