// Package notify turns committed entity changes into real-time messages. Each
// Route says which entity it follows, how to name and shape the message, and
// who must receive it.
package notify

import (
	"context"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"gallery.dev/internal/events"
	"gallery.dev/internal/hub"
	"gallery.dev/internal/obs"
	"gallery.dev/internal/store"
)

// Channel names a hub.
type Channel string

const (
	Main          Channel = "main"
	Notifications Channel = "notifications"
)

// Sender is the group send primitive of a hub.
type Sender interface {
	SendToGroup(ctx context.Context, group string, msg hub.Message) error
}

// AudienceFunc returns the group ids that must receive change.
type AudienceFunc func(ctx context.Context, r store.Reader, change events.Change) ([]string, error)

// PayloadFunc returns the message arguments for change.
type PayloadFunc func(ctx context.Context, r store.Reader, change events.Change) ([]any, error)

// Route is one (entity, channel) notification rule.
type Route struct {
	Entity  store.EntityType
	Channel Channel
	// Method names the message for a change kind.
	Method func(events.Kind) string
	// Kinds defaults to created, updated and deleted.
	Kinds []events.Kind
	// SelfAddressed adds the entity's own id to the audience.
	SelfAddressed bool
	// Private routes skip the admin group.
	Private  bool
	Audience AudienceFunc
	// Payload defaults to StatePayload.
	Payload PayloadFunc
}

// Suffixed names messages <base><Kind>, e.g. CardCreated.
func Suffixed(base string) func(events.Kind) string {
	return func(k events.Kind) string { return base + k.String() }
}

// Fixed uses one method name for every kind.
func Fixed(method string) func(events.Kind) string {
	return func(events.Kind) string { return method }
}

// StatePayload is (entity, modified fields) for creates and updates and
// (entity id, nil) for deletes.
func StatePayload(_ context.Context, _ store.Reader, c events.Change) ([]any, error) {
	if c.Kind == events.Deleted {
		return []any{c.EntityID, nil}, nil
	}
	var modified any
	if c.Kind == events.Updated {
		modified = c.Modified
	}
	return []any{c.Entity, modified}, nil
}

// Dispatcher routes bus changes to hubs.
type Dispatcher struct {
	store   store.Reader
	senders map[Channel]Sender
	routes  []Route
}

// New builds a dispatcher. Routes whose channel has no sender are rejected.
func New(r store.Reader, senders map[Channel]Sender, routes []Route) (*Dispatcher, error) {
	for _, rt := range routes {
		if _, ok := senders[rt.Channel]; !ok {
			return nil, fmt.Errorf("notify: no sender for channel %q (route %s)", rt.Channel, rt.Entity)
		}
		if rt.Method == nil {
			return nil, fmt.Errorf("notify: route %s/%s has no method", rt.Entity, rt.Channel)
		}
	}
	return &Dispatcher{store: r, senders: senders, routes: routes}, nil
}

// Register subscribes every route for each of its kinds.
func (d *Dispatcher) Register(bus *events.Bus) {
	for _, rt := range d.routes {
		kinds := rt.Kinds
		if len(kinds) == 0 {
			kinds = []events.Kind{events.Created, events.Updated, events.Deleted}
		}
		for _, k := range kinds {
			bus.Subscribe(string(rt.Entity), k, func(ctx context.Context, c events.Change) error {
				return d.Dispatch(ctx, rt, c)
			})
		}
	}
}

// Dispatch computes the full audience for change and only then sends to every
// group concurrently. A failed send is logged and does not affect the others.
// If the audience or payload cannot be computed, or ctx ends first, nothing is
// sent.
func (d *Dispatcher) Dispatch(ctx context.Context, rt Route, c events.Change) error {
	audience, err := d.audience(ctx, rt, c)
	if err != nil {
		return fmt.Errorf("audience for %s %s: %w", c.EntityType, c.EntityID, err)
	}
	payload := rt.Payload
	if payload == nil {
		payload = StatePayload
	}
	args, err := payload(ctx, d.store, c)
	if err != nil {
		return fmt.Errorf("payload for %s %s: %w", c.EntityType, c.EntityID, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := hub.Message{Method: rt.Method(c.Kind), Args: args}
	sender := d.senders[rt.Channel]
	// Sends are detached from ctx: once started, every group is attempted.
	sendCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	for _, group := range audience {
		g.Go(func() error {
			if err := sender.SendToGroup(sendCtx, group, msg); err != nil {
				obs.Log(ctx, obs.LevelWarn, "notification send failed", map[string]any{
					"channel": string(rt.Channel),
					"method":  msg.Method,
					"group":   group,
					"event":   c.ID,
					"error":   err,
				})
			}
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) audience(ctx context.Context, rt Route, c events.Change) ([]string, error) {
	var groups []string
	if !rt.Private {
		groups = append(groups, hub.AdminGroup)
	}
	if rt.SelfAddressed {
		groups = append(groups, c.EntityID)
	}
	if rt.Audience != nil {
		extra, err := rt.Audience(ctx, d.store, c)
		if err != nil {
			return nil, err
		}
		groups = append(groups, extra...)
	}
	return dedupe(groups), nil
}

// dedupe keeps first occurrences, dropping empty ids.
func dedupe(groups []string) []string {
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		if g != "" && !slices.Contains(out, g) {
			out = append(out, g)
		}
	}
	return out
}
