// Package hub is the in-process real-time channel: connections, the groups
// they belong to, and non-blocking fan-out to a group.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/google/uuid"

	"gallery.dev/internal/ids"
	"gallery.dev/internal/obs"
)

// AdminGroup receives every change notification.
const AdminGroup = "admin"

var (
	ErrUnknownConnection = errors.New("hub: unknown connection")
	ErrSlowConsumer      = errors.New("hub: message dropped for slow consumer")
)

// Message is one notification: a method name and its positional arguments.
type Message struct {
	Method string `json:"method"`
	Args   []any  `json:"args"`
}

// WriteEvent renders m as a server-sent event.
func WriteEvent(w io.Writer, m Message) error {
	payload, err := json.Marshal(m.Args)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Method, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", m.Method, payload)
	return err
}

// Conn is one client connection.
type Conn struct {
	ID     string
	UserID uuid.UUID
	ch     chan Message
}

// Messages is closed when the connection ends.
func (c *Conn) Messages() <-chan Message { return c.ch }

// Hub tracks connections and group membership. All methods are safe for
// concurrent use.
type Hub struct {
	name   string
	buffer int

	mu     sync.RWMutex
	conns  map[string]*Conn
	groups map[string]map[string]*Conn
}

// New returns an empty hub whose connections buffer up to buffer messages.
func New(name string, buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		name:   name,
		buffer: buffer,
		conns:  make(map[string]*Conn),
		groups: make(map[string]map[string]*Conn),
	}
}

func (h *Hub) Name() string { return h.name }

// Connect registers a connection for userID. It is removed from the hub and
// every group, and its channel closed, when ctx ends.
func (h *Hub) Connect(ctx context.Context, userID uuid.UUID) *Conn {
	c := &Conn{ID: ids.Prefixed("conn"), UserID: userID, ch: make(chan Message, h.buffer)}

	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()
	obs.HubConnectionOpened(h.name)

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.conns, c.ID)
		for g, members := range h.groups {
			delete(members, c.ID)
			if len(members) == 0 {
				delete(h.groups, g)
			}
		}
		close(c.ch)
		h.mu.Unlock()
		obs.HubConnectionClosed(h.name)
	}()
	return c
}

// Conn looks up a live connection.
func (h *Hub) Conn(id string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

// JoinGroup adds the connection to group. Joining twice is a no-op.
func (h *Hub) JoinGroup(ctx context.Context, connID, group string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	members := h.groups[group]
	if members == nil {
		members = make(map[string]*Conn)
		h.groups[group] = members
	}
	members[connID] = c
	return nil
}

// LeaveGroup removes the connection from group. Leaving a group the
// connection is not in is a no-op.
func (h *Hub) LeaveGroup(ctx context.Context, connID, group string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.groups[group]
	delete(members, connID)
	if len(members) == 0 {
		delete(h.groups, group)
	}
	return nil
}

// SendToGroup queues msg for every member of group without blocking. Members
// whose buffer is full miss the message; that is reported as ErrSlowConsumer
// after every other member has been served.
func (h *Hub) SendToGroup(ctx context.Context, group string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	dropped := 0
	members := h.groups[group]
	for _, c := range members {
		select {
		case c.ch <- msg:
		default:
			dropped++
			obs.ObserveHubSendFailure(h.name)
		}
	}
	obs.ObserveHubMessage(h.name, msg.Method)
	if dropped > 0 {
		return fmt.Errorf("%w: %d of %d connections in %s", ErrSlowConsumer, dropped, len(members), group)
	}
	return nil
}

// Groups lists the groups a connection belongs to, sorted.
func (h *Hub) Groups(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for g, members := range h.groups {
		if _, ok := members[connID]; ok {
			out = append(out, g)
		}
	}
	slices.Sort(out)
	return out
}

// Members counts the connections in group.
func (h *Hub) Members(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}
