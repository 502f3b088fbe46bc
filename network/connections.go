package network

import (
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/najoast/threader/core"
)

// Connection is an accepted peer served by its own child actor.
type Connection struct {
	// ID is the child actor name, "conn.<nanoid>"
	ID string

	// Peer is the remote address
	Peer netip.AddrPort

	// Actor serves the connection
	Actor core.Actor

	// Accepted is when the socket was accepted
	Accepted time.Time
}

// ConnectionsStats is a snapshot of a Connections registry.
type ConnectionsStats struct {
	Current   int
	Total     uint64
	Broadcast uint64
}

// Connections tracks the live connections of a Listener. It is safe for
// concurrent use; metrics and producers read it from other goroutines.
type Connections struct {
	mu    sync.RWMutex
	conns map[string]*Connection

	total     atomic.Uint64
	broadcast atomic.Uint64
}

// NewConnections creates an empty registry.
func NewConnections() *Connections {
	return &Connections{conns: make(map[string]*Connection)}
}

// Add registers conn. Ids must be unique.
func (cs *Connections) Add(conn *Connection) error {
	if conn == nil {
		return fmt.Errorf("connection is nil")
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, exists := cs.conns[conn.ID]; exists {
		return fmt.Errorf("connection %s already exists", conn.ID)
	}
	cs.conns[conn.ID] = conn
	cs.total.Add(1)
	return nil
}

// Remove forgets the connection and reports whether it was known.
func (cs *Connections) Remove(id string) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	_, ok := cs.conns[id]
	delete(cs.conns, id)
	return ok
}

// Get returns the connection with id.
func (cs *Connections) Get(id string) (*Connection, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	c, ok := cs.conns[id]
	return c, ok
}

// Lookup returns the connection served by the actor id, typically the
// Source of a forwarded message.
func (cs *Connections) Lookup(id core.ActorID) (*Connection, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	for _, c := range cs.conns {
		if c.Actor != nil && c.Actor.ID() == id {
			return c, true
		}
	}
	return nil, false
}

// Len returns the number of live connections.
func (cs *Connections) Len() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.conns)
}

// List returns the live connections, oldest first.
func (cs *Connections) List() []*Connection {
	cs.mu.RLock()
	out := make([]*Connection, 0, len(cs.conns))
	for _, c := range cs.conns {
		out = append(out, c)
	}
	cs.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Accepted.Before(out[j].Accepted)
	})
	return out
}

// Broadcast posts msg to every connection actor and returns how many
// accepted it. Messages are immutable, so one instance is shared.
func (cs *Connections) Broadcast(msg *core.Message) int {
	if msg == nil {
		return 0
	}
	sent := 0
	for _, c := range cs.List() {
		if err := c.Actor.PostMessage(msg); err == nil {
			sent++
		}
	}
	cs.broadcast.Add(uint64(sent))
	return sent
}

// Stats returns the registry counters.
func (cs *Connections) Stats() ConnectionsStats {
	return ConnectionsStats{
		Current:   cs.Len(),
		Total:     cs.total.Load(),
		Broadcast: cs.broadcast.Load(),
	}
}
