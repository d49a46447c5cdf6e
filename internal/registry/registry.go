// Package registry maps user identities to their single live connection.
package registry

import (
	"sort"
	"sync"

	"chatrelay/internal/models"
)

// Conn is a live connection handle as seen by the registry and by the
// components that deliver events through it.
type Conn interface {
	ID() string
	UserID() string
	// Send queues an event for delivery. It must not block.
	Send(evt models.ServerEvent) error
	// Close terminates the connection with the given reason.
	Close(reason string)
}

// PresenceListener is told about every change of an identity's presence.
// It is called while the registry lock is held, so it must only do
// in-memory bookkeeping and must not call back into the registry.
type PresenceListener interface {
	OnPresenceChange(userID string, online bool)
}

type Registry struct {
	conns    map[string]Conn
	listener PresenceListener
	mu       sync.RWMutex
}

func New(listener PresenceListener) *Registry {
	return &Registry{
		conns:    make(map[string]Conn),
		listener: listener,
	}
}

// Register binds conn to userID and returns the connection it replaced, if
// any. The caller owns closing the returned connection. Registering the
// same connection twice is a no-op.
func (r *Registry) Register(userID string, conn Conn) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.conns[userID]
	if ok && old.ID() == conn.ID() {
		return nil
	}

	r.conns[userID] = conn
	if !ok {
		r.notify(userID, true)
		return nil
	}
	return old
}

// Deregister removes userID's connection only if it is still connID.
// A stale disconnect of a superseded connection therefore never evicts
// its replacement.
func (r *Registry) Deregister(userID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.conns[userID]
	if !ok || cur.ID() != connID {
		return false
	}

	delete(r.conns, userID)
	r.notify(userID, false)
	return true
}

func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[userID]
	return c, ok
}

// Connections returns a copy of all live connections ordered by user id.
func (r *Registry) Connections() []Conn {
	r.mu.RLock()
	result := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		result = append(result, c)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].UserID() < result[j].UserID()
	})
	return result
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) notify(userID string, online bool) {
	if r.listener != nil {
		r.listener.OnPresenceChange(userID, online)
	}
}
