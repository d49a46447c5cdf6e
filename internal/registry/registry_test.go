package registry

import (
	"fmt"
	"sync"
	"testing"

	"chatrelay/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id     string
	userID string

	mu     sync.Mutex
	events []models.ServerEvent
	reason string
}

func newFakeConn(id, userID string) *fakeConn {
	return &fakeConn{id: id, userID: userID}
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.userID }

func (c *fakeConn) Send(evt models.ServerEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *fakeConn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reason = reason
}

type change struct {
	userID string
	online bool
}

type recordingListener struct {
	changes []change
}

func (l *recordingListener) OnPresenceChange(userID string, online bool) {
	l.changes = append(l.changes, change{userID, online})
}

func TestRegistry_RegisterLookupDeregister(t *testing.T) {
	l := &recordingListener{}
	r := New(l)

	c1 := newFakeConn("c1", "alice")
	assert.Nil(t, r.Register("alice", c1))

	got, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, c1, got)
	assert.Equal(t, 1, r.Len())

	assert.True(t, r.Deregister("alice", "c1"))
	_, ok = r.Lookup("alice")
	assert.False(t, ok)

	assert.Equal(t, []change{{"alice", true}, {"alice", false}}, l.changes)
}

func TestRegistry_RegisterIsIdempotentPerConnection(t *testing.T) {
	l := &recordingListener{}
	r := New(l)

	c1 := newFakeConn("c1", "alice")
	assert.Nil(t, r.Register("alice", c1))
	assert.Nil(t, r.Register("alice", c1))

	assert.Len(t, l.changes, 1)
}

func TestRegistry_Supersession(t *testing.T) {
	l := &recordingListener{}
	r := New(l)

	old := newFakeConn("c1", "alice")
	r.Register("alice", old)

	replacement := newFakeConn("c2", "alice")
	superseded := r.Register("alice", replacement)
	assert.Equal(t, old, superseded)

	got, _ := r.Lookup("alice")
	assert.Equal(t, replacement, got)

	// Supersession keeps the identity online, no presence change.
	assert.Equal(t, []change{{"alice", true}}, l.changes)
}

func TestRegistry_StaleDeregisterKeepsNewConnection(t *testing.T) {
	l := &recordingListener{}
	r := New(l)

	r.Register("alice", newFakeConn("old", "alice"))
	r.Register("alice", newFakeConn("new", "alice"))

	// Replayed twice to check idempotence.
	assert.False(t, r.Deregister("alice", "old"))
	assert.False(t, r.Deregister("alice", "old"))

	got, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, "new", got.ID())
	assert.Equal(t, []change{{"alice", true}}, l.changes)
}

func TestRegistry_DeregisterUnknown(t *testing.T) {
	r := New(nil)
	assert.False(t, r.Deregister("nobody", "c1"))
}

func TestRegistry_Connections(t *testing.T) {
	r := New(nil)
	r.Register("carol", newFakeConn("c3", "carol"))
	r.Register("alice", newFakeConn("c1", "alice"))
	r.Register("bob", newFakeConn("c2", "bob"))

	conns := r.Connections()
	require.Len(t, conns, 3)
	assert.Equal(t, "alice", conns[0].UserID())
	assert.Equal(t, "bob", conns[1].UserID())
	assert.Equal(t, "carol", conns[2].UserID())
}

// presenceMirror checks the presence invariant from inside the lock: the
// listener's view must match the registry for every transition.
type presenceMirror struct {
	online map[string]bool
}

func (m *presenceMirror) OnPresenceChange(userID string, online bool) {
	if online {
		m.online[userID] = true
	} else {
		delete(m.online, userID)
	}
}

func TestRegistry_ConcurrentChurnKeepsPresenceConsistent(t *testing.T) {
	m := &presenceMirror{online: make(map[string]bool)}
	r := New(m)

	var wg sync.WaitGroup
	for u := 0; u < 8; u++ {
		userID := fmt.Sprintf("user%d", u)
		for c := 0; c < 4; c++ {
			connID := fmt.Sprintf("%s-conn%d", userID, c)
			wg.Go(func() {
				for i := 0; i < 50; i++ {
					conn := newFakeConn(connID, userID)
					r.Register(userID, conn)
					r.Deregister(userID, connID)
				}
			})
		}
	}
	wg.Wait()

	r.mu.RLock()
	defer r.mu.RUnlock()
	assert.Equal(t, len(r.conns), len(m.online))
	for userID := range r.conns {
		assert.True(t, m.online[userID], userID)
	}
}
