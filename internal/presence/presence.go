// Package presence keeps the canonical set of online identities and
// broadcasts its changes to every connected client.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatrelay/internal/models"
	"chatrelay/internal/registry"

	"github.com/rs/zerolog"
)

// Delta is one presence transition. Seq is strictly increasing across all
// identities, so deltas for one identity are totally ordered.
type Delta struct {
	Seq    uint64
	UserID string
	Online bool
	At     time.Time
}

// Observer receives every delta after it has been broadcast, in order.
type Observer interface {
	PresenceChanged(ctx context.Context, d Delta) error
}

type connSource interface {
	Connections() []registry.Conn
}

// observerTimeout bounds a single observer call so a slow mirror cannot
// hold back later broadcasts.
const observerTimeout = 2 * time.Second

// snapshot is the online set as of delta seq.
type snapshot struct {
	seq    uint64
	users  []string
	target registry.Conn // nil means every connection
}

// update is one entry of the broadcast queue: either a delta or a snapshot.
type update struct {
	delta Delta
	snap  *snapshot
}

type Tracker struct {
	online  map[string]struct{}
	pending []update
	seq     uint64

	// awaiting maps a connection id to the seq of the newest snapshot queued
	// for it. Older deltas are already part of that snapshot and are not
	// sent to it again.
	awaiting  map[string]uint64
	conns     connSource
	observers []Observer
	notify    chan struct{}
	now       func() time.Time
	logger    zerolog.Logger
	mu        sync.Mutex
}

func NewTracker(logger zerolog.Logger, observers ...Observer) *Tracker {
	return &Tracker{
		online:    make(map[string]struct{}),
		awaiting:  make(map[string]uint64),
		observers: observers,
		notify:    make(chan struct{}, 1),
		now:       time.Now,
		logger:    logger.With().Str("component", "presence").Logger(),
	}
}

// Bind sets the source of connections deltas and snapshots are pushed to.
// It must be called before Run.
func (t *Tracker) Bind(src connSource) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns = src
}

// OnPresenceChange implements registry.PresenceListener. It only updates
// memory and queues the delta; broadcasting happens in Run.
func (t *Tracker) OnPresenceChange(userID string, online bool) {
	t.mu.Lock()
	_, was := t.online[userID]
	if was == online {
		t.mu.Unlock()
		return
	}
	if online {
		t.online[userID] = struct{}{}
	} else {
		delete(t.online, userID)
	}
	t.seq++
	t.pending = append(t.pending, update{delta: Delta{
		Seq:    t.seq,
		UserID: userID,
		Online: online,
		At:     t.now(),
	}})
	t.mu.Unlock()

	t.wake()
}

// Snapshot returns the sorted list of online identities.
func (t *Tracker) Snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sortedOnline()
}

// SnapshotTo queues the current online set for conn. It is delivered by Run
// in order with the deltas, so conn never sees a delta older than the
// snapshot after it.
func (t *Tracker) SnapshotTo(conn registry.Conn) {
	t.mu.Lock()
	t.pending = append(t.pending, update{snap: &snapshot{
		seq:    t.seq,
		users:  t.sortedOnline(),
		target: conn,
	}})
	t.awaiting[conn.ID()] = t.seq
	t.mu.Unlock()

	t.wake()
}

// PushSnapshot queues the current online set for every live connection.
func (t *Tracker) PushSnapshot() {
	t.mu.Lock()
	t.pending = append(t.pending, update{snap: &snapshot{
		seq:   t.seq,
		users: t.sortedOnline(),
	}})
	t.mu.Unlock()

	t.wake()
}

func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.online[userID]
	return ok
}

// Run broadcasts queued deltas and snapshots in the order they were queued
// until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	for {
		select {
		case <-t.notify:
		case <-ctx.Done():
			return nil
		}

		for _, u := range t.takePending() {
			if u.snap != nil {
				t.deliverSnapshot(u.snap)
				continue
			}
			t.BroadcastDelta(u.delta)
			t.observe(ctx, u.delta)
		}
	}
}

func (t *Tracker) observe(ctx context.Context, d Delta) {
	for _, o := range t.observers {
		octx, cancel := context.WithTimeout(ctx, observerTimeout)
		err := o.PresenceChanged(octx, d)
		cancel()
		if err != nil {
			t.logger.Warn().Err(err).Str("user_id", d.UserID).Uint64("seq", d.Seq).Msg("presence observer failed")
		}
	}
}

// BroadcastDelta pushes a user_status_change event to every live connection
// that is not waiting for a newer snapshot.
func (t *Tracker) BroadcastDelta(d Delta) {
	evt := models.UserStatusChangeEvent(d.UserID, d.Online)
	for _, c := range t.connections() {
		if t.covered(c.ID(), d.Seq) {
			continue
		}
		if err := c.Send(evt); err != nil {
			t.logger.Debug().Err(err).Str("conn_id", c.ID()).Msg("status change not queued")
		}
	}
}

func (t *Tracker) deliverSnapshot(s *snapshot) {
	evt := models.OnlineUsersEvent(s.users)

	if s.target != nil {
		id := s.target.ID()
		t.mu.Lock()
		if t.awaiting[id] == s.seq {
			delete(t.awaiting, id)
		}
		t.mu.Unlock()

		if err := s.target.Send(evt); err != nil {
			t.logger.Debug().Err(err).Str("conn_id", id).Msg("snapshot not queued")
		}
		return
	}

	for _, c := range t.connections() {
		if err := c.Send(evt); err != nil {
			t.logger.Debug().Err(err).Str("conn_id", c.ID()).Msg("snapshot not queued")
		}
	}
}

func (t *Tracker) covered(connID string, seq uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	snapSeq, ok := t.awaiting[connID]
	return ok && seq <= snapSeq
}

// Reconcile periodically pushes snapshots as a backstop against missed
// deltas. A non-positive interval disables it.
func (t *Tracker) Reconcile(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.PushSnapshot()
		case <-ctx.Done():
			return nil
		}
	}
}

func (t *Tracker) takePending() []update {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.pending
	t.pending = nil
	return p
}

func (t *Tracker) wake() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// sortedOnline must be called with mu held.
func (t *Tracker) sortedOnline() []string {
	users := make([]string, 0, len(t.online))
	for id := range t.online {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

func (t *Tracker) connections() []registry.Conn {
	t.mu.Lock()
	src := t.conns
	t.mu.Unlock()
	if src == nil {
		return nil
	}
	return src.Connections()
}
