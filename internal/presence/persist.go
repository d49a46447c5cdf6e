package presence

import "context"

type presenceStore interface {
	SetPresence(ctx context.Context, userID string, online bool, lastSeen int64) error
}

// Persister mirrors deltas into the persisted user profiles, which back
// the HTTP presence bootstrap.
type Persister struct {
	store presenceStore
}

func NewPersister(store presenceStore) *Persister {
	return &Persister{store: store}
}

func (p *Persister) PresenceChanged(ctx context.Context, d Delta) error {
	return p.store.SetPresence(context.WithoutCancel(ctx), d.UserID, d.Online, d.At.Unix())
}
