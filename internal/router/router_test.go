package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"chatrelay/internal/models"
	"chatrelay/internal/outbox"
	"chatrelay/internal/registry"
	"chatrelay/internal/storage"
	"chatrelay/internal/upload"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id, userID string

	mu      sync.Mutex
	events  []models.ServerEvent
	sendErr error
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.userID }
func (c *fakeConn) Close(string)   {}

func (c *fakeConn) Send(evt models.ServerEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.events = append(c.events, evt)
	evt.Settle(true)
	return nil
}

// queuedConn holds events like a connection whose writer is stalled.
type queuedConn struct {
	id, userID string
	box        *outbox.Outbox[models.ServerEvent]
}

func newQueuedConn(userID string, size int) *queuedConn {
	box := outbox.New[models.ServerEvent](size, outbox.PolicyDropOldest)
	box.OnDrop(func(evt models.ServerEvent) { evt.Settle(false) })
	return &queuedConn{id: userID + "-queued", userID: userID, box: box}
}

func (c *queuedConn) ID() string     { return c.id }
func (c *queuedConn) UserID() string { return c.userID }
func (c *queuedConn) Close(string)   {}

func (c *queuedConn) Send(evt models.ServerEvent) error { return c.box.Push(evt) }

// flush writes everything queued.
func (c *queuedConn) flush() {
	for _, evt := range c.box.Drain() {
		evt.Settle(true)
	}
}

// discard closes the connection without writing what is queued.
func (c *queuedConn) discard() {
	c.box.Close()
	for _, evt := range c.box.Drain() {
		evt.Settle(false)
	}
}

func (c *fakeConn) eventsOf(typ models.ServerEventType) []models.ServerEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.ServerEvent
	for _, e := range c.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type failingStore struct {
	*storage.MemoryStorage
}

func (failingStore) AppendMessage(context.Context, models.Message) (models.Message, error) {
	return models.Message{}, errors.New("disk full")
}

type cancelCheckingStore struct {
	*storage.MemoryStorage
	ctxErr error
}

func (s *cancelCheckingStore) AppendMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	s.ctxErr = ctx.Err()
	return s.MemoryStorage.AppendMessage(ctx, msg)
}

type fakeImages struct {
	tickets map[string]upload.Ticket
}

func (f *fakeImages) Resolve(token, senderID, receiverID string) (upload.Ticket, error) {
	t, ok := f.tickets[token]
	if !ok {
		return upload.Ticket{}, upload.ErrUnknownToken
	}
	if t.SenderID != senderID || t.ReceiverID != receiverID {
		return upload.Ticket{}, upload.ErrTokenMismatch
	}
	delete(f.tickets, token)
	return t, nil
}

func (f *fakeImages) Restore(t upload.Ticket) {
	f.tickets[t.Token] = t
}

type fakeNotifier struct {
	ch chan models.Message
}

func (n *fakeNotifier) NotifyOffline(_ context.Context, msg models.Message) error {
	n.ch <- msg
	return nil
}

type fixture struct {
	router   *Router
	store    *storage.MemoryStorage
	reg      *registry.Registry
	images   *fakeImages
	notifier *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    storage.NewMemoryStorage(),
		reg:      registry.New(nil),
		images:   &fakeImages{tickets: map[string]upload.Ticket{}},
		notifier: &fakeNotifier{ch: make(chan models.Message, 10)},
	}
	f.router = New(Config{
		Store:    f.store,
		Conns:    f.reg,
		Images:   f.images,
		Notifier: f.notifier,
		Logger:   zerolog.Nop(),
	})
	return f
}

func (f *fixture) connect(userID string) *fakeConn {
	c := &fakeConn{id: userID + "-conn", userID: userID}
	f.reg.Register(userID, c)
	return c
}

func (f *fixture) history(t *testing.T, a, b string) []models.Message {
	t.Helper()
	msgs, err := f.store.ListMessages(context.Background(), models.ConversationID(a, b), 0, 100)
	require.NoError(t, err)
	return msgs
}

func TestSend_ReceiverOnline(t *testing.T) {
	f := newFixture(t)
	alice := f.connect("alice")
	bob := f.connect("bob")

	msg, err := f.router.Send(context.Background(), Request{
		SenderID:        "alice",
		ReceiverID:      "bob",
		Content:         "hi",
		Kind:            models.MessageKindText,
		ClientMessageID: "tmp-1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.NotZero(t, msg.CreatedAt)
	assert.Equal(t, int64(1), msg.Seq)
	assert.True(t, msg.Delivered)
	assert.Equal(t, "<p>hi</p>", msg.HTML)

	received := bob.eventsOf(models.ServerEventNewMessage)
	require.Len(t, received, 1)
	assert.Equal(t, "hi", received[0].Message.Content)
	assert.Equal(t, msg.ID, received[0].Message.ID)

	echoed := alice.eventsOf(models.ServerEventMessageSent)
	require.Len(t, echoed, 1)
	assert.Equal(t, msg, *echoed[0].Message)
	assert.Equal(t, "tmp-1", echoed[0].ClientMessageID)

	history := f.history(t, "bob", "alice")
	require.Len(t, history, 1)
	assert.True(t, history[0].Delivered)

	f.router.Wait()
	assert.Empty(t, f.notifier.ch)
}

func TestSend_ReceiverOffline(t *testing.T) {
	f := newFixture(t)
	alice := f.connect("alice")

	msg, err := f.router.Send(context.Background(), Request{SenderID: "alice", ReceiverID: "bob", Content: "hi"})
	require.NoError(t, err)
	assert.False(t, msg.Delivered)
	assert.Equal(t, models.MessageKindText, msg.Kind)

	require.Len(t, alice.eventsOf(models.ServerEventMessageSent), 1)

	history := f.history(t, "alice", "bob")
	require.Len(t, history, 1)
	assert.False(t, history[0].Delivered)

	f.router.Wait()
	require.Len(t, f.notifier.ch, 1)
	assert.Equal(t, msg.ID, (<-f.notifier.ch).ID)
}

func TestSend_ForwardFailureDegradesToOffline(t *testing.T) {
	f := newFixture(t)
	f.connect("alice")
	bob := &fakeConn{id: "b1", userID: "bob", sendErr: errors.New("outbox closed")}
	f.reg.Register("bob", bob)

	msg, err := f.router.Send(context.Background(), Request{SenderID: "alice", ReceiverID: "bob", Content: "hi"})
	require.NoError(t, err)
	assert.False(t, msg.Delivered)

	history := f.history(t, "alice", "bob")
	require.Len(t, history, 1)
	assert.False(t, history[0].Delivered)
}

func TestSend_PersistenceFailureForwardsNothing(t *testing.T) {
	f := newFixture(t)
	alice := f.connect("alice")
	bob := f.connect("bob")

	r := New(Config{
		Store:  failingStore{storage.NewMemoryStorage()},
		Conns:  f.reg,
		Images: f.images,
		Logger: zerolog.Nop(),
	})

	_, err := r.Send(context.Background(), Request{SenderID: "alice", ReceiverID: "bob", Content: "hi"})
	assert.ErrorIs(t, err, ErrPersistence)
	assert.False(t, errors.Is(err, ErrValidation))

	assert.Empty(t, bob.events)
	assert.Empty(t, alice.events)
}

func TestSend_PersistenceFailureKeepsImageToken(t *testing.T) {
	f := newFixture(t)
	f.connect("alice")
	f.images.tickets["tok"] = upload.Ticket{Token: "tok", URL: "http://relay.test/images/abc", SenderID: "alice", ReceiverID: "bob"}
	req := Request{SenderID: "alice", ReceiverID: "bob", Kind: models.MessageKindImage, ImageToken: "tok"}

	failing := New(Config{
		Store:  failingStore{storage.NewMemoryStorage()},
		Conns:  f.reg,
		Images: f.images,
		Logger: zerolog.Nop(),
	})
	_, err := failing.Send(context.Background(), req)
	require.ErrorIs(t, err, ErrPersistence)

	// Storage recovered: the same token still works, once.
	msg, err := f.router.Send(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "http://relay.test/images/abc", msg.ImageURL)

	_, err = f.router.Send(context.Background(), req)
	assert.ErrorIs(t, err, upload.ErrUnknownToken)
}

func TestSend_DroppedBeforeWriteIsNotDelivered(t *testing.T) {
	f := newFixture(t)
	f.router.deliveryWait = 20 * time.Millisecond
	bob := newQueuedConn("bob", 1)
	f.reg.Register("bob", bob)

	first, err := f.router.Send(context.Background(), Request{SenderID: "alice", ReceiverID: "bob", Content: "first"})
	require.NoError(t, err)
	assert.False(t, first.Delivered)

	// Evicts "first" from the full queue.
	second, err := f.router.Send(context.Background(), Request{SenderID: "alice", ReceiverID: "bob", Content: "second"})
	require.NoError(t, err)
	assert.False(t, second.Delivered)

	// The stalled writer catches up with what is left.
	bob.flush()
	f.router.Wait()

	history := f.history(t, "alice", "bob")
	require.Len(t, history, 2)
	assert.Equal(t, "first", history[0].Content)
	assert.False(t, history[0].Delivered)
	assert.Equal(t, "second", history[1].Content)
	assert.True(t, history[1].Delivered)
}

func TestSend_DiscardedOnCloseIsNotDelivered(t *testing.T) {
	f := newFixture(t)
	f.router.deliveryWait = 20 * time.Millisecond
	bob := newQueuedConn("bob", 4)
	f.reg.Register("bob", bob)

	msg, err := f.router.Send(context.Background(), Request{SenderID: "alice", ReceiverID: "bob", Content: "hi"})
	require.NoError(t, err)
	assert.False(t, msg.Delivered)

	bob.discard()
	f.router.Wait()

	history := f.history(t, "alice", "bob")
	require.Len(t, history, 1)
	assert.False(t, history[0].Delivered)

	// Undelivered after the wait, so the receiver gets a push.
	require.Len(t, f.notifier.ch, 1)
}

func TestSend_PersistsAfterSenderCancelled(t *testing.T) {
	store := &cancelCheckingStore{MemoryStorage: storage.NewMemoryStorage()}
	r := New(Config{Store: store, Conns: registry.New(nil), Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Send(ctx, Request{SenderID: "alice", ReceiverID: "bob", Content: "hi"})
	require.NoError(t, err)
	assert.NoError(t, store.ctxErr)
}

func TestSend_Validation(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{"self", Request{SenderID: "alice", ReceiverID: "alice", Content: "hi"}, ErrSelfMessage},
		{"empty", Request{SenderID: "alice", ReceiverID: "bob", Content: "   "}, ErrEmptyContent},
		{"too long", Request{SenderID: "alice", ReceiverID: "bob", Content: strings.Repeat("x", 4001)}, ErrContentTooLong},
		{"unknown kind", Request{SenderID: "alice", ReceiverID: "bob", Content: "hi", Kind: "video"}, ErrUnknownKind},
		{"image without token", Request{SenderID: "alice", ReceiverID: "bob", Kind: models.MessageKindImage}, ErrMissingImage},
		{"image unknown token", Request{SenderID: "alice", ReceiverID: "bob", Kind: models.MessageKindImage, ImageToken: "nope"}, upload.ErrUnknownToken},
		{"bad receiver", Request{SenderID: "alice", ReceiverID: "b~b", Content: "hi"}, ErrValidation},
		{"empty sender", Request{ReceiverID: "bob", Content: "hi"}, ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			bob := f.connect("bob")

			_, err := f.router.Send(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, ErrValidation)

			assert.Empty(t, bob.events)
			assert.Empty(t, f.history(t, "alice", "bob"))
		})
	}
}

func TestSend_Image(t *testing.T) {
	f := newFixture(t)
	bob := f.connect("bob")
	f.images.tickets["tok"] = upload.Ticket{
		Token:      "tok",
		URL:        "http://relay.test/images/abc",
		SenderID:   "alice",
		ReceiverID: "bob",
		Caption:    "from upload",
	}

	msg, err := f.router.Send(context.Background(), Request{
		SenderID:   "alice",
		ReceiverID: "bob",
		Kind:       models.MessageKindImage,
		ImageToken: "tok",
	})
	require.NoError(t, err)
	assert.Equal(t, models.MessageKindImage, msg.Kind)
	assert.Equal(t, "http://relay.test/images/abc", msg.ImageURL)
	assert.Equal(t, "from upload", msg.Content)
	assert.Empty(t, msg.HTML)

	received := bob.eventsOf(models.ServerEventNewMessage)
	require.Len(t, received, 1)
	assert.Equal(t, msg.ImageURL, received[0].Message.ImageURL)

	// Tokens are single use.
	_, err = f.router.Send(context.Background(), Request{
		SenderID:   "alice",
		ReceiverID: "bob",
		Kind:       models.MessageKindImage,
		ImageToken: "tok",
	})
	assert.ErrorIs(t, err, upload.ErrUnknownToken)
}

func TestSend_ImageWithoutCaptionUsesURL(t *testing.T) {
	f := newFixture(t)
	f.images.tickets["tok"] = upload.Ticket{URL: "http://relay.test/images/abc", SenderID: "alice", ReceiverID: "bob"}

	msg, err := f.router.Send(context.Background(), Request{
		SenderID:   "alice",
		ReceiverID: "bob",
		Kind:       models.MessageKindImage,
		ImageToken: "tok",
	})
	require.NoError(t, err)
	assert.Equal(t, msg.ImageURL, msg.Content)
}

func TestSend_ExplicitOriginGetsEcho(t *testing.T) {
	f := newFixture(t)
	registered := f.connect("alice")
	origin := &fakeConn{id: "other", userID: "alice"}

	_, err := f.router.Send(context.Background(), Request{SenderID: "alice", ReceiverID: "bob", Content: "hi", Origin: origin})
	require.NoError(t, err)

	assert.Len(t, origin.eventsOf(models.ServerEventMessageSent), 1)
	assert.Empty(t, registered.events)
}
