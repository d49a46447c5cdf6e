// Package router persists direct messages and forwards them to the receiver
// when it is online.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"chatrelay/internal/content"
	"chatrelay/internal/models"
	"chatrelay/internal/registry"
	"chatrelay/internal/upload"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrValidation is wrapped by every error caused by a bad request.
	ErrValidation = errors.New("invalid message")

	ErrSelfMessage    = fmt.Errorf("%w: cannot send a message to yourself", ErrValidation)
	ErrEmptyContent   = fmt.Errorf("%w: %w", ErrValidation, content.ErrEmpty)
	ErrContentTooLong = fmt.Errorf("%w: %w", ErrValidation, content.ErrTooLong)
	ErrUnknownKind    = fmt.Errorf("%w: unknown message kind", ErrValidation)
	ErrMissingImage   = fmt.Errorf("%w: image messages require an image token", ErrValidation)

	// ErrPersistence means the message was not stored and not forwarded.
	ErrPersistence = errors.New("failed to send message")
)

type messageStore interface {
	AppendMessage(ctx context.Context, msg models.Message) (models.Message, error)
	MarkDelivered(ctx context.Context, conversationID string, seq int64) error
}

type connLookup interface {
	Lookup(userID string) (registry.Conn, bool)
}

type imageResolver interface {
	Resolve(token, senderID, receiverID string) (upload.Ticket, error)
	Restore(t upload.Ticket)
}

// OfflineNotifier is told about messages whose receiver was not connected.
type OfflineNotifier interface {
	NotifyOffline(ctx context.Context, msg models.Message) error
}

const defaultDeliveryWait = 2 * time.Second

type Config struct {
	Store    messageStore
	Conns    connLookup
	Images   imageResolver
	Notifier OfflineNotifier // optional

	// DeliveryWait is how long Send waits for the receiver's connection to
	// write a forwarded message before reporting it undelivered.
	DeliveryWait time.Duration
	Logger       zerolog.Logger
}

type Router struct {
	store        messageStore
	conns        connLookup
	images       imageResolver
	notifier     OfflineNotifier
	deliveryWait time.Duration
	logger       zerolog.Logger
	now          func() time.Time

	// bg tracks offline notifications and late delivery confirmations.
	bg sync.WaitGroup
}

func New(cfg Config) *Router {
	wait := cfg.DeliveryWait
	if wait <= 0 {
		wait = defaultDeliveryWait
	}
	return &Router{
		store:        cfg.Store,
		conns:        cfg.Conns,
		images:       cfg.Images,
		notifier:     cfg.Notifier,
		deliveryWait: wait,
		logger:       cfg.Logger.With().Str("component", "router").Logger(),
		now:          time.Now,
	}
}

type Request struct {
	SenderID        string
	ReceiverID      string
	Content         string
	Kind            models.MessageKind
	ImageToken      string
	ClientMessageID string

	// Origin is the sender's connection that receives the message_sent
	// echo. When nil the sender's registered connection is used.
	Origin registry.Conn
}

// Send validates, persists and forwards a message. The returned message is
// the persisted one, with Delivered reflecting whether the receiver's
// connection wrote it to the socket.
//
// Storage calls are detached from ctx: once started, a write is allowed to
// finish even if the sender disconnects.
func (r *Router) Send(ctx context.Context, req Request) (models.Message, error) {
	msg, ticket, err := r.build(req)
	if err != nil {
		return models.Message{}, err
	}

	storeCtx := context.WithoutCancel(ctx)
	stored, err := r.store.AppendMessage(storeCtx, msg)
	if err != nil {
		r.logger.Error().Err(err).
			Str("conversation_id", msg.ConversationID).
			Str("sender_id", req.SenderID).
			Msg("failed to persist message")
		// Nothing was stored, so the sender may retry with the same token.
		if ticket != nil {
			r.images.Restore(*ticket)
		}
		return models.Message{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	msg = stored

	msg.Delivered = r.forward(storeCtx, msg)

	origin := req.Origin
	if origin == nil {
		origin, _ = r.conns.Lookup(req.SenderID)
	}
	if origin != nil {
		if err := origin.Send(models.MessageSentEvent(msg, req.ClientMessageID)); err != nil {
			r.logger.Debug().Err(err).Str("conn_id", origin.ID()).Msg("echo not queued")
		}
	}

	if !msg.Delivered {
		r.notifyOffline(storeCtx, msg)
	}

	return msg, nil
}

// Wait blocks until background notifications and delivery confirmations
// have finished.
func (r *Router) Wait() {
	r.bg.Wait()
}

// build validates req and assembles the message to store. For image
// messages it also returns the ticket whose token it consumed.
func (r *Router) build(req Request) (models.Message, *upload.Ticket, error) {
	if err := content.ValidateIdentity(req.SenderID); err != nil {
		return models.Message{}, nil, fmt.Errorf("%w: sender: %w", ErrValidation, err)
	}
	if err := content.ValidateIdentity(req.ReceiverID); err != nil {
		return models.Message{}, nil, fmt.Errorf("%w: receiver: %w", ErrValidation, err)
	}
	if req.SenderID == req.ReceiverID {
		return models.Message{}, nil, ErrSelfMessage
	}

	kind := req.Kind
	if kind == "" {
		kind = models.MessageKindText
	}

	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: models.ConversationID(req.SenderID, req.ReceiverID),
		SenderID:       req.SenderID,
		ReceiverID:     req.ReceiverID,
		Kind:           kind,
		CreatedAt:      r.now().UnixMilli(),
	}

	switch kind {
	case models.MessageKindText:
		text, err := content.NormalizeText(req.Content)
		switch {
		case errors.Is(err, content.ErrEmpty):
			return models.Message{}, nil, ErrEmptyContent
		case errors.Is(err, content.ErrTooLong):
			return models.Message{}, nil, ErrContentTooLong
		case err != nil:
			return models.Message{}, nil, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		msg.Content = text
		if html, err := content.Render(text); err != nil {
			r.logger.Warn().Err(err).Msg("failed to render message")
		} else {
			msg.HTML = html
		}

	case models.MessageKindImage:
		if req.ImageToken == "" {
			return models.Message{}, nil, ErrMissingImage
		}
		caption := strings.TrimSpace(req.Content)
		if utf8.RuneCountInString(caption) > content.MaxTextRunes {
			return models.Message{}, nil, ErrContentTooLong
		}
		t, err := r.images.Resolve(req.ImageToken, req.SenderID, req.ReceiverID)
		if err != nil {
			return models.Message{}, nil, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		if caption == "" {
			caption = t.Caption
		}
		msg.ImageURL = t.URL
		msg.Content = caption
		if msg.Content == "" {
			msg.Content = t.URL
		}
		return msg, &t, nil

	default:
		return models.Message{}, nil, ErrUnknownKind
	}

	return msg, nil, nil
}

// forward hands the message to the receiver's connection and waits for it
// to be written. A receiver that is gone, refuses the event, drops it or
// does not write it in time is a delivery miss, not an error. A write that
// lands after the wait still marks the message delivered.
func (r *Router) forward(ctx context.Context, msg models.Message) bool {
	conn, ok := r.conns.Lookup(msg.ReceiverID)
	if !ok {
		return false
	}

	written := make(chan bool, 1)
	delivered := msg
	delivered.Delivered = true
	evt := models.NewMessageEvent(delivered)
	evt.Written = func(ok bool) { written <- ok }

	if err := conn.Send(evt); err != nil {
		r.logger.Debug().Err(err).
			Str("conn_id", conn.ID()).
			Str("receiver_id", msg.ReceiverID).
			Msg("receiver connection refused message")
		return false
	}

	timer := time.NewTimer(r.deliveryWait)
	defer timer.Stop()

	select {
	case ok := <-written:
		if ok {
			r.markDelivered(ctx, msg)
		}
		return ok
	case <-timer.C:
		r.logger.Debug().
			Str("conn_id", conn.ID()).
			Str("receiver_id", msg.ReceiverID).
			Msg("message not written in time")
		r.bg.Go(func() {
			if <-written {
				r.markDelivered(ctx, msg)
			}
		})
		return false
	}
}

func (r *Router) markDelivered(ctx context.Context, msg models.Message) {
	if err := r.store.MarkDelivered(ctx, msg.ConversationID, msg.Seq); err != nil {
		r.logger.Error().Err(err).
			Str("conversation_id", msg.ConversationID).
			Int64("seq", msg.Seq).
			Msg("failed to mark message delivered")
	}
}

func (r *Router) notifyOffline(ctx context.Context, msg models.Message) {
	if r.notifier == nil {
		return
	}
	r.bg.Go(func() {
		if err := r.notifier.NotifyOffline(ctx, msg); err != nil {
			r.logger.Warn().Err(err).Str("receiver_id", msg.ReceiverID).Msg("offline notification failed")
		}
	})
}
