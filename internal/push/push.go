// Package push sends web push notifications for messages whose receiver
// was not connected.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"

	"chatrelay/internal/models"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog"
)

const previewRunes = 120

type subscriptionStore interface {
	ListPushSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, userID, endpoint string) error
}

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	TTL             int // seconds the push service may hold the notification
}

type Notifier struct {
	store  subscriptionStore
	opts   webpush.Options
	logger zerolog.Logger
}

// Payload is what the service worker receives.
type Payload struct {
	Type           string             `json:"type"`
	MessageID      string             `json:"messageId"`
	ConversationID string             `json:"conversationId"`
	SenderID       string             `json:"senderId"`
	Kind           models.MessageKind `json:"kind"`
	Preview        string             `json:"preview"`
}

func NewNotifier(cfg Config, store subscriptionStore, logger zerolog.Logger) *Notifier {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * 60 * 60
	}
	return &Notifier{
		store: store,
		opts: webpush.Options{
			Subscriber:      cfg.Subscriber,
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
			TTL:             ttl,
			Urgency:         webpush.UrgencyNormal,
		},
		logger: logger.With().Str("component", "push").Logger(),
	}
}

func (n *Notifier) PublicKey() string {
	return n.opts.VAPIDPublicKey
}

func NewPayload(msg models.Message) Payload {
	preview := msg.Content
	if msg.Kind == models.MessageKindImage && msg.Content == msg.ImageURL {
		preview = ""
	}
	if utf8.RuneCountInString(preview) > previewRunes {
		preview = string([]rune(preview)[:previewRunes]) + "…"
	}
	return Payload{
		Type:           string(models.ServerEventNewMessage),
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Kind:           msg.Kind,
		Preview:        preview,
	}
}

// NotifyOffline pushes msg to every subscription of its receiver.
// Subscriptions the push service reports as gone are deleted.
func (n *Notifier) NotifyOffline(ctx context.Context, msg models.Message) error {
	subs, err := n.store.ListPushSubscriptions(ctx, msg.ReceiverID)
	if err != nil {
		return fmt.Errorf("failed to list push subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	payload, err := json.Marshal(NewPayload(msg))
	if err != nil {
		return err
	}

	var errs []error
	for _, sub := range subs {
		if err := n.send(ctx, payload, sub); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *Notifier) send(ctx context.Context, payload []byte, sub models.PushSubscription) error {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &n.opts)
	if err != nil {
		return fmt.Errorf("push to %s: %w", sub.Endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		n.logger.Info().Str("user_id", sub.UserID).Str("endpoint", sub.Endpoint).Msg("removing expired push subscription")
		return n.store.DeletePushSubscription(ctx, sub.UserID, sub.Endpoint)
	case resp.StatusCode >= 400:
		return fmt.Errorf("push to %s: unexpected status %d", sub.Endpoint, resp.StatusCode)
	}
	return nil
}
