// Package notify delivers Web Push notifications to a user's subscriptions.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"

	"github.com/tariel-x/callsignal/internal/models"
)

const pushTTL = 30

type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

type Subscriptions interface {
	PushSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, id string) error
}

type Notification struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data,omitempty"`
}

type Report struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Removed int `json:"removed"`
}

type sendFunc func(payload []byte, s *webpush.Subscription, o *webpush.Options) (*http.Response, error)

type Notifier struct {
	subs   Subscriptions
	vapid  VAPIDKeys
	send   sendFunc
	logger *slog.Logger
}

func NewNotifier(subs Subscriptions, vapid VAPIDKeys, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		subs:   subs,
		vapid:  vapid,
		send:   webpush.SendNotification,
		logger: logger,
	}
}

func (n *Notifier) PublicKey() string {
	return n.vapid.PublicKey
}

// Notify pushes note to every subscription of userID. Subscriptions the push
// service reports as gone are deleted.
func (n *Notifier) Notify(ctx context.Context, userID string, note Notification) (Report, error) {
	var rep Report

	subs, err := n.subs.PushSubscriptions(ctx, userID)
	if err != nil {
		return rep, err
	}

	payload, err := json.Marshal(note)
	if err != nil {
		return rep, fmt.Errorf("encode notification: %w", err)
	}

	for _, sub := range subs {
		resp, err := n.send(payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: sub.P256DH,
				Auth:   sub.Auth,
			},
		}, &webpush.Options{
			Subscriber:      n.vapid.Subject,
			VAPIDPublicKey:  n.vapid.PublicKey,
			VAPIDPrivateKey: n.vapid.PrivateKey,
			TTL:             pushTTL,
		})
		if err != nil {
			rep.Failed++
			n.logger.Warn("push send failed", "user_id", userID, "subscription_id", sub.ID, "error", err)
			continue
		}
		status := resp.StatusCode
		_ = resp.Body.Close()

		switch {
		case status == http.StatusGone || status == http.StatusNotFound:
			rep.Failed++
			if err := n.subs.DeletePushSubscription(ctx, sub.ID); err != nil {
				n.logger.Warn("could not delete stale subscription", "subscription_id", sub.ID, "error", err)
				continue
			}
			rep.Removed++
			n.logger.Info("stale push subscription removed", "user_id", userID, "subscription_id", sub.ID, "status", status)
		case status >= 300:
			rep.Failed++
			n.logger.Warn("push service rejected notification", "user_id", userID, "subscription_id", sub.ID, "status", status)
		default:
			rep.Sent++
		}
	}

	n.logger.Debug("push delivered", "user_id", userID, "sent", rep.Sent, "failed", rep.Failed, "removed", rep.Removed)
	return rep, nil
}
