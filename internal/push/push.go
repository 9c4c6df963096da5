package push

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"palaver/internal/models"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const notificationTTL = 60 // seconds

// SubscriptionStore persists browser push subscriptions.
type SubscriptionStore interface {
	UpsertPushSubscription(userID string, subscription []byte) error
	ListPushSubscriptions() (map[string][]byte, error)
}

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	// Contact is the VAPID subscriber, usually a mailto: address.
	Contact string
}

// Service sends Web Push notifications for new messages to subscribed users
// who have no live connection. Delivery is best-effort: failures are logged
// and never affect message dispatch.
type Service struct {
	cfg    Config
	store  SubscriptionStore
	logger *slog.Logger
}

func NewService(cfg Config, store SubscriptionStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cfg: cfg, store: store, logger: logger}
}

// Enabled reports whether VAPID keys are configured.
func (s *Service) Enabled() bool {
	return s.cfg.VAPIDPublicKey != "" && s.cfg.VAPIDPrivateKey != ""
}

// PublicKey returns the VAPID public key clients need to subscribe.
func (s *Service) PublicKey() string {
	return s.cfg.VAPIDPublicKey
}

// Subscribe validates and stores a browser subscription for the user.
func (s *Service) Subscribe(userID string, subscription []byte) error {
	var sub webpush.Subscription
	if err := json.Unmarshal(subscription, &sub); err != nil {
		return fmt.Errorf("invalid push subscription: %w", err)
	}
	if sub.Endpoint == "" {
		return errors.New("push subscription missing endpoint")
	}
	return s.store.UpsertPushSubscription(userID, subscription)
}

// NotifyNewMessage pushes a notification for msg to every subscribed user who
// is neither the sender nor in the online set.
func (s *Service) NotifyNewMessage(msg models.Message, online map[string]struct{}) {
	if !s.Enabled() {
		return
	}

	subs, err := s.store.ListPushSubscriptions()
	if err != nil {
		s.logger.Error("failed to list push subscriptions", "error", err)
		return
	}

	payload, err := json.Marshal(map[string]string{
		"title": msg.Sender,
		"body":  msg.Body,
	})
	if err != nil {
		s.logger.Error("failed to encode push payload", "error", err)
		return
	}

	for userID, raw := range subs {
		if userID == msg.SenderID {
			continue
		}
		if _, ok := online[userID]; ok {
			continue
		}

		var sub webpush.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			s.logger.Warn("skipping corrupt push subscription", "user_id", userID, "error", err)
			continue
		}

		go s.send(userID, &sub, payload)
	}
}

func (s *Service) send(userID string, sub *webpush.Subscription, payload []byte) {
	resp, err := webpush.SendNotification(payload, sub, &webpush.Options{
		Subscriber:      s.cfg.Contact,
		VAPIDPublicKey:  s.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: s.cfg.VAPIDPrivateKey,
		TTL:             notificationTTL,
	})
	if err != nil {
		s.logger.Warn("push delivery failed", "user_id", userID, "error", err)
		return
	}
	_ = resp.Body.Close()
}
