// Package notify pushes browser notifications to recipients with no live
// connection. Pushes are best-effort: a failed push is logged and dropped,
// it never blocks or fails message delivery.
package notify

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"relay/internal/models"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const (
	pushTTLSeconds    = 3600
	maxConcurrentPush = 8
	previewRunes      = 120
)

type Store interface {
	GetPushSubscription(userID string) ([]byte, error)
	DeletePushSubscription(userID string) error
}

type Config struct {
	VAPIDPublic  string
	VAPIDPrivate string
	// Contact goes into the VAPID "sub" claim, mailto: or https: URL.
	Contact string
}

func (c Config) Enabled() bool {
	return c.VAPIDPublic != "" && c.VAPIDPrivate != ""
}

// Pusher sends web push notifications for messages that could not be
// delivered live. Safe for concurrent use.
type Pusher struct {
	cfg   Config
	store Store
	log   *slog.Logger
	sem   chan struct{}
}

func NewPusher(cfg Config, store Store, log *slog.Logger) *Pusher {
	if log == nil {
		log = slog.Default()
	}
	return &Pusher{
		cfg:   cfg,
		store: store,
		log:   log,
		sem:   make(chan struct{}, maxConcurrentPush),
	}
}

type payload struct {
	ChatID   string `json:"chatId"`
	SenderID string `json:"senderId"`
	Preview  string `json:"preview"`
}

// Notify pushes a new-message nudge to the user's registered browser
// endpoint, if any. Returns immediately; the push happens in the
// background.
func (p *Pusher) Notify(userID string, message models.Message) {
	if !p.cfg.Enabled() {
		return
	}

	raw, err := p.store.GetPushSubscription(userID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			p.log.Error("failed to load push subscription", "user_id", userID, "error", err)
		}
		return
	}

	var sub webpush.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		p.log.Error("malformed push subscription", "user_id", userID, "error", err)
		return
	}

	preview := []rune(message.Content)
	if len(preview) > previewRunes {
		preview = preview[:previewRunes]
	}
	body, err := json.Marshal(payload{
		ChatID:   message.ChatID,
		SenderID: message.SenderID,
		Preview:  string(preview),
	})
	if err != nil {
		p.log.Error("failed to encode push payload", "error", err)
		return
	}

	select {
	case p.sem <- struct{}{}:
	default:
		// Too many in-flight pushes, drop this one.
		return
	}
	go func() {
		defer func() { <-p.sem }()
		p.send(userID, &sub, body)
	}()
}

func (p *Pusher) send(userID string, sub *webpush.Subscription, body []byte) {
	resp, err := webpush.SendNotification(body, sub, &webpush.Options{
		Subscriber:      p.cfg.Contact,
		VAPIDPublicKey:  p.cfg.VAPIDPublic,
		VAPIDPrivateKey: p.cfg.VAPIDPrivate,
		TTL:             pushTTLSeconds,
	})
	if err != nil {
		p.log.Error("push failed", "user_id", userID, "error", err)
		return
	}
	defer resp.Body.Close()

	// 404/410 mean the browser dropped the subscription.
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		if err := p.store.DeletePushSubscription(userID); err != nil {
			p.log.Error("failed to drop stale push subscription", "user_id", userID, "error", err)
		}
		return
	}
	if resp.StatusCode >= 300 {
		p.log.Warn("push rejected", "user_id", userID, "status", resp.StatusCode)
	}
}
