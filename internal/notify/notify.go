// Package notify delivers operator-facing notifications (cycle completed,
// safety stop). Delivery is best-effort: a failed notification is logged and
// never fails the operation that produced it.
package notify

import (
	"context"

	. "github.com/roelfdiedericks/hottubd/internal/logging"
	"github.com/roelfdiedericks/hottubd/internal/webhook"
)

// Notifier delivers one message to the operator.
type Notifier interface {
	Notify(ctx context.Context, message string)
}

// LogNotifier writes notifications to the daemon log only.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, message string) {
	L_info("notify: " + message)
}

// WebhookNotifier fires the configured notification event. The recipe behind
// the event owns the delivery channel (phone push, etc.); the message text is
// kept in the daemon log.
type WebhookNotifier struct {
	hooks webhook.Client
	event string
}

// NewWebhookNotifier creates a webhook-backed notifier for the given event.
func NewWebhookNotifier(hooks webhook.Client, event string) *WebhookNotifier {
	return &WebhookNotifier{hooks: hooks, event: event}
}

func (n *WebhookNotifier) Notify(ctx context.Context, message string) {
	L_info("notify: " + message)
	if n.event == "" {
		return
	}
	if err := n.hooks.Trigger(ctx, n.event); err != nil {
		L_warn("notify: webhook dispatch failed", "event", n.event, "error", err)
	}
}

// Multi fans a notification out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, message string) {
	for _, n := range m {
		n.Notify(ctx, message)
	}
}

// Recorder captures notifications for assertions. Tests only.
type Recorder struct {
	Messages []string
}

func (r *Recorder) Notify(_ context.Context, message string) {
	r.Messages = append(r.Messages, message)
}
