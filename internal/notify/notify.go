// Package notify delivers one notification text to a chat's channels.
//
// The primary channel governs the truthy contract: Send reports true only
// when the primary delivery succeeded. The auxiliary webhook channel is
// best-effort. Callers wrap Send with a memo cache to get windowed
// send-deduplication.
package notify

import (
	"context"

	"golang.org/x/time/rate"

	kit "wxbot/internal/transport"
	logx "wxbot/pkg/logx"
)

type Config struct {
	RatePerSec int
}

// Target addresses one notification.
type Target struct {
	ChatID  int64
	Webhook string // auxiliary channel token/URL, empty if not configured
}

type Dispatcher struct {
	adapter kit.Adapter
	webhook WebhookSender
	limiter *rate.Limiter
	log     logx.Logger
}

// WebhookSender posts a text to an auxiliary webhook channel.
type WebhookSender interface {
	SendText(ctx context.Context, webhook, text string) error
}

func NewDispatcher(cfg Config, adapter kit.Adapter, webhook WebhookSender, log logx.Logger) *Dispatcher {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 3
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		adapter: adapter,
		webhook: webhook,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log,
	}
}

// Send delivers text to the target. The returned bool is true only when
// the primary chat send succeeded; an auxiliary failure is logged and does
// not affect it.
func (d *Dispatcher) Send(ctx context.Context, to Target, text string) (bool, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return false, err
	}

	if _, err := d.adapter.SendText(ctx, kit.ChatTarget{ChatID: to.ChatID}, text, nil); err != nil {
		return false, err
	}

	if to.Webhook != "" && d.webhook != nil {
		if err := d.webhook.SendText(ctx, to.Webhook, text); err != nil {
			d.log.Warn("auxiliary webhook send failed",
				logx.Int64("chat", to.ChatID), logx.Err(err))
		}
	}
	return true, nil
}
