package notify

import (
	"context"
	"errors"
	"testing"

	kit "wxbot/internal/transport"
	logx "wxbot/pkg/logx"
)

type fakeAdapter struct {
	kit.Adapter

	sent []string
	err  error
}

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if f.err != nil {
		return kit.MessageRef{}, f.err
	}
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

type fakeWebhook struct {
	sent []string
	err  error
}

func (f *fakeWebhook) SendText(ctx context.Context, webhook, text string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, text)
	return nil
}

func TestSendPrimaryOnly(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	wh := &fakeWebhook{}
	d := NewDispatcher(Config{RatePerSec: 100}, ad, wh, logx.Nop())

	ok, err := d.Send(context.Background(), Target{ChatID: 100}, "hello")
	if err != nil || !ok {
		t.Fatalf("Send = (%v, %v)", ok, err)
	}
	if len(ad.sent) != 1 {
		t.Fatalf("primary sends = %d, want 1", len(ad.sent))
	}
	if len(wh.sent) != 0 {
		t.Fatal("webhook called without a configured target")
	}
}

func TestSendWithWebhook(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	wh := &fakeWebhook{}
	d := NewDispatcher(Config{RatePerSec: 100}, ad, wh, logx.Nop())

	ok, err := d.Send(context.Background(), Target{ChatID: 100, Webhook: "tok"}, "hello")
	if err != nil || !ok {
		t.Fatalf("Send = (%v, %v)", ok, err)
	}
	if len(wh.sent) != 1 {
		t.Fatalf("webhook sends = %d, want 1", len(wh.sent))
	}
}

func TestPrimaryFailureIsFalsy(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{err: errors.New("telegram down")}
	wh := &fakeWebhook{}
	d := NewDispatcher(Config{RatePerSec: 100}, ad, wh, logx.Nop())

	ok, err := d.Send(context.Background(), Target{ChatID: 100, Webhook: "tok"}, "hello")
	if err == nil || ok {
		t.Fatalf("Send = (%v, %v), want falsy with error", ok, err)
	}
	if len(wh.sent) != 0 {
		t.Fatal("webhook must not fire when primary send failed")
	}
}

func TestWebhookFailureStaysTruthy(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	wh := &fakeWebhook{err: errors.New("dingtalk down")}
	d := NewDispatcher(Config{RatePerSec: 100}, ad, wh, logx.Nop())

	ok, err := d.Send(context.Background(), Target{ChatID: 100, Webhook: "tok"}, "hello")
	if err != nil || !ok {
		t.Fatalf("Send = (%v, %v), want truthy despite aux failure", ok, err)
	}
}
