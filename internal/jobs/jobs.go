// Package jobs holds the bodies executed when triggers fire.
//
// Delivery is wrapped in windowed memoization so a re-fired trigger inside
// the window cannot double-send: forecasts dedup per chat for an hour,
// warnings per chat for a day. Only a confirmed send populates the window,
// so a failed delivery stays retryable on the next firing.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"wxbot/internal/memo"
	"wxbot/internal/notify"
	"wxbot/internal/store"
	"wxbot/internal/userdb"
	"wxbot/internal/weather"
	logx "wxbot/pkg/logx"
)

// Sender is the slice of the notification dispatcher the jobs use.
type Sender interface {
	Send(ctx context.Context, to notify.Target, text string) (bool, error)
}

type delivery struct {
	chatID string
	target notify.Target
	text   string
}

type Service struct {
	users *userdb.DB
	wx    weather.Provider
	log   logx.Logger

	forecastDedup *memo.Cache
	warningDedup  *memo.Cache

	sendForecast func(ctx context.Context, d delivery) (bool, error)
	sendWarning  func(ctx context.Context, d delivery) (bool, error)
}

// New wires the job bodies. forecastDedup and warningDedup carry the
// per-kind windows (an hour and a day by default).
func New(users *userdb.DB, wx weather.Provider, out Sender, forecastDedup, warningDedup *memo.Cache, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		users:         users,
		wx:            wx,
		log:           log,
		forecastDedup: forecastDedup,
		warningDedup:  warningDedup,
	}
	send := func(ctx context.Context, d delivery) (bool, error) {
		return out.Send(ctx, d.target, d.text)
	}
	// Dedup keys on the chat, not the text: a reworded warning for the
	// same chat inside the window is still the same notification.
	s.sendForecast = memo.Wrap(forecastDedup, "send.forecast", func(d delivery) string { return d.chatID }, send)
	s.sendWarning = memo.Wrap(warningDedup, "send.warning", func(d delivery) string { return d.chatID }, send)
	return s
}

// RunEntry executes one per-chat trigger firing.
func (s *Service) RunEntry(ctx context.Context, e store.Entry) error {
	chat, err := s.users.Chat(ctx, e.ChatID)
	if errors.Is(err, userdb.ErrNotFound) {
		s.log.Warn("trigger fired for unknown chat", logx.String("chat", e.ChatID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load chat %s: %w", e.ChatID, err)
	}
	if !chat.Enabled {
		s.log.Debug("chat disabled, skipping firing", logx.String("chat", e.ChatID))
		return nil
	}
	switch e.Kind {
	case store.KindWarning:
		return s.deliverWarning(ctx, chat)
	default:
		return s.deliverForecast(ctx, chat)
	}
}

// RunForecastSweep prunes expired forecast dedup state.
func (s *Service) RunForecastSweep(ctx context.Context) error {
	if n := s.forecastDedup.Sweep(); n > 0 {
		s.log.Debug("forecast dedup swept", logx.Int("expired", n))
	}
	return nil
}

// RunWarningSweep polls active weather warnings for every enabled chat.
// Warnings are event-driven rather than hour-subscribed, so this fleet
// sweep is their only delivery path; the per-chat day window keeps a
// long-lived warning from repeating every hour.
func (s *Service) RunWarningSweep(ctx context.Context) error {
	if n := s.warningDedup.Sweep(); n > 0 {
		s.log.Debug("warning dedup swept", logx.Int("expired", n))
	}

	chats, err := s.users.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("list enabled chats: %w", err)
	}

	var errs []error
	for _, chat := range chats {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.deliverWarning(ctx, chat); err != nil {
			errs = append(errs, fmt.Errorf("chat %s: %w", chat.ChatID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) deliverForecast(ctx context.Context, chat userdb.Chat) error {
	text, err := s.composeForecast(ctx, chat)
	if err != nil {
		return err
	}
	if text == "" {
		return nil
	}
	return s.deliver(ctx, s.sendForecast, chat, text)
}

func (s *Service) deliverWarning(ctx context.Context, chat userdb.Chat) error {
	text, err := s.composeWarning(ctx, chat)
	if err != nil {
		return err
	}
	if text == "" {
		return nil
	}
	return s.deliver(ctx, s.sendWarning, chat, text)
}

func (s *Service) deliver(ctx context.Context, send func(context.Context, delivery) (bool, error), chat userdb.Chat, text string) error {
	target, err := chatTarget(chat)
	if err != nil {
		return err
	}
	ok, err := send(ctx, delivery{chatID: chat.ChatID, target: target, text: text})
	if err != nil {
		return fmt.Errorf("send to %s: %w", chat.ChatID, err)
	}
	if !ok {
		return fmt.Errorf("send to %s not confirmed", chat.ChatID)
	}
	return nil
}

// composeForecast builds the forecast message across the chat's locations.
// A chat with no stored locations has nothing to deliver.
func (s *Service) composeForecast(ctx context.Context, chat userdb.Chat) (string, error) {
	if chat.APIKey == "" {
		return "", nil
	}
	locs, err := s.users.Locations(ctx, chat.ChatID)
	if err != nil {
		return "", fmt.Errorf("locations for %s: %w", chat.ChatID, err)
	}
	var parts []string
	for _, loc := range locs {
		text, err := s.wx.Forecast(ctx, loc.Name, chat.APIKey)
		if err != nil {
			return "", fmt.Errorf("forecast %s: %w", loc.Name, err)
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, "\n\n"), nil
}

// composeWarning builds the warning message; empty means no active warning
// anywhere, which is the common case and not an error.
func (s *Service) composeWarning(ctx context.Context, chat userdb.Chat) (string, error) {
	if chat.APIKey == "" {
		return "", nil
	}
	locs, err := s.users.Locations(ctx, chat.ChatID)
	if err != nil {
		return "", fmt.Errorf("locations for %s: %w", chat.ChatID, err)
	}
	var parts []string
	for _, loc := range locs {
		text, err := s.wx.Warning(ctx, loc.Name, chat.APIKey)
		if err != nil {
			return "", fmt.Errorf("warning %s: %w", loc.Name, err)
		}
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

func chatTarget(chat userdb.Chat) (notify.Target, error) {
	id, err := strconv.ParseInt(chat.ChatID, 10, 64)
	if err != nil {
		return notify.Target{}, fmt.Errorf("chat id %q is not numeric: %w", chat.ChatID, err)
	}
	return notify.Target{ChatID: id, Webhook: chat.Webhook}, nil
}

// Forecast answers an on-demand /weather request, bypassing dedup.
func (s *Service) Forecast(ctx context.Context, chat userdb.Chat) (string, error) {
	return s.composeForecast(ctx, chat)
}

// Warning answers an on-demand /warning request, bypassing dedup.
func (s *Service) Warning(ctx context.Context, chat userdb.Chat) (string, error) {
	return s.composeWarning(ctx, chat)
}
