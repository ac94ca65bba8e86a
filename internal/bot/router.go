// Package bot routes incoming chat updates to the subscription and
// weather services.
package bot

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"wxbot/internal/subs"
	kit "wxbot/internal/transport"
	"wxbot/internal/userdb"
	logx "wxbot/pkg/logx"
)

const helpText = `Commands:
/key <api-key> - store your weather API key
/city <name> - add a location
/cities - list your locations
/delcity <id> - remove a location
/weather - current forecast, on demand
/warning - active warnings, on demand
/subscribe - pick daily forecast hours
/unsubscribe - pause all deliveries`

// Subscriptions is the slice of the reconciler the router drives.
type Subscriptions interface {
	ToggleHour(ctx context.Context, chatID string, hour int) (subs.ToggleResult, error)
	SetEnabled(ctx context.Context, chatID string, enabled bool) error
	Hours(ctx context.Context, chatID string) (map[int]bool, error)
}

// Weather answers on-demand requests, outside the dedup windows.
type Weather interface {
	Forecast(ctx context.Context, chat userdb.Chat) (string, error)
	Warning(ctx context.Context, chat userdb.Chat) (string, error)
}

type Router struct {
	adapter kit.Adapter
	users   *userdb.DB
	subs    Subscriptions
	wx      Weather
	log     logx.Logger

	handleTimeout time.Duration
}

func NewRouter(adapter kit.Adapter, users *userdb.DB, s Subscriptions, wx Weather, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		adapter:       adapter,
		users:         users,
		subs:          s,
		wx:            wx,
		log:           log,
		handleTimeout: 15 * time.Second,
	}
}

// reply sends text back to the chat the message came from.
func (r *Router) reply(ctx context.Context, m kit.Message, text string) error {
	_, err := r.adapter.SendText(ctx, kit.ChatTarget{ChatID: m.ChatID}, text, nil)
	return err
}

// Run consumes updates until ctx is done.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-updates:
			if !ok {
				return
			}
			hctx, cancel := context.WithTimeout(ctx, r.handleTimeout)
			r.handle(hctx, up)
			cancel()
		}
	}
}

func (r *Router) handle(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message != nil {
			r.handleMessage(ctx, *up.Message)
		}
	case kit.UpdateCallback:
		if up.Callback != nil {
			r.handleCallback(ctx, *up.Callback)
		}
	}
}

func (r *Router) handleMessage(ctx context.Context, m kit.Message) {
	cmd, arg := splitCommand(m.Text)
	if cmd == "" {
		return
	}
	chatID := strconv.FormatInt(m.ChatID, 10)
	log := r.log.With(logx.String("chat", chatID), logx.String("cmd", cmd))

	var err error
	switch cmd {
	case "/start":
		err = r.cmdStart(ctx, m, chatID)
	case "/help":
		err = r.reply(ctx, m, helpText)
	case "/key":
		err = r.cmdKey(ctx, m, chatID, arg)
	case "/city":
		err = r.cmdCity(ctx, m, chatID, arg)
	case "/cities":
		err = r.cmdCities(ctx, m, chatID)
	case "/delcity":
		err = r.cmdDelCity(ctx, m, chatID, arg)
	case "/weather":
		err = r.cmdOnDemand(ctx, m, chatID, r.wx.Forecast, "No forecast available. Add a location with /city and a key with /key.")
	case "/warning":
		err = r.cmdOnDemand(ctx, m, chatID, r.wx.Warning, "No active warnings for your locations. ☀️")
	case "/subscribe":
		err = r.cmdSubscribe(ctx, m, chatID)
	case "/unsubscribe":
		err = r.cmdUnsubscribe(ctx, m, chatID)
	default:
		return
	}
	if err != nil {
		log.Error("command failed", logx.Err(err))
		_ = r.reply(ctx, m, "Something went wrong, please try again.")
	}
}

func (r *Router) cmdStart(ctx context.Context, m kit.Message, chatID string) error {
	if err := r.users.UpsertChat(ctx, chatID); err != nil {
		return err
	}
	return r.reply(ctx, m, "Hi! I deliver weather forecasts and warnings.\n\n"+helpText)
}

func (r *Router) cmdKey(ctx context.Context, m kit.Message, chatID, arg string) error {
	if arg == "" {
		return r.reply(ctx, m, "Usage: /key <api-key>")
	}
	if err := r.users.UpsertChat(ctx, chatID); err != nil {
		return err
	}
	if err := r.users.SetAPIKey(ctx, chatID, arg); err != nil {
		return err
	}
	return r.reply(ctx, m, "API key saved. Add a location with /city, then /subscribe.")
}

func (r *Router) cmdCity(ctx context.Context, m kit.Message, chatID, arg string) error {
	if arg == "" {
		return r.reply(ctx, m, "Usage: /city <name>")
	}
	if err := r.users.UpsertChat(ctx, chatID); err != nil {
		return err
	}
	if err := r.users.AddLocation(ctx, chatID, arg); err != nil {
		return err
	}
	return r.reply(ctx, m, "Location added: "+arg)
}

func (r *Router) cmdCities(ctx context.Context, m kit.Message, chatID string) error {
	locs, err := r.users.Locations(ctx, chatID)
	if err != nil {
		return err
	}
	if len(locs) == 0 {
		return r.reply(ctx, m, "No locations yet. Add one with /city <name>.")
	}
	var b strings.Builder
	b.WriteString("Your locations:\n")
	for _, loc := range locs {
		b.WriteString(strconv.FormatInt(loc.ID, 10))
		b.WriteString(": ")
		b.WriteString(loc.Name)
		b.WriteString("\n")
	}
	return r.reply(ctx, m, strings.TrimRight(b.String(), "\n"))
}

func (r *Router) cmdDelCity(ctx context.Context, m kit.Message, chatID, arg string) error {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return r.reply(ctx, m, "Usage: /delcity <id> (see /cities)")
	}
	removed, err := r.users.RemoveLocation(ctx, id)
	if err != nil {
		return err
	}
	if !removed {
		return r.reply(ctx, m, "No such location id.")
	}
	return r.reply(ctx, m, "Location removed.")
}

func (r *Router) cmdOnDemand(ctx context.Context, m kit.Message, chatID string, fetch func(context.Context, userdb.Chat) (string, error), emptyText string) error {
	chat, err := r.users.Chat(ctx, chatID)
	if errors.Is(err, userdb.ErrNotFound) {
		return r.reply(ctx, m, "Run /start first.")
	}
	if err != nil {
		return err
	}
	if chat.APIKey == "" {
		return r.reply(ctx, m, "Set your weather API key first: /key <api-key>")
	}
	text, err := fetch(ctx, chat)
	if err != nil {
		return err
	}
	if text == "" {
		text = emptyText
	}
	return r.reply(ctx, m, text)
}

func (r *Router) cmdSubscribe(ctx context.Context, m kit.Message, chatID string) error {
	ok, err := r.users.HasAPIKey(ctx, chatID)
	if err != nil {
		return err
	}
	if !ok {
		return r.reply(ctx, m, "Set your weather API key first: /key <api-key>")
	}
	hours, err := r.subs.Hours(ctx, chatID)
	if err != nil {
		return err
	}
	_, err = r.adapter.SendText(ctx, kit.ChatTarget{ChatID: m.ChatID},
		"Pick the hours for your daily forecast:",
		&kit.SendOptions{ReplyMarkup: hourKeyboard(hours)})
	return err
}

func (r *Router) cmdUnsubscribe(ctx context.Context, m kit.Message, chatID string) error {
	if err := r.subs.SetEnabled(ctx, chatID, false); err != nil {
		return err
	}
	return r.reply(ctx, m, "Deliveries paused. Your hours are kept; toggle any hour to resume.")
}

func (r *Router) handleCallback(ctx context.Context, cb kit.Callback) {
	hour, ok := parseHourCallback(cb.Data)
	if !ok {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	chatID := strconv.FormatInt(cb.ChatID, 10)

	res, err := r.subs.ToggleHour(ctx, chatID, hour)
	switch {
	case errors.Is(err, subs.ErrNeedsOnboarding):
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "Set your API key first: /key <api-key>")
		return
	case err != nil:
		r.log.Error("toggle failed",
			logx.String("chat", chatID), logx.Int("hour", hour), logx.Err(err))
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "Storage unavailable, please try again.")
		return
	}

	toast := "Daily forecast at " + twoDigits(hour) + ":00 enabled"
	if res == subs.Removed {
		toast = "Daily forecast at " + twoDigits(hour) + ":00 disabled"
	}
	_ = r.adapter.AnswerCallback(ctx, cb.ID, toast)

	hours, err := r.subs.Hours(ctx, chatID)
	if err != nil {
		r.log.Warn("keyboard refresh failed", logx.String("chat", chatID), logx.Err(err))
		return
	}
	ref := kit.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
	if err := r.adapter.EditMarkup(ctx, ref, hourKeyboard(hours)); err != nil {
		r.log.Warn("keyboard edit failed", logx.String("chat", chatID), logx.Err(err))
	}
}

func twoDigits(h int) string {
	if h < 10 {
		return "0" + strconv.Itoa(h)
	}
	return strconv.Itoa(h)
}

// splitCommand returns the leading /command (with any @botname stripped)
// and the remaining argument text.
func splitCommand(text string) (cmd, arg string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	cmd, arg, _ = strings.Cut(text, " ")
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd), strings.TrimSpace(arg)
}
