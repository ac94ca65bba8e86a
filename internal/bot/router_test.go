package bot

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	"wxbot/internal/subs"
	kit "wxbot/internal/transport"
	"wxbot/internal/userdb"
	logx "wxbot/pkg/logx"
)

type fakeAdapter struct {
	kit.Adapter

	sent    []string
	markups []*tele.ReplyMarkup
	toasts  []string
	edits   []kit.MessageRef
}

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.sent = append(f.sent, text)
	if opt != nil {
		if rm, ok := opt.ReplyMarkup.(*tele.ReplyMarkup); ok {
			f.markups = append(f.markups, rm)
		}
	}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) AnswerCallback(ctx context.Context, callbackID, text string) error {
	f.toasts = append(f.toasts, text)
	return nil
}

func (f *fakeAdapter) EditMarkup(ctx context.Context, ref kit.MessageRef, markup any) error {
	f.edits = append(f.edits, ref)
	if rm, ok := markup.(*tele.ReplyMarkup); ok {
		f.markups = append(f.markups, rm)
	}
	return nil
}

type fakeSubs struct {
	hours     map[int]bool
	toggleRes subs.ToggleResult
	toggleErr error
	disabled  []string
}

func (f *fakeSubs) ToggleHour(ctx context.Context, chatID string, hour int) (subs.ToggleResult, error) {
	if f.toggleErr != nil {
		return 0, f.toggleErr
	}
	if f.hours == nil {
		f.hours = map[int]bool{}
	}
	if f.hours[hour] {
		delete(f.hours, hour)
		return subs.Removed, nil
	}
	f.hours[hour] = true
	return f.toggleRes, nil
}

func (f *fakeSubs) SetEnabled(ctx context.Context, chatID string, enabled bool) error {
	if !enabled {
		f.disabled = append(f.disabled, chatID)
	}
	return nil
}

func (f *fakeSubs) Hours(ctx context.Context, chatID string) (map[int]bool, error) {
	out := map[int]bool{}
	for h := range f.hours {
		out[h] = true
	}
	return out, nil
}

type fakeWeather struct {
	forecast string
	warning  string
}

func (f *fakeWeather) Forecast(ctx context.Context, chat userdb.Chat) (string, error) {
	return f.forecast, nil
}

func (f *fakeWeather) Warning(ctx context.Context, chat userdb.Chat) (string, error) {
	return f.warning, nil
}

type fixture struct {
	r  *Router
	ad *fakeAdapter
	fs *fakeSubs
	db *userdb.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := userdb.Open(userdb.Config{Path: filepath.Join(t.TempDir(), "users.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open userdb: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ad := &fakeAdapter{}
	fs := &fakeSubs{}
	wx := &fakeWeather{forecast: "sunny 20°C"}
	return &fixture{r: NewRouter(ad, db, fs, wx, logx.Nop()), ad: ad, fs: fs, db: db}
}

func msg(text string) kit.Update {
	return kit.Update{
		Kind:    kit.UpdateMessage,
		Message: &kit.Message{ID: 1, ChatID: 100, FromID: 100, Text: text},
	}
}

func lastSent(t *testing.T, ad *fakeAdapter) string {
	t.Helper()
	if len(ad.sent) == 0 {
		t.Fatal("no reply was sent")
	}
	return ad.sent[len(ad.sent)-1]
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in, cmd, arg string
	}{
		{"/start", "/start", ""},
		{"/key abc123", "/key", "abc123"},
		{"/KEY abc", "/key", "abc"},
		{"/weather@wx_bot", "/weather", ""},
		{"  /city   Shanghai  ", "/city", "Shanghai"},
		{"hello", "", ""},
	}
	for _, c := range cases {
		cmd, arg := splitCommand(c.in)
		if cmd != c.cmd || arg != c.arg {
			t.Errorf("splitCommand(%q) = (%q, %q), want (%q, %q)", c.in, cmd, arg, c.cmd, c.arg)
		}
	}
}

func TestOnboardingFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.r.handle(ctx, msg("/start"))
	f.r.handle(ctx, msg("/key abc123"))
	f.r.handle(ctx, msg("/city Shanghai"))

	chat, err := f.db.Chat(ctx, "100")
	if err != nil {
		t.Fatal(err)
	}
	if chat.APIKey != "abc123" {
		t.Fatalf("api key = %q", chat.APIKey)
	}
	locs, err := f.db.Locations(ctx, "100")
	if err != nil {
		t.Fatal(err)
	}
	if len(locs) != 1 || locs[0].Name != "Shanghai" {
		t.Fatalf("locations = %v", locs)
	}
}

func TestSubscribeNeedsKey(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.r.handle(ctx, msg("/start"))
	f.r.handle(ctx, msg("/subscribe"))

	if !strings.Contains(lastSent(t, f.ad), "/key") {
		t.Fatalf("expected key nudge, got %q", lastSent(t, f.ad))
	}
	if len(f.ad.markups) != 0 {
		t.Fatal("picker must not be shown without a key")
	}
}

func TestSubscribeShowsPicker(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.r.handle(ctx, msg("/start"))
	f.r.handle(ctx, msg("/key abc"))
	f.fs.hours = map[int]bool{8: true}
	f.r.handle(ctx, msg("/subscribe"))

	if len(f.ad.markups) != 1 {
		t.Fatalf("markups = %d, want 1", len(f.ad.markups))
	}
	kb := f.ad.markups[0].InlineKeyboard
	if len(kb) != 4 || len(kb[0]) != 6 {
		t.Fatalf("keyboard shape = %dx%d, want 4x6", len(kb), len(kb[0]))
	}
	if !strings.Contains(kb[1][2].Text, "✅") {
		t.Fatalf("hour 8 not marked selected: %q", kb[1][2].Text)
	}
	if kb[1][2].Data != "hour:8" {
		t.Fatalf("hour 8 data = %q", kb[1][2].Data)
	}
}

func TestCallbackTogglesAndRefreshes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.r.handle(ctx, kit.Update{
		Kind:     kit.UpdateCallback,
		Callback: &kit.Callback{ID: "cb1", ChatID: 100, MessageID: 7, Data: "hour:8"},
	})

	if len(f.ad.toasts) != 1 || !strings.Contains(f.ad.toasts[0], "08:00") {
		t.Fatalf("toasts = %v", f.ad.toasts)
	}
	if len(f.ad.edits) != 1 || f.ad.edits[0].MessageID != 7 {
		t.Fatalf("edits = %v", f.ad.edits)
	}
}

func TestCallbackWithoutKeyToasts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.fs.toggleErr = subs.ErrNeedsOnboarding

	f.r.handle(context.Background(), kit.Update{
		Kind:     kit.UpdateCallback,
		Callback: &kit.Callback{ID: "cb1", ChatID: 100, MessageID: 7, Data: "hour:8"},
	})

	if len(f.ad.toasts) != 1 || !strings.Contains(f.ad.toasts[0], "/key") {
		t.Fatalf("toasts = %v", f.ad.toasts)
	}
	if len(f.ad.edits) != 0 {
		t.Fatal("keyboard must not be refreshed on a refused toggle")
	}
}

func TestCallbackStoreErrorToasts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.fs.toggleErr = errors.New("redis: connection refused")

	f.r.handle(context.Background(), kit.Update{
		Kind:     kit.UpdateCallback,
		Callback: &kit.Callback{ID: "cb1", ChatID: 100, MessageID: 7, Data: "hour:8"},
	})

	if len(f.ad.toasts) != 1 || !strings.Contains(f.ad.toasts[0], "try again") {
		t.Fatalf("toasts = %v", f.ad.toasts)
	}
}

func TestOnDemandWeather(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.r.handle(ctx, msg("/weather"))
	if got := lastSent(t, f.ad); !strings.Contains(got, "/start") {
		t.Fatalf("unknown chat should be told to /start, got %q", got)
	}

	f.r.handle(ctx, msg("/start"))
	f.r.handle(ctx, msg("/key abc"))
	f.r.handle(ctx, msg("/weather"))
	if got := lastSent(t, f.ad); got != "sunny 20°C" {
		t.Fatalf("forecast reply = %q", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.r.handle(ctx, msg("/unsubscribe"))
	if len(f.fs.disabled) != 1 || f.fs.disabled[0] != "100" {
		t.Fatalf("disabled = %v", f.fs.disabled)
	}
	if !strings.Contains(lastSent(t, f.ad), "paused") {
		t.Fatalf("reply = %q", lastSent(t, f.ad))
	}
}

func TestParseHourCallback(t *testing.T) {
	t.Parallel()
	if h, ok := parseHourCallback("hour:23"); !ok || h != 23 {
		t.Fatalf("parseHourCallback(hour:23) = (%d, %v)", h, ok)
	}
	for _, bad := range []string{"hour:24", "hour:-1", "hour:x", "other:8", ""} {
		if _, ok := parseHourCallback(bad); ok {
			t.Errorf("parseHourCallback(%q) accepted", bad)
		}
	}
}
