package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"wxbot/internal/memo"
	"wxbot/internal/notify"
	"wxbot/internal/store"
	"wxbot/internal/userdb"
	logx "wxbot/pkg/logx"
)

type fakeWeather struct {
	forecast string
	warning  string
	err      error
}

func (f *fakeWeather) Forecast(ctx context.Context, location, apiKey string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.forecast + " @" + location, nil
}

func (f *fakeWeather) Warning(ctx context.Context, location, apiKey string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.warning, nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeSender) Send(ctx context.Context, to notify.Target, text string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	f.sent = append(f.sent, text)
	return true, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	svc   *Service
	users *userdb.DB
	out   *fakeSender
	wx    *fakeWeather
	clk   *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	users, err := userdb.Open(userdb.Config{Path: filepath.Join(t.TempDir(), "users.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open userdb: %v", err)
	}
	t.Cleanup(func() { users.Close() })

	clk := &clock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	wx := &fakeWeather{forecast: "sunny", warning: ""}
	out := &fakeSender{}
	svc := New(users, wx, out,
		memo.NewWithClock(time.Hour, clk.Now),
		memo.NewWithClock(24*time.Hour, clk.Now),
		logx.Nop())
	return &fixture{svc: svc, users: users, out: out, wx: wx, clk: clk}
}

func (f *fixture) addChat(t *testing.T, chatID string, enabled bool) {
	t.Helper()
	ctx := context.Background()
	if err := f.users.UpsertChat(ctx, chatID); err != nil {
		t.Fatal(err)
	}
	if err := f.users.SetAPIKey(ctx, chatID, "key"); err != nil {
		t.Fatal(err)
	}
	if err := f.users.SetEnabled(ctx, chatID, enabled); err != nil {
		t.Fatal(err)
	}
	if err := f.users.AddLocation(ctx, chatID, "101010100"); err != nil {
		t.Fatal(err)
	}
}

func TestRunEntrySends(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.addChat(t, "100", true)

	err := f.svc.RunEntry(context.Background(), store.Entry{ChatID: "100", Hour: 8, Kind: store.KindForecast})
	if err != nil {
		t.Fatalf("RunEntry: %v", err)
	}
	if f.out.count() != 1 {
		t.Fatalf("sends = %d, want 1", f.out.count())
	}
}

func TestRunEntrySkipsDisabledChat(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.addChat(t, "100", false)

	err := f.svc.RunEntry(context.Background(), store.Entry{ChatID: "100", Hour: 8, Kind: store.KindForecast})
	if err != nil {
		t.Fatalf("RunEntry: %v", err)
	}
	if f.out.count() != 0 {
		t.Fatal("disabled chat must not be delivered to")
	}
}

func TestRunEntryToleratesUnknownChat(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	err := f.svc.RunEntry(context.Background(), store.Entry{ChatID: "ghost", Hour: 8, Kind: store.KindForecast})
	if err != nil {
		t.Fatalf("orphan trigger must not error: %v", err)
	}
}

// A trigger re-fired within the hour window delivers once; after the
// window the next firing delivers again.
func TestForecastRedeliveryWindow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.addChat(t, "100", true)
	ctx := context.Background()
	entry := store.Entry{ChatID: "100", Hour: 8, Kind: store.KindForecast}

	for i := 0; i < 3; i++ {
		if err := f.svc.RunEntry(ctx, entry); err != nil {
			t.Fatal(err)
		}
	}
	if f.out.count() != 1 {
		t.Fatalf("sends within window = %d, want 1", f.out.count())
	}

	f.clk.Advance(time.Hour)
	if err := f.svc.RunEntry(ctx, entry); err != nil {
		t.Fatal(err)
	}
	if f.out.count() != 2 {
		t.Fatalf("sends after window = %d, want 2", f.out.count())
	}
}

// A failed send must not populate the dedup window: once the outbound
// channel recovers, the next firing delivers.
func TestFailedSendRetriesNextFiring(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.addChat(t, "100", true)
	ctx := context.Background()
	entry := store.Entry{ChatID: "100", Hour: 8, Kind: store.KindForecast}

	f.out.err = errors.New("telegram down")
	if err := f.svc.RunEntry(ctx, entry); err == nil {
		t.Fatal("RunEntry must surface the send failure")
	}

	f.out.err = nil
	if err := f.svc.RunEntry(ctx, entry); err != nil {
		t.Fatal(err)
	}
	if f.out.count() != 1 {
		t.Fatalf("sends = %d, want 1", f.out.count())
	}
}

// The hourly warning sweep covers all enabled chats, dedups each chat over
// the day window, and quietly skips chats with no active warning.
func TestWarningSweepDedupsPerDay(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.addChat(t, "100", true)
	f.addChat(t, "200", true)
	f.addChat(t, "300", false)
	ctx := context.Background()

	f.wx.warning = "⚠️ rainstorm"
	if err := f.svc.RunWarningSweep(ctx); err != nil {
		t.Fatal(err)
	}
	if f.out.count() != 2 {
		t.Fatalf("sends = %d, want 2 (disabled chat skipped)", f.out.count())
	}

	// The warning stays active for hours; later sweeps stay quiet.
	for i := 0; i < 5; i++ {
		f.clk.Advance(time.Hour)
		if err := f.svc.RunWarningSweep(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if f.out.count() != 2 {
		t.Fatalf("sends after repeat sweeps = %d, want still 2", f.out.count())
	}

	f.clk.Advance(24 * time.Hour)
	if err := f.svc.RunWarningSweep(ctx); err != nil {
		t.Fatal(err)
	}
	if f.out.count() != 4 {
		t.Fatalf("sends next day = %d, want 4", f.out.count())
	}
}

func TestWarningSweepNoActiveWarning(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.addChat(t, "100", true)

	if err := f.svc.RunWarningSweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.out.count() != 0 {
		t.Fatal("no warning means no send")
	}
}

func TestSweepKeepsGoingPastFailingChat(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.addChat(t, "100", true)
	f.addChat(t, "not-numeric", true)
	f.wx.warning = "⚠️ gale"

	err := f.svc.RunWarningSweep(context.Background())
	if err == nil {
		t.Fatal("sweep must report the bad chat")
	}
	if f.out.count() != 1 {
		t.Fatalf("sends = %d, want 1 (good chat still delivered)", f.out.count())
	}
}
