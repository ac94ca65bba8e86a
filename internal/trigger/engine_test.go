package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wxbot/internal/eventbus"
	"wxbot/internal/store"
	logx "wxbot/pkg/logx"
)

type stubRunner struct {
	mu      sync.Mutex
	entries []store.Entry
	failFor string // chat id whose entries fail
}

func (r *stubRunner) RunEntry(ctx context.Context, e store.Entry) error {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	failFor := r.failFor
	r.mu.Unlock()
	if e.ChatID == failFor {
		return errors.New("boom")
	}
	return nil
}

func (r *stubRunner) RunForecastSweep(ctx context.Context) error { return nil }
func (r *stubRunner) RunWarningSweep(ctx context.Context) error  { return nil }

func startedEngine(t *testing.T, st store.Store, runner Runner, bus eventbus.Bus) *Engine {
	t.Helper()
	e := New(Config{Workers: 4}, st, runner, bus, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		e.Stop(sctx)
	})
	return e
}

func collectEvents(t *testing.T, bus eventbus.Bus, typ string, want int, timeout time.Duration) []eventbus.FiringEvent {
	t.Helper()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	var out []eventbus.FiringEvent
	deadline := time.After(timeout)
	for len(out) < want {
		select {
		case ev := <-events:
			if ev.Type != typ {
				continue
			}
			if fe, ok := ev.Data.(eventbus.FiringEvent); ok {
				out = append(out, fe)
			}
		case <-deadline:
			t.Fatalf("saw %d %s events before timeout, want %d", len(out), typ, want)
		}
	}
	return out
}

func TestStartLoadsStoredEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	for _, e := range []store.Entry{
		{ChatID: "100", Hour: 8, Kind: store.KindForecast},
		{ChatID: "200", Hour: 20, Kind: store.KindWarning},
	} {
		if err := st.Put(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	e := startedEngine(t, st, &stubRunner{}, eventbus.New())
	if !e.Registered("forecast:100:8") {
		t.Fatal("stored forecast trigger not registered at start")
	}
	if !e.Registered("warning:200:20") {
		t.Fatal("stored warning trigger not registered at start")
	}
	if !e.Registered("sweep.forecast") || !e.Registered("sweep.warning") {
		t.Fatal("fleet sweeps not registered")
	}
}

// A failing job body must produce exactly one failure event and must not
// prevent another trigger dispatched for the same hour from succeeding.
func TestFailureIsolation(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	runner := &stubRunner{failFor: "bad"}
	bus := eventbus.New()
	e := startedEngine(t, st, runner, bus)

	events, unsub := bus.Subscribe(64)
	defer unsub()

	bad := store.Entry{ChatID: "bad", Hour: 8, Kind: store.KindForecast}
	good := store.Entry{ChatID: "good", Hour: 8, Kind: store.KindForecast}
	e.dispatch(entryName(bad), func(ctx context.Context) error { return runner.RunEntry(ctx, bad) })
	e.dispatch(entryName(good), func(ctx context.Context) error { return runner.RunEntry(ctx, good) })

	var failed, completed []eventbus.FiringEvent
	deadline := time.After(3 * time.Second)
	for len(failed) < 1 || len(completed) < 1 {
		select {
		case ev := <-events:
			fe, ok := ev.Data.(eventbus.FiringEvent)
			if !ok {
				continue
			}
			if fe.Name != "forecast:bad:8" && fe.Name != "forecast:good:8" {
				continue
			}
			switch ev.Type {
			case eventbus.TypeFailed:
				failed = append(failed, fe)
			case eventbus.TypeCompleted:
				completed = append(completed, fe)
			}
		case <-deadline:
			t.Fatalf("failed=%d completed=%d before timeout", len(failed), len(completed))
		}
	}

	if failed[0].Name != "forecast:bad:8" {
		t.Fatalf("failed event for %s, want forecast:bad:8", failed[0].Name)
	}
	if failed[0].Error == "" {
		t.Fatal("failure event carries no error")
	}
	if completed[0].Name != "forecast:good:8" {
		t.Fatalf("completed event for %s, want forecast:good:8", completed[0].Name)
	}
}

func TestPanicIsCaptured(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	e := startedEngine(t, store.NewMemory(), &stubRunner{}, bus)

	go e.dispatch("forecast:1:1", func(ctx context.Context) error { panic("kaboom") })

	failed := collectEvents(t, bus, eventbus.TypeFailed, 1, 3*time.Second)
	if failed[0].Error == "" {
		t.Fatal("panic not converted into a failure event")
	}
}

func TestAddRemove(t *testing.T) {
	t.Parallel()
	e := startedEngine(t, store.NewMemory(), &stubRunner{}, eventbus.New())

	en := store.Entry{ChatID: "100", Hour: 9, Kind: store.KindForecast}
	if err := e.Add(en); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !e.Registered("forecast:100:9") {
		t.Fatal("added trigger not registered")
	}

	e.Remove("100", 9)
	if e.Registered("forecast:100:9") {
		t.Fatal("removed trigger still registered")
	}
}

func TestRefreshReconciles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	if err := st.Put(ctx, store.Entry{ChatID: "100", Hour: 8, Kind: store.KindForecast}); err != nil {
		t.Fatal(err)
	}
	e := startedEngine(t, st, &stubRunner{}, eventbus.New())

	// Mutate the store behind the engine's back, then refresh.
	if _, err := st.Delete(ctx, "100", 8); err != nil {
		t.Fatal(err)
	}
	if err := st.Put(ctx, store.Entry{ChatID: "200", Hour: 10, Kind: store.KindWarning}); err != nil {
		t.Fatal(err)
	}

	if err := e.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if e.Registered("forecast:100:8") {
		t.Fatal("deleted entry still registered after refresh")
	}
	if !e.Registered("warning:200:10") {
		t.Fatal("new entry not registered after refresh")
	}
	if !e.Registered("sweep.forecast") {
		t.Fatal("refresh must leave fleet sweeps alone")
	}
}

type downStore struct {
	store.Store
}

func (d downStore) Ping(ctx context.Context) error { return errors.New("connection refused") }

func TestStartFailsFastWhenStoreDown(t *testing.T) {
	t.Parallel()
	e := New(Config{}, downStore{store.NewMemory()}, &stubRunner{}, eventbus.New(), logx.Nop())
	if err := e.Start(context.Background()); err == nil {
		t.Fatal("Start must fail when the trigger store is unreachable")
	}
}
