// Package trigger drives the recurring per-chat jobs.
//
// A single cron driver decides when to fire; job bodies run on a bounded
// worker pool so one slow downstream send cannot stall other chats.
// Every firing is published on the event bus; a failure is captured and
// isolated to that firing.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"wxbot/internal/eventbus"
	rtsup "wxbot/internal/runtime/supervisor"
	"wxbot/internal/store"
	logx "wxbot/pkg/logx"
)

var (
	ErrNotStarted = errors.New("trigger engine not started")
	ErrQueueFull  = errors.New("trigger queue full")
)

type Config struct {
	Workers   int // default 10
	QueueSize int // default 256

	// MinuteOffset is the fleet-wide minute-of-hour for per-chat triggers,
	// so every chat subscribed to the same hour fires together.
	MinuteOffset    int
	SweepMinute     int
	WarnSweepMinute int

	Timezone string // IANA TZ, default UTC
}

// Runner executes job payloads. Implemented by the jobs service.
type Runner interface {
	RunEntry(ctx context.Context, e store.Entry) error
	RunForecastSweep(ctx context.Context) error
	RunWarningSweep(ctx context.Context) error
}

type firing struct {
	name      string
	scheduled time.Time
	run       func(ctx context.Context) error
}

type Engine struct {
	mu sync.Mutex

	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	st     store.Store
	runner Runner

	loc     *time.Location
	c       *cron.Cron
	entries map[string]cron.EntryID

	q   chan firing
	sup *rtsup.Supervisor
}

func New(cfg Config, st store.Store, runner Runner, bus eventbus.Bus, log logx.Logger) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		st:      st,
		runner:  runner,
		entries: map[string]cron.EntryID{},
	}
}

// Start loads all durable entries and begins firing. It fails fast when the
// trigger store is unreachable: silently running with zero triggers is worse
// than not starting.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.c != nil {
		return nil
	}

	if err := e.st.Ping(ctx); err != nil {
		return fmt.Errorf("trigger store ping: %w", err)
	}
	entries, err := e.st.List(ctx)
	if err != nil {
		return fmt.Errorf("trigger store list: %w", err)
	}

	loc := time.UTC
	if tz := strings.TrimSpace(e.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("engine timezone: %w", err)
		}
		loc = l
	}
	e.loc = loc
	e.c = cron.New(cron.WithLocation(loc))
	e.q = make(chan firing, e.cfg.QueueSize)

	e.sup = rtsup.New(ctx, rtsup.WithLogger(e.log.With(logx.String("comp", "trigger"))))
	for i := 0; i < e.cfg.Workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		e.sup.Go0(name, e.workerLoop)
	}

	// Fleet-wide sweeps: ordinary hourly triggers with no per-chat key.
	if err := e.addCronLocked("sweep.forecast",
		fmt.Sprintf("%d * * * *", e.cfg.SweepMinute),
		func(ctx context.Context) error { return e.runner.RunForecastSweep(ctx) }); err != nil {
		return err
	}
	if err := e.addCronLocked("sweep.warning",
		fmt.Sprintf("%d * * * *", e.cfg.WarnSweepMinute),
		func(ctx context.Context) error { return e.runner.RunWarningSweep(ctx) }); err != nil {
		return err
	}

	for _, entry := range entries {
		if err := e.addEntryLocked(entry); err != nil {
			e.log.Warn("skipping invalid trigger entry",
				logx.String("key", entry.Key()), logx.Err(err))
		}
	}

	e.c.Start()
	e.log.Info("trigger engine started",
		logx.Int("triggers", len(entries)),
		logx.Int("workers", e.cfg.Workers),
		logx.String("tz", loc.String()))
	return nil
}

// Stop halts the cron driver and drains workers, bounded by ctx.
// In-flight job bodies are safe to abandon (sends are all-or-nothing).
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	c := e.c
	sup := e.sup
	e.c = nil
	e.sup = nil
	e.entries = map[string]cron.EntryID{}
	e.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
	e.log.Info("trigger engine stopped")
}

func entryName(en store.Entry) string {
	return string(en.Kind) + ":" + en.Key()
}

func (e *Engine) addEntryLocked(en store.Entry) error {
	spec := fmt.Sprintf("%d %d * * *", e.cfg.MinuteOffset, en.Hour)
	entry := en
	return e.addCronLocked(entryName(en), spec, func(ctx context.Context) error {
		return e.runner.RunEntry(ctx, entry)
	})
}

func (e *Engine) addCronLocked(name, spec string, run func(ctx context.Context) error) error {
	if e.c == nil {
		return ErrNotStarted
	}
	if old, ok := e.entries[name]; ok {
		e.c.Remove(old)
	}
	id, err := e.c.AddFunc(spec, func() {
		e.dispatch(name, run)
	})
	if err != nil {
		return fmt.Errorf("register %s (%q): %w", name, spec, err)
	}
	e.entries[name] = id
	return nil
}

// Add registers a freshly stored entry with the live schedule.
func (e *Engine) Add(en store.Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addEntryLocked(en)
}

// Remove unregisters the trigger for (chat, hour). The entry never fires
// again after Remove returns.
func (e *Engine) Remove(chatID string, hour int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.c == nil {
		return
	}
	for _, kind := range []store.Kind{store.KindForecast, store.KindWarning} {
		name := string(kind) + ":" + store.Key(chatID, hour)
		if id, ok := e.entries[name]; ok {
			e.c.Remove(id)
			delete(e.entries, name)
		}
	}
}

// Refresh reconciles the live schedule with the store wholesale.
func (e *Engine) Refresh(ctx context.Context) error {
	entries, err := e.st.List(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.c == nil {
		return ErrNotStarted
	}

	want := map[string]store.Entry{}
	for _, en := range entries {
		want[entryName(en)] = en
	}
	for name, id := range e.entries {
		if strings.HasPrefix(name, "sweep.") {
			continue
		}
		if _, ok := want[name]; !ok {
			e.c.Remove(id)
			delete(e.entries, name)
		}
	}
	for name, en := range want {
		if _, ok := e.entries[name]; ok {
			continue
		}
		if err := e.addEntryLocked(en); err != nil {
			e.log.Warn("refresh: skipping entry", logx.String("key", en.Key()), logx.Err(err))
		}
	}
	return nil
}

// Registered reports whether a live schedule exists for the name.
func (e *Engine) Registered(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.entries[name]
	return ok
}

// dispatch hands a due firing to the worker pool without blocking the cron
// driver. A full queue drops the firing; the next scheduled occurrence is
// the retry boundary.
func (e *Engine) dispatch(name string, run func(ctx context.Context) error) {
	e.mu.Lock()
	q := e.q
	loc := e.loc
	e.mu.Unlock()
	if q == nil {
		return
	}
	if loc == nil {
		loc = time.UTC
	}

	f := firing{
		name:      name,
		scheduled: time.Now().In(loc).Truncate(time.Minute),
		run:       run,
	}
	select {
	case q <- f:
	default:
		e.log.Warn("firing dropped: queue full", logx.String("trigger", name))
		e.publish(eventbus.TypeFailed, eventbus.FiringEvent{
			Name:      name,
			Scheduled: f.scheduled,
			Error:     ErrQueueFull.Error(),
		})
	}
}

func (e *Engine) workerLoop(ctx context.Context) {
	e.mu.Lock()
	q := e.q
	e.mu.Unlock()
	if q == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-q:
			e.runFiring(ctx, f)
		}
	}
}

func (e *Engine) runFiring(ctx context.Context, f firing) {
	started := time.Now()
	e.publish(eventbus.TypeFired, eventbus.FiringEvent{Name: f.name, Scheduled: f.scheduled, Started: started})

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				e.log.Error("job body panicked",
					logx.String("trigger", f.name),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
		}()
		return f.run(ctx)
	}()

	ev := eventbus.FiringEvent{
		Name:      f.name,
		Scheduled: f.scheduled,
		Started:   started,
		Duration:  time.Since(started),
	}
	if err != nil {
		ev.Error = err.Error()
		e.publish(eventbus.TypeFailed, ev)
		return
	}
	e.publish(eventbus.TypeCompleted, ev)
}

func (e *Engine) publish(typ string, ev eventbus.FiringEvent) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
