// Package subs owns subscription state transitions.
//
// The durable trigger store is the source of truth for per-hour triggers;
// the reconciler applies each change there first and then mirrors it into
// the live schedule. Chat-level enablement lives in the user database and
// never touches trigger registration: a disabled chat keeps its hours
// armed and the job body skips it.
package subs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wxbot/internal/store"
	"wxbot/internal/userdb"
	logx "wxbot/pkg/logx"
)

var (
	// ErrNeedsOnboarding means the chat has not stored an API key yet and
	// may not subscribe to anything.
	ErrNeedsOnboarding = errors.New("chat has no api key")
	ErrBadHour         = errors.New("hour out of range")
)

// ToggleResult tells the caller which way a toggle went.
type ToggleResult int

const (
	Created ToggleResult = iota
	Removed
)

func (r ToggleResult) String() string {
	if r == Created {
		return "created"
	}
	return "removed"
}

// Schedule is the slice of the trigger engine the reconciler drives.
type Schedule interface {
	Add(e store.Entry) error
	Remove(chatID string, hour int)
}

type Reconciler struct {
	st    store.Store
	users *userdb.DB
	sched Schedule
	log   logx.Logger
}

func New(st store.Store, users *userdb.DB, sched Schedule, log logx.Logger) *Reconciler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reconciler{st: st, users: users, sched: sched, log: log}
}

// ToggleHour flips the per-hour trigger for a chat.
//
// An existing entry for (chat, hour) is deleted and unscheduled; a missing
// one is stored and scheduled. Creating the first trigger also flips the
// chat back to enabled so a toggle after /unsubscribe behaves as expected.
// The store write happens before the schedule change: on a crash between
// the two, the next engine start replays the store and converges.
func (r *Reconciler) ToggleHour(ctx context.Context, chatID string, hour int) (ToggleResult, error) {
	if hour < 0 || hour > 23 {
		return 0, fmt.Errorf("%w: %d", ErrBadHour, hour)
	}

	ok, err := r.users.HasAPIKey(ctx, chatID)
	if err != nil {
		return 0, fmt.Errorf("check api key: %w", err)
	}
	if !ok {
		return 0, ErrNeedsOnboarding
	}

	existed, err := r.st.Delete(ctx, chatID, hour)
	if err != nil {
		return 0, fmt.Errorf("toggle delete: %w", err)
	}
	if existed {
		r.sched.Remove(chatID, hour)
		r.log.Info("trigger removed",
			logx.String("chat", chatID), logx.Int("hour", hour))
		return Removed, nil
	}

	e := store.Entry{
		ChatID:    chatID,
		Hour:      hour,
		Kind:      store.KindForecast,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.st.Put(ctx, e); err != nil {
		return 0, fmt.Errorf("toggle put: %w", err)
	}
	if err := r.sched.Add(e); err != nil {
		return 0, fmt.Errorf("toggle schedule: %w", err)
	}
	if err := r.users.SetEnabled(ctx, chatID, true); err != nil && !errors.Is(err, userdb.ErrNotFound) {
		r.log.Warn("enable on first trigger", logx.String("chat", chatID), logx.Err(err))
	}
	r.log.Info("trigger created",
		logx.String("chat", chatID), logx.Int("hour", hour))
	return Created, nil
}

// SetEnabled flips chat-level delivery without touching trigger entries.
func (r *Reconciler) SetEnabled(ctx context.Context, chatID string, enabled bool) error {
	if err := r.users.UpsertChat(ctx, chatID); err != nil {
		return err
	}
	return r.users.SetEnabled(ctx, chatID, enabled)
}

// Hours lists the subscribed hours for one chat, for rendering the picker.
func (r *Reconciler) Hours(ctx context.Context, chatID string) (map[int]bool, error) {
	entries, err := r.st.List(ctx)
	if err != nil {
		return nil, err
	}
	hours := map[int]bool{}
	for _, e := range entries {
		if e.ChatID == chatID {
			hours[e.Hour] = true
		}
	}
	return hours, nil
}
