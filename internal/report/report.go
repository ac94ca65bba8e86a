// Package report receives captured firing failures.
//
// Fire-and-forget: failures are logged and, when an ops chat is configured,
// forwarded there under a rate limit so a flapping job cannot flood the chat.
package report

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"wxbot/internal/eventbus"
	kit "wxbot/internal/transport"
	logx "wxbot/pkg/logx"
)

type Config struct {
	OpsChatID  int64 // 0 disables the chat sink
	RatePerSec int
}

type Service struct {
	cfg     Config
	adapter kit.Adapter
	bus     eventbus.Bus
	log     logx.Logger
	limiter *rate.Limiter
}

func New(cfg Config, adapter kit.Adapter, bus eventbus.Bus, log logx.Logger) *Service {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		adapter: adapter,
		bus:     bus,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
}

// Capture records one failure. Never blocks and never returns an error to
// the caller; reporting must not disturb the failing path further.
func (s *Service) Capture(name string, err error) {
	s.log.Error("firing failed", logx.String("trigger", name), logx.Err(err))

	if s.cfg.OpsChatID == 0 || s.adapter == nil {
		return
	}
	if !s.limiter.Allow() {
		return
	}
	text := fmt.Sprintf("🔥 trigger %s failed: %v", name, err)
	go func() {
		_, _ = s.adapter.SendText(context.Background(), kit.ChatTarget{ChatID: s.cfg.OpsChatID}, text, nil)
	}()
}

// Run consumes firing events from the bus until ctx is done.
// Failed firings are captured; others are logged at debug level.
func (s *Service) Run(ctx context.Context) {
	if s.bus == nil {
		<-ctx.Done()
		return
	}
	events, unsub := s.bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			fe, ok := ev.Data.(eventbus.FiringEvent)
			if !ok {
				continue
			}
			switch ev.Type {
			case eventbus.TypeFailed:
				s.Capture(fe.Name, fmt.Errorf("%s", fe.Error))
			case eventbus.TypeCompleted:
				s.log.Debug("firing completed",
					logx.String("trigger", fe.Name),
					logx.Time("scheduled", fe.Scheduled),
					logx.Duration("took", fe.Duration))
			}
		}
	}
}
