// Package notify delivers rendered notifications to chat destinations.
//
// Delivery failures are logged and reported to the caller, but the scheduling
// core treats them as non-fatal: a failed send must never stall a watch loop.
package notify

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	kit "focusbot/internal/transport"
	logx "focusbot/pkg/logx"
)

// Sink is the interface the scheduling components depend on.
type Sink interface {
	Deliver(ctx context.Context, to kit.ChatTarget, text string) error
}

type Config struct {
	RatePerSec int // Telegram tolerates ~30 msg/s overall; default 3
}

type Service struct {
	adapter kit.Adapter
	log     logx.Logger

	mu      sync.Mutex
	limiter *rate.Limiter
	sent    uint64
	failed  uint64
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger) *Service {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 3
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		adapter: adapter,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
}

func (s *Service) Deliver(ctx context.Context, to kit.ChatTarget, text string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	_, err := s.adapter.SendText(ctx, to, text, &kit.SendOptions{DisablePreview: true})

	s.mu.Lock()
	if err != nil {
		s.failed++
	} else {
		s.sent++
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("notification send failed", logx.Int64("chat_id", to.ChatID), logx.Int("thread_id", to.ThreadID), logx.Err(err))
		return err
	}
	s.log.Debug("notification sent", logx.Int64("chat_id", to.ChatID), logx.Int("thread_id", to.ThreadID))
	return nil
}

// Counters returns totals for operational visibility.
func (s *Service) Counters() (sent, failed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, s.failed
}
