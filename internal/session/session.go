// Package session runs focus-session timers: at most one per owner, awarding
// points on natural completion and nothing on cancellation.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"focusbot/internal/notify"
	"focusbot/internal/points"
	"focusbot/internal/prefs"
	kit "focusbot/internal/transport"
	logx "focusbot/pkg/logx"
)

const (
	MinMinutes = 1
	MaxMinutes = 120
)

// ErrBadDuration is returned for session lengths outside [MinMinutes, MaxMinutes].
var ErrBadDuration = fmt.Errorf("session length must be between %d and %d minutes", MinMinutes, MaxMinutes)

// ErrNoActiveTimer is returned by Cancel and Status when nothing is running.
var ErrNoActiveTimer = errors.New("no active session")

// ActiveSessionError rejects a second concurrent session for the same owner,
// surfacing the remaining time of the current one.
type ActiveSessionError struct {
	Remaining time.Duration
}

func (e *ActiveSessionError) Error() string {
	return fmt.Sprintf("a session is already running (%s left)", e.Remaining.Round(time.Second))
}

// Status is a read-only view of an owner's running session.
type Status struct {
	Minutes   int
	StartedAt time.Time
	Remaining time.Duration
}

type timer struct {
	id        string
	owner     int64
	dest      kit.ChatTarget
	minutes   int
	startedAt time.Time
	deadline  time.Time
	cancel    context.CancelFunc
}

type Service struct {
	log    logx.Logger
	sink   notify.Sink
	prefs  *prefs.Service
	points *points.Store
	now    func() time.Time
	// minute is the wall-clock length of one session minute. Tests shrink it.
	minute time.Duration

	mu      sync.Mutex
	baseCtx context.Context
	active  map[int64]*timer

	wg sync.WaitGroup
}

func New(sink notify.Sink, pf *prefs.Service, pts *points.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:    log,
		sink:   sink,
		prefs:  pf,
		points: pts,
		now:    time.Now,
		minute: time.Minute,
		active: map[int64]*timer{},
	}
}

// SetClock overrides the time source and minute length. Tests only.
func (s *Service) SetClock(now func() time.Time, minute time.Duration) {
	s.now = now
	s.minute = minute
}

// Start begins the service; session timers launched later are children of ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
}

// Stop cancels every running timer without awarding points and waits for the
// timer goroutines to exit.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	timers := make([]*timer, 0, len(s.active))
	for owner, t := range s.active {
		timers = append(timers, t)
		delete(s.active, owner)
	}
	s.mu.Unlock()

	for _, t := range timers {
		t.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}
}

// Begin starts a session of the given length. It rejects lengths outside
// [MinMinutes, MaxMinutes] and rejects a second session while one is running
// (the error carries the current session's remaining time).
func (s *Service) Begin(owner int64, minutes int, dest kit.ChatTarget) error {
	if minutes < MinMinutes || minutes > MaxMinutes {
		return ErrBadDuration
	}

	now := s.now()

	s.mu.Lock()
	if existing := s.active[owner]; existing != nil {
		remaining := existing.deadline.Sub(now)
		s.mu.Unlock()
		return &ActiveSessionError{Remaining: remaining}
	}

	base := s.baseCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	t := &timer{
		id:        uuid.NewString(),
		owner:     owner,
		dest:      dest,
		minutes:   minutes,
		startedAt: now,
		deadline:  now.Add(time.Duration(minutes) * s.minute),
		cancel:    cancel,
	}
	s.active[owner] = t
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx, t)

	s.log.Info("session started", logx.Int64("owner", owner), logx.Int("minutes", minutes), logx.String("session", t.id))
	return nil
}

// Cancel stops the owner's running session. No points are awarded.
func (s *Service) Cancel(owner int64) error {
	s.mu.Lock()
	t := s.active[owner]
	if t == nil {
		s.mu.Unlock()
		return ErrNoActiveTimer
	}
	delete(s.active, owner)
	s.mu.Unlock()

	// Cancelling twice, or cancelling a timer that just completed, is a no-op
	// at the context level; the run goroutine's re-check handles the race.
	t.cancel()
	s.log.Info("session cancelled", logx.Int64("owner", owner), logx.String("session", t.id))
	return nil
}

// Current reports the owner's running session, or ErrNoActiveTimer.
func (s *Service) Current(owner int64) (Status, error) {
	s.mu.Lock()
	t := s.active[owner]
	s.mu.Unlock()

	if t == nil {
		return Status{}, ErrNoActiveTimer
	}
	return Status{
		Minutes:   t.minutes,
		StartedAt: t.startedAt,
		Remaining: t.deadline.Sub(s.now()),
	}, nil
}

// run sleeps until the deadline, then completes the session unless it was
// cancelled meanwhile. Cleanup is unconditional on every exit path.
func (s *Service) run(ctx context.Context, t *timer) {
	defer s.wg.Done()
	defer s.remove(t)
	defer t.cancel()

	sleep := time.NewTimer(t.deadline.Sub(s.now()))
	defer sleep.Stop()

	select {
	case <-ctx.Done():
		return
	case <-sleep.C:
	}

	// Race against a concurrent Cancel: if we are no longer the active timer,
	// the session was cancelled and nothing may be awarded.
	s.mu.Lock()
	current := s.active[t.owner]
	if current == nil || current.id != t.id {
		s.mu.Unlock()
		return
	}
	delete(s.active, t.owner)
	s.mu.Unlock()

	earned, total := s.points.Award(ctx, t.owner, t.minutes)

	// Notification failure still counts the session; cleanup already ran.
	if err := s.sink.Deliver(ctx, t.dest, s.renderComplete(t, earned, total)); err != nil {
		s.log.Warn("session notification failed", logx.Int64("owner", t.owner), logx.Err(err))
	}

	s.log.Info("session completed", logx.Int64("owner", t.owner), logx.Int("minutes", t.minutes), logx.Int("points", earned))
}

// remove drops t from the active set if it is still the registered timer.
func (s *Service) remove(t *timer) {
	s.mu.Lock()
	if current := s.active[t.owner]; current != nil && current.id == t.id {
		delete(s.active, t.owner)
	}
	s.mu.Unlock()
}

func (s *Service) renderComplete(t *timer, earned, total int) string {
	return fmt.Sprintf(
		"🍅 Focus session complete! Your %d minute session is done.\n%s\n🏆 You earned %d points — %d today. Time for a 5-minute break!",
		t.minutes, s.prefs.Sound(t.owner), earned, total)
}
