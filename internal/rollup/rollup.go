// Package rollup runs the daily leaderboard: one long-lived loop that sleeps
// until a fixed wall-clock hour, publishes the day's standings, and resets
// every point record.
package rollup

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"focusbot/internal/notify"
	"focusbot/internal/points"
	kit "focusbot/internal/transport"
	logx "focusbot/pkg/logx"
)

const topN = 10

// refireBuffer keeps the loop from firing twice within the same wall-clock
// minute after a rollup completes.
const refireBuffer = 60 * time.Second

type Config struct {
	Hour     int    // default 23
	Minute   int    // default 0
	Timezone string // reference zone for the wall-clock target; default UTC
	ChatID   int64  // fixed destination; 0 means use the last-seen one
	ThreadID int
}

type Service struct {
	log    logx.Logger
	sink   notify.Sink
	points *points.Store
	loc    *time.Location
	sched  cron.Schedule
	now    func() time.Time

	mu       sync.Mutex
	cfgDest  kit.ChatTarget
	lastSeen kit.ChatTarget
	names    map[int64]string
}

func New(cfg Config, sink notify.Sink, pts *points.Store, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	hour := cfg.Hour
	if hour < 0 || hour > 23 {
		hour = 23
	}
	minute := cfg.Minute
	if minute < 0 || minute > 59 {
		minute = 0
	}

	loc := time.UTC
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			log.Warn("invalid rollup timezone, falling back to UTC", logx.String("tz", tz), logx.Err(err))
		} else {
			loc = l
		}
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(fmt.Sprintf("%d %d * * *", minute, hour))
	if err != nil {
		return nil, err
	}

	return &Service{
		log:     log,
		sink:    sink,
		points:  pts,
		loc:     loc,
		sched:   sched,
		now:     time.Now,
		cfgDest: kit.ChatTarget{ChatID: cfg.ChatID, ThreadID: cfg.ThreadID},
		names:   map[int64]string{},
	}, nil
}

// SetClock overrides the time source. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// ObserveDestination records the most recent destination the bot talked in;
// used when no fixed rollup destination is configured.
func (s *Service) ObserveDestination(dest kit.ChatTarget) {
	if dest.IsZero() {
		return
	}
	s.mu.Lock()
	s.lastSeen = dest
	s.mu.Unlock()
}

// ObserveUser remembers a display name for an owner so the leaderboard can
// show names instead of raw ids.
func (s *Service) ObserveUser(owner int64, username string) {
	if username == "" {
		return
	}
	s.mu.Lock()
	s.names[owner] = username
	s.mu.Unlock()
}

func (s *Service) nameFor(owner int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name := s.names[owner]; name != "" {
		return name
	}
	return fmt.Sprintf("user %d", owner)
}

// Current renders today's standings so far without resetting them.
// ok is false when nobody has scored yet.
func (s *Service) Current() (text string, ok bool) {
	standings := s.points.Standings()
	if len(standings) == 0 {
		return "", false
	}
	return Render(s.now().In(s.loc), standings, s.nameFor), true
}

// NextFire returns the next rollup instant strictly after t.
func (s *Service) NextFire(t time.Time) time.Time {
	return s.sched.Next(t.In(s.loc))
}

// Run is the rollup loop. It exits only when ctx is cancelled; errors inside
// one cycle are logged and the loop keeps going.
func (s *Service) Run(ctx context.Context) error {
	for {
		now := s.now()
		next := s.NextFire(now)
		s.log.Info("rollup scheduled", logx.Time("at", next), logx.Duration("in", next.Sub(now)))

		wait := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			wait.Stop()
			return ctx.Err()
		case <-wait.C:
		}

		s.Fire(ctx)

		// Buffer before recomputing the target so we can't land on the same
		// minute twice.
		buffer := time.NewTimer(refireBuffer)
		select {
		case <-ctx.Done():
			buffer.Stop()
			return ctx.Err()
		case <-buffer.C:
		}
	}
}

// Fire publishes the leaderboard and resets all point records. With no known
// destination the reset is skipped too: the day's points stay counted until a
// cycle that can actually report them.
func (s *Service) Fire(ctx context.Context) {
	dest := s.destination()
	if dest.IsZero() {
		s.log.Warn("no destination for rollup, skipping reset")
		return
	}

	if len(s.points.Standings()) == 0 {
		s.log.Info("no points recorded today, skipping leaderboard")
		return
	}

	standings := s.points.SnapshotAndReset(ctx)
	if len(standings) == 0 {
		return
	}

	text := Render(s.now().In(s.loc), standings, s.nameFor)
	if err := s.sink.Deliver(ctx, dest, text); err != nil {
		s.log.Warn("leaderboard delivery failed", logx.Err(err))
	} else {
		s.log.Info("leaderboard sent", logx.Int("entries", len(standings)), logx.Int64("chat_id", dest.ChatID))
	}
}

func (s *Service) destination() kit.ChatTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfgDest.IsZero() {
		return s.cfgDest
	}
	return s.lastSeen
}

// Render formats the top-N leaderboard. Standings must already be ranked;
// nameFor maps an owner id to a display name.
func Render(date time.Time, standings []points.Standing, nameFor func(int64) string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🏆 Daily Productivity Leaderboard — %s\n", date.Format("January 2, 2006"))

	medals := []string{"🥇", "🥈", "🥉"}
	for i, st := range standings {
		if i >= topN {
			break
		}
		prefix := fmt.Sprintf("%d.", i+1)
		if i < len(medals) {
			prefix = medals[i]
		}
		fmt.Fprintf(&b, "%s %s — %d points\n", prefix, nameFor(st.Owner), st.Points)
	}

	b.WriteString("\nPoints reset for tomorrow. Keep up the great work!")
	return b.String()
}
