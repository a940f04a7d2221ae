// Package alarm owns per-user alarm lists and the watch loops that fire them.
//
// Each owner with pending alarms has exactly one watch loop. Starting a loop
// for an owner who already has one replaces it (cancel predecessor, start
// successor), since two loops for the same owner would double-fire. A loop
// terminates once its owner's list is empty and is restarted lazily on the
// next Set.
package alarm

import (
	"context"
	"errors"
	"sync"
	"time"

	"focusbot/internal/notify"
	"focusbot/internal/prefs"
	"focusbot/internal/storage"
	"focusbot/internal/timeparse"
	kit "focusbot/internal/transport"
	logx "focusbot/pkg/logx"
)

// ErrNoSuchAlarm is returned when a position is outside the owner's current list.
var ErrNoSuchAlarm = errors.New("no alarm with that number")

const defaultPoll = 10 * time.Second

// Entry is a read-only view of one pending alarm. Position is the user-facing
// id: 1-based, renumbered on every list mutation.
type Entry struct {
	Position int
	FireAt   time.Time
	Message  string
}

type Service struct {
	log   logx.Logger
	store storage.Store
	sink  notify.Sink
	prefs *prefs.Service
	now   func() time.Time
	poll  time.Duration

	mu      sync.Mutex
	baseCtx context.Context
	alarms  map[int64][]storage.AlarmRecord
	loops   map[int64]*watchLoop
	// seq stamps snapshots taken under mu so persist can order them.
	seq uint64

	// persistMu serializes storage writes; persistSeq is the newest snapshot
	// handed to persist so far.
	persistMu  sync.Mutex
	persistSeq uint64

	wg sync.WaitGroup
}

type watchLoop struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type Options struct {
	Poll time.Duration
	// Now overrides the time source. Tests only.
	Now func() time.Time
}

func New(store storage.Store, sink notify.Sink, pf *prefs.Service, log logx.Logger, opt Options) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	poll := opt.Poll
	if poll <= 0 {
		poll = defaultPoll
	}
	now := opt.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		log:    log,
		store:  store,
		sink:   sink,
		prefs:  pf,
		now:    now,
		poll:   poll,
		alarms: map[int64][]storage.AlarmRecord{},
		loops:  map[int64]*watchLoop{},
	}
}

// Start loads persisted alarms and resumes a watch loop for every owner that
// has any. Alarms whose deadline passed while the process was down fire on
// the first wake; they are never silently dropped.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	if s.store != nil {
		all, err := s.store.LoadAlarms(ctx)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.alarms = all
		owners := make([]int64, 0, len(all))
		for owner, list := range all {
			if len(list) > 0 {
				owners = append(owners, owner)
			}
		}
		s.mu.Unlock()

		for _, owner := range owners {
			s.ensureLoop(owner)
		}
		s.log.Info("alarms loaded", logx.Int("owners", len(owners)))
	}
	return nil
}

// Stop cancels every watch loop and waits for them to exit. Idempotent.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	loops := make([]*watchLoop, 0, len(s.loops))
	for owner, l := range s.loops {
		loops = append(loops, l)
		delete(s.loops, owner)
	}
	s.mu.Unlock()

	for _, l := range loops {
		l.cancel()
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

// Set schedules an alarm at the given time of day in the owner's registered
// timezone. It returns the new entry's 1-based position, the resolved instant,
// and the time remaining until it fires.
//
// Errors: timeparse.ErrBadTimeSpec, timeparse.ErrTimezoneRequired.
func (s *Service) Set(ctx context.Context, owner int64, timeSpec, message string, dest kit.ChatTarget) (pos int, fireAt time.Time, until time.Duration, err error) {
	loc, err := s.prefs.Timezone(owner)
	if err != nil {
		return 0, time.Time{}, 0, err
	}

	now := s.now()
	fireAt, err = timeparse.Resolve(timeSpec, loc, now)
	if err != nil {
		return 0, time.Time{}, 0, err
	}

	s.mu.Lock()
	s.alarms[owner] = append(s.alarms[owner], storage.AlarmRecord{
		ChatID:   dest.ChatID,
		ThreadID: dest.ThreadID,
		FireAt:   fireAt,
		Message:  message,
	})
	pos = len(s.alarms[owner])
	seq, snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(ctx, seq, snapshot)
	s.ensureLoop(owner)

	s.log.Info("alarm set", logx.Int64("owner", owner), logx.Int("position", pos), logx.Time("fire_at", fireAt))
	return pos, fireAt, fireAt.Sub(now), nil
}

// List returns a snapshot of the owner's pending alarms in stored order.
func (s *Service) List(owner int64) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.alarms[owner]
	out := make([]Entry, 0, len(list))
	for i, rec := range list {
		out = append(out, Entry{Position: i + 1, FireAt: rec.FireAt, Message: rec.Message})
	}
	return out
}

// Cancel removes the alarm at the given 1-based position. Remaining alarms are
// renumbered; the owner's loop is stopped if the list became empty, otherwise
// replaced.
func (s *Service) Cancel(ctx context.Context, owner int64, position int) error {
	s.mu.Lock()
	list := s.alarms[owner]
	if position < 1 || position > len(list) {
		s.mu.Unlock()
		return ErrNoSuchAlarm
	}
	s.alarms[owner] = append(list[:position-1], list[position:]...)
	empty := len(s.alarms[owner]) == 0
	if empty {
		delete(s.alarms, owner)
	}
	seq, snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(ctx, seq, snapshot)
	if empty {
		s.stopLoop(owner)
	} else {
		// Positions shifted; replacing the loop is cheap and keeps its view fresh.
		s.ensureLoop(owner)
	}

	s.log.Info("alarm cancelled", logx.Int64("owner", owner), logx.Int("position", position))
	return nil
}

// Clear removes all of the owner's alarms and stops their loop.
// It returns how many were removed.
func (s *Service) Clear(ctx context.Context, owner int64) int {
	s.mu.Lock()
	n := len(s.alarms[owner])
	delete(s.alarms, owner)
	seq, snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if n > 0 {
		s.persist(ctx, seq, snapshot)
	}
	s.stopLoop(owner)

	if n > 0 {
		s.log.Info("alarms cleared", logx.Int64("owner", owner), logx.Int("count", n))
	}
	return n
}

// ensureLoop starts the owner's watch loop, replacing any existing one.
func (s *Service) ensureLoop(owner int64) {
	s.mu.Lock()
	prev := s.loops[owner]
	base := s.baseCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	l := &watchLoop{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	s.loops[owner] = l
	s.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
	}

	s.wg.Add(1)
	go s.watch(ctx, owner, l)
}

// stopLoop cancels the owner's loop if one is running. Idempotent: stopping a
// finished or missing loop is a no-op.
func (s *Service) stopLoop(owner int64) {
	s.mu.Lock()
	l := s.loops[owner]
	delete(s.loops, owner)
	s.mu.Unlock()

	if l == nil {
		return
	}
	l.cancel()
	<-l.done
}
