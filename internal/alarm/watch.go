package alarm

import (
	"context"
	"fmt"
	"time"

	"focusbot/internal/storage"
	kit "focusbot/internal/transport"
	logx "focusbot/pkg/logx"
)

// watch polls the owner's list until it empties or the loop is replaced.
func (s *Service) watch(ctx context.Context, owner int64, self *watchLoop) {
	defer s.wg.Done()
	defer close(self.done)
	// Releases the derived context on the drain exit path too, not only when
	// a replacement cancelled it.
	defer self.cancel()

	log := s.log.With(logx.Int64("owner", owner))
	log.Debug("watch loop started")

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("watch loop cancelled")
			return
		case <-ticker.C:
			if s.wake(owner, log) {
				// List is empty; the loop terminates rather than idling and is
				// restarted lazily on the next Set.
				s.mu.Lock()
				if s.loops[owner] == self {
					delete(s.loops, owner)
				}
				s.mu.Unlock()
				log.Debug("watch loop finished, no alarms left")
				return
			}
		}
	}
}

// wake fires every due alarm once and reports whether the list is now empty.
// "Now" is computed once per wake; due alarms are processed in stored order so
// simultaneous deadlines resolve deterministically, and the list is persisted
// once per wake, only when something fired.
func (s *Service) wake(owner int64, log logx.Logger) (empty bool) {
	now := s.now()

	s.mu.Lock()
	// Deliveries run on the service context, not the loop's. A Set that
	// replaces the loop mid-batch must not abort notifications already
	// removed from the list.
	ctx := s.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	list := s.alarms[owner]
	if len(list) == 0 {
		s.mu.Unlock()
		return true
	}

	var due, keep []storage.AlarmRecord
	for _, rec := range list {
		if !rec.FireAt.After(now) {
			due = append(due, rec)
		} else {
			keep = append(keep, rec)
		}
	}
	if len(due) == 0 {
		s.mu.Unlock()
		return false
	}

	if len(keep) == 0 {
		delete(s.alarms, owner)
	} else {
		s.alarms[owner] = keep
	}
	seq, snapshot := s.snapshotLocked()
	s.mu.Unlock()

	for _, rec := range due {
		// A failed delivery must not block the other due alarms: log and move on.
		if err := s.sink.Deliver(ctx, kit.ChatTarget{ChatID: rec.ChatID, ThreadID: rec.ThreadID}, s.renderFired(owner, rec)); err != nil {
			log.Warn("alarm notification failed", logx.Time("fire_at", rec.FireAt), logx.Err(err))
		} else {
			log.Info("alarm fired", logx.Time("fire_at", rec.FireAt))
		}
	}

	s.persist(ctx, seq, snapshot)
	return len(keep) == 0
}

func (s *Service) renderFired(owner int64, rec storage.AlarmRecord) string {
	display := rec.FireAt
	if loc, err := s.prefs.Timezone(owner); err == nil {
		display = display.In(loc)
	}

	text := fmt.Sprintf("⏰ ALARM! Your alarm for %s is ringing!\n%s", display.Format("15:04"), s.prefs.Sound(owner))
	if rec.Message != "" {
		text += "\n" + rec.Message
	}
	return text
}

// snapshotLocked clones the full alarm map and stamps it with a fresh
// sequence number. Callers hold s.mu; the stamp orders snapshots across Set,
// Cancel, Clear and loop fires so persist can drop a superseded one.
func (s *Service) snapshotLocked() (uint64, map[int64][]storage.AlarmRecord) {
	s.seq++
	out := make(map[int64][]storage.AlarmRecord, len(s.alarms))
	for owner, list := range s.alarms {
		cp := make([]storage.AlarmRecord, len(list))
		copy(cp, list)
		out[owner] = cp
	}
	return s.seq, out
}

// persist is write-through but soft: on storage failure the in-memory list
// stays authoritative for this process lifetime and the error is only logged.
// Writes are newest-wins: a snapshot taken before one that already reached
// persist is discarded, so a wake that finished its deliveries late cannot
// resurrect an alarm a concurrent Cancel or Clear removed.
func (s *Service) persist(ctx context.Context, seq uint64, snapshot map[int64][]storage.AlarmRecord) {
	if s.store == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if seq <= s.persistSeq {
		return
	}
	s.persistSeq = seq
	if err := s.store.SaveAlarms(ctx, snapshot); err != nil {
		s.log.Warn("alarms not persisted", logx.Err(err))
	}
}

// FormatUntil renders a time-remaining breakdown like the confirmations users
// see: "2 hours and 5 minutes", "1 day, 3 hours and 0 minutes".
func FormatUntil(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Minutes())
	days := total / (24 * 60)
	hours := (total / 60) % 24
	minutes := total % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%d %s, %d %s and %d %s",
			days, plural(days, "day"), hours, plural(hours, "hour"), minutes, plural(minutes, "minute"))
	case hours > 0:
		return fmt.Sprintf("%d %s and %d %s",
			hours, plural(hours, "hour"), minutes, plural(minutes, "minute"))
	default:
		return fmt.Sprintf("%d %s", minutes, plural(minutes, "minute"))
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return unit
	}
	return unit + "s"
}
