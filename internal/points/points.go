// Package points tracks productivity points earned from completed focus
// sessions. The store is read by the daily rollup and written by concurrent
// session completions, so every read-modify-write happens under one lock.
// In particular the rollup's snapshot-and-reset is atomic relative to awards.
package points

import (
	"context"
	"sync"
	"time"

	"focusbot/internal/storage"
	logx "focusbot/pkg/logx"
)

// Standing is one owner's entry in a leaderboard snapshot.
type Standing struct {
	Owner  int64
	Points int
}

type Store struct {
	log     logx.Logger
	backing storage.Store
	now     func() time.Time

	mu      sync.Mutex
	records map[int64]storage.PointsRecord
	// order holds owners by first appearance; it makes leaderboard tie-breaks
	// deterministic.
	order []int64
	// seq stamps snapshots taken under mu so persist can order them.
	seq uint64

	persistMu  sync.Mutex
	persistSeq uint64
}

func New(backing storage.Store, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		log:     log,
		backing: backing,
		now:     time.Now,
		records: map[int64]storage.PointsRecord{},
	}
}

// SetClock overrides the time source. Tests only.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Load replaces in-memory state with the store's last-written snapshot.
func (s *Store) Load(ctx context.Context) error {
	if s.backing == nil {
		return nil
	}
	recs, err := s.backing.LoadPoints(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.records = recs
	s.order = sortedOwners(recs)
	s.mu.Unlock()
	s.log.Info("point records loaded", logx.Int("owners", len(recs)))
	return nil
}

// Award credits a completed session: 1 point per minute. If the record's last
// reset is from a previous day the record self-resets first, so a missed
// rollup can't leak yesterday's points into today.
func (s *Store) Award(ctx context.Context, owner int64, minutes int) (earned, total int) {
	now := s.now()

	s.mu.Lock()
	rec, ok := s.records[owner]
	if !ok {
		s.order = append(s.order, owner)
		rec = storage.PointsRecord{LastReset: now}
	}
	if !sameDay(rec.LastReset, now) {
		rec.Points = 0
		rec.Sessions = nil
		rec.LastReset = now
	}

	earned = minutes
	rec.Points += earned
	rec.Sessions = append(rec.Sessions, storage.SessionEntry{Minutes: minutes, CompletedAt: now})
	s.records[owner] = rec
	total = rec.Points
	seq, snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(ctx, seq, snapshot)
	s.log.Info("points awarded", logx.Int64("owner", owner), logx.Int("earned", earned), logx.Int("total", total))
	return earned, total
}

// Today returns the owner's current point total.
func (s *Store) Today(owner int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[owner].Points
}

// Standings returns owners with points > 0, ranked descending; ties keep
// first-appearance order. Read-only: state is untouched.
func (s *Store) Standings() []Standing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.standingsLocked()
}

// SnapshotAndReset atomically takes the current standings and zeroes every
// record (points, session log, reset date). Used by the daily rollup.
func (s *Store) SnapshotAndReset(ctx context.Context) []Standing {
	now := s.now()

	s.mu.Lock()
	standings := s.standingsLocked()
	for owner, rec := range s.records {
		rec.Points = 0
		rec.Sessions = nil
		rec.LastReset = now
		s.records[owner] = rec
	}
	seq, snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(ctx, seq, snapshot)
	return standings
}

func (s *Store) standingsLocked() []Standing {
	out := make([]Standing, 0, len(s.order))
	for _, owner := range s.order {
		if rec, ok := s.records[owner]; ok && rec.Points > 0 {
			out = append(out, Standing{Owner: owner, Points: rec.Points})
		}
	}
	// Insertion sort keeps equal-point owners in first-appearance order.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Points > out[j-1].Points; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// snapshotLocked clones the records and stamps the clone with a fresh
// sequence number; callers hold s.mu.
func (s *Store) snapshotLocked() (uint64, map[int64]storage.PointsRecord) {
	s.seq++
	out := make(map[int64]storage.PointsRecord, len(s.records))
	for k, v := range s.records {
		sessions := make([]storage.SessionEntry, len(v.Sessions))
		copy(sessions, v.Sessions)
		v.Sessions = sessions
		out[k] = v
	}
	return s.seq, out
}

// persist is write-through but soft: a storage failure keeps the in-memory
// state authoritative for this process lifetime. Writes are newest-wins so
// an Award racing the rollup's reset cannot write a pre-reset snapshot over
// the reset one.
func (s *Store) persist(ctx context.Context, seq uint64, snapshot map[int64]storage.PointsRecord) {
	if s.backing == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if seq <= s.persistSeq {
		return
	}
	s.persistSeq = seq
	if err := s.backing.SavePoints(ctx, snapshot); err != nil {
		s.log.Warn("point records not persisted", logx.Err(err))
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func sortedOwners(m map[int64]storage.PointsRecord) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
