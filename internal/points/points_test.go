package points

import (
	"context"
	"testing"
	"time"

	logx "focusbot/pkg/logx"
)

func TestAwardAccumulates(t *testing.T) {
	t.Parallel()
	s := New(nil, logx.Nop())
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return base })

	earned, total := s.Award(context.Background(), 1, 25)
	if earned != 25 || total != 25 {
		t.Fatalf("first award = (%d, %d), want (25, 25)", earned, total)
	}
	earned, total = s.Award(context.Background(), 1, 10)
	if earned != 10 || total != 35 {
		t.Fatalf("second award = (%d, %d), want (10, 35)", earned, total)
	}
	if got := s.Today(1); got != 35 {
		t.Fatalf("Today = %d, want 35", got)
	}
	if got := s.Today(2); got != 0 {
		t.Fatalf("Today for unknown owner = %d, want 0", got)
	}
}

func TestAwardResetsOnDayRollover(t *testing.T) {
	t.Parallel()
	s := New(nil, logx.Nop())
	now := time.Date(2026, 4, 1, 23, 50, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	s.Award(context.Background(), 1, 30)

	// Next award lands on the following day; yesterday's total must not leak.
	now = now.Add(20 * time.Minute)
	earned, total := s.Award(context.Background(), 1, 15)
	if earned != 15 || total != 15 {
		t.Fatalf("post-midnight award = (%d, %d), want (15, 15)", earned, total)
	}
}

func TestStandingsRankingAndTies(t *testing.T) {
	t.Parallel()
	s := New(nil, logx.Nop())
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return base })
	ctx := context.Background()

	s.Award(ctx, 10, 5)  // first seen, 5 points
	s.Award(ctx, 20, 50) // 50 points
	s.Award(ctx, 30, 5)  // ties with 10, seen later
	s.Award(ctx, 40, 20) // 20 points

	got := s.Standings()
	wantOwners := []int64{20, 40, 10, 30}
	if len(got) != len(wantOwners) {
		t.Fatalf("Standings len = %d, want %d", len(got), len(wantOwners))
	}
	for i, owner := range wantOwners {
		if got[i].Owner != owner {
			t.Fatalf("Standings[%d].Owner = %d, want %d (full: %+v)", i, got[i].Owner, owner, got)
		}
	}
}

func TestStandingsExcludesZero(t *testing.T) {
	t.Parallel()
	s := New(nil, logx.Nop())
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return base })

	s.Award(context.Background(), 1, 10)
	s.SnapshotAndReset(context.Background())

	if got := s.Standings(); len(got) != 0 {
		t.Fatalf("Standings after reset = %+v, want empty", got)
	}
}

func TestSnapshotAndReset(t *testing.T) {
	t.Parallel()
	s := New(nil, logx.Nop())
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return base })
	ctx := context.Background()

	s.Award(ctx, 1, 25)
	s.Award(ctx, 2, 45)

	snap := s.SnapshotAndReset(ctx)
	if len(snap) != 2 {
		t.Fatalf("snapshot len = %d, want 2", len(snap))
	}
	if snap[0].Owner != 2 || snap[0].Points != 45 {
		t.Fatalf("snapshot[0] = %+v, want owner 2 with 45", snap[0])
	}
	if got := s.Today(1); got != 0 {
		t.Fatalf("Today after reset = %d, want 0", got)
	}

	// Points awarded after the reset start from zero again.
	_, total := s.Award(ctx, 1, 5)
	if total != 5 {
		t.Fatalf("total after reset = %d, want 5", total)
	}
}
