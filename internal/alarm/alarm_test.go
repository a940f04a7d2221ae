package alarm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"focusbot/internal/prefs"
	"focusbot/internal/storage"
	"focusbot/internal/timeparse"
	kit "focusbot/internal/transport"
	logx "focusbot/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock { return &fakeClock{now: start} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type delivery struct {
	To   kit.ChatTarget
	Text string
}

type fakeSink struct {
	ch chan delivery
}

func newFakeSink() *fakeSink { return &fakeSink{ch: make(chan delivery, 32)} }

func (f *fakeSink) Deliver(ctx context.Context, to kit.ChatTarget, text string) error {
	f.ch <- delivery{To: to, Text: text}
	return nil
}

func (f *fakeSink) waitOne(t *testing.T) delivery {
	t.Helper()
	select {
	case d := <-f.ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for alarm delivery")
		return delivery{}
	}
}

func (f *fakeSink) expectNone(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case d := <-f.ch:
		t.Fatalf("unexpected delivery: %+v", d)
	case <-time.After(within):
	}
}

func newTestService(t *testing.T, st storage.Store, clock *fakeClock) (*Service, *fakeSink, *prefs.Service) {
	t.Helper()
	pf := prefs.New(st, logx.Nop())
	sink := newFakeSink()
	svc := New(st, sink, pf, logx.Nop(), Options{Poll: 5 * time.Millisecond, Now: clock.Now})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
	return svc, sink, pf
}

func setZone(t *testing.T, pf *prefs.Service, owner int64, zone string) {
	t.Helper()
	if _, _, err := pf.SetTimezone(context.Background(), owner, zone); err != nil {
		t.Fatalf("SetTimezone: %v", err)
	}
}

func TestSetRequiresTimezone(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	svc, _, _ := newTestService(t, nil, clock)

	_, _, _, err := svc.Set(context.Background(), 1, "18:00", "tea", kit.ChatTarget{ChatID: 5})
	if !errors.Is(err, timeparse.ErrTimezoneRequired) {
		t.Fatalf("error = %v, want ErrTimezoneRequired", err)
	}
	if got := svc.List(1); len(got) != 0 {
		t.Fatalf("failed Set must not store, got %v", got)
	}
}

func TestSetListCancelClear(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	svc, _, pf := newTestService(t, nil, clock)
	setZone(t, pf, 1, "UTC")
	ctx := context.Background()
	dest := kit.ChatTarget{ChatID: 5}

	pos, fireAt, until, err := svc.Set(ctx, 1, "18:00", "tea", dest)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if pos != 1 {
		t.Fatalf("pos = %d, want 1", pos)
	}
	if fireAt.Hour() != 18 || fireAt.Day() != 1 {
		t.Fatalf("fireAt = %v", fireAt)
	}
	if until != 6*time.Hour {
		t.Fatalf("until = %v, want 6h", until)
	}

	if pos, _, _, err = svc.Set(ctx, 1, "19:30", "", dest); err != nil || pos != 2 {
		t.Fatalf("second Set = (%d, %v)", pos, err)
	}
	if pos, _, _, err = svc.Set(ctx, 1, "20:00", "walk", dest); err != nil || pos != 3 {
		t.Fatalf("third Set = (%d, %v)", pos, err)
	}

	if err := svc.Cancel(ctx, 1, 5); !errors.Is(err, ErrNoSuchAlarm) {
		t.Fatalf("Cancel out of range = %v, want ErrNoSuchAlarm", err)
	}
	if err := svc.Cancel(ctx, 1, 2); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got := svc.List(1)
	if len(got) != 2 {
		t.Fatalf("List len = %d, want 2", len(got))
	}
	// Renumbered: the 20:00 alarm moved up to position 2.
	if got[0].Position != 1 || got[0].Message != "tea" {
		t.Fatalf("List[0] = %+v", got[0])
	}
	if got[1].Position != 2 || got[1].Message != "walk" {
		t.Fatalf("List[1] = %+v", got[1])
	}

	if n := svc.Clear(ctx, 1); n != 2 {
		t.Fatalf("Clear = %d, want 2", n)
	}
	if n := svc.Clear(ctx, 1); n != 0 {
		t.Fatalf("Clear on empty = %d, want 0", n)
	}
	if got := svc.List(1); len(got) != 0 {
		t.Fatalf("List after Clear = %v", got)
	}
}

func TestAlarmFires(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	svc, sink, pf := newTestService(t, nil, clock)
	setZone(t, pf, 1, "UTC")
	ctx := context.Background()

	if _, _, _, err := svc.Set(ctx, 1, "12:05", "drink water", kit.ChatTarget{ChatID: 9, ThreadID: 3}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	sink.expectNone(t, 50*time.Millisecond)

	clock.Advance(6 * time.Minute)
	d := sink.waitOne(t)
	if d.To.ChatID != 9 || d.To.ThreadID != 3 {
		t.Fatalf("delivered to %+v", d.To)
	}
	if !strings.Contains(d.Text, "12:05") || !strings.Contains(d.Text, "drink water") {
		t.Fatalf("delivered text = %q", d.Text)
	}

	// The fired alarm is gone and nothing fires again.
	if got := svc.List(1); len(got) != 0 {
		t.Fatalf("List after fire = %v", got)
	}
	sink.expectNone(t, 50*time.Millisecond)
}

func TestSimultaneousAlarmsFireInStoredOrder(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	svc, sink, pf := newTestService(t, nil, clock)
	setZone(t, pf, 1, "UTC")
	ctx := context.Background()
	dest := kit.ChatTarget{ChatID: 9}

	for _, msg := range []string{"first", "second", "third"} {
		if _, _, _, err := svc.Set(ctx, 1, "13:00", msg, dest); err != nil {
			t.Fatalf("Set(%s): %v", msg, err)
		}
	}

	clock.Advance(2 * time.Hour)
	for _, want := range []string{"first", "second", "third"} {
		d := sink.waitOne(t)
		if !strings.Contains(d.Text, want) {
			t.Fatalf("delivery = %q, want %q batch order", d.Text, want)
		}
	}
	if got := svc.List(1); len(got) != 0 {
		t.Fatalf("List after batch fire = %v", got)
	}
}

func TestLoopRestartsAfterEmpty(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	svc, sink, pf := newTestService(t, nil, clock)
	setZone(t, pf, 1, "UTC")
	ctx := context.Background()
	dest := kit.ChatTarget{ChatID: 9}

	if _, _, _, err := svc.Set(ctx, 1, "12:30", "one", dest); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Hour)
	sink.waitOne(t)

	// The loop exited with the empty list; a new Set must revive it.
	if _, _, _, err := svc.Set(ctx, 1, "14:00", "two", dest); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Hour)
	d := sink.waitOne(t)
	if !strings.Contains(d.Text, "two") {
		t.Fatalf("delivery = %q, want second alarm", d.Text)
	}
}

func TestPastDueAlarmsFireAfterRestart(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ctx := context.Background()

	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := st.SaveAlarms(ctx, map[int64][]storage.AlarmRecord{
		1: {{ChatID: 9, FireAt: start.Add(-time.Hour), Message: "missed me"}},
	}); err != nil {
		t.Fatal(err)
	}

	clock := newFakeClock(start)
	svc, sink, _ := newTestService(t, st, clock)
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	d := sink.waitOne(t)
	if !strings.Contains(d.Text, "missed me") {
		t.Fatalf("delivery = %q", d.Text)
	}

	// The fired alarm is gone from storage too.
	saved, err := st.LoadAlarms(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(saved[1]) != 0 {
		t.Fatalf("storage still holds %v", saved[1])
	}
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	svc, _, pf := newTestService(t, nil, clock)
	setZone(t, pf, 1, "UTC")

	if _, _, _, err := svc.Set(context.Background(), 1, "13:00", "", kit.ChatTarget{ChatID: 9}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	svc.Stop(ctx)
	svc.Stop(ctx)
}

// gatedSink holds every delivery open until the test releases the gate, so
// tests can interleave list mutations with an in-flight fire batch.
type gatedSink struct {
	entered chan delivery
	gate    chan struct{}
}

func newGatedSink() *gatedSink {
	return &gatedSink{entered: make(chan delivery, 32), gate: make(chan struct{})}
}

func (g *gatedSink) Deliver(ctx context.Context, to kit.ChatTarget, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.entered <- delivery{To: to, Text: text}
	select {
	case <-g.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gatedSink) waitEntered(t *testing.T) delivery {
	t.Helper()
	select {
	case d := <-g.entered:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a delivery to start")
		return delivery{}
	}
}

func waitForStoredAlarmCount(t *testing.T, st storage.Store, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		saved, err := st.LoadAlarms(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		n := 0
		for _, list := range saved {
			n += len(list)
		}
		if n == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("storage holds %d alarms, want %d", n, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCancelDuringFireBatchStaysDurable(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ctx := context.Background()

	clock := newFakeClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	pf := prefs.New(st, logx.Nop())
	sink := newGatedSink()
	svc := New(st, sink, pf, logx.Nop(), Options{Poll: 5 * time.Millisecond, Now: clock.Now})
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		svc.Stop(sctx)
	})
	setZone(t, pf, 1, "UTC")
	dest := kit.ChatTarget{ChatID: 9}

	if _, _, _, err := svc.Set(ctx, 1, "12:01", "due", dest); err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := svc.Set(ctx, 1, "18:00", "later", dest); err != nil {
		t.Fatal(err)
	}

	// The wake removes the due alarm and blocks delivering it; its snapshot
	// still contains the 18:00 alarm.
	clock.Advance(2 * time.Minute)
	if d := sink.waitEntered(t); !strings.Contains(d.Text, "due") {
		t.Fatalf("in-flight delivery = %q", d.Text)
	}

	// Cancel the remaining alarm while the batch is still delivering. The
	// renumbered list puts it at position 1.
	cancelled := make(chan error, 1)
	go func() { cancelled <- svc.Cancel(ctx, 1, 1) }()
	waitForStoredAlarmCount(t, st, 0)

	close(sink.gate)
	select {
	case err := <-cancelled:
		if err != nil {
			t.Fatalf("Cancel: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Cancel did not return")
	}

	// The wake's pre-cancel snapshot must not win over the cancellation.
	saved, err := st.LoadAlarms(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(saved[1]) != 0 {
		t.Fatalf("cancelled alarm resurrected in storage: %v", saved[1])
	}
}

func TestLoopReplacementKeepsBatchDelivering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	pf := prefs.New(nil, logx.Nop())
	sink := newGatedSink()
	svc := New(nil, sink, pf, logx.Nop(), Options{Poll: 5 * time.Millisecond, Now: clock.Now})
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		svc.Stop(sctx)
	})
	setZone(t, pf, 1, "UTC")
	dest := kit.ChatTarget{ChatID: 9}

	if _, _, _, err := svc.Set(ctx, 1, "13:00", "first", dest); err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := svc.Set(ctx, 1, "13:00", "second", dest); err != nil {
		t.Fatal(err)
	}

	clock.Advance(2 * time.Hour)
	if d := sink.waitEntered(t); !strings.Contains(d.Text, "first") {
		t.Fatalf("in-flight delivery = %q", d.Text)
	}

	svc.mu.Lock()
	prev := svc.loops[1]
	svc.mu.Unlock()

	// A Set mid-batch replaces the loop, cancelling the old loop's context.
	setDone := make(chan error, 1)
	go func() {
		_, _, _, err := svc.Set(ctx, 1, "18:00", "later", dest)
		setDone <- err
	}()
	waitForContextDone(t, prev.ctx)

	// Both batch alarms were already removed from the list; the second must
	// still be delivered despite the replacement.
	close(sink.gate)
	if d := sink.waitEntered(t); !strings.Contains(d.Text, "second") {
		t.Fatalf("delivery after replacement = %q", d.Text)
	}

	select {
	case err := <-setDone:
		if err != nil {
			t.Fatalf("Set: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Set did not return")
	}

	got := svc.List(1)
	if len(got) != 1 || got[0].Message != "later" {
		t.Fatalf("List after batch = %v", got)
	}
}

func TestDrainedLoopReleasesItsContext(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	svc, sink, pf := newTestService(t, nil, clock)
	setZone(t, pf, 1, "UTC")

	if _, _, _, err := svc.Set(context.Background(), 1, "12:30", "one", kit.ChatTarget{ChatID: 9}); err != nil {
		t.Fatal(err)
	}
	svc.mu.Lock()
	l := svc.loops[1]
	svc.mu.Unlock()

	clock.Advance(time.Hour)
	sink.waitOne(t)

	// The loop exits because the list drained; its derived context must be
	// released, not just abandoned.
	waitForContextDone(t, l.ctx)
}

func waitForContextDone(t *testing.T, ctx context.Context) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for ctx.Err() == nil {
		if time.Now().After(deadline) {
			t.Fatal("context never released")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestFormatUntil(t *testing.T) {
	t.Parallel()
	tests := []struct {
		d    time.Duration
		want string
	}{
		{d: 5 * time.Minute, want: "5 minutes"},
		{d: time.Minute, want: "1 minute"},
		{d: 0, want: "0 minutes"},
		{d: -time.Minute, want: "0 minutes"},
		{d: 2*time.Hour + 5*time.Minute, want: "2 hours and 5 minutes"},
		{d: time.Hour, want: "1 hour and 0 minutes"},
		{d: 26*time.Hour + 3*time.Minute, want: "1 day, 2 hours and 3 minutes"},
		{d: 49 * time.Hour, want: "2 days, 1 hour and 0 minutes"},
	}
	for _, tt := range tests {
		if got := FormatUntil(tt.d); got != tt.want {
			t.Errorf("FormatUntil(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
