package router

import (
	"context"
	"strings"
	"testing"
	"time"

	"focusbot/internal/alarm"
	"focusbot/internal/notify"
	"focusbot/internal/points"
	"focusbot/internal/prefs"
	"focusbot/internal/rollup"
	"focusbot/internal/session"
	kit "focusbot/internal/transport"
	logx "focusbot/pkg/logx"
)

type sent struct {
	To   kit.ChatTarget
	Text string
}

type fakeAdapter struct {
	ch chan sent
}

func newFakeAdapter() *fakeAdapter { return &fakeAdapter{ch: make(chan sent, 32)} }

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                         { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.ch <- sent{To: to, Text: text}
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeAdapter) waitReply(t *testing.T) sent {
	t.Helper()
	select {
	case s := <-f.ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
		return sent{}
	}
}

func (f *fakeAdapter) expectSilence(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case s := <-f.ch:
		t.Fatalf("unexpected reply: %+v", s)
	case <-time.After(within):
	}
}

type harness struct {
	adapter *fakeAdapter
	updates chan kit.Update
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ad := newFakeAdapter()
	sink := notify.New(notify.Config{RatePerSec: 1000}, ad, logx.Nop())

	pf := prefs.New(nil, logx.Nop())
	pts := points.New(nil, logx.Nop())
	alarms := alarm.New(nil, sink, pf, logx.Nop(), alarm.Options{Poll: 5 * time.Millisecond})
	sessions := session.New(sink, pf, pts, logx.Nop())
	sessions.SetClock(time.Now, time.Millisecond)
	roll, err := rollup.New(rollup.Config{Hour: 23}, sink, pts, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}

	r := New(logx.Nop(), ad, &Services{
		Alarms:   alarms,
		Sessions: sessions,
		Prefs:    pf,
		Points:   pts,
		Rollup:   roll,
		Notify:   sink,
	})

	ctx, cancel := context.WithCancel(context.Background())
	sessions.Start(ctx)
	updates := make(chan kit.Update, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.DispatchLoop(ctx, updates)
	}()
	t.Cleanup(func() {
		cancel()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		sessions.Stop(stopCtx)
		alarms.Stop(stopCtx)
		<-done
	})

	return &harness{adapter: ad, updates: updates}
}

func (h *harness) send(text string) {
	h.updates <- kit.Update{Message: &kit.Message{
		ChatID:       100,
		FromID:       7,
		FromUsername: "ana",
		Text:         text,
	}}
}

func TestNonCommandsAreIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.send("hello there")
	h.send("/unknowncommand")
	h.adapter.expectSilence(t, 100*time.Millisecond)
}

func TestTimezoneFlow(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.send("/settimezone est")
	reply := h.adapter.waitReply(t)
	if !strings.Contains(reply.Text, "US/Eastern") {
		t.Fatalf("reply = %q, want canonical zone", reply.Text)
	}
	if reply.To.ChatID != 100 {
		t.Fatalf("reply chat = %+v", reply.To)
	}

	h.send("/settimezone")
	reply = h.adapter.waitReply(t)
	if !strings.Contains(reply.Text, "US/Eastern") {
		t.Fatalf("status reply = %q", reply.Text)
	}

	h.send("/settimezone atlantis")
	reply = h.adapter.waitReply(t)
	if !strings.Contains(reply.Text, "Unknown timezone") {
		t.Fatalf("unknown zone reply = %q", reply.Text)
	}
}

func TestAlarmFlowThroughCommands(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	// No timezone yet: the alarm must be refused with guidance.
	h.send("/alarm 18:00 tea")
	reply := h.adapter.waitReply(t)
	if !strings.Contains(reply.Text, "timezone") {
		t.Fatalf("reply = %q, want timezone guidance", reply.Text)
	}

	h.send("/settimezone utc")
	h.adapter.waitReply(t)

	h.send("/alarm 18:00 tea")
	reply = h.adapter.waitReply(t)
	if !strings.Contains(reply.Text, "Alarm 1 set") {
		t.Fatalf("set reply = %q", reply.Text)
	}

	h.send("/alarm list")
	reply = h.adapter.waitReply(t)
	if !strings.Contains(reply.Text, "tea") {
		t.Fatalf("list reply = %q", reply.Text)
	}

	h.send("/alarm cancel 1")
	reply = h.adapter.waitReply(t)
	if !strings.Contains(reply.Text, "cancelled") {
		t.Fatalf("cancel reply = %q", reply.Text)
	}

	h.send("/alarm list")
	reply = h.adapter.waitReply(t)
	if !strings.Contains(reply.Text, "no alarms") {
		t.Fatalf("empty list reply = %q", reply.Text)
	}

	h.send("/alarm nonsense")
	reply = h.adapter.waitReply(t)
	if !strings.Contains(reply.Text, "Invalid time") {
		t.Fatalf("bad spec reply = %q", reply.Text)
	}
}

func TestPomodoroFlowThroughCommands(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.send("/pomodoro 500")
	reply := h.adapter.waitReply(t)
	if !strings.Contains(reply.Text, "between 1 and 120") {
		t.Fatalf("bad duration reply = %q", reply.Text)
	}

	h.send("/pomodoro check")
	reply = h.adapter.waitReply(t)
	if !strings.Contains(reply.Text, "no session") {
		t.Fatalf("check-with-nothing reply = %q", reply.Text)
	}

	h.send("/pomodoro 25")
	reply = h.adapter.waitReply(t)
	if !strings.Contains(reply.Text, "25 minutes") {
		t.Fatalf("start reply = %q", reply.Text)
	}

	// Completion notification arrives once the shrunk session ends, then the
	// points query reflects it.
	completion := h.adapter.waitReply(t)
	if !strings.Contains(completion.Text, "complete") {
		t.Fatalf("completion = %q", completion.Text)
	}

	h.send("/points")
	reply = h.adapter.waitReply(t)
	if !strings.Contains(reply.Text, "25 point") {
		t.Fatalf("points reply = %q", reply.Text)
	}

	h.send("/leaderboard")
	reply = h.adapter.waitReply(t)
	if !strings.Contains(reply.Text, "ana") || !strings.Contains(reply.Text, "25 points") {
		t.Fatalf("leaderboard reply = %q", reply.Text)
	}
}

func TestHelpListsCommands(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.send("/help")
	reply := h.adapter.waitReply(t)
	for _, want := range []string{"/alarm", "/pomodoro", "/settimezone", "/setsound", "/points", "/leaderboard"} {
		if !strings.Contains(reply.Text, want) {
			t.Fatalf("help missing %q:\n%s", want, reply.Text)
		}
	}
}

func TestAliasAndMentionRouting(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.send("/tz utc")
	reply := h.adapter.waitReply(t)
	if !strings.Contains(reply.Text, "UTC") {
		t.Fatalf("alias reply = %q", reply.Text)
	}

	h.send("/points@focusbot")
	reply = h.adapter.waitReply(t)
	if !strings.Contains(reply.Text, "No points yet") {
		t.Fatalf("mention reply = %q", reply.Text)
	}
}
