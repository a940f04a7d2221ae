package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"focusbot/internal/alarm"
	"focusbot/internal/prefs"
	"focusbot/internal/session"
	"focusbot/internal/timeparse"
)

func builtinCommands() []Command {
	return []Command{
		{
			Route:       "alarm",
			Aliases:     []string{"alarms"},
			Description: "manage one-shot reminders",
			Usage:       "/alarm HH:MM [message] | /alarm list | /alarm cancel N | /alarm clear",
			Handle:      handleAlarm,
		},
		{
			Route:       "pomodoro",
			Aliases:     []string{"focus", "timer"},
			Description: "run a focus session (1-120 minutes)",
			Usage:       "/pomodoro MINUTES | /pomodoro check | /pomodoro cancel",
			Handle:      handlePomodoro,
		},
		{
			Route:       "settimezone",
			Aliases:     []string{"timezone", "tz"},
			Description: "set your timezone for alarms",
			Usage:       "/settimezone ZONE (e.g. /settimezone EST or /settimezone Europe/Berlin)",
			Handle:      handleTimezone,
		},
		{
			Route:       "setsound",
			Aliases:     []string{"sound"},
			Description: "pick the alarm sound effect",
			Usage:       "/setsound NAME",
			Handle:      handleSound,
		},
		{
			Route:       "points",
			Description: "show your focus points for today",
			Usage:       "/points",
			Handle:      handlePoints,
		},
		{
			Route:       "leaderboard",
			Aliases:     []string{"top"},
			Description: "show today's standings so far",
			Usage:       "/leaderboard",
			Handle:      handleLeaderboard,
		},
		{
			Route:       "help",
			Aliases:     []string{"start"},
			Description: "show this help",
			Usage:       "/help",
			Handle:      handleHelp,
		},
	}
}

func handleAlarm(ctx context.Context, req *Request) error {
	s := req.Services
	if len(req.Args) == 0 {
		return req.reply(ctx, "Usage: /alarm HH:MM [message] | /alarm list | /alarm cancel N | /alarm clear")
	}

	switch strings.ToLower(req.Args[0]) {
	case "list":
		entries := s.Alarms.List(req.FromID)
		if len(entries) == 0 {
			return req.reply(ctx, "You have no alarms set.")
		}
		loc := time.UTC
		if l, err := s.Prefs.Timezone(req.FromID); err == nil {
			loc = l
		}
		var b strings.Builder
		b.WriteString("⏰ Your alarms:\n")
		for _, e := range entries {
			fmt.Fprintf(&b, "%d. %s", e.Position, e.FireAt.In(loc).Format("15:04"))
			if e.Message != "" {
				b.WriteString(" — ")
				b.WriteString(e.Message)
			}
			b.WriteString("\n")
		}
		return req.reply(ctx, strings.TrimRight(b.String(), "\n"))

	case "cancel":
		if len(req.Args) < 2 {
			return req.reply(ctx, "Usage: /alarm cancel N (see /alarm list for numbers)")
		}
		n, err := strconv.Atoi(req.Args[1])
		if err != nil {
			return req.reply(ctx, "Usage: /alarm cancel N (see /alarm list for numbers)")
		}
		if err := s.Alarms.Cancel(ctx, req.FromID, n); err != nil {
			return req.reply(ctx, renderError(err))
		}
		return req.reply(ctx, fmt.Sprintf("Alarm %d cancelled.", n))

	case "clear":
		n := s.Alarms.Clear(ctx, req.FromID)
		if n == 0 {
			return req.reply(ctx, "You have no alarms set.")
		}
		return req.reply(ctx, fmt.Sprintf("Cleared %d alarm(s).", n))
	}

	// /alarm HH:MM [message...]
	message := strings.Join(req.Args[1:], " ")
	pos, fireAt, until, err := s.Alarms.Set(ctx, req.FromID, req.Args[0], message, req.Chat)
	if err != nil {
		return req.reply(ctx, renderError(err))
	}
	loc := fireAt.Location()
	return req.reply(ctx, fmt.Sprintf("⏰ Alarm %d set for %s (in %s).",
		pos, fireAt.In(loc).Format("15:04"), alarm.FormatUntil(until)))
}

func handlePomodoro(ctx context.Context, req *Request) error {
	s := req.Services
	if len(req.Args) == 0 {
		return req.reply(ctx, "Usage: /pomodoro MINUTES | /pomodoro check | /pomodoro cancel")
	}

	switch strings.ToLower(req.Args[0]) {
	case "check", "status":
		st, err := s.Sessions.Current(req.FromID)
		if err != nil {
			return req.reply(ctx, renderError(err))
		}
		return req.reply(ctx, fmt.Sprintf("🍅 %d-minute session running, %s left.",
			st.Minutes, alarm.FormatUntil(st.Remaining)))

	case "cancel", "stop":
		if err := s.Sessions.Cancel(req.FromID); err != nil {
			return req.reply(ctx, renderError(err))
		}
		return req.reply(ctx, "Session cancelled. No points awarded.")
	}

	minutes, err := strconv.Atoi(req.Args[0])
	if err != nil {
		return req.reply(ctx, "Usage: /pomodoro MINUTES | /pomodoro check | /pomodoro cancel")
	}
	if err := s.Sessions.Begin(req.FromID, minutes, req.Chat); err != nil {
		return req.reply(ctx, renderError(err))
	}
	return req.reply(ctx, fmt.Sprintf("🍅 Focus session started: %d minutes. Stay on task!", minutes))
}

func handleTimezone(ctx context.Context, req *Request) error {
	s := req.Services
	if len(req.Args) == 0 {
		current := s.Prefs.TimezoneName(req.FromID)
		if current == "" {
			return req.reply(ctx, "You have no timezone set. Usage: /settimezone ZONE (e.g. /settimezone EST)")
		}
		return req.reply(ctx, fmt.Sprintf("Your timezone is %s. Usage: /settimezone ZONE to change it.", current))
	}

	canonical, now, err := s.Prefs.SetTimezone(ctx, req.FromID, req.Args[0])
	if err != nil {
		return req.reply(ctx, renderError(err))
	}
	return req.reply(ctx, fmt.Sprintf("Timezone set to %s. Your local time is %s.",
		canonical, now.Format("15:04")))
}

func handleSound(ctx context.Context, req *Request) error {
	s := req.Services
	if len(req.Args) == 0 {
		var b strings.Builder
		fmt.Fprintf(&b, "Your sound is %q. Options:\n", s.Prefs.SoundName(req.FromID))
		for _, opt := range prefs.SoundOptions() {
			b.WriteString("  ")
			b.WriteString(opt)
			b.WriteString("\n")
		}
		return req.reply(ctx, strings.TrimRight(b.String(), "\n"))
	}

	name := strings.ToLower(req.Args[0])
	if err := s.Prefs.SetSound(ctx, req.FromID, name); err != nil {
		return req.reply(ctx, renderError(err))
	}
	return req.reply(ctx, fmt.Sprintf("Sound set to %q.", name))
}

func handlePoints(ctx context.Context, req *Request) error {
	pts := req.Services.Points.Today(req.FromID)
	switch pts {
	case 0:
		return req.reply(ctx, "No points yet today. Start a session with /pomodoro MINUTES.")
	default:
		return req.reply(ctx, fmt.Sprintf("⭐ You have %d point(s) today.", pts))
	}
}

func handleLeaderboard(ctx context.Context, req *Request) error {
	text, ok := req.Services.Rollup.Current()
	if !ok {
		return req.reply(ctx, "Nobody has scored yet today.")
	}
	return req.reply(ctx, text)
}

func handleHelp(ctx context.Context, req *Request) error {
	var b strings.Builder
	b.WriteString("Focus bot commands:\n")
	for _, c := range builtinCommands() {
		fmt.Fprintf(&b, "%s — %s\n", c.Usage, c.Description)
	}
	return req.reply(ctx, strings.TrimRight(b.String(), "\n"))
}

// renderError turns core errors into user-facing replies. Anything
// unrecognized gets a generic line; the middleware already logged it.
func renderError(err error) string {
	var zoneErr *timeparse.UnknownZoneError
	if errors.As(err, &zoneErr) {
		var b strings.Builder
		fmt.Fprintf(&b, "Unknown timezone %q.", zoneErr.Input)
		if len(zoneErr.AliasSuggestions) > 0 {
			b.WriteString("\nShortcuts: ")
			b.WriteString(strings.Join(zoneErr.AliasSuggestions, ", "))
		}
		if len(zoneErr.Suggestions) > 0 {
			b.WriteString("\nDid you mean: ")
			b.WriteString(strings.Join(zoneErr.Suggestions, ", "))
		}
		return b.String()
	}

	var active *session.ActiveSessionError
	if errors.As(err, &active) {
		return fmt.Sprintf("You already have a session running with %s left. Cancel it first with /pomodoro cancel.",
			alarm.FormatUntil(active.Remaining))
	}

	switch {
	case errors.Is(err, timeparse.ErrTimezoneRequired):
		return "Please set your timezone first: /settimezone ZONE (e.g. /settimezone EST)."
	case errors.Is(err, timeparse.ErrBadTimeSpec):
		return "Invalid time: use 24-hour HH:MM, like /alarm 14:30 stretch break."
	case errors.Is(err, alarm.ErrNoSuchAlarm):
		return "No alarm with that number. See /alarm list."
	case errors.Is(err, session.ErrBadDuration):
		return fmt.Sprintf("Session length must be between %d and %d minutes.",
			session.MinMinutes, session.MaxMinutes)
	case errors.Is(err, session.ErrNoActiveTimer):
		return "You have no session running. Start one with /pomodoro MINUTES."
	case errors.Is(err, prefs.ErrUnknownSound):
		return "Unknown sound. See /setsound for the list."
	}
	return "Something went wrong, please try again."
}
