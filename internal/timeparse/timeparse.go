// Package timeparse turns a user's time-of-day string plus their timezone
// into an absolute future instant.
package timeparse

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrBadTimeSpec is returned for time strings that aren't HH:MM, HMM or HHMM,
// or whose hour/minute fall outside the valid range.
var ErrBadTimeSpec = errors.New("invalid time, expected 24-hour HH:MM")

// ErrTimezoneRequired is returned when an operation needs the owner's timezone
// and none is registered. Alarms are never scheduled against an assumed zone.
var ErrTimezoneRequired = errors.New("timezone not set")

// UnknownZoneError reports an unrecognized timezone identifier along with
// near-match suggestions for user display.
type UnknownZoneError struct {
	Input            string
	Suggestions      []string // canonical identifiers, at most 5
	AliasSuggestions []string // "EST (US/Eastern)" style, at most 3
}

func (e *UnknownZoneError) Error() string {
	return fmt.Sprintf("unknown timezone %q", e.Input)
}

// ParseTimeOfDay accepts "HH:MM" (24-hour) and the compact digit forms
// "HMM" / "HHMM" ("930" means 09:30, "1430" means 14:30).
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)

	if !strings.Contains(s, ":") {
		// Compact digit form.
		if !isDigits(s) || len(s) < 3 || len(s) > 4 {
			return 0, 0, ErrBadTimeSpec
		}
		split := len(s) - 2
		hour, _ = strconv.Atoi(s[:split])
		minute, _ = strconv.Atoi(s[split:])
	} else {
		parts := strings.Split(s, ":")
		if len(parts) != 2 {
			return 0, 0, ErrBadTimeSpec
		}
		var err1, err2 error
		hour, err1 = strconv.Atoi(parts[0])
		minute, err2 = strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil {
			return 0, 0, ErrBadTimeSpec
		}
	}

	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, ErrBadTimeSpec
	}
	return hour, minute, nil
}

// Resolve computes "today at timeSpec" in loc; if that instant is not strictly
// after now it rolls forward exactly one calendar day. The result is always in
// (now, now+24h].
func Resolve(timeSpec string, loc *time.Location, now time.Time) (time.Time, error) {
	hour, minute, err := ParseTimeOfDay(timeSpec)
	if err != nil {
		return time.Time{}, err
	}

	local := now.In(loc)
	at := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !at.After(local) {
		at = at.AddDate(0, 0, 1)
	}
	return at, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
