package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON file per collection, rewritten atomically on save
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled and all state is
// process-lifetime only.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AlarmRecord is one pending alarm. Alarms are addressed by position in the
// owner's list (1-based, renumbered on every mutation), so the record itself
// carries no id.
type AlarmRecord struct {
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	FireAt   time.Time `json:"fire_at"`
	Message  string    `json:"message,omitempty"`
}

// SessionEntry is one completed focus session.
type SessionEntry struct {
	Minutes     int       `json:"minutes"`
	CompletedAt time.Time `json:"completed_at"`
}

// PointsRecord tracks one owner's points for the current day.
//
// Invariant: Points equals the sum of Sessions minutes accrued since LastReset.
type PointsRecord struct {
	Points    int            `json:"points"`
	Sessions  []SessionEntry `json:"sessions,omitempty"`
	LastReset time.Time      `json:"last_reset"`
}
