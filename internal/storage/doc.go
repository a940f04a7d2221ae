package storage

// Package storage persists the four durable collections the scheduling core
// depends on: pending alarms, daily point records, timezone preferences, and
// notification-sound preferences.
