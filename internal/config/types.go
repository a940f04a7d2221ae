package config

import "time"

// Config is the full bot configuration. It is loaded from a YAML file and
// then overlaid with FOCUSBOT_* environment variables (useful for keeping the
// token out of the file).
type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Logging  LoggingConfig  `yaml:"logging"`
	Storage  StorageConfig  `yaml:"storage"`
	Alarms   AlarmsConfig   `yaml:"alarms"`
	Rollup   RollupConfig   `yaml:"rollup"`
}

type TelegramConfig struct {
	Token string `yaml:"token" envconfig:"TELEGRAM_TOKEN"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `yaml:"poll_timeout" envconfig:"TELEGRAM_POLL_TIMEOUT"`
	// RatePerSec caps outbound notifications per second.
	RatePerSec int `yaml:"rate_per_sec" envconfig:"TELEGRAM_RATE_PER_SEC"`
}

type LoggingConfig struct {
	Level   string      `yaml:"level" envconfig:"LOG_LEVEL"`
	Console bool        `yaml:"console" envconfig:"LOG_CONSOLE"`
	File    LoggingFile `yaml:"file"`
}

type LoggingFile struct {
	Enabled bool   `yaml:"enabled" envconfig:"LOG_FILE_ENABLED"`
	Path    string `yaml:"path" envconfig:"LOG_FILE_PATH"`
}

// StorageConfig selects the durable-state backend.
//
// Example:
//
//	storage:
//	  driver: file
//	  path: ./focusbot_data
type StorageConfig struct {
	Driver string `yaml:"driver" envconfig:"STORAGE_DRIVER"`
	Path   string `yaml:"path" envconfig:"STORAGE_PATH"`
	// BusyTimeout is a Go duration string (sqlite only).
	BusyTimeout string `yaml:"busy_timeout" envconfig:"STORAGE_BUSY_TIMEOUT"`
}

type AlarmsConfig struct {
	// PollInterval is how often each watch loop checks for due alarms.
	// Go duration string; default "10s".
	PollInterval string `yaml:"poll_interval" envconfig:"ALARMS_POLL_INTERVAL"`
}

type RollupConfig struct {
	Hour     int    `yaml:"hour" envconfig:"ROLLUP_HOUR"`
	Minute   int    `yaml:"minute" envconfig:"ROLLUP_MINUTE"`
	Timezone string `yaml:"timezone" envconfig:"ROLLUP_TIMEZONE"`
	// ChatID fixes the leaderboard destination. 0 means "last chat the bot
	// saw a command in".
	ChatID   int64 `yaml:"chat_id" envconfig:"ROLLUP_CHAT_ID"`
	ThreadID int   `yaml:"thread_id" envconfig:"ROLLUP_THREAD_ID"`
}

// Durations below parse the string fields, falling back to defaults on
// empty/bad input so a typo can't zero out a poll loop.

func (c TelegramConfig) PollTimeoutDuration() time.Duration {
	return parseDuration(c.PollTimeout, 10*time.Second)
}

func (c AlarmsConfig) PollIntervalDuration() time.Duration {
	return parseDuration(c.PollInterval, 10*time.Second)
}

func (c StorageConfig) BusyTimeoutDuration() time.Duration {
	return parseDuration(c.BusyTimeout, 0)
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}
