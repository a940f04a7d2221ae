package storage

import (
	"context"
	"errors"
	"strings"

	logx "focusbot/pkg/logx"
)

// Store is the durable-state API used by the scheduling core.
//
// Each collection is loaded in full at startup and rewritten in full after
// each mutation (write-through). Loads never fail on missing or corrupt data:
// they fall back to an empty collection so a bad file can't prevent startup.
type Store interface {
	LoadAlarms(ctx context.Context) (map[int64][]AlarmRecord, error)
	SaveAlarms(ctx context.Context, all map[int64][]AlarmRecord) error

	LoadPoints(ctx context.Context) (map[int64]PointsRecord, error)
	SavePoints(ctx context.Context, all map[int64]PointsRecord) error

	LoadTimezones(ctx context.Context) (map[int64]string, error)
	SaveTimezones(ctx context.Context, all map[int64]string) error

	LoadSounds(ctx context.Context) (map[int64]string, error)
	SaveSounds(ctx context.Context, all map[int64]string) error

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
