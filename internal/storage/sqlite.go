package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "focusbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadAlarms(ctx context.Context) (map[int64][]AlarmRecord, error) {
	out := map[int64][]AlarmRecord{}
	rows, err := s.db.QueryContext(ctx,
		`SELECT owner, chat_id, thread_id, fire_at, message FROM alarms ORDER BY owner, pos`)
	if err != nil {
		s.log.Warn("alarms unreadable, starting empty", logx.Err(err))
		return out, nil
	}
	defer rows.Close()
	for rows.Next() {
		var owner int64
		var rec AlarmRecord
		var fireAt string
		var msg sql.NullString
		if err := rows.Scan(&owner, &rec.ChatID, &rec.ThreadID, &fireAt, &msg); err != nil {
			s.log.Warn("skipping unreadable alarm row", logx.Err(err))
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, fireAt)
		if err != nil {
			s.log.Warn("skipping alarm with bad fire_at", logx.String("fire_at", fireAt))
			continue
		}
		rec.FireAt = t
		rec.Message = msg.String
		out[owner] = append(out[owner], rec)
	}
	return out, nil
}

func (s *sqliteStore) SaveAlarms(ctx context.Context, all map[int64][]AlarmRecord) error {
	return s.rewrite(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM alarms`); err != nil {
			return err
		}
		for _, owner := range sortedKeysAlarms(all) {
			for i, rec := range all[owner] {
				_, err := tx.ExecContext(ctx,
					`INSERT INTO alarms(owner, pos, chat_id, thread_id, fire_at, message) VALUES(?,?,?,?,?,?)`,
					owner, i+1, rec.ChatID, rec.ThreadID, rec.FireAt.Format(time.RFC3339Nano), nullStr(rec.Message))
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *sqliteStore) LoadPoints(ctx context.Context) (map[int64]PointsRecord, error) {
	out := map[int64]PointsRecord{}
	rows, err := s.db.QueryContext(ctx, `SELECT owner, points, last_reset FROM points`)
	if err != nil {
		s.log.Warn("points unreadable, starting empty", logx.Err(err))
		return out, nil
	}
	for rows.Next() {
		var owner int64
		var rec PointsRecord
		var lastReset string
		if err := rows.Scan(&owner, &rec.Points, &lastReset); err != nil {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, lastReset); err == nil {
			rec.LastReset = t
		}
		out[owner] = rec
	}
	_ = rows.Close()

	srows, err := s.db.QueryContext(ctx,
		`SELECT owner, minutes, completed_at FROM point_sessions ORDER BY owner, seq`)
	if err != nil {
		return out, nil
	}
	defer srows.Close()
	for srows.Next() {
		var owner int64
		var e SessionEntry
		var completedAt string
		if err := srows.Scan(&owner, &e.Minutes, &completedAt); err != nil {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, completedAt); err == nil {
			e.CompletedAt = t
		}
		rec := out[owner]
		rec.Sessions = append(rec.Sessions, e)
		out[owner] = rec
	}
	return out, nil
}

func (s *sqliteStore) SavePoints(ctx context.Context, all map[int64]PointsRecord) error {
	return s.rewrite(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM points`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM point_sessions`); err != nil {
			return err
		}
		for _, owner := range sortedKeysPoints(all) {
			rec := all[owner]
			_, err := tx.ExecContext(ctx,
				`INSERT INTO points(owner, points, last_reset) VALUES(?,?,?)`,
				owner, rec.Points, rec.LastReset.Format(time.RFC3339Nano))
			if err != nil {
				return err
			}
			for i, e := range rec.Sessions {
				_, err := tx.ExecContext(ctx,
					`INSERT INTO point_sessions(owner, seq, minutes, completed_at) VALUES(?,?,?,?)`,
					owner, i+1, e.Minutes, e.CompletedAt.Format(time.RFC3339Nano))
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *sqliteStore) LoadTimezones(ctx context.Context) (map[int64]string, error) {
	return s.loadKV(ctx, "timezones", "tz")
}

func (s *sqliteStore) SaveTimezones(ctx context.Context, all map[int64]string) error {
	return s.saveKV(ctx, "timezones", "tz", all)
}

func (s *sqliteStore) LoadSounds(ctx context.Context) (map[int64]string, error) {
	return s.loadKV(ctx, "sounds", "sound")
}

func (s *sqliteStore) SaveSounds(ctx context.Context, all map[int64]string) error {
	return s.saveKV(ctx, "sounds", "sound", all)
}

func (s *sqliteStore) loadKV(ctx context.Context, table, col string) (map[int64]string, error) {
	out := map[int64]string{}
	rows, err := s.db.QueryContext(ctx, `SELECT owner, `+col+` FROM `+table)
	if err != nil {
		s.log.Warn("collection unreadable, starting empty", logx.String("table", table), logx.Err(err))
		return out, nil
	}
	defer rows.Close()
	for rows.Next() {
		var owner int64
		var v string
		if err := rows.Scan(&owner, &v); err != nil {
			continue
		}
		out[owner] = v
	}
	return out, nil
}

func (s *sqliteStore) saveKV(ctx context.Context, table, col string, all map[int64]string) error {
	return s.rewrite(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return err
		}
		owners := make([]int64, 0, len(all))
		for o := range all {
			owners = append(owners, o)
		}
		sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })
		for _, o := range owners {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO `+table+`(owner, `+col+`) VALUES(?,?)`, o, all[o])
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqliteStore) rewrite(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func sortedKeysAlarms(m map[int64][]AlarmRecord) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedKeysPoints(m map[int64]PointsRecord) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
