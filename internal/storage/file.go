package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "focusbot/pkg/logx"
)

// fileStore keeps one JSON file per collection under a directory:
//
//	<dir>/alarms.json
//	<dir>/points.json
//	<dir>/timezones.json
//	<dir>/sounds.json
//
// Saves write to a temp file and rename into place, so a crash mid-write
// leaves the previous snapshot intact.
type fileStore struct {
	log logx.Logger

	mu  sync.Mutex
	dir string
}

const (
	alarmsFile    = "alarms.json"
	pointsFile    = "points.json"
	timezonesFile = "timezones.json"
	soundsFile    = "sounds.json"
)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, dir: dir}, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) LoadAlarms(ctx context.Context) (map[int64][]AlarmRecord, error) {
	out := map[int64][]AlarmRecord{}
	loadJSON(s, alarmsFile, &out)
	return out, nil
}

func (s *fileStore) SaveAlarms(ctx context.Context, all map[int64][]AlarmRecord) error {
	return s.save(alarmsFile, all)
}

func (s *fileStore) LoadPoints(ctx context.Context) (map[int64]PointsRecord, error) {
	out := map[int64]PointsRecord{}
	loadJSON(s, pointsFile, &out)
	return out, nil
}

func (s *fileStore) SavePoints(ctx context.Context, all map[int64]PointsRecord) error {
	return s.save(pointsFile, all)
}

func (s *fileStore) LoadTimezones(ctx context.Context) (map[int64]string, error) {
	out := map[int64]string{}
	loadJSON(s, timezonesFile, &out)
	return out, nil
}

func (s *fileStore) SaveTimezones(ctx context.Context, all map[int64]string) error {
	return s.save(timezonesFile, all)
}

func (s *fileStore) LoadSounds(ctx context.Context) (map[int64]string, error) {
	out := map[int64]string{}
	loadJSON(s, soundsFile, &out)
	return out, nil
}

func (s *fileStore) SaveSounds(ctx context.Context, all map[int64]string) error {
	return s.save(soundsFile, all)
}

// loadJSON decodes the named collection into out. Missing files are normal
// (first run); corrupt files are logged and treated as empty rather than
// aborting startup. The decode goes through a scratch value because
// json.Unmarshal fills a map up to the point of failure, and a half-loaded
// collection is worse than an empty one.
func loadJSON[T any](s *fileStore, name string, out *T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, name)
	b, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("collection unreadable, starting empty", logx.String("file", name), logx.Err(err))
		}
		return
	}
	// A literal null would decode to a nil map; keep the caller's empty one.
	if string(bytes.TrimSpace(b)) == "null" {
		return
	}
	var decoded T
	if err := json.Unmarshal(b, &decoded); err != nil {
		s.log.Warn("collection corrupt, starting empty", logx.String("file", name), logx.Err(err))
		return
	}
	*out = decoded
}

func (s *fileStore) save(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
