// Package prefs owns per-user preferences: the timezone alarms resolve
// against, and the notification sound rendered into fired alerts.
package prefs

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"focusbot/internal/storage"
	"focusbot/internal/timeparse"
	logx "focusbot/pkg/logx"
)

// ErrUnknownSound is returned when a sound name isn't in the effect table.
var ErrUnknownSound = errors.New("unknown sound name")

const defaultSound = "default"

// soundEffects maps a sound name to the rendered effect text.
var soundEffects = map[string]string{
	"default":      "🔔 *Ding!*",
	"bell":         "🔔 *Ding-dong!*",
	"alarm":        "⏰ *BRRRING! BRRRING!*",
	"gentle":       "🎵 *Soft chime*",
	"motivational": "🎺 *Triumphant fanfare!*",
	"celebration":  "🎉 *Party horn and confetti!*",
}

type Service struct {
	log   logx.Logger
	store storage.Store

	mu        sync.Mutex
	timezones map[int64]string
	sounds    map[int64]string
}

func New(store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:       log,
		store:     store,
		timezones: map[int64]string{},
		sounds:    map[int64]string{},
	}
}

// Load replaces in-memory state with the store's last-written snapshot.
func (s *Service) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	tzs, err := s.store.LoadTimezones(ctx)
	if err != nil {
		return err
	}
	sounds, err := s.store.LoadSounds(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.timezones = tzs
	s.sounds = sounds
	s.mu.Unlock()
	s.log.Info("preferences loaded", logx.Int("timezones", len(tzs)), logx.Int("sounds", len(sounds)))
	return nil
}

// SetTimezone validates and stores an owner's timezone. The input may be an
// alias ("IST", "germany") or a canonical identifier; the canonical form is
// what gets stored and returned.
func (s *Service) SetTimezone(ctx context.Context, owner int64, input string) (canonical string, now time.Time, err error) {
	canonical, loc, err := timeparse.ResolveZone(input)
	if err != nil {
		return "", time.Time{}, err
	}

	s.mu.Lock()
	s.timezones[owner] = canonical
	snapshot := cloneStrMap(s.timezones)
	s.mu.Unlock()

	s.persistTimezones(ctx, snapshot)
	return canonical, time.Now().In(loc), nil
}

// Timezone returns the owner's location, or ErrTimezoneRequired when unset.
// A stored-but-no-longer-loadable zone is also treated as unset rather than
// silently falling back to UTC.
func (s *Service) Timezone(owner int64) (*time.Location, error) {
	s.mu.Lock()
	name := s.timezones[owner]
	s.mu.Unlock()

	if name == "" {
		return nil, timeparse.ErrTimezoneRequired
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		s.log.Warn("stored timezone no longer loads", logx.Int64("owner", owner), logx.String("tz", name), logx.Err(err))
		return nil, timeparse.ErrTimezoneRequired
	}
	return loc, nil
}

// TimezoneName returns the stored identifier, or "" when unset.
func (s *Service) TimezoneName(owner int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timezones[owner]
}

// SetSound stores an owner's notification sound preference.
func (s *Service) SetSound(ctx context.Context, owner int64, name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if _, ok := soundEffects[name]; !ok {
		return ErrUnknownSound
	}

	s.mu.Lock()
	s.sounds[owner] = name
	snapshot := cloneStrMap(s.sounds)
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.SaveSounds(ctx, snapshot); err != nil {
			s.log.Warn("sound preferences not persisted", logx.Err(err))
		}
	}
	return nil
}

// Sound returns the rendered effect for the owner's preferred sound,
// defaulting when unset.
func (s *Service) Sound(owner int64) string {
	s.mu.Lock()
	name := s.sounds[owner]
	s.mu.Unlock()

	if effect, ok := soundEffects[name]; ok {
		return effect
	}
	return soundEffects[defaultSound]
}

// SoundName returns the owner's stored sound name, defaulting when unset.
func (s *Service) SoundName(owner int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name, ok := s.sounds[owner]; ok {
		return name
	}
	return defaultSound
}

// SoundOptions lists the available sound names with their effects, sorted for
// stable display.
func SoundOptions() []string {
	names := make([]string, 0, len(soundEffects))
	for name := range soundEffects {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, name+": "+soundEffects[name])
	}
	return out
}

func (s *Service) persistTimezones(ctx context.Context, snapshot map[int64]string) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveTimezones(ctx, snapshot); err != nil {
		s.log.Warn("timezone preferences not persisted", logx.Err(err))
	}
}

func cloneStrMap(m map[int64]string) map[int64]string {
	out := make(map[int64]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
