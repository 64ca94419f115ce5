package heating

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	. "github.com/roelfdiedericks/hottubd/internal/logging"
	"github.com/roelfdiedericks/hottubd/internal/paths"
)

// Schedule modes.
const (
	ModeStartAt = "start_at"
	ModeReadyBy = "ready_by"
)

// Target temperature bounds in Fahrenheit.
const (
	MinTargetF = 80.0
	MaxTargetF = 110.0
)

// ErrInvalidSettings indicates a settings update failed validation.
var ErrInvalidSettings = errors.New("invalid heat target settings")

// Settings controls what a heat-on event does: a plain heater-on, or a full
// target-temperature cycle.
type Settings struct {
	Enabled      bool    `json:"enabled"`
	TargetTempF  float64 `json:"targetTempF"`
	Timezone     string  `json:"timezone"`
	ScheduleMode string  `json:"scheduleMode"`
}

// Validate checks bounds and enumerations.
func (s *Settings) Validate() error {
	if s.TargetTempF < MinTargetF || s.TargetTempF > MaxTargetF {
		return fmt.Errorf("%w: target %.1f°F outside %g-%g°F",
			ErrInvalidSettings, s.TargetTempF, MinTargetF, MaxTargetF)
	}
	switch s.ScheduleMode {
	case ModeStartAt, ModeReadyBy:
	default:
		return fmt.Errorf("%w: unknown schedule mode %q", ErrInvalidSettings, s.ScheduleMode)
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("%w: unknown timezone %q", ErrInvalidSettings, s.Timezone)
		}
	}
	return nil
}

// DefaultSettings returns the record used when no file exists yet: target
// mode off, a conservative 102°F target, system timezone.
func DefaultSettings() Settings {
	return Settings{
		Enabled:      false,
		TargetTempF:  102.0,
		Timezone:     "",
		ScheduleMode: ModeStartAt,
	}
}

// SettingsStore persists the shared settings record and serves a cached copy
// that the daemon refreshes on file change.
type SettingsStore struct {
	path string

	mu     sync.RWMutex
	cached *Settings
}

// NewSettingsStore creates a store over the tree's settings file.
func NewSettingsStore(tree *paths.Tree) *SettingsStore {
	return &SettingsStore{path: tree.HeatTargetSettingsFile()}
}

// Get returns the current settings, reading the file on first use. A missing
// file yields the defaults.
func (s *SettingsStore) Get() (Settings, error) {
	s.mu.RLock()
	if s.cached != nil {
		out := *s.cached
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()
	return s.reload()
}

// reload reads the file into the cache.
func (s *SettingsStore) reload() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			def := DefaultSettings()
			s.cached = &def
			return def, nil
		}
		return Settings{}, fmt.Errorf("failed to read heat target settings: %w", err)
	}
	var out Settings
	if err := json.Unmarshal(data, &out); err != nil {
		return Settings{}, fmt.Errorf("failed to parse heat target settings: %w", err)
	}
	s.cached = &out
	return out, nil
}

// Save validates and writes the settings atomically, updating the cache.
func (s *SettingsStore) Save(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := paths.EnsureParentDir(s.path); err != nil {
		return err
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal heat target settings: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write heat target settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename heat target settings: %w", err)
	}
	s.cached = &settings
	L_info("heating: settings saved",
		"enabled", settings.Enabled, "targetF", settings.TargetTempF, "mode", settings.ScheduleMode)
	return nil
}

// Watch reloads the cache whenever the settings file changes on disk, so
// edits made outside the API take effect without a restart. Blocks until
// done is closed.
func (s *SettingsStore) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create settings watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: the atomic rename replaces the inode, so a watch
	// on the file itself would go stale after the first write.
	if err := paths.EnsureParentDir(s.path); err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("failed to watch settings directory: %w", err)
	}

	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if _, err := s.reload(); err != nil {
				L_warn("heating: settings reload failed", "error", err)
				continue
			}
			L_debug("heating: settings reloaded from disk")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			L_warn("heating: settings watcher error", "error", err)
		}
	}
}
