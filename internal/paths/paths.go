// Package paths provides centralized path resolution for hottubd's storage
// tree. This package has NO internal imports (only stdlib) to avoid import
// cycles. All functions that can fail return errors so callers can log
// appropriately.
//
// The storage tree:
//
//	storage/
//	  scheduled-jobs/<job_id>.json
//	  state/
//	    esp32-temperature.json
//	    equipment-status.json
//	    heat-target-settings.json
//	    heating-cycles/cycle-<id>.json
//	    temperature-history.db
//	  firmware/config.json
//	  crontab-backups/
//	  logs/
//	  bin/cron-runner
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Tree resolves paths inside a hottubd data directory.
type Tree struct {
	base string
}

// DefaultBaseDir returns the default hottubd base directory (~/.hottubd).
func DefaultBaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".hottubd"), nil
}

// NewTree creates a Tree rooted at base. If base is empty the default
// base directory is used.
func NewTree(base string) (*Tree, error) {
	if base == "" {
		def, err := DefaultBaseDir()
		if err != nil {
			return nil, err
		}
		base = def
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}
	return &Tree{base: abs}, nil
}

// Base returns the base directory.
func (t *Tree) Base() string { return t.base }

// Storage returns the storage root.
func (t *Tree) Storage() string { return filepath.Join(t.base, "storage") }

// ScheduledJobsDir returns the directory holding one JSON file per pending job.
func (t *Tree) ScheduledJobsDir() string { return filepath.Join(t.Storage(), "scheduled-jobs") }

// JobFile returns the job record path for a job id.
func (t *Tree) JobFile(jobID string) string {
	return filepath.Join(t.ScheduledJobsDir(), fmt.Sprintf("job-%s.json", jobID))
}

// StateDir returns the state directory.
func (t *Tree) StateDir() string { return filepath.Join(t.Storage(), "state") }

// EquipmentStatusFile returns the equipment status record path.
func (t *Tree) EquipmentStatusFile() string {
	return filepath.Join(t.StateDir(), "equipment-status.json")
}

// ESP32TemperatureFile returns the latest push reading path.
func (t *Tree) ESP32TemperatureFile() string {
	return filepath.Join(t.StateDir(), "esp32-temperature.json")
}

// HeatTargetSettingsFile returns the shared heat target settings path.
func (t *Tree) HeatTargetSettingsFile() string {
	return filepath.Join(t.StateDir(), "heat-target-settings.json")
}

// HeatingCyclesDir returns the directory holding heating cycle records.
func (t *Tree) HeatingCyclesDir() string {
	return filepath.Join(t.StateDir(), "heating-cycles")
}

// TemperatureHistoryDB returns the sqlite temperature history path.
func (t *Tree) TemperatureHistoryDB() string {
	return filepath.Join(t.StateDir(), "temperature-history.db")
}

// CrontabLockFile returns the sentinel path locked across crontab mutations.
func (t *Tree) CrontabLockFile() string {
	return filepath.Join(t.StateDir(), "crontab.lock")
}

// EquipmentLockFile returns the sentinel path locked across equipment updates.
func (t *Tree) EquipmentLockFile() string {
	return filepath.Join(t.StateDir(), "equipment.lock")
}

// CyclesLockFile returns the sentinel path locked across cycle store updates.
func (t *Tree) CyclesLockFile() string {
	return filepath.Join(t.StateDir(), "heating-cycles.lock")
}

// FirmwareDir returns the firmware directory.
func (t *Tree) FirmwareDir() string { return filepath.Join(t.Storage(), "firmware") }

// FirmwareConfigFile returns the firmware descriptor path.
func (t *Tree) FirmwareConfigFile() string {
	return filepath.Join(t.FirmwareDir(), "config.json")
}

// CrontabBackupsDir returns the directory of pre-mutation crontab snapshots.
func (t *Tree) CrontabBackupsDir() string {
	return filepath.Join(t.Storage(), "crontab-backups")
}

// LogsDir returns the log directory.
func (t *Tree) LogsDir() string { return filepath.Join(t.Storage(), "logs") }

// CronLogFile returns the runner log path.
func (t *Tree) CronLogFile() string { return filepath.Join(t.LogsDir(), "cron.log") }

// ESP32LogFile returns the microcontroller push log path.
func (t *Tree) ESP32LogFile() string { return filepath.Join(t.LogsDir(), "esp32.log") }

// TemperatureLogFile returns the daily temperature log path for a given day.
func (t *Tree) TemperatureLogFile(day time.Time) string {
	return filepath.Join(t.LogsDir(), fmt.Sprintf("temperature-%s.log", day.Format("2006-01-02")))
}

// BinDir returns the executables directory.
func (t *Tree) BinDir() string { return filepath.Join(t.Storage(), "bin") }

// CronRunnerBin returns the runner executable path.
func (t *Tree) CronRunnerBin() string { return filepath.Join(t.BinDir(), "cron-runner") }

// EnvFile returns the protected environment file read by the runner.
func (t *Tree) EnvFile() string { return filepath.Join(t.base, "hottubd.env") }

// ConfigFile returns the optional TOML config path.
func (t *Tree) ConfigFile() string { return filepath.Join(t.base, "hottubd.toml") }

// EnsureTree creates the full storage tree.
func (t *Tree) EnsureTree() error {
	dirs := []string{
		t.ScheduledJobsDir(),
		t.StateDir(),
		t.HeatingCyclesDir(),
		t.FirmwareDir(),
		t.CrontabBackupsDir(),
		t.LogsDir(),
		t.BinDir(),
	}
	for _, dir := range dirs {
		if err := EnsureDir(dir); err != nil {
			return err
		}
	}
	return nil
}

// EnsureDir creates a directory if it doesn't exist.
// Uses 0750 permissions (owner: rwx, group: rx, other: none).
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// EnsureParentDir creates the parent directory of a file path if it doesn't exist.
func EnsureParentDir(filePath string) error {
	return EnsureDir(filepath.Dir(filePath))
}

// AppendLine appends a single line to a log file, creating parents as needed.
// Used for the plain-text operational logs (cron.log, esp32.log, daily
// temperature logs); failures here must never break the caller's operation.
func AppendLine(path, line string) error {
	if err := EnsureParentDir(path); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("failed to open log %s: %w", path, err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, line); err != nil {
		return fmt.Errorf("failed to append to log %s: %w", path, err)
	}
	return nil
}
