// Package crontab mutates the host's cron table. The adapter owns the only
// write path to the crontab: every mutation holds an advisory file lock,
// snapshots the prior table to a backup file, and installs the replacement
// atomically. Application entries are tagged with a trailing marker comment
// ("# HOTTUB:<job_id>"); lines without the marker are never touched.
package crontab

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	. "github.com/roelfdiedericks/hottubd/internal/logging"
	"github.com/roelfdiedericks/hottubd/internal/paths"
)

// Marker is the prefix of the removal-handle comment on application entries.
const Marker = "HOTTUB:"

// Sentinel errors per the error-handling design. Callers match with
// errors.Is; the wrapped message carries the detail.
var (
	// ErrCronAccess indicates the host table could not be read.
	ErrCronAccess = errors.New("cron table unreadable")
	// ErrCronWrite indicates the replacement table could not be installed.
	// The pre-mutation backup is the recovery artefact.
	ErrCronWrite = errors.New("cron table write failed")
)

// Source abstracts the host cron table. The production implementation shells
// out to crontab(1); tests substitute a file-backed source.
type Source interface {
	// Read returns the raw table text. A missing table reads as empty.
	Read() (string, error)
	// Install atomically replaces the table with the given text.
	Install(text string) error
}

// Adapter reads and mutates the cron table under a lock-and-backup discipline.
type Adapter struct {
	source    Source
	lockPath  string
	backupDir string
	nowFn     func() time.Time
}

// New creates an Adapter over the given source. lockPath is the sentinel file
// locked for the duration of every mutation; backupDir receives timestamped
// snapshots of the table before each write.
func New(source Source, lockPath, backupDir string) *Adapter {
	return &Adapter{
		source:    source,
		lockPath:  lockPath,
		backupDir: backupDir,
		nowFn:     time.Now,
	}
}

// NewForTree creates an Adapter over the user crontab using the standard
// storage tree locations.
func NewForTree(tree *paths.Tree) *Adapter {
	return New(UserCrontab{}, tree.CrontabLockFile(), tree.CrontabBackupsDir())
}

// SetNowFunc overrides the clock used for backup names. Tests only.
func (a *Adapter) SetNowFunc(fn func() time.Time) { a.nowFn = fn }

// List returns the current table as a slice of lines. Trailing blank lines
// are dropped; order is preserved.
func (a *Adapter) List() ([]string, error) {
	text, err := a.source.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCronAccess, err)
	}
	return splitLines(text), nil
}

// ListTagged returns only the application's own entries (lines carrying the
// HOTTUB marker).
func (a *Adapter) ListTagged() ([]string, error) {
	lines, err := a.List()
	if err != nil {
		return nil, err
	}
	var tagged []string
	for _, line := range lines {
		if strings.Contains(line, Marker) {
			tagged = append(tagged, line)
		}
	}
	return tagged, nil
}

// HasTag reports whether any entry carries the given tag (e.g.
// "HOTTUB:ab12cd34").
func (a *Adapter) HasTag(tag string) (bool, error) {
	lines, err := a.List()
	if err != nil {
		return false, err
	}
	for _, line := range lines {
		if strings.Contains(line, tag) {
			return true, nil
		}
	}
	return false, nil
}

// Add appends an entry to the table. The entry must carry the HOTTUB marker;
// the adapter refuses to write untagged lines it would later be unable to
// remove.
func (a *Adapter) Add(entry string) error {
	if !strings.Contains(entry, Marker) {
		return fmt.Errorf("refusing to add unmarked cron entry: %q", entry)
	}
	return a.mutate(func(lines []string) []string {
		return append(lines, entry)
	})
}

// RemoveMatching drops every application entry whose line contains tag.
// Returns the number of removed entries. Removing a tag with no matching
// entry is not an error (idempotent cleanup).
func (a *Adapter) RemoveMatching(tag string) (int, error) {
	removed := 0
	err := a.mutate(func(lines []string) []string {
		kept := lines[:0]
		for _, line := range lines {
			if strings.Contains(line, Marker) && strings.Contains(line, tag) {
				removed++
				continue
			}
			kept = append(kept, line)
		}
		return kept
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// ReplaceAll replaces every application entry with the given set, leaving
// foreign lines untouched.
func (a *Adapter) ReplaceAll(entries []string) error {
	for _, e := range entries {
		if !strings.Contains(e, Marker) {
			return fmt.Errorf("refusing to install unmarked cron entry: %q", e)
		}
	}
	return a.mutate(func(lines []string) []string {
		kept := lines[:0]
		for _, line := range lines {
			if strings.Contains(line, Marker) {
				continue
			}
			kept = append(kept, line)
		}
		return append(kept, entries...)
	})
}

// mutate runs the full mutation discipline: lock, read, backup, transform,
// install.
func (a *Adapter) mutate(transform func([]string) []string) error {
	if err := paths.EnsureParentDir(a.lockPath); err != nil {
		return fmt.Errorf("%w: %v", ErrCronWrite, err)
	}

	lock := flock.New(a.lockPath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("%w: lock %s: %v", ErrCronWrite, a.lockPath, err)
	}
	defer lock.Unlock()

	text, err := a.source.Read()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCronAccess, err)
	}

	backup, err := a.writeBackup(text)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCronWrite, err)
	}

	lines := transform(splitLines(text))
	out := strings.Join(lines, "\n")
	if out != "" {
		out += "\n"
	}

	if err := a.source.Install(out); err != nil {
		return fmt.Errorf("%w: %v (backup retained at %s)", ErrCronWrite, err, backup)
	}

	L_debug("crontab: table replaced", "entries", len(lines), "backup", filepath.Base(backup))
	return nil
}

// writeBackup snapshots the current table to a timestamped file.
func (a *Adapter) writeBackup(text string) (string, error) {
	if err := paths.EnsureDir(a.backupDir); err != nil {
		return "", err
	}
	name := fmt.Sprintf("crontab-%s.bak", a.nowFn().Format("20060102-150405.000000000"))
	path := filepath.Join(a.backupDir, name)
	if err := os.WriteFile(path, []byte(text), 0600); err != nil {
		return "", fmt.Errorf("failed to write backup %s: %w", path, err)
	}
	return path, nil
}

// PruneBackups removes backups older than keep. Returns the removed count.
func (a *Adapter) PruneBackups(keep time.Duration) (int, error) {
	entries, err := os.ReadDir(a.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read backup dir: %w", err)
	}
	cutoff := a.nowFn().Add(-keep)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "crontab-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(a.backupDir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func splitLines(text string) []string {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}
