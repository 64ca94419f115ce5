package crontab

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// UserCrontab reads and installs the invoking user's crontab via crontab(1).
// Install writes the new table to a temp file and hands it to `crontab
// <file>`, which is the only portable way to replace a user table atomically.
type UserCrontab struct{}

// Read returns the current user crontab. A user with no crontab at all is
// reported by crontab(1) as an error on stderr; that case reads as empty.
func (UserCrontab) Read() (string, error) {
	cmd := exec.Command("crontab", "-l")
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if strings.Contains(stderr.String(), "no crontab") {
			return "", nil
		}
		return "", fmt.Errorf("crontab -l: %v (%s)", err, strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}

// Install replaces the user crontab with text.
func (UserCrontab) Install(text string) error {
	tmp, err := os.CreateTemp("", "hottubd-crontab-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp crontab: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp crontab: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp crontab: %w", err)
	}

	cmd := exec.Command("crontab", tmp.Name())
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("crontab install: %v (%s)", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// FileSource is a file-backed Source used by tests and by deployments that
// manage a cron.d drop-in instead of a user crontab.
type FileSource struct {
	Path string
}

// Read returns the file contents; a missing file reads as empty.
func (f FileSource) Read() (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// Install writes the table atomically via temp file and rename.
func (f FileSource) Install(text string) error {
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(text), 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
