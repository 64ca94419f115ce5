package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	. "github.com/roelfdiedericks/hottubd/internal/logging"
	"github.com/roelfdiedericks/hottubd/internal/paths"
)

// JobStore persists one JSON file per pending job in the scheduled-jobs
// directory. Creates and deletes are per-file atomic; directory scans
// tolerate files disappearing underneath them (the runner deletes one-shot
// records at fire time).
type JobStore struct {
	dir string
}

// NewJobStore creates a store over dir.
func NewJobStore(dir string) *JobStore {
	return &JobStore{dir: dir}
}

func (s *JobStore) pathFor(id string) string {
	return filepath.Join(s.dir, fmt.Sprintf("job-%s.json", id))
}

// Save writes the job record atomically.
func (s *JobStore) Save(job *Job) error {
	if err := paths.EnsureDir(s.dir); err != nil {
		return err
	}
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	path := s.pathFor(job.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write job file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename job file: %w", err)
	}
	return nil
}

// Load reads one job record. Returns (nil, nil) when the record does not
// exist.
func (s *JobStore) Load(id string) (*Job, error) {
	data, err := os.ReadFile(s.pathFor(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to parse job %s: %w", id, err)
	}
	return &job, nil
}

// Delete removes a job record. Deleting a missing record is not an error;
// the runner may have cleaned it up already.
func (s *JobStore) Delete(id string) error {
	err := os.Remove(s.pathFor(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	return nil
}

// All returns every persisted job, sorted by scheduled time.
func (s *JobStore) All() ([]*Job, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan job directory: %w", err)
	}

	var jobs []*Job
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "job-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, "job-"), ".json")
		job, err := s.Load(id)
		if err != nil {
			L_warn("scheduler: skipping unreadable job file", "file", name, "error", err)
			continue
		}
		if job == nil {
			continue // deleted between scan and read
		}
		jobs = append(jobs, job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].ScheduledAt.Before(jobs[j].ScheduledAt)
	})
	return jobs, nil
}
