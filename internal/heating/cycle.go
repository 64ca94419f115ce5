// Package heating implements target-temperature control: the heating cycle
// engine (an adaptive monitor loop advanced by short cron-driven ticks) and
// the coordinator that decides, when a heat-on event fires, whether to start
// one.
package heating

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	. "github.com/roelfdiedericks/hottubd/internal/logging"
	"github.com/roelfdiedericks/hottubd/internal/paths"
)

// CycleStatus is the lifecycle state of a heating cycle.
type CycleStatus string

const (
	StatusHeating   CycleStatus = "heating"
	StatusCompleted CycleStatus = "completed"
	StatusStopped   CycleStatus = "stopped"
	StatusError     CycleStatus = "error"
)

var (
	// ErrCycleActive indicates a second cycle would run while one is heating.
	ErrCycleActive = errors.New("a heating cycle is already active")
	// ErrCycleNotFound indicates the cycle record does not exist.
	ErrCycleNotFound = errors.New("heating cycle not found")
)

// Cycle is one target-temperature run. Temperatures are Fahrenheit; the
// sensor layer reports Celsius and the engine converts at the boundary.
type Cycle struct {
	ID            string      `json:"id"`
	StartedAt     time.Time   `json:"startedAt"`
	Status        CycleStatus `json:"status"`
	TargetTempF   float64     `json:"targetTempF"`
	CurrentTempF  *float64    `json:"currentTempF,omitempty"`
	LastCheck     *time.Time  `json:"lastCheck,omitempty"`
	SafetyCounter int         `json:"safetyCounter"`
	InvalidReads  int         `json:"invalidReads"`
	Precision     bool        `json:"precision"`

	EstimatedCompletion *time.Time        `json:"estimatedCompletion,omitempty"`
	EndedAt             *time.Time        `json:"endedAt,omitempty"`
	EndReason           string            `json:"endReason,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// CycleStore persists one JSON file per cycle under the heating-cycles
// directory. Mutations run under an advisory file lock so the engine, the
// stop endpoint and the coordinator serialise on the records.
type CycleStore struct {
	dir      string
	lockPath string
}

// NewCycleStore creates a store over the tree's cycle directory.
func NewCycleStore(tree *paths.Tree) *CycleStore {
	return &CycleStore{dir: tree.HeatingCyclesDir(), lockPath: tree.CyclesLockFile()}
}

func (s *CycleStore) pathFor(id string) string {
	return filepath.Join(s.dir, fmt.Sprintf("cycle-%s.json", id))
}

// Load reads one cycle record. Returns (nil, nil) when it does not exist.
func (s *CycleStore) Load(id string) (*Cycle, error) {
	data, err := os.ReadFile(s.pathFor(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cycle %s: %w", id, err)
	}
	var c Cycle
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse cycle %s: %w", id, err)
	}
	return &c, nil
}

// Save writes the cycle record atomically, under the store lock.
func (s *CycleStore) Save(c *Cycle) error {
	if err := paths.EnsureParentDir(s.lockPath); err != nil {
		return err
	}
	lock := flock.New(s.lockPath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock cycle store: %w", err)
	}
	defer lock.Unlock()
	return s.write(c)
}

func (s *CycleStore) write(c *Cycle) error {
	if err := paths.EnsureDir(s.dir); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cycle %s: %w", c.ID, err)
	}
	path := s.pathFor(c.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write cycle file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename cycle file: %w", err)
	}
	return nil
}

// Update applies fn to a cycle read-modify-write under the store lock, so a
// concurrent stop and tick cannot interleave their writes.
func (s *CycleStore) Update(id string, fn func(*Cycle) error) (*Cycle, error) {
	if err := paths.EnsureParentDir(s.lockPath); err != nil {
		return nil, err
	}
	lock := flock.New(s.lockPath)
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("failed to lock cycle store: %w", err)
	}
	defer lock.Unlock()

	c, err := s.Load(id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrCycleNotFound, id)
	}
	if err := fn(c); err != nil {
		return nil, err
	}
	if err := s.write(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Active returns the cycle in status heating, or nil. At most one exists.
func (s *CycleStore) Active() (*Cycle, error) {
	cycles, err := s.All()
	if err != nil {
		return nil, err
	}
	for _, c := range cycles {
		if c.Status == StatusHeating {
			return c, nil
		}
	}
	return nil, nil
}

// All returns every persisted cycle, newest first.
func (s *CycleStore) All() ([]*Cycle, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan cycle directory: %w", err)
	}

	var cycles []*Cycle
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "cycle-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, "cycle-"), ".json")
		c, err := s.Load(id)
		if err != nil {
			L_warn("heating: skipping unreadable cycle file", "file", name, "error", err)
			continue
		}
		if c != nil {
			cycles = append(cycles, c)
		}
	}

	sort.Slice(cycles, func(i, j int) bool {
		return cycles[i].StartedAt.After(cycles[j].StartedAt)
	})
	return cycles, nil
}

// Prune removes finished cycle records older than keep.
func (s *CycleStore) Prune(keep time.Duration, now time.Time) (int, error) {
	cycles, err := s.All()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, c := range cycles {
		if c.Status == StatusHeating {
			continue
		}
		if now.Sub(c.StartedAt) > keep {
			if err := os.Remove(s.pathFor(c.ID)); err != nil && !os.IsNotExist(err) {
				L_warn("heating: failed to prune cycle record", "id", c.ID, "error", err)
				continue
			}
			removed++
		}
	}
	return removed, nil
}
