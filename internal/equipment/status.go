// Package equipment owns heater and pump state: the persisted last-known
// on/off record and the actuation service that drives it through the
// webhook gateway.
package equipment

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"

	. "github.com/roelfdiedericks/hottubd/internal/logging"
	"github.com/roelfdiedericks/hottubd/internal/paths"
)

// DeviceState is the persisted state of one device.
type DeviceState struct {
	On            bool       `json:"on"`
	LastChangedAt *time.Time `json:"lastChangedAt,omitempty"`
}

// Status is the full equipment record.
type Status struct {
	Heater DeviceState `json:"heater"`
	Pump   DeviceState `json:"pump"`
}

// StatusStore persists the equipment record in a single JSON file.
// Every read parses the file; every write runs lock -> read -> mutate ->
// write-temp -> rename -> unlock.
type StatusStore struct {
	path     string
	lockPath string
}

// NewStatusStore creates a store at the given file, locking lockPath across
// writes.
func NewStatusStore(path, lockPath string) *StatusStore {
	return &StatusStore{path: path, lockPath: lockPath}
}

// NewStatusStoreForTree creates a store at the standard tree location.
func NewStatusStoreForTree(tree *paths.Tree) *StatusStore {
	return NewStatusStore(tree.EquipmentStatusFile(), tree.EquipmentLockFile())
}

// Get returns the current status. A missing file reads as all-off with no
// transition timestamps.
func (s *StatusStore) Get() (Status, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Status{}, nil
		}
		return Status{}, fmt.Errorf("failed to read equipment status: %w", err)
	}
	var status Status
	if err := json.Unmarshal(data, &status); err != nil {
		return Status{}, fmt.Errorf("failed to parse equipment status: %w", err)
	}
	return status, nil
}

// SetHeater records the heater state. lastChangedAt updates only when the
// value actually changes (edge).
func (s *StatusStore) SetHeater(on bool, at time.Time) error {
	return s.update(func(st *Status) {
		if st.Heater.On != on {
			t := at
			st.Heater.LastChangedAt = &t
		}
		st.Heater.On = on
	})
}

// SetPump records the pump state, edge-only timestamp like SetHeater.
func (s *StatusStore) SetPump(on bool, at time.Time) error {
	return s.update(func(st *Status) {
		if st.Pump.On != on {
			t := at
			st.Pump.LastChangedAt = &t
		}
		st.Pump.On = on
	})
}

func (s *StatusStore) update(mutate func(*Status)) error {
	if err := paths.EnsureParentDir(s.lockPath); err != nil {
		return err
	}
	lock := flock.New(s.lockPath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock equipment status: %w", err)
	}
	defer lock.Unlock()

	status, err := s.Get()
	if err != nil {
		return err
	}
	mutate(&status)

	if err := paths.EnsureParentDir(s.path); err != nil {
		return err
	}
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal equipment status: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write equipment status: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename equipment status: %w", err)
	}

	L_trace("equipment: status saved", "heater", status.Heater.On, "pump", status.Pump.On)
	return nil
}
