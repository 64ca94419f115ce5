// Package firmware serves the over-the-wire update descriptor the
// microcontroller receives in its check-in responses. The daemon never
// pushes firmware; it only advertises a newer version and the URL to fetch
// it from, and the device decides when to update itself.
package firmware

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	. "github.com/roelfdiedericks/hottubd/internal/logging"
	"github.com/roelfdiedericks/hottubd/internal/paths"
)

// Descriptor is the advertised firmware record (firmware/config.json). The
// binary itself sits next to the config under the firmware directory; the
// download URL the device receives is built from the API base.
type Descriptor struct {
	Version  string `json:"version"`
	Filename string `json:"filename"`
}

// Store reads and writes the descriptor.
type Store struct {
	path string
	dir  string
}

// NewStore creates a store over the tree's firmware config file.
func NewStore(tree *paths.Tree) *Store {
	return &Store{path: tree.FirmwareConfigFile(), dir: tree.FirmwareDir()}
}

// BinaryPath returns the on-disk path of the advertised firmware image.
func (s *Store) BinaryPath(d *Descriptor) string {
	return filepath.Join(s.dir, filepath.Base(d.Filename))
}

// Get returns the descriptor, or nil when none is configured.
func (s *Store) Get() (*Descriptor, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read firmware config: %w", err)
	}
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse firmware config: %w", err)
	}
	if d.Version == "" || d.Filename == "" {
		return nil, nil
	}
	return &d, nil
}

// Set writes the descriptor atomically.
func (s *Store) Set(d Descriptor) error {
	if err := paths.EnsureParentDir(s.path); err != nil {
		return err
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal firmware config: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write firmware config: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename firmware config: %w", err)
	}
	L_info("firmware: descriptor updated", "version", d.Version)
	return nil
}

// UpdateFor returns the descriptor when it is strictly newer than the
// device's reported version, else nil. An empty reported version always
// gets the update (fresh device).
func (s *Store) UpdateFor(reported string) (*Descriptor, error) {
	d, err := s.Get()
	if err != nil || d == nil {
		return nil, err
	}
	if reported == "" || CompareVersions(d.Version, reported) > 0 {
		return d, nil
	}
	return nil, nil
}

// CompareVersions compares dotted numeric versions ("1.2.10" style),
// returning -1, 0 or 1. Non-numeric segments fall back to string order.
func CompareVersions(a, b string) int {
	as := strings.Split(strings.TrimPrefix(a, "v"), ".")
	bs := strings.Split(strings.TrimPrefix(b, "v"), ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		// A missing component counts as zero, so "1.0" == "1.0.0".
		sa, sb := "0", "0"
		if i < len(as) {
			sa = as[i]
		}
		if i < len(bs) {
			sb = bs[i]
		}
		na, errA := strconv.Atoi(sa)
		nb, errB := strconv.Atoi(sb)
		if errA == nil && errB == nil {
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
			continue
		}
		if sa != sb {
			if sa < sb {
				return -1
			}
			return 1
		}
	}
	return 0
}
