package heating

import (
	"errors"
	"os"
	"testing"

	"github.com/roelfdiedericks/hottubd/internal/paths"
)

func setupSettings(t *testing.T) (*SettingsStore, *paths.Tree) {
	t.Helper()
	tree, err := paths.NewTree(t.TempDir())
	if err != nil {
		t.Fatalf("NewTree failed: %v", err)
	}
	return NewSettingsStore(tree), tree
}

func TestSettingsValidate(t *testing.T) {
	cases := []struct {
		name    string
		s       Settings
		wantErr bool
	}{
		{"defaults", DefaultSettings(), false},
		{"min target", Settings{TargetTempF: 80.0, ScheduleMode: ModeStartAt}, false},
		{"max target", Settings{TargetTempF: 110.0, ScheduleMode: ModeReadyBy}, false},
		{"below min", Settings{TargetTempF: 79.9, ScheduleMode: ModeStartAt}, true},
		{"above max", Settings{TargetTempF: 110.1, ScheduleMode: ModeStartAt}, true},
		{"unknown mode", Settings{TargetTempF: 102.0, ScheduleMode: "whenever"}, true},
		{"bad timezone", Settings{TargetTempF: 102.0, ScheduleMode: ModeStartAt, Timezone: "Mars/Olympus"}, true},
		{"real timezone", Settings{TargetTempF: 102.0, ScheduleMode: ModeStartAt, Timezone: "America/New_York"}, false},
	}
	for _, tc := range cases {
		err := tc.s.Validate()
		if tc.wantErr && !errors.Is(err, ErrInvalidSettings) {
			t.Errorf("%s: err = %v, want ErrInvalidSettings", tc.name, err)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
	}
}

func TestSettingsMissingFileYieldsDefaults(t *testing.T) {
	store, _ := setupSettings(t)

	got, err := store.Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != DefaultSettings() {
		t.Errorf("settings = %+v, want defaults", got)
	}
}

func TestSettingsSaveRoundTrip(t *testing.T) {
	store, tree := setupSettings(t)

	in := Settings{Enabled: true, TargetTempF: 104.0, ScheduleMode: ModeReadyBy}
	if err := store.Save(in); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != in {
		t.Errorf("settings = %+v, want %+v", got, in)
	}

	// A second store over the same tree sees the persisted record.
	fresh := NewSettingsStore(tree)
	got, err = fresh.Get()
	if err != nil {
		t.Fatalf("fresh Get failed: %v", err)
	}
	if got != in {
		t.Errorf("fresh settings = %+v, want %+v", got, in)
	}
}

func TestSettingsSaveRejectsInvalid(t *testing.T) {
	store, tree := setupSettings(t)

	err := store.Save(Settings{Enabled: true, TargetTempF: 150.0, ScheduleMode: ModeStartAt})
	if !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("err = %v, want ErrInvalidSettings", err)
	}
	if _, statErr := os.Stat(tree.HeatTargetSettingsFile()); !os.IsNotExist(statErr) {
		t.Error("invalid settings reached disk")
	}
}
