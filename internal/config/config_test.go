package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Listen != ":8095" {
		t.Errorf("listen = %q, want :8095", cfg.Listen)
	}
	if !cfg.Stub() {
		t.Error("default mode is not stub")
	}
	if cfg.ScheduleMarginSeconds != 90 {
		t.Errorf("margin = %d, want 90", cfg.ScheduleMarginSeconds)
	}
	if cfg.Webhook.HeaterOnEvent != "hot_tub_heater_on" {
		t.Errorf("heater-on event = %q", cfg.Webhook.HeaterOnEvent)
	}
	if !cfg.Heating.CouplePump {
		t.Error("pump coupling off by default")
	}
	if cfg.Heating.HeatingRateFPerMin != 0.5 {
		t.Errorf("heating rate = %v, want 0.5", cfg.Heating.HeatingRateFPerMin)
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hottubd.toml")
	body := `
listen = ":9000"
mode = "live"
bearerToken = "tok"

[webhook]
key = "whk"

[heating]
couplePump = false
heatingRateFPerMin = 0.8
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Listen != ":9000" || cfg.Mode != ModeLive || cfg.BearerToken != "tok" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Webhook.Key != "whk" {
		t.Errorf("webhook key = %q", cfg.Webhook.Key)
	}
	if cfg.Heating.CouplePump || cfg.Heating.HeatingRateFPerMin != 0.8 {
		t.Errorf("heating = %+v", cfg.Heating)
	}
	// Untouched fields keep their defaults.
	if cfg.Webhook.PumpOffEvent != "hot_tub_pump_off" {
		t.Errorf("pump-off event = %q, want default", cfg.Webhook.PumpOffEvent)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Listen != ":8095" {
		t.Errorf("listen = %q, want default", cfg.Listen)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hottubd.toml")
	if err := os.WriteFile(path, []byte(`bearerToken = "from-file"`), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("API_BEARER_TOKEN", "from-env")
	t.Setenv("EXTERNAL_API_MODE", "live")
	t.Setenv("SCHEDULE_MARGIN_SECONDS", "120")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.BearerToken != "from-env" {
		t.Errorf("bearer token = %q, want env value", cfg.BearerToken)
	}
	if cfg.Mode != ModeLive {
		t.Errorf("mode = %q, want live", cfg.Mode)
	}
	if cfg.ScheduleMarginSeconds != 120 {
		t.Errorf("margin = %d, want 120", cfg.ScheduleMarginSeconds)
	}
}

func TestLoadRejectsInvalidMode(t *testing.T) {
	t.Setenv("EXTERNAL_API_MODE", "dry-run")
	if _, err := Load(""); err == nil {
		t.Error("expected error for unknown mode")
	}
}
