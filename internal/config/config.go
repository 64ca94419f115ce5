// Package config builds the hottubd configuration record. The record is
// assembled once at the composition root and threaded through constructors;
// no other package reads the environment.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Mode selects live or stubbed outbound integrations.
type Mode string

const (
	ModeLive Mode = "live"
	ModeStub Mode = "stub"
)

// Config is the merged hottubd configuration.
type Config struct {
	Listen string `toml:"listen"` // HTTP listen address, default ":8095"

	// Mode selects live vs stub outbound calls (webhooks, sensor cloud).
	Mode Mode `toml:"mode"`

	// APIBaseURL is the loopback base the runner POSTs to,
	// e.g. "http://127.0.0.1:8095".
	APIBaseURL string `toml:"apiBaseUrl"`

	// BearerToken authenticates users on the /api endpoints.
	BearerToken string `toml:"bearerToken"`
	// RunnerBearerToken authenticates the cron runner's loopback calls.
	RunnerBearerToken string `toml:"runnerBearerToken"`
	// ESP32APIKey authenticates microcontroller pushes.
	ESP32APIKey string `toml:"esp32ApiKey"`

	Webhook WebhookConfig `toml:"webhook"`
	Sensor  SensorConfig  `toml:"sensor"`
	Heating HeatingConfig `toml:"heating"`

	// ScheduleMarginSeconds is the minimum distance from "now" to the minute
	// boundary a new cron entry may target. Entries closer than this could be
	// missed by the runner about to fire that minute.
	ScheduleMarginSeconds int `toml:"scheduleMarginSeconds"`
}

// WebhookConfig configures the outbound webhook gateway.
type WebhookConfig struct {
	// BaseURL of the gateway, e.g. "https://maker.ifttt.com".
	BaseURL string `toml:"baseUrl"`
	Key     string `toml:"key"`

	// Event names fired per equipment action.
	HeaterOnEvent  string `toml:"heaterOnEvent"`
	HeaterOffEvent string `toml:"heaterOffEvent"`
	PumpOnEvent    string `toml:"pumpOnEvent"`
	PumpOffEvent   string `toml:"pumpOffEvent"`
	NotifyEvent    string `toml:"notifyEvent"`
}

// SensorConfig configures the polled cloud temperature sensor.
type SensorConfig struct {
	BaseURL    string `toml:"baseUrl"`
	OAuthToken string `toml:"oauthToken"`
	DeviceID   string `toml:"deviceId"`

	// AmbientOffsetC compensates the capacitive ambient channel for thermal
	// coupling to the water.
	AmbientOffsetC float64 `toml:"ambientOffsetC"`
	// StalenessBoundSeconds is the maximum accepted age of a sample.
	StalenessBoundSeconds int `toml:"stalenessBoundSeconds"`
}

// HeatingConfig configures the heating cycle engine and coordinator.
type HeatingConfig struct {
	// CouplePump forces the pump off whenever the heater turns off, and on
	// before the heater turns on.
	CouplePump bool `toml:"couplePump"`
	// HeatingRateFPerMin is the assumed heating rate used to translate
	// ready-by times into start times. Default 0.5.
	HeatingRateFPerMin float64 `toml:"heatingRateFPerMin"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Listen:                ":8095",
		Mode:                  ModeStub,
		APIBaseURL:            "http://127.0.0.1:8095",
		ScheduleMarginSeconds: 90,
		Webhook: WebhookConfig{
			BaseURL:        "https://maker.ifttt.com",
			HeaterOnEvent:  "hot_tub_heater_on",
			HeaterOffEvent: "hot_tub_heater_off",
			PumpOnEvent:    "hot_tub_pump_on",
			PumpOffEvent:   "hot_tub_pump_off",
			NotifyEvent:    "hot_tub_notify",
		},
		Sensor: SensorConfig{
			AmbientOffsetC:        -1.5,
			StalenessBoundSeconds: 1800,
		},
		Heating: HeatingConfig{
			CouplePump:         true,
			HeatingRateFPerMin: 0.5,
		},
	}
}

// Load reads the optional TOML config file and layers environment variables
// on top. A missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if cfg.Mode != ModeLive && cfg.Mode != ModeStub {
		return nil, fmt.Errorf("invalid mode %q (want live or stub)", cfg.Mode)
	}
	return cfg, nil
}

// applyEnv overrides config fields from the environment.
func (c *Config) applyEnv() {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("EXTERNAL_API_MODE"); v != "" {
		c.Mode = Mode(v)
	}
	setString("API_BASE_URL", &c.APIBaseURL)
	setString("API_BEARER_TOKEN", &c.BearerToken)
	setString("RUNNER_BEARER_TOKEN", &c.RunnerBearerToken)
	setString("ESP32_API_KEY", &c.ESP32APIKey)
	setString("WEBHOOK_KEY", &c.Webhook.Key)
	setString("WEBHOOK_BASE_URL", &c.Webhook.BaseURL)
	setString("SENSOR_OAUTH_TOKEN", &c.Sensor.OAuthToken)
	setString("SENSOR_DEVICE_ID", &c.Sensor.DeviceID)
	setString("SENSOR_BASE_URL", &c.Sensor.BaseURL)

	if v := os.Getenv("SCHEDULE_MARGIN_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.ScheduleMarginSeconds = n
		}
	}
}

// Stub returns true when outbound integrations are stubbed.
func (c *Config) Stub() bool {
	return c.Mode == ModeStub
}
