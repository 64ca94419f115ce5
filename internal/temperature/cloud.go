package temperature

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/roelfdiedericks/hottubd/internal/config"
	. "github.com/roelfdiedericks/hottubd/internal/logging"
)

// Refresh discipline: at most 2 refresh attempts per fresh read, bounded by
// 15 seconds total. The sensor is battery powered; fresh reads are reserved
// for decisions that need precision.
const (
	refreshAttempts = 2
	refreshBudget   = 15 * time.Second
	refreshSettle   = 3 * time.Second
)

// CloudProvider polls the sensor vendor's cloud API. The sensor reports the
// water channel directly and an ambient channel via a capacitive sensor that
// is thermally coupled to the water; a calibrated offset compensates for
// that coupling.
type CloudProvider struct {
	baseURL        string
	token          string
	deviceID       string
	ambientOffsetC float64
	staleness      time.Duration
	http           *http.Client
	nowFn          func() time.Time
	sleepFn        func(time.Duration)
}

// NewCloud creates a cloud-polled provider.
func NewCloud(cfg config.SensorConfig) *CloudProvider {
	return &CloudProvider{
		baseURL:        cfg.BaseURL,
		token:          cfg.OAuthToken,
		deviceID:       cfg.DeviceID,
		ambientOffsetC: cfg.AmbientOffsetC,
		staleness:      time.Duration(cfg.StalenessBoundSeconds) * time.Second,
		http:           &http.Client{Timeout: refreshBudget},
		nowFn:          time.Now,
		sleepFn:        time.Sleep,
	}
}

// SetNowFunc overrides the clock. Tests only.
func (p *CloudProvider) SetNowFunc(fn func() time.Time) { p.nowFn = fn }

// SetSleepFunc overrides the refresh settle sleeper. Tests only.
func (p *CloudProvider) SetSleepFunc(fn func(time.Duration)) { p.sleepFn = fn }

// cloudSample is the vendor API response shape. "temperature" is the water
// channel in °C; "cap" is the capacitive ambient channel.
type cloudSample struct {
	Temperature    *float64 `json:"temperature"`
	Cap            *float64 `json:"cap"`
	BatteryVoltage *float64 `json:"battery_voltage"`
	SignalDBM      *int     `json:"signal_dbm"`
	Timestamp      int64    `json:"timestamp"` // unix seconds
}

// ReadCached returns the sensor's latest known sample without forcing a
// hardware read.
func (p *CloudProvider) ReadCached(ctx context.Context) (*Reading, error) {
	reading, err := p.fetch(ctx)
	if err != nil {
		return nil, err
	}
	reading.Source = SourceCloudCached
	if err := reading.Validate(p.staleness); err != nil {
		return nil, err
	}
	return reading, nil
}

// ReadFresh commands the sensor to take a new sample, waits for it to land,
// then reads. Used only when a precise decision is needed.
func (p *CloudProvider) ReadFresh(ctx context.Context) (*Reading, error) {
	deadline := p.nowFn().Add(refreshBudget)

	var lastErr error
	for attempt := 1; attempt <= refreshAttempts; attempt++ {
		if p.nowFn().After(deadline) {
			break
		}
		if err := p.requestRefresh(ctx); err != nil {
			lastErr = err
			L_warn("temperature: refresh command failed", "attempt", attempt, "error", err)
			continue
		}
		p.sleepFn(refreshSettle)

		reading, err := p.fetch(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		reading.Source = SourceCloudFresh
		// A fresh read must actually be fresh: hold it to a tight bound so a
		// sensor that ignored the refresh command is caught.
		if err := reading.Validate(refreshBudget + refreshSettle); err != nil {
			lastErr = err
			L_debug("temperature: refresh produced stale sample", "attempt", attempt, "error", err)
			continue
		}
		return reading, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("%w: refresh budget exhausted", ErrSensorUnavailable)
	}
	return nil, lastErr
}

// fetch reads the latest sample from the cloud.
func (p *CloudProvider) fetch(ctx context.Context) (*Reading, error) {
	endpoint := fmt.Sprintf("%s/devices/%s/latest", p.baseURL, p.deviceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSensorUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSensorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: sensor cloud returned status %d", ErrSensorUnavailable, resp.StatusCode)
	}

	var sample cloudSample
	if err := json.NewDecoder(resp.Body).Decode(&sample); err != nil {
		return nil, fmt.Errorf("%w: bad sensor response: %v", ErrInvalidReading, err)
	}

	reading := &Reading{
		WaterTempC:     sample.Temperature,
		BatteryVoltage: sample.BatteryVoltage,
		SignalDBM:      sample.SignalDBM,
		SourceTime:     time.Unix(sample.Timestamp, 0).UTC(),
		ReceivedAt:     p.nowFn().UTC(),
	}
	if sample.Cap != nil {
		ambient := *sample.Cap + p.ambientOffsetC
		reading.AmbientTempC = &ambient
	}
	return reading, nil
}

// requestRefresh asks the cloud to command a new hardware sample.
func (p *CloudProvider) requestRefresh(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/devices/%s/refresh", p.baseURL, p.deviceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSensorUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSensorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: refresh command returned status %d", ErrSensorUnavailable, resp.StatusCode)
	}
	return nil
}

// SetBaseHTTP overrides the HTTP client (httptest). Tests only.
func (p *CloudProvider) SetBaseHTTP(c *http.Client) { p.http = c }

// SetBaseURL overrides the API base (httptest). Tests only.
func (p *CloudProvider) SetBaseURL(u string) { p.baseURL = u }
