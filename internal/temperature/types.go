// Package temperature provides the unified water-temperature read interface
// over the polled cloud sensor and the push-based ESP32 microcontroller.
// Consumers get valid readings or an explicit failure, never a silent stale
// value.
package temperature

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Source tags where a reading came from.
type Source string

const (
	SourceCloudCached Source = "cloud_cached"
	SourceCloudFresh  Source = "cloud_fresh"
	SourcePush        Source = "microcontroller_push"
)

// Plausible water temperature range in Celsius. Samples outside it are
// sensor faults, not weather.
const (
	MinPlausibleC = -10.0
	MaxPlausibleC = 60.0
)

var (
	// ErrSensorUnavailable indicates the sensor could not be reached at all.
	ErrSensorUnavailable = errors.New("sensor unavailable")
	// ErrInvalidReading indicates the sensor answered with an unusable sample
	// (missing, implausible, or stale).
	ErrInvalidReading = errors.New("invalid sensor reading")
)

// Reading is a single temperature sample.
type Reading struct {
	WaterTempC     *float64  `json:"waterTempC"`
	AmbientTempC   *float64  `json:"ambientTempC,omitempty"`
	BatteryVoltage *float64  `json:"batteryVoltage,omitempty"`
	SignalDBM      *int      `json:"signalDbm,omitempty"`
	SourceTime     time.Time `json:"sourceTime"`
	ReceivedAt     time.Time `json:"receivedAt"`
	Source         Source    `json:"source"`
}

// WaterTempF returns the water temperature in Fahrenheit. Callers must have
// validated the reading first.
func (r *Reading) WaterTempF() float64 {
	if r.WaterTempC == nil {
		return 0
	}
	return CToF(*r.WaterTempC)
}

// CToF converts Celsius to Fahrenheit.
func CToF(c float64) float64 { return c*9/5 + 32 }

// FToC converts Fahrenheit to Celsius.
func FToC(f float64) float64 { return (f - 32) * 5 / 9 }

// Validate checks a reading against the plausible range and the staleness
// bound. Returns nil for a valid reading, else an error wrapping
// ErrInvalidReading.
func (r *Reading) Validate(stalenessBound time.Duration) error {
	if r.WaterTempC == nil {
		return fmt.Errorf("%w: no water temperature in sample", ErrInvalidReading)
	}
	if *r.WaterTempC < MinPlausibleC || *r.WaterTempC > MaxPlausibleC {
		return fmt.Errorf("%w: water temperature %.1f°C outside plausible range",
			ErrInvalidReading, *r.WaterTempC)
	}
	if stalenessBound > 0 {
		age := r.ReceivedAt.Sub(r.SourceTime)
		if age > stalenessBound {
			return fmt.Errorf("%w: sample is %s old (bound %s)",
				ErrInvalidReading, age.Round(time.Second), stalenessBound)
		}
	}
	return nil
}

// Provider is the unified capability set over all sensor sources.
//
// ReadCached returns the latest known sample without forcing a hardware read
// (battery friendly). ReadFresh forces a new sample where the source supports
// it; for push sources the two are identical because the device drives the
// cadence.
type Provider interface {
	ReadCached(ctx context.Context) (*Reading, error)
	ReadFresh(ctx context.Context) (*Reading, error)
}
