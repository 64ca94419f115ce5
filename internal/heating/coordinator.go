package heating

import (
	"context"
	"fmt"
	"time"

	"github.com/roelfdiedericks/hottubd/internal/clock"
	"github.com/roelfdiedericks/hottubd/internal/equipment"
	. "github.com/roelfdiedericks/hottubd/internal/logging"
	"github.com/roelfdiedericks/hottubd/internal/scheduler"
	"github.com/roelfdiedericks/hottubd/internal/temperature"
)

// DefaultHeatingRateFPerMin is the assumed climb rate of the tub, used to
// translate ready-by times into start times and for completion estimates.
const DefaultHeatingRateFPerMin = 0.5

// Coordinator decides what a heat-on event means: a plain heater-on, or the
// start of a target-temperature cycle, per the shared settings record. It
// also translates ready-by schedules into start-at jobs.
type Coordinator struct {
	settings *SettingsStore
	engine   *Engine
	equip    *equipment.Service
	sched    *scheduler.Service
	provider temperature.Provider
	clock    *clock.Service

	rateFPerMin float64
}

// NewCoordinator wires the coordinator. rateFPerMin ≤ 0 selects the default.
func NewCoordinator(settings *SettingsStore, engine *Engine, equip *equipment.Service,
	sched *scheduler.Service, provider temperature.Provider, clk *clock.Service,
	rateFPerMin float64) *Coordinator {
	if rateFPerMin <= 0 {
		rateFPerMin = DefaultHeatingRateFPerMin
	}
	return &Coordinator{
		settings:    settings,
		engine:      engine,
		equip:       equip,
		sched:       sched,
		provider:    provider,
		clock:       clk,
		rateFPerMin: rateFPerMin,
	}
}

// ActiveHeating reports whether a cycle is currently heating. Registered
// with the scheduler as its overlap guard.
func (c *Coordinator) ActiveHeating() bool {
	active, err := c.engine.Active()
	if err != nil {
		L_warn("heating: overlap check failed, assuming no active cycle", "error", err)
		return false
	}
	return active != nil
}

// HandleHeatOn is the fire-time entry point for heat_on events. Returns the
// started cycle when target mode is enabled, nil otherwise.
func (c *Coordinator) HandleHeatOn(ctx context.Context) (*Cycle, error) {
	settings, err := c.settings.Get()
	if err != nil {
		return nil, err
	}

	if err := c.equip.HeaterOn(ctx); err != nil {
		return nil, err
	}

	if !settings.Enabled {
		L_info("heating: heater on, target mode disabled")
		return nil, nil
	}

	cycle, err := c.engine.Start(ctx, settings.TargetTempF, nil)
	if err != nil {
		return nil, err
	}
	return cycle, nil
}

// ScheduleHeatOn creates the heat-on job for the requested instant. In
// ready-by mode the instant is the time the tub should be AT target, and the
// job is moved earlier by the estimated heating duration from the current
// water temperature.
func (c *Coordinator) ScheduleHeatOn(ctx context.Context, at time.Time, owner string) (*scheduler.Job, error) {
	settings, err := c.settings.Get()
	if err != nil {
		return nil, err
	}

	start := at
	if settings.Enabled && settings.ScheduleMode == ModeReadyBy {
		reading, err := c.provider.ReadCached(ctx)
		if err != nil {
			return nil, fmt.Errorf("cannot plan ready-by start without a water reading: %w", err)
		}
		if err := reading.Validate(0); err != nil {
			return nil, fmt.Errorf("cannot plan ready-by start without a water reading: %w", err)
		}
		lead := c.EstimateHeatingDuration(reading.WaterTempF(), settings.TargetTempF)
		start = at.Add(-lead)
		L_info("heating: ready-by translated to start time",
			"readyBy", c.clock.FormatInstant(at), "startAt", c.clock.FormatInstant(start),
			"lead", lead)
	}

	return c.sched.ScheduleOneShot(scheduler.KindHeatOn, start, nil, owner)
}

// EstimateHeatingDuration returns how long the climb from currentF to
// targetF should take at the assumed rate. Never negative.
func (c *Coordinator) EstimateHeatingDuration(currentF, targetF float64) time.Duration {
	deltaF := targetF - currentF
	if deltaF <= 0 {
		return 0
	}
	return time.Duration(deltaF/c.rateFPerMin*60) * time.Second
}
