package heating

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/hottubd/internal/clock"
	"github.com/roelfdiedericks/hottubd/internal/equipment"
	. "github.com/roelfdiedericks/hottubd/internal/logging"
	"github.com/roelfdiedericks/hottubd/internal/notify"
	"github.com/roelfdiedericks/hottubd/internal/scheduler"
	"github.com/roelfdiedericks/hottubd/internal/temperature"
)

// Control constants, Fahrenheit.
const (
	// BufferHighF is added to high targets so the cycle does not complete on
	// a reading that immediately sags back below target.
	BufferHighF = 0.5
	// HighTempThresholdF is the target above which BufferHighF applies.
	HighTempThresholdF = 103.0

	// SafetyMaxIterations bounds the tick count of a standard cycle. The
	// precision limit is higher because precision ticks fire every minute.
	SafetyMaxIterations          = 20
	SafetyMaxIterationsPrecision = 40

	// MaxInvalidReads is how many consecutive rejected readings a cycle
	// tolerates before it errors out and shuts the heater off.
	MaxInvalidReads = 3
)

// Cadence table: temperature gap to target (°F) mapped to the delay before
// the next tick. The 45-second offsets land ticks just before a minute
// boundary so the cron entry's minute is the one the work belongs to.
const (
	intervalFar       = 1185 * time.Second // Δ > 10
	intervalMid       = 585 * time.Second  // 5 ≤ Δ ≤ 10
	intervalNear      = 105 * time.Second  // 1 ≤ Δ < 5
	intervalPrecision = 15 * time.Second   // Δ < 1
)

// nextInterval picks the wake delay for a gap. The bool reports precision
// mode.
func nextInterval(deltaF float64) (time.Duration, bool) {
	switch {
	case deltaF > 10:
		return intervalFar, false
	case deltaF >= 5:
		return intervalMid, false
	case deltaF >= 1:
		return intervalNear, false
	default:
		return intervalPrecision, true
	}
}

// adjustedTarget applies the high-temperature buffer.
func adjustedTarget(targetF float64) float64 {
	if targetF >= HighTempThresholdF {
		return targetF + BufferHighF
	}
	return targetF
}

// Engine drives heating cycles. It is not a long-running loop: each tick is a
// short call (from the loopback endpoint) that ends by scheduling its own
// next wake as a one-shot monitor job, so the daemon may restart between
// ticks without losing the cycle.
type Engine struct {
	store    *CycleStore
	provider temperature.Provider
	equip    *equipment.Service
	sched    *scheduler.Service
	notifier notify.Notifier
	clock    *clock.Service

	// rateFPerMin is the assumed heating rate used for completion estimates.
	rateFPerMin float64

	// startMu serialises Start so two callers cannot both pass the
	// active-cycle check and create a second heating cycle.
	startMu sync.Mutex
}

// NewEngine wires the engine.
func NewEngine(store *CycleStore, provider temperature.Provider, equip *equipment.Service,
	sched *scheduler.Service, notifier notify.Notifier, clk *clock.Service) *Engine {
	return &Engine{
		store:       store,
		provider:    provider,
		equip:       equip,
		sched:       sched,
		notifier:    notifier,
		clock:       clk,
		rateFPerMin: DefaultHeatingRateFPerMin,
	}
}

// SetHeatingRate overrides the assumed heating rate (°F per minute).
func (e *Engine) SetHeatingRate(rate float64) {
	if rate > 0 {
		e.rateFPerMin = rate
	}
}

// Store exposes the cycle store for read-side callers (status endpoints).
func (e *Engine) Store() *CycleStore { return e.store }

// Active returns the cycle currently heating, or nil.
func (e *Engine) Active() (*Cycle, error) { return e.store.Active() }

// PrecisionActive reports whether the active cycle is in precision mode. The
// microcontroller check-in handler uses this to shorten the device cadence so
// each minute tick sees a fresh sample.
func (e *Engine) PrecisionActive() bool {
	c, err := e.store.Active()
	if err != nil || c == nil {
		return false
	}
	return c.Precision
}

// Start creates a new cycle at targetF and schedules its first tick one
// minute out. The heater itself is the coordinator's business; the engine
// only monitors. Returns ErrCycleActive if a cycle is already heating.
func (e *Engine) Start(ctx context.Context, targetF float64, metadata map[string]string) (*Cycle, error) {
	e.startMu.Lock()
	defer e.startMu.Unlock()

	active, err := e.store.Active()
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, fmt.Errorf("%w: %s", ErrCycleActive, active.ID)
	}

	now := e.clock.NowUTC()
	c := &Cycle{
		ID:          uuid.New().String()[:8],
		StartedAt:   now,
		Status:      StatusHeating,
		TargetTempF: targetF,
		Metadata:    metadata,
	}
	if err := e.store.Save(c); err != nil {
		return nil, err
	}

	if _, err := e.scheduleTick(c.ID, now.Add(time.Minute)); err != nil {
		// The cycle record exists without a tick; mark it errored rather
		// than leave it heating forever with nothing driving it.
		e.store.Update(c.ID, func(u *Cycle) error {
			u.Status = StatusError
			u.EndReason = "failed to schedule first tick"
			t := now
			u.EndedAt = &t
			return nil
		})
		return nil, err
	}

	L_info("heating: cycle started", "id", c.ID, "targetF", targetF)
	return c, nil
}

// Stop cancels the active (or named) cycle. The status flip is atomic under
// the store lock; a tick already in flight observes it and exits without
// rescheduling. Any still-pending tick job is cancelled best-effort.
func (e *Engine) Stop(ctx context.Context, cycleID, reason string) (*Cycle, error) {
	if cycleID == "" {
		active, err := e.store.Active()
		if err != nil {
			return nil, err
		}
		if active == nil {
			return nil, fmt.Errorf("%w: no active cycle", ErrCycleNotFound)
		}
		cycleID = active.ID
	}

	now := e.clock.NowUTC()
	c, err := e.store.Update(cycleID, func(u *Cycle) error {
		if u.Status == StatusHeating {
			u.Status = StatusStopped
			u.EndReason = reason
			t := now
			u.EndedAt = &t
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.cancelPendingTicks(cycleID)

	if err := e.equip.HeaterOff(ctx); err != nil {
		L_error("heating: cycle stopped but heater-off failed", "id", cycleID, "error", err)
		return c, err
	}

	L_info("heating: cycle stopped", "id", cycleID, "reason", reason)
	return c, nil
}

// Tick advances one cycle. triggeredAt is the minute the cron entry fired
// for; a tick whose trigger minute equals the cycle's last check is a
// duplicate delivery and no-ops.
func (e *Engine) Tick(ctx context.Context, cycleID string, triggeredAt time.Time) error {
	c, err := e.store.Load(cycleID)
	if err != nil {
		return err
	}
	if c == nil {
		L_warn("heating: tick for unknown cycle", "id", cycleID)
		return nil
	}
	if c.Status != StatusHeating {
		L_debug("heating: tick on finished cycle, not rescheduling", "id", cycleID, "status", c.Status)
		return nil
	}

	trigger := triggeredAt.UTC().Truncate(time.Minute)
	if c.LastCheck != nil && !c.LastCheck.Before(trigger) {
		L_warn("heating: duplicate tick suppressed", "id", cycleID, "trigger", trigger)
		return nil
	}

	now := e.clock.NowUTC()

	reading, readErr := e.provider.ReadFresh(ctx)
	if readErr == nil {
		readErr = reading.Validate(0)
	}
	if readErr != nil {
		return e.tickInvalid(ctx, c, trigger, now, readErr)
	}

	currentF := reading.WaterTempF()
	delta := adjustedTarget(c.TargetTempF) - currentF

	if delta <= 0 {
		return e.complete(ctx, c, currentF, trigger, now)
	}

	interval, precision := nextInterval(delta)

	// Estimate assumes the configured-rate climb continues; informational
	// only, never used for control.
	eta := now.Add(time.Duration(delta/e.rateFPerMin*60) * time.Second)

	c, err = e.store.Update(c.ID, func(u *Cycle) error {
		if u.Status != StatusHeating {
			return fmt.Errorf("cycle %s is %s", u.ID, u.Status)
		}
		u.CurrentTempF = &currentF
		u.LastCheck = &trigger
		u.InvalidReads = 0
		u.Precision = precision
		u.EstimatedCompletion = &eta
		u.SafetyCounter++
		return nil
	})
	if err != nil {
		// Lost the race against a stop; nothing to reschedule.
		L_debug("heating: tick superseded", "id", cycleID, "error", err)
		return nil
	}

	limit := SafetyMaxIterations
	if c.Precision {
		limit = SafetyMaxIterationsPrecision
	}
	if c.SafetyCounter > limit {
		return e.safetyStop(ctx, c, now,
			fmt.Sprintf("safety limit of %d ticks exceeded at %.1f°F (target %.1f°F)",
				limit, currentF, c.TargetTempF))
	}

	if _, err := e.scheduleTick(c.ID, now.Add(interval)); err != nil {
		return e.safetyStop(ctx, c, now, "failed to schedule next tick: "+err.Error())
	}

	L_debug("heating: tick",
		"id", c.ID, "currentF", currentF, "deltaF", delta,
		"next", interval, "precision", precision, "safety", c.SafetyCounter)
	return nil
}

// tickInvalid handles a rejected reading: count it, and either wait one tick
// or give up and shut the heater off.
func (e *Engine) tickInvalid(ctx context.Context, c *Cycle, trigger, now time.Time, readErr error) error {
	c, err := e.store.Update(c.ID, func(u *Cycle) error {
		if u.Status != StatusHeating {
			return fmt.Errorf("cycle %s is %s", u.ID, u.Status)
		}
		u.LastCheck = &trigger
		u.InvalidReads++
		u.SafetyCounter++
		return nil
	})
	if err != nil {
		return nil
	}

	L_warn("heating: invalid reading",
		"id", c.ID, "count", c.InvalidReads, "error", readErr)

	if c.InvalidReads > MaxInvalidReads {
		return e.safetyStop(ctx, c, now,
			fmt.Sprintf("%d consecutive invalid sensor readings", c.InvalidReads))
	}

	// Retry after one tick at the cadence of the last known gap, or the
	// near cadence when the cycle has never seen a valid reading.
	interval := intervalNear
	if c.CurrentTempF != nil {
		interval, _ = nextInterval(adjustedTarget(c.TargetTempF) - *c.CurrentTempF)
	}
	if _, err := e.scheduleTick(c.ID, now.Add(interval)); err != nil {
		return e.safetyStop(ctx, c, now, "failed to schedule next tick: "+err.Error())
	}
	return nil
}

// complete finishes a cycle that reached target.
func (e *Engine) complete(ctx context.Context, c *Cycle, currentF float64, trigger, now time.Time) error {
	if err := e.equip.HeaterOff(ctx); err != nil {
		// Heater-off failed; keep the cycle heating so the next tick tries
		// again rather than stranding a live heater behind a completed record.
		L_error("heating: target reached but heater-off failed, retrying next tick",
			"id", c.ID, "error", err)
		if _, uerr := e.scheduleTick(c.ID, now.Add(intervalPrecision)); uerr != nil {
			L_error("heating: failed to schedule heater-off retry", "id", c.ID, "error", uerr)
		}
		return err
	}

	_, err := e.store.Update(c.ID, func(u *Cycle) error {
		u.Status = StatusCompleted
		u.CurrentTempF = &currentF
		u.LastCheck = &trigger
		u.EndReason = "target reached"
		t := now
		u.EndedAt = &t
		return nil
	})
	if err != nil {
		return err
	}

	e.notifier.Notify(ctx, fmt.Sprintf("Hot tub ready at %.1f°F", currentF))
	L_info("heating: cycle completed", "id", c.ID, "finalF", currentF)
	return nil
}

// safetyStop errors a cycle out and forces the heater off. Called for the
// safety ceiling, the invalid-read threshold, and scheduling failures.
func (e *Engine) safetyStop(ctx context.Context, c *Cycle, now time.Time, reason string) error {
	e.store.Update(c.ID, func(u *Cycle) error {
		u.Status = StatusError
		u.EndReason = reason
		t := now
		u.EndedAt = &t
		return nil
	})

	if err := e.equip.HeaterOff(ctx); err != nil {
		L_error("heating: safety stop but heater-off failed", "id", c.ID, "error", err)
	}

	e.notifier.Notify(ctx, "Heating stopped: "+reason)
	L_error("heating: safety stop", "id", c.ID, "reason", reason)
	return fmt.Errorf("heating cycle %s stopped: %s", c.ID, reason)
}

// scheduleTick creates the cycle's next monitor job. Ticks are owned by the
// engine; the scheduler rounds the instant up to the next cron minute.
func (e *Engine) scheduleTick(cycleID string, at time.Time) (*scheduler.Job, error) {
	return e.sched.ScheduleTick(at, cycleID)
}

// cancelPendingTicks removes any pending monitor job for a cycle.
func (e *Engine) cancelPendingTicks(cycleID string) {
	jobs, err := e.sched.List()
	if err != nil {
		L_warn("heating: failed to list jobs for tick cleanup", "error", err)
		return
	}
	for _, job := range jobs {
		if job.Kind == scheduler.KindMonitorTick && job.Payload["cycleId"] == cycleID {
			if err := e.sched.Cancel(job.ID); err != nil {
				L_warn("heating: failed to cancel pending tick", "job", job.ID, "error", err)
			}
		}
	}
}
