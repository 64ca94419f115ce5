package heating

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/roelfdiedericks/hottubd/internal/clock"
	"github.com/roelfdiedericks/hottubd/internal/config"
	"github.com/roelfdiedericks/hottubd/internal/crontab"
	"github.com/roelfdiedericks/hottubd/internal/equipment"
	"github.com/roelfdiedericks/hottubd/internal/notify"
	"github.com/roelfdiedericks/hottubd/internal/paths"
	"github.com/roelfdiedericks/hottubd/internal/scheduler"
	"github.com/roelfdiedericks/hottubd/internal/temperature"
	"github.com/roelfdiedericks/hottubd/internal/webhook"
)

// harness wires a full engine over file-backed stores in a temp dir, with a
// controllable clock and a scripted sensor.
type harness struct {
	t        *testing.T
	now      time.Time
	clk      *clock.Service
	stub     *temperature.StubProvider
	hooks    *webhook.StubClient
	equip    *equipment.Service
	jobs     *scheduler.JobStore
	sched    *scheduler.Service
	tree     *paths.Tree
	cycles   *CycleStore
	notifier *notify.Recorder
	engine   *Engine
}

func setupEngine(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	h := &harness{
		t:   t,
		now: time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC),
	}

	h.clk = clock.NewInLocation(time.UTC)
	h.clk.SetNowFunc(func() time.Time { return h.now })

	h.stub = temperature.NewStub(temperature.FToC(85.0))
	h.hooks = webhook.NewStub()

	cfg := config.Default()
	statusStore := equipment.NewStatusStore(
		filepath.Join(dir, "equipment-status.json"),
		filepath.Join(dir, "equipment.lock"))
	h.equip = equipment.NewService(statusStore, h.hooks, cfg)

	source := crontab.FileSource{Path: filepath.Join(dir, "crontab")}
	cron := crontab.New(source, filepath.Join(dir, "crontab.lock"), filepath.Join(dir, "backups"))

	h.jobs = scheduler.NewJobStore(filepath.Join(dir, "jobs"))
	h.sched = scheduler.New(cron, h.clk, h.jobs, "/opt/hottub/bin/cron-runner", 90*time.Second)

	tree, err := paths.NewTree(dir)
	if err != nil {
		t.Fatalf("NewTree failed: %v", err)
	}
	h.tree = tree
	h.cycles = NewCycleStore(tree)
	h.notifier = &notify.Recorder{}

	h.engine = NewEngine(h.cycles, h.stub, h.equip, h.sched, h.notifier, h.clk)
	return h
}

// setWaterF scripts the next sensor reading in Fahrenheit.
func (h *harness) setWaterF(f float64) { h.stub.SetWaterC(temperature.FToC(f)) }

// pendingTicks returns the persisted monitor jobs for a cycle.
func (h *harness) pendingTicks(cycleID string) []*scheduler.Job {
	all, err := h.jobs.All()
	if err != nil {
		h.t.Fatalf("jobs.All failed: %v", err)
	}
	var ticks []*scheduler.Job
	for _, j := range all {
		if j.Kind == scheduler.KindMonitorTick && j.Payload["cycleId"] == cycleID {
			ticks = append(ticks, j)
		}
	}
	return ticks
}

// fireNextTick plays the runner's role: consume the pending monitor job,
// advance the clock to its minute, and deliver the tick.
func (h *harness) fireNextTick(cycleID string) error {
	h.t.Helper()
	ticks := h.pendingTicks(cycleID)
	if len(ticks) != 1 {
		h.t.Fatalf("pending ticks = %d, want exactly 1", len(ticks))
	}
	job := ticks[0]
	if err := h.sched.Cancel(job.ID); err != nil {
		h.t.Fatalf("cancel fired job: %v", err)
	}
	h.now = job.ScheduledAt
	return h.engine.Tick(context.Background(), cycleID, h.now)
}

func (h *harness) heaterOffCount() int {
	n := 0
	for _, e := range h.hooks.Events() {
		if e == "hot_tub_heater_off" {
			n++
		}
	}
	return n
}

func TestAdjustedTargetBuffer(t *testing.T) {
	cases := []struct {
		target, want float64
	}{
		{104.0, 104.5},
		{103.0, 103.5},
		{102.9, 102.9},
		{100.0, 100.0},
	}
	for _, tc := range cases {
		if got := adjustedTarget(tc.target); got != tc.want {
			t.Errorf("adjustedTarget(%.1f) = %.1f, want %.1f", tc.target, got, tc.want)
		}
	}
}

func TestCadenceBuckets(t *testing.T) {
	cases := []struct {
		delta     float64
		want      time.Duration
		precision bool
	}{
		{15.0, intervalFar, false},
		{10.1, intervalFar, false},
		{10.0, intervalMid, false},
		{5.0, intervalMid, false},
		{4.999, intervalNear, false},
		{1.0, intervalNear, false},
		{0.999, intervalPrecision, true},
		{0.1, intervalPrecision, true},
	}
	for _, tc := range cases {
		got, precision := nextInterval(tc.delta)
		if got != tc.want || precision != tc.precision {
			t.Errorf("nextInterval(%v) = (%v, %v), want (%v, %v)",
				tc.delta, got, precision, tc.want, tc.precision)
		}
	}
}

func TestColdStartToTarget(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	// The coordinator turns the heater on before the engine starts.
	if err := h.equip.HeaterOn(ctx); err != nil {
		t.Fatalf("HeaterOn failed: %v", err)
	}
	h.setWaterF(85.0)

	cycle, err := h.engine.Start(ctx, 102.0, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Water climbs at 0.5°F/min until it caps at target.
	startF, startAt := 85.0, h.now
	ticks := 0
	for ticks < 30 {
		ticks++
		elapsed := h.pendingTicks(cycle.ID)[0].ScheduledAt.Sub(startAt)
		temp := startF + 0.5*elapsed.Minutes()
		if temp > 102.0 {
			temp = 102.0
		}
		h.setWaterF(temp)
		if err := h.fireNextTick(cycle.ID); err != nil {
			t.Fatalf("tick %d failed: %v", ticks, err)
		}
		c, _ := h.cycles.Load(cycle.ID)
		if c.Status != StatusHeating {
			break
		}
	}

	final, _ := h.cycles.Load(cycle.ID)
	if final.Status != StatusCompleted {
		t.Fatalf("status = %s after %d ticks, want completed", final.Status, ticks)
	}
	if ticks > 25 {
		t.Errorf("ticks = %d, want <= 25", ticks)
	}
	if n := h.heaterOffCount(); n != 1 {
		t.Errorf("heater_off fired %d times, want exactly 1", n)
	}
	if len(h.pendingTicks(cycle.ID)) != 0 {
		t.Error("completed cycle still owns a pending tick")
	}
	if len(h.notifier.Messages) != 1 || !strings.Contains(h.notifier.Messages[0], "102.0°F") {
		t.Errorf("notifications = %v, want one ready-at message", h.notifier.Messages)
	}
}

func TestSafetyTimeout(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	h.equip.HeaterOn(ctx)
	h.setWaterF(90.0) // stuck

	cycle, err := h.engine.Start(ctx, 102.0, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var tickErr error
	ticks := 0
	for ticks < 30 {
		ticks++
		tickErr = h.fireNextTick(cycle.ID)
		c, _ := h.cycles.Load(cycle.ID)
		if c.Status != StatusHeating {
			break
		}
	}

	if ticks != 21 {
		t.Errorf("safety stop at tick %d, want 21", ticks)
	}
	if tickErr == nil {
		t.Error("safety stop tick returned nil error")
	}
	final, _ := h.cycles.Load(cycle.ID)
	if final.Status != StatusError {
		t.Errorf("status = %s, want error", final.Status)
	}
	if h.heaterOffCount() != 1 {
		t.Errorf("heater_off fired %d times, want 1", h.heaterOffCount())
	}
	if len(h.notifier.Messages) != 1 {
		t.Errorf("notifications = %v, want one safety message", h.notifier.Messages)
	}
	if len(h.pendingTicks(cycle.ID)) != 0 {
		t.Error("errored cycle still owns a pending tick")
	}
}

func TestInvalidReadsForceSafetyStop(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	h.equip.HeaterOn(ctx)
	cycle, err := h.engine.Start(ctx, 102.0, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	h.stub.SetErr(temperature.ErrSensorUnavailable)

	ticks := 0
	for ticks < 10 {
		ticks++
		h.fireNextTick(cycle.ID)
		c, _ := h.cycles.Load(cycle.ID)
		if c.Status != StatusHeating {
			break
		}
	}

	// The threshold tolerates 3 invalid reads; the 4th errors out.
	if ticks != 4 {
		t.Errorf("stop at tick %d, want 4", ticks)
	}
	final, _ := h.cycles.Load(cycle.ID)
	if final.Status != StatusError {
		t.Errorf("status = %s, want error", final.Status)
	}
	if h.heaterOffCount() != 1 {
		t.Errorf("heater_off fired %d times, want 1", h.heaterOffCount())
	}
}

func TestValidReadResetsInvalidCounter(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	h.equip.HeaterOn(ctx)
	h.setWaterF(90.0)
	cycle, _ := h.engine.Start(ctx, 102.0, nil)

	h.stub.SetErr(temperature.ErrSensorUnavailable)
	h.fireNextTick(cycle.ID)
	h.fireNextTick(cycle.ID)

	c, _ := h.cycles.Load(cycle.ID)
	if c.InvalidReads != 2 {
		t.Fatalf("invalidReads = %d, want 2", c.InvalidReads)
	}

	h.stub.SetErr(nil)
	h.fireNextTick(cycle.ID)

	c, _ = h.cycles.Load(cycle.ID)
	if c.InvalidReads != 0 {
		t.Errorf("invalidReads = %d after valid read, want 0", c.InvalidReads)
	}
	if c.Status != StatusHeating {
		t.Errorf("status = %s, want heating", c.Status)
	}
}

func TestStopEndsCycleAndTickNoOps(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	h.equip.HeaterOn(ctx)
	h.setWaterF(95.0)
	cycle, _ := h.engine.Start(ctx, 102.0, nil)

	stopped, err := h.engine.Stop(ctx, "", "test stop")
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if stopped.Status != StatusStopped {
		t.Errorf("status = %s, want stopped", stopped.Status)
	}
	if h.heaterOffCount() != 1 {
		t.Errorf("heater_off fired %d times, want 1", h.heaterOffCount())
	}
	if len(h.pendingTicks(cycle.ID)) != 0 {
		t.Error("stopped cycle still owns a pending tick")
	}

	// A tick that was already in flight observes the stop and exits.
	h.now = h.now.Add(time.Minute)
	if err := h.engine.Tick(ctx, cycle.ID, h.now); err != nil {
		t.Errorf("post-stop tick errored: %v", err)
	}
	if len(h.pendingTicks(cycle.ID)) != 0 {
		t.Error("post-stop tick scheduled a new wake")
	}
}

func TestDuplicateTickSuppressed(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	h.equip.HeaterOn(ctx)
	h.setWaterF(95.0)
	cycle, _ := h.engine.Start(ctx, 102.0, nil)

	if err := h.fireNextTick(cycle.ID); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	c, _ := h.cycles.Load(cycle.ID)
	counter := c.SafetyCounter

	// Same trigger minute delivered again: must not advance anything.
	if err := h.engine.Tick(ctx, cycle.ID, h.now); err != nil {
		t.Errorf("duplicate tick errored: %v", err)
	}
	c, _ = h.cycles.Load(cycle.ID)
	if c.SafetyCounter != counter {
		t.Errorf("safety counter moved on duplicate tick: %d -> %d", counter, c.SafetyCounter)
	}
	if n := len(h.pendingTicks(cycle.ID)); n != 1 {
		t.Errorf("pending ticks = %d after duplicate, want 1", n)
	}
}

func TestSecondCycleRefused(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	if _, err := h.engine.Start(ctx, 102.0, nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := h.engine.Start(ctx, 104.0, nil); !errors.Is(err, ErrCycleActive) {
		t.Errorf("err = %v, want ErrCycleActive", err)
	}
}

func TestPrecisionModeEntered(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	h.equip.HeaterOn(ctx)
	h.setWaterF(101.5) // delta 0.5 at target 102
	cycle, _ := h.engine.Start(ctx, 102.0, nil)

	if h.engine.PrecisionActive() {
		t.Error("precision active before first reading")
	}

	if err := h.fireNextTick(cycle.ID); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	c, _ := h.cycles.Load(cycle.ID)
	if !c.Precision {
		t.Error("cycle not in precision mode at delta 0.5")
	}
	if !h.engine.PrecisionActive() {
		t.Error("PrecisionActive() = false, want true")
	}
}
