package scheduler

import (
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/hottubd/internal/clock"
	"github.com/roelfdiedericks/hottubd/internal/crontab"
	. "github.com/roelfdiedericks/hottubd/internal/logging"
)

// CycleGuard reports whether a heating cycle is currently active. Used to
// refuse heat_on schedules that would double-fire the heater.
type CycleGuard interface {
	ActiveHeating() bool
}

// Service owns job creation, listing and cancellation. All absolute times
// flow through the clock service once; cron fields are computed from the
// result and never formatted by callers.
type Service struct {
	cron       *crontab.Adapter
	clock      *clock.Service
	store      *JobStore
	runnerPath string
	margin     time.Duration
	guard      CycleGuard // may be nil

	parser cronlib.Parser
}

// New creates the scheduler service. runnerPath is the installed runner
// executable the cron entries invoke; margin is the minimum distance from
// now that a new entry may target.
func New(cron *crontab.Adapter, clk *clock.Service, store *JobStore, runnerPath string, margin time.Duration) *Service {
	return &Service{
		cron:       cron,
		clock:      clk,
		store:      store,
		runnerPath: runnerPath,
		margin:     margin,
		parser:     cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow),
	}
}

// SetCycleGuard wires the overlap check. The heating coordinator registers
// itself here after construction (it depends on the scheduler in turn).
func (s *Service) SetCycleGuard(g CycleGuard) { s.guard = g }

// newJobID returns a short unique job identifier.
func newJobID() string {
	return uuid.New().String()[:8]
}

// ScheduleOneShot persists and materialises a one-shot job firing at the
// minute containing the rounded instant. User-facing: the configured margin
// applies.
func (s *Service) ScheduleOneShot(kind Kind, at time.Time, payload map[string]string, owner string) (*Job, error) {
	return s.scheduleOneShot(kind, at, payload, owner, s.margin)
}

// ScheduleTick schedules an engine-internal monitor job. Ticks skip the
// user-facing margin: the engine picks intervals that land on the next safe
// minute on their own, and a 15-second precision interval could never clear
// the full margin.
func (s *Service) ScheduleTick(at time.Time, cycleID string) (*Job, error) {
	return s.scheduleOneShot(KindMonitorTick, at,
		map[string]string{"cycleId": cycleID}, "heating-engine", 0)
}

func (s *Service) scheduleOneShot(kind Kind, at time.Time, payload map[string]string, owner string, margin time.Duration) (*Job, error) {
	now := s.clock.NowUTC()

	// Fire at the next minute boundary at or after the requested instant;
	// reject anything the cron daemon might already be past.
	fire := s.clock.RoundUpToMinute(at, 0)
	minAllowed := s.clock.RoundUpToMinute(now, margin)
	if fire.Before(minAllowed) {
		return nil, fmt.Errorf("%w: %s (earliest schedulable is %s)",
			ErrPastSchedule, s.clock.FormatInstant(fire), s.clock.FormatInstant(minAllowed))
	}

	if kind == KindHeatOn && s.guard != nil && s.guard.ActiveHeating() {
		return nil, fmt.Errorf("%w: a heating cycle is already running", ErrOverlappingSchedule)
	}

	endpoint, err := endpointFor(kind, payload)
	if err != nil {
		return nil, err
	}

	job := &Job{
		ID:          newJobID(),
		Kind:        kind,
		ScheduledAt: fire.UTC(),
		Recurring:   false,
		Endpoint:    endpoint,
		CreatedAt:   now,
		Owner:       owner,
		Payload:     payload,
	}

	if err := s.store.Save(job); err != nil {
		return nil, err
	}

	minute, hour, dom, month := s.clock.CronFields(fire)
	entry := fmt.Sprintf("%s %s %s %s * %s %s # %s",
		minute, hour, dom, month, s.runnerPath, job.ID, job.Tag())

	if err := s.cron.Add(entry); err != nil {
		// Roll back the record so the two stores stay in agreement.
		s.store.Delete(job.ID)
		return nil, err
	}

	L_info("scheduler: one-shot scheduled",
		"id", job.ID, "kind", kind, "fire", s.clock.FormatInstant(fire))
	return job, nil
}

// ScheduleDaily persists and materialises a recurring daily job at the given
// local wall-clock time. The cron expression is written in the system
// timezone after converting from the caller's timezone.
func (s *Service) ScheduleDaily(kind Kind, localHHMM, tz string, payload map[string]string, owner string) (*Job, error) {
	now := s.clock.NowUTC()

	local, err := s.clock.ParseLocalHHMM(localHHMM, tz)
	if err != nil {
		return nil, err
	}

	endpoint, err := endpointFor(kind, payload)
	if err != nil {
		return nil, err
	}

	// Cron evaluates in the system timezone; express the caller's wall-clock
	// time there.
	minute, hour, _, _ := s.clock.CronFields(local)
	expr := fmt.Sprintf("%s %s * * *", minute, hour)
	if _, err := s.parser.Parse(expr); err != nil {
		return nil, fmt.Errorf("generated invalid cron expression %q: %w", expr, err)
	}

	job := &Job{
		ID:          newJobID(),
		Kind:        kind,
		ScheduledAt: s.clock.ToUTC(local),
		Recurring:   true,
		CronExpr:    expr,
		Endpoint:    endpoint,
		CreatedAt:   now,
		Owner:       owner,
		Payload:     payload,
	}

	if err := s.store.Save(job); err != nil {
		return nil, err
	}

	entry := fmt.Sprintf("%s %s * * * %s %s # %s",
		minute, hour, s.runnerPath, job.ID, job.Tag())

	if err := s.cron.Add(entry); err != nil {
		s.store.Delete(job.ID)
		return nil, err
	}

	L_info("scheduler: daily job scheduled", "id", job.ID, "kind", kind, "expr", expr, "tz", tz)
	return job, nil
}

// List enumerates pending jobs. The job directory and the cron table must
// agree; divergence is repaired by cancelling the orphan side.
func (s *Service) List() ([]*Job, error) {
	jobs, err := s.store.All()
	if err != nil {
		return nil, err
	}
	tagged, err := s.cron.ListTagged()
	if err != nil {
		return nil, err
	}

	entryIDs := make(map[string]bool, len(tagged))
	for _, line := range tagged {
		if i := strings.LastIndex(line, crontab.Marker); i >= 0 {
			entryIDs[strings.TrimSpace(line[i+len(crontab.Marker):])] = true
		}
	}

	var live []*Job
	seen := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		seen[job.ID] = true
		if !entryIDs[job.ID] {
			// Orphan record: the entry fired (or was removed externally).
			L_warn("scheduler: repairing orphan job record", "id", job.ID)
			s.store.Delete(job.ID)
			continue
		}
		s.computeNextRun(job)
		live = append(live, job)
	}

	for id := range entryIDs {
		if !seen[id] {
			// Orphan entry: no record backs it, so the runner could not act
			// on it anyway.
			L_warn("scheduler: repairing orphan cron entry", "id", id)
			s.cron.RemoveMatching(crontab.Marker + id)
		}
	}

	return live, nil
}

// computeNextRun fills in job.NextRun from the schedule.
func (s *Service) computeNextRun(job *Job) {
	if !job.Recurring {
		t := job.ScheduledAt
		job.NextRun = &t
		return
	}
	sched, err := s.parser.Parse(job.CronExpr)
	if err != nil {
		L_warn("scheduler: stored cron expression no longer parses", "id", job.ID, "expr", job.CronExpr, "error", err)
		return
	}
	next := sched.Next(s.clock.ToLocal(s.clock.NowUTC()))
	utc := next.UTC()
	job.NextRun = &utc
}

// Cancel removes the cron entry and the job record. It succeeds whether the
// job is pending, already fired, or already cleaned up; both removals are
// idempotent.
func (s *Service) Cancel(jobID string) error {
	removed, err := s.cron.RemoveMatching(crontab.Marker + jobID)
	if err != nil {
		return err
	}
	if err := s.store.Delete(jobID); err != nil {
		return err
	}
	L_info("scheduler: job cancelled", "id", jobID, "entriesRemoved", removed)
	return nil
}

// GetCronExpression returns the five cron time fields for an instant, for
// callers that need the expression without scheduling anything.
func (s *Service) GetCronExpression(at time.Time, useUTC bool) string {
	if useUTC {
		u := at.UTC()
		return fmt.Sprintf("%d %d %d %d *", u.Minute(), u.Hour(), u.Day(), int(u.Month()))
	}
	minute, hour, dom, month := s.clock.CronFields(at)
	return fmt.Sprintf("%s %s %s %s *", minute, hour, dom, month)
}
