// Package scheduler creates, lists and cancels scheduled jobs, materialising
// each as a cron entry that invokes the runner executable plus a JSON job
// record the runner reads at fire time.
package scheduler

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/roelfdiedericks/hottubd/internal/crontab"
)

// Kind identifies what a job does when it fires. Closed enumeration; the
// kind/endpoint mapping below must stay exhaustive.
type Kind string

const (
	KindHeatOn      Kind = "heat_on"
	KindHeatOff     Kind = "heat_off"
	KindPumpRun     Kind = "pump_run"
	KindMonitorTick Kind = "monitor_tick"
	KindMaintenance Kind = "maintenance"
)

var (
	// ErrOverlappingSchedule indicates the job would produce two simultaneous
	// heat-on actions against the active heating cycle.
	ErrOverlappingSchedule = errors.New("schedule overlaps active heating cycle")
	// ErrPastSchedule indicates the instant is not far enough in the future
	// to be reliably picked up by the cron daemon.
	ErrPastSchedule = errors.New("scheduled time is in the past or too close")
	// ErrUnknownKind indicates a job kind outside the closed set.
	ErrUnknownKind = errors.New("unknown job kind")
)

// Job is a persisted scheduled job. ScheduledAt is UTC; the cron fields are
// derived from it in the system timezone at materialisation time.
type Job struct {
	ID          string            `json:"id"`
	Kind        Kind              `json:"kind"`
	ScheduledAt time.Time         `json:"scheduledAt"`
	Recurring   bool              `json:"recurring"`
	CronExpr    string            `json:"cronExpr,omitempty"`
	Endpoint    string            `json:"endpoint"`
	CreatedAt   time.Time         `json:"createdAt"`
	Owner       string            `json:"owner,omitempty"`
	Payload     map[string]string `json:"payload,omitempty"`

	// NextRun is computed on list, not persisted.
	NextRun *time.Time `json:"nextRun,omitempty"`
}

// Tag returns the removal handle embedded in the job's cron entry comment.
func (j *Job) Tag() string {
	return crontab.Marker + j.ID
}

// endpointFor maps a kind (plus payload) to the loopback endpoint the runner
// will invoke.
func endpointFor(kind Kind, payload map[string]string) (string, error) {
	switch kind {
	case KindHeatOn:
		return "/api/equipment/heater/on", nil
	case KindHeatOff:
		return "/api/equipment/heater/off", nil
	case KindPumpRun:
		return "/api/equipment/pump/run", nil
	case KindMonitorTick:
		cycleID := payload["cycleId"]
		if cycleID == "" {
			return "", fmt.Errorf("monitor_tick job requires a cycleId payload")
		}
		return "/api/cycle/tick?cycle=" + url.QueryEscape(cycleID), nil
	case KindMaintenance:
		return "/api/maintenance/run", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// ParseKind validates a kind string from the API.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindHeatOn, KindHeatOff, KindPumpRun, KindMonitorTick, KindMaintenance:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}
