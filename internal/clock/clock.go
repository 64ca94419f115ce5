// Package clock provides wall-clock and cron-field services for hottubd.
// All absolute times flow through this package once; callers must never
// format cron fields themselves.
package clock

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	. "github.com/roelfdiedericks/hottubd/internal/logging"
)

// Service converts between UTC and the host's wall clock and formats
// cron time fields.
type Service struct {
	loc    *time.Location
	tzName string
	nowFn  func() time.Time // injectable for tests
}

// New creates a Service using the host system timezone. The discovery reads
// the host's configuration, not the Go runtime default: a daemon started with
// a stripped environment must still write cron entries in the zone the cron
// daemon evaluates them in.
func New() *Service {
	loc, name := systemLocation()
	L_debug("clock: system timezone resolved", "tz", name)
	return &Service{loc: loc, tzName: name, nowFn: time.Now}
}

// NewInLocation creates a Service pinned to an explicit location (tests,
// or a configured timezone override).
func NewInLocation(loc *time.Location) *Service {
	return &Service{loc: loc, tzName: loc.String(), nowFn: time.Now}
}

// SetNowFunc overrides the time source. Tests only.
func (s *Service) SetNowFunc(fn func() time.Time) { s.nowFn = fn }

// TimezoneName returns the resolved IANA timezone name.
func (s *Service) TimezoneName() string { return s.tzName }

// Location returns the resolved system location.
func (s *Service) Location() *time.Location { return s.loc }

// NowUTC returns the current instant in UTC.
func (s *Service) NowUTC() time.Time { return s.nowFn().UTC() }

// ToLocal converts an instant to the system timezone.
func (s *Service) ToLocal(t time.Time) time.Time { return t.In(s.loc) }

// ToUTC converts a local wall-clock time to UTC.
func (s *Service) ToUTC(local time.Time) time.Time { return local.UTC() }

// CronFields returns the minute, hour, day-of-month and month fields for an
// instant, formatted without leading zeros. The instant is interpreted in the
// system timezone.
func (s *Service) CronFields(t time.Time) (minute, hour, dom, month string) {
	local := t.In(s.loc)
	return strconv.Itoa(local.Minute()),
		strconv.Itoa(local.Hour()),
		strconv.Itoa(local.Day()),
		strconv.Itoa(int(local.Month()))
}

// RoundUpToMinute returns the next minute boundary at least margin away from
// t. Cron resolution is one minute; an entry written for the minute that is
// about to fire may be missed by the cron daemon, so the margin pushes the
// target past that window.
func (s *Service) RoundUpToMinute(t time.Time, margin time.Duration) time.Time {
	earliest := t.Add(margin)
	rounded := earliest.Truncate(time.Minute)
	if rounded.Equal(earliest) {
		return rounded
	}
	return rounded.Add(time.Minute)
}

// systemLocation discovers the host timezone. Order: /etc/timezone (Debian),
// the /etc/localtime symlink target, the TZ variable, then UTC.
func systemLocation() (*time.Location, string) {
	if data, err := os.ReadFile("/etc/timezone"); err == nil {
		name := strings.TrimSpace(string(data))
		if loc, err := time.LoadLocation(name); err == nil {
			return loc, name
		}
	}

	if target, err := os.Readlink("/etc/localtime"); err == nil {
		if i := strings.Index(target, "zoneinfo/"); i >= 0 {
			name := target[i+len("zoneinfo/"):]
			if loc, err := time.LoadLocation(name); err == nil {
				return loc, name
			}
		}
	}

	if tz := os.Getenv("TZ"); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc, tz
		}
	}

	L_warn("clock: could not discover system timezone, falling back to UTC")
	return time.UTC, "UTC"
}

// FormatInstant renders an instant for logs and API responses (RFC3339 in
// the system timezone).
func (s *Service) FormatInstant(t time.Time) string {
	return t.In(s.loc).Format(time.RFC3339)
}

// ParseLocalHHMM parses a "15:04" wall-clock string in the given timezone
// (empty tz means the system timezone) and returns today's instance of it.
func (s *Service) ParseLocalHHMM(hhmm, tz string) (time.Time, error) {
	loc := s.loc
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
		loc = l
	}
	parsed, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q (want HH:MM): %w", hhmm, err)
	}
	now := s.nowFn().In(loc)
	return time.Date(now.Year(), now.Month(), now.Day(),
		parsed.Hour(), parsed.Minute(), 0, 0, loc), nil
}
