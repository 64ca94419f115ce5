package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/roelfdiedericks/hottubd/internal/heating"
	. "github.com/roelfdiedericks/hottubd/internal/logging"
	"github.com/roelfdiedericks/hottubd/internal/scheduler"
	"github.com/roelfdiedericks/hottubd/internal/temperature"
	"github.com/roelfdiedericks/hottubd/internal/webhook"
)

// actionResponse is the envelope for equipment actions.
type actionResponse struct {
	Success   bool   `json:"success"`
	Action    string `json:"action"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) actionOK(w http.ResponseWriter, action string) {
	writeJSON(w, http.StatusOK, actionResponse{
		Success:   true,
		Action:    action,
		Timestamp: s.deps.Clock.NowUTC().Format(time.RFC3339),
	})
}

// equipmentError maps actuation failures onto HTTP statuses.
func equipmentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, webhook.ErrWebhookFailure):
		writeError(w, http.StatusBadGateway, err.Error(), "webhook_failure")
	case errors.Is(err, heating.ErrCycleActive):
		writeError(w, http.StatusConflict, err.Error(), "cycle_active")
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), "")
	}
}

// handleHeaterOn is the fire-time entry for heat-on: plain heater-on, or a
// full heating cycle when target mode is enabled.
func (s *Server) handleHeaterOn(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	cycle, err := s.deps.Coordinator.HandleHeatOn(r.Context())
	if err != nil {
		equipmentError(w, err)
		return
	}
	if cycle != nil {
		s.hub.Broadcast("cycle", cycle)
	}
	s.broadcastStatus()
	s.actionOK(w, "heater_on")
}

func (s *Server) handleHeaterOff(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	// An explicit heater-off also ends any running cycle; otherwise the
	// monitor would keep watching a heater that is no longer on.
	active, err := s.deps.Engine.Active()
	if err == nil && active != nil {
		if _, err := s.deps.Engine.Stop(r.Context(), active.ID, "heater turned off"); err != nil {
			equipmentError(w, err)
			return
		}
	} else if err := s.deps.Equipment.HeaterOff(r.Context()); err != nil {
		equipmentError(w, err)
		return
	}

	s.broadcastStatus()
	s.actionOK(w, "heater_off")
}

func (s *Server) handlePumpRun(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.deps.Equipment.PumpRun(r.Context()); err != nil {
		equipmentError(w, err)
		return
	}
	s.broadcastStatus()
	s.actionOK(w, "pump_run")
}

// readingBody shapes a reading for responses, adding Fahrenheit.
func readingBody(r *temperature.Reading) map[string]any {
	body := map[string]any{
		"waterTempC": r.WaterTempC,
		"waterTempF": r.WaterTempF(),
		"source":     r.Source,
		"sourceTime": r.SourceTime.Format(time.RFC3339),
		"receivedAt": r.ReceivedAt.Format(time.RFC3339),
	}
	if r.AmbientTempC != nil {
		body["ambientTempC"] = *r.AmbientTempC
	}
	if r.BatteryVoltage != nil {
		body["batteryVoltage"] = *r.BatteryVoltage
	}
	if r.SignalDBM != nil {
		body["signalDbm"] = *r.SignalDBM
	}
	return body
}

// handleTemperature returns the latest valid reading, falling back to a
// fresh read when the cache is unusable.
func (s *Server) handleTemperature(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	reading, err := s.deps.Primary.ReadCached(r.Context())
	if err != nil {
		reading, err = s.deps.Primary.ReadFresh(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error(), "sensor_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, readingBody(reading))
}

// handleTemperatureAll reports every configured source, each independently.
func (s *Server) handleTemperatureAll(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	sources := map[string]any{}
	report := func(name string, p temperature.Provider) {
		if p == nil {
			return
		}
		reading, err := p.ReadCached(r.Context())
		if err != nil {
			sources[name] = map[string]any{"error": err.Error()}
			return
		}
		sources[name] = readingBody(reading)
	}
	report("cloud", s.deps.Cloud)
	report("push", s.deps.Push)

	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

// handleTemperatureHistory serves recorded samples for one calendar day.
func (s *Server) handleTemperatureHistory(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "temperature history not enabled", "")
		return
	}

	dateStr := r.URL.Query().Get("date")
	day := s.deps.Clock.ToLocal(s.deps.Clock.NowUTC())
	if dateStr != "" {
		parsed, err := time.ParseInLocation("2006-01-02", dateStr, day.Location())
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid date, want YYYY-MM-DD", "")
			return
		}
		day = parsed
	}

	rows, err := s.deps.History.Day(day, day.Location())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"date":     day.Format("2006-01-02"),
		"readings": rows,
	})
}

// scheduleRequest is the POST /api/schedule body.
type scheduleRequest struct {
	Action        string `json:"action"`
	ScheduledTime string `json:"scheduledTime"`
	Recurring     bool   `json:"recurring"`
	Timezone      string `json:"timezone,omitempty"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		jobs, err := s.deps.Scheduler.List()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})

	case http.MethodPost:
		var req scheduleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "")
			return
		}
		kind, err := scheduler.ParseKind(req.Action)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "")
			return
		}

		var job *scheduler.Job
		if req.Recurring {
			// Recurring jobs take a wall-clock HH:MM in the given timezone.
			job, err = s.deps.Scheduler.ScheduleDaily(kind, req.ScheduledTime, req.Timezone, nil, "api")
		} else {
			var at time.Time
			at, err = time.Parse(time.RFC3339, req.ScheduledTime)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid scheduledTime, want RFC3339", "")
				return
			}
			if kind == scheduler.KindHeatOn {
				// Heat-on goes through the coordinator so ready-by mode can
				// move the start time earlier.
				job, err = s.deps.Coordinator.ScheduleHeatOn(r.Context(), at, "api")
			} else {
				job, err = s.deps.Scheduler.ScheduleOneShot(kind, at, nil, "api")
			}
		}
		if err != nil {
			scheduleError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, job)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
	}
}

// scheduleError maps scheduling failures onto HTTP statuses.
func scheduleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrPastSchedule),
		errors.Is(err, scheduler.ErrUnknownKind):
		writeError(w, http.StatusBadRequest, err.Error(), "")
	case errors.Is(err, scheduler.ErrOverlappingSchedule):
		writeError(w, http.StatusConflict, err.Error(), "overlapping_schedule")
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), "")
	}
}

func (s *Server) handleScheduleByID(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodDelete) {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/schedule/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "missing job id", "")
		return
	}
	if err := s.deps.Scheduler.Cancel(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}

// handleCycleStatus reports the active cycle plus recent history.
func (s *Server) handleCycleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	cycles, err := s.deps.Engine.Store().All()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	var active *heating.Cycle
	for _, c := range cycles {
		if c.Status == heating.StatusHeating {
			active = c
			break
		}
	}
	if len(cycles) > 10 {
		cycles = cycles[:10]
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": active, "recent": cycles})
}

// handleCycleTick advances a heating cycle. Called by the runner; terminal
// conditions (safety stop, invalid-read ceiling) are handled inside the
// engine, so the response is 200 either way and the runner never retries a
// tick.
func (s *Server) handleCycleTick(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	cycleID := r.URL.Query().Get("cycle")
	if cycleID == "" {
		writeError(w, http.StatusBadRequest, "missing cycle parameter", "")
		return
	}

	err := s.deps.Engine.Tick(r.Context(), cycleID, s.deps.Clock.NowUTC())
	cycle, _ := s.deps.Engine.Store().Load(cycleID)
	if cycle != nil {
		s.hub.Broadcast("cycle", cycle)
	}
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error(), "cycle": cycle})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "cycle": cycle})
}

func (s *Server) handleCycleStop(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	cycle, err := s.deps.Engine.Stop(r.Context(), r.URL.Query().Get("cycle"), "stopped via API")
	if err != nil {
		if errors.Is(err, heating.ErrCycleNotFound) {
			writeError(w, http.StatusNotFound, err.Error(), "")
			return
		}
		equipmentError(w, err)
		return
	}
	s.hub.Broadcast("cycle", cycle)
	s.broadcastStatus()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "cycle": cycle})
}

func (s *Server) handleHeatTargetSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		settings, err := s.deps.Settings.Get()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "")
			return
		}
		writeJSON(w, http.StatusOK, settings)

	case http.MethodPost:
		var settings heating.Settings
		if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "")
			return
		}
		if err := s.deps.Settings.Save(settings); err != nil {
			if errors.Is(err, heating.ErrInvalidSettings) {
				writeError(w, http.StatusBadRequest, err.Error(), "")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error(), "")
			return
		}
		writeJSON(w, http.StatusOK, settings)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	status, err := s.deps.Equipment.Status()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	settings, err := s.deps.Settings.Get()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"ifttt_mode":         string(s.deps.Config.Mode),
		"equipmentStatus":    status,
		"heatTargetSettings": settings,
		// Legacy field kept for client compatibility; blinds control is gone.
		"blindsEnabled": false,
	})
}

// handleMaintenance prunes old crontab backups, history rows and finished
// cycle records. Fired by the recurring maintenance job.
func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	result := map[string]any{}

	if s.deps.History != nil {
		n, err := s.deps.History.Prune(90 * 24 * time.Hour)
		if err != nil {
			L_warn("httpapi: history prune failed", "error", err)
		}
		result["historyRowsPruned"] = n
	}

	cyclesRemoved, err := s.deps.Engine.Store().Prune(30*24*time.Hour, s.deps.Clock.NowUTC())
	if err != nil {
		L_warn("httpapi: cycle prune failed", "error", err)
	}
	result["cyclesPruned"] = cyclesRemoved

	backupsRemoved, err := s.deps.Cron.PruneBackups(30 * 24 * time.Hour)
	if err != nil {
		L_warn("httpapi: backup prune failed", "error", err)
	}
	result["backupsPruned"] = backupsRemoved

	result["success"] = true
	writeJSON(w, http.StatusOK, result)
}
