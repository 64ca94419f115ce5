package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	. "github.com/roelfdiedericks/hottubd/internal/logging"
	"github.com/roelfdiedericks/hottubd/internal/paths"
	"github.com/roelfdiedericks/hottubd/internal/temperature"
)

// esp32PushRequest is the check-in body the microcontroller POSTs.
type esp32PushRequest struct {
	Temperature     *float64 `json:"temperature"` // water, °C
	Ambient         *float64 `json:"ambient,omitempty"`
	BatteryVoltage  *float64 `json:"battery_voltage,omitempty"`
	SignalDBM       *int     `json:"signal_dbm,omitempty"`
	FirmwareVersion string   `json:"firmware_version,omitempty"`
}

// esp32PushResponse tells the device how to self-pace and, when applicable,
// that newer firmware is available.
type esp32PushResponse struct {
	Status          string `json:"status"`
	IntervalSeconds int    `json:"interval_seconds"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
	FirmwareURL     string `json:"firmware_url,omitempty"`
}

// handleESP32Push accepts a pushed reading and answers with the desired
// check-in interval: short while the heater runs, shorter still in precision
// mode, relaxed otherwise.
func (s *Server) handleESP32Push(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req esp32PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	if req.Temperature == nil {
		writeError(w, http.StatusBadRequest, "missing temperature", "")
		return
	}

	now := s.deps.Clock.NowUTC()
	reading := &temperature.Reading{
		WaterTempC:     req.Temperature,
		AmbientTempC:   req.Ambient,
		BatteryVoltage: req.BatteryVoltage,
		SignalDBM:      req.SignalDBM,
		SourceTime:     now,
		ReceivedAt:     now,
		Source:         temperature.SourcePush,
	}
	if err := reading.Validate(0); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_reading")
		return
	}

	if err := s.deps.PushStore.Record(reading); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	if s.deps.History != nil {
		if err := s.deps.History.Record(reading); err != nil {
			L_warn("httpapi: history record failed", "error", err)
		}
	}
	s.logESP32(reading, req.FirmwareVersion)
	s.hub.Broadcast("temperature", readingBody(reading))

	resp := esp32PushResponse{
		Status:          "ok",
		IntervalSeconds: s.checkinInterval(),
	}
	if update, err := s.deps.Firmware.UpdateFor(req.FirmwareVersion); err != nil {
		L_warn("httpapi: firmware lookup failed", "error", err)
	} else if update != nil {
		resp.FirmwareVersion = update.Version
		resp.FirmwareURL = s.deps.Config.APIBaseURL + "/api/esp32/firmware/download"
	}

	writeJSON(w, http.StatusOK, resp)
}

// checkinInterval picks the device cadence from the heater state and the
// active cycle's precision flag.
func (s *Server) checkinInterval() int {
	if s.deps.Engine.PrecisionActive() {
		return temperature.IntervalPrecision
	}
	status, err := s.deps.Equipment.Status()
	if err != nil {
		L_warn("httpapi: status read failed for check-in interval", "error", err)
		return temperature.IntervalHeaterOff
	}
	if status.Heater.On {
		return temperature.IntervalHeaterOn
	}
	return temperature.IntervalHeaterOff
}

// logESP32 appends the check-in to the device log.
func (s *Server) logESP32(reading *temperature.Reading, fw string) {
	line := fmt.Sprintf("%s water_c=%.2f", reading.ReceivedAt.Format(time.RFC3339), *reading.WaterTempC)
	if reading.BatteryVoltage != nil {
		line += fmt.Sprintf(" battery_v=%.2f", *reading.BatteryVoltage)
	}
	if reading.SignalDBM != nil {
		line += fmt.Sprintf(" signal_dbm=%d", *reading.SignalDBM)
	}
	if fw != "" {
		line += " fw=" + fw
	}
	if err := paths.AppendLine(s.deps.Tree.ESP32LogFile(), line); err != nil {
		L_warn("httpapi: esp32 log append failed", "error", err)
	}
}

// handleFirmwareDownload streams the advertised firmware image.
func (s *Server) handleFirmwareDownload(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	d, err := s.deps.Firmware.Get()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	if d == nil {
		writeError(w, http.StatusNotFound, "no firmware configured", "")
		return
	}

	path := s.deps.Firmware.BinaryPath(d)
	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "firmware image missing", "")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}

	w.Header().Set("X-Firmware-Version", d.Version)
	w.Header().Set("Content-Type", "application/octet-stream")
	L_info("httpapi: serving firmware", "version", d.Version, "bytes", info.Size())
	http.ServeContent(w, r, d.Filename, info.ModTime(), f)
}
