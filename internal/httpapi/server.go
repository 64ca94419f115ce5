// Package httpapi provides the HTTP server: user and runner endpoints under
// bearer auth, microcontroller endpoints under an API key, and a websocket
// stream of live events.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/roelfdiedericks/hottubd/internal/clock"
	"github.com/roelfdiedericks/hottubd/internal/config"
	"github.com/roelfdiedericks/hottubd/internal/crontab"
	"github.com/roelfdiedericks/hottubd/internal/equipment"
	"github.com/roelfdiedericks/hottubd/internal/firmware"
	"github.com/roelfdiedericks/hottubd/internal/heating"
	. "github.com/roelfdiedericks/hottubd/internal/logging"
	"github.com/roelfdiedericks/hottubd/internal/paths"
	"github.com/roelfdiedericks/hottubd/internal/scheduler"
	"github.com/roelfdiedericks/hottubd/internal/temperature"
)

// Deps collects everything the server serves. All fields are required unless
// noted.
type Deps struct {
	Config      *config.Config
	Tree        *paths.Tree
	Clock       *clock.Service
	Equipment   *equipment.Service
	Primary     temperature.Provider // the provider heating and /api/temperature use
	Cloud       temperature.Provider // optional, for /api/temperature/all
	Push        *temperature.PushProvider
	PushStore   *temperature.PushStore
	History     *temperature.History // optional
	Scheduler   *scheduler.Service
	Cron        *crontab.Adapter
	Engine      *heating.Engine
	Coordinator *heating.Coordinator
	Settings    *heating.SettingsStore
	Firmware    *firmware.Store
}

// Server is the hottubd HTTP server.
type Server struct {
	deps        Deps
	server      *http.Server
	rateLimiter *RateLimiter
	hub         *Hub
	done        chan struct{}
}

// NewServer creates the server. It does not start listening.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:        deps,
		rateLimiter: NewRateLimiter(10 * time.Second),
		hub:         NewHub(),
		done:        make(chan struct{}),
	}
	s.server = &http.Server{
		Addr:         deps.Config.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	// Middleware chains: user/runner endpoints behind bearer auth, device
	// endpoints behind the API key.
	user := func(h http.HandlerFunc) http.HandlerFunc {
		return s.logRequest(s.bearerAuth(h))
	}
	device := func(h http.HandlerFunc) http.HandlerFunc {
		return s.logRequest(s.apiKeyAuth(h))
	}

	// Equipment
	mux.HandleFunc("/api/equipment/heater/on", user(s.handleHeaterOn))
	mux.HandleFunc("/api/equipment/heater/off", user(s.handleHeaterOff))
	mux.HandleFunc("/api/equipment/pump/run", user(s.handlePumpRun))

	// Temperature
	mux.HandleFunc("/api/temperature", user(s.handleTemperature))
	mux.HandleFunc("/api/temperature/all", user(s.handleTemperatureAll))
	mux.HandleFunc("/api/temperature/history", user(s.handleTemperatureHistory))

	// Microcontroller
	mux.HandleFunc("/api/esp32/temperature", device(s.handleESP32Push))
	mux.HandleFunc("/api/esp32/firmware/download", device(s.handleFirmwareDownload))

	// Scheduling
	mux.HandleFunc("/api/schedule", user(s.handleSchedule))
	mux.HandleFunc("/api/schedule/", user(s.handleScheduleByID))

	// Heating cycles
	mux.HandleFunc("/api/cycle", user(s.handleCycleStatus))
	mux.HandleFunc("/api/cycle/tick", user(s.handleCycleTick))
	mux.HandleFunc("/api/cycle/stop", user(s.handleCycleStop))

	// Settings, health, maintenance
	mux.HandleFunc("/api/heat-target/settings", user(s.handleHeatTargetSettings))
	mux.HandleFunc("/api/health", user(s.handleHealth))
	mux.HandleFunc("/api/maintenance/run", user(s.handleMaintenance))

	// Live stream
	mux.HandleFunc("/api/ws", user(s.handleWS))

	return mux
}

// Start begins serving and starts the periodic websocket snapshot. Blocks
// until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	go s.snapshotLoop()
	L_info("httpapi: listening", "addr", s.server.Addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.done)
	s.hub.Close()
	return s.server.Shutdown(ctx)
}

// logRequest logs each request at trace level.
func (s *Server) logRequest(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		handler(w, r)
		L_trace("httpapi: request", "method", r.Method, "path", r.URL.Path,
			"ip", getClientIP(r), "elapsed", time.Since(start).Round(time.Millisecond))
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		L_warn("httpapi: response encode failed", "error", err)
	}
}

// writeError writes the standard error envelope.
func writeError(w http.ResponseWriter, status int, message, code string) {
	body := struct {
		Error     string `json:"error"`
		ErrorCode string `json:"error_code,omitempty"`
	}{Error: message, ErrorCode: code}
	writeJSON(w, status, body)
}

// requireMethod rejects other verbs.
func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return false
	}
	return true
}
