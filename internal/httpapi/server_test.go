package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/roelfdiedericks/hottubd/internal/clock"
	"github.com/roelfdiedericks/hottubd/internal/config"
	"github.com/roelfdiedericks/hottubd/internal/crontab"
	"github.com/roelfdiedericks/hottubd/internal/equipment"
	"github.com/roelfdiedericks/hottubd/internal/firmware"
	"github.com/roelfdiedericks/hottubd/internal/heating"
	"github.com/roelfdiedericks/hottubd/internal/notify"
	"github.com/roelfdiedericks/hottubd/internal/paths"
	"github.com/roelfdiedericks/hottubd/internal/scheduler"
	"github.com/roelfdiedericks/hottubd/internal/temperature"
	"github.com/roelfdiedericks/hottubd/internal/webhook"
)

const (
	userToken   = "user-token"
	runnerToken = "runner-token"
	deviceKey   = "device-key"
)

type env struct {
	t      *testing.T
	srv    *httptest.Server
	server *Server
	now    time.Time

	stub     *temperature.StubProvider
	hooks    *webhook.StubClient
	equip    *equipment.Service
	engine   *heating.Engine
	firmware *firmware.Store
	settings *heating.SettingsStore
}

func setupServer(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()

	tree, err := paths.NewTree(dir)
	if err != nil {
		t.Fatalf("NewTree failed: %v", err)
	}

	cfg := config.Default()
	cfg.BearerToken = userToken
	cfg.RunnerBearerToken = runnerToken
	cfg.ESP32APIKey = deviceKey

	e := &env{t: t, now: time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)}

	clk := clock.NewInLocation(time.UTC)
	clk.SetNowFunc(func() time.Time { return e.now })

	e.hooks = webhook.NewStub()
	statusStore := equipment.NewStatusStoreForTree(tree)
	e.equip = equipment.NewService(statusStore, e.hooks, cfg)

	e.stub = temperature.NewStub(38.0)
	pushStore := temperature.NewPushStore(tree.ESP32TemperatureFile(), 30*time.Minute)
	push := temperature.NewPushProvider(pushStore)

	history, err := temperature.OpenHistory(tree.TemperatureHistoryDB())
	if err != nil {
		t.Fatalf("OpenHistory failed: %v", err)
	}
	t.Cleanup(func() { history.Close() })

	source := crontab.FileSource{Path: filepath.Join(dir, "crontab")}
	cron := crontab.New(source, tree.CrontabLockFile(), tree.CrontabBackupsDir())
	sched := scheduler.New(cron, clk, scheduler.NewJobStore(tree.ScheduledJobsDir()),
		"/opt/hottub/bin/cron-runner", 90*time.Second)

	cycles := heating.NewCycleStore(tree)
	e.settings = heating.NewSettingsStore(tree)
	e.engine = heating.NewEngine(cycles, e.stub, e.equip, sched, &notify.Recorder{}, clk)
	coordinator := heating.NewCoordinator(e.settings, e.engine, e.equip, sched, e.stub, clk, 0)
	sched.SetCycleGuard(coordinator)

	e.firmware = firmware.NewStore(tree)

	e.server = NewServer(Deps{
		Config:      cfg,
		Tree:        tree,
		Clock:       clk,
		Equipment:   e.equip,
		Primary:     e.stub,
		Push:        push,
		PushStore:   pushStore,
		History:     history,
		Scheduler:   sched,
		Cron:        cron,
		Engine:      e.engine,
		Coordinator: coordinator,
		Settings:    e.settings,
		Firmware:    e.firmware,
	})
	e.srv = httptest.NewServer(e.server.setupRoutes())
	t.Cleanup(e.srv.Close)
	return e
}

// do issues a request with the given bearer token ("" sends no header) and
// decodes the JSON body.
func (e *env) do(method, path, token string, body any) (int, map[string]any) {
	e.t.Helper()
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, payload)
	if err != nil {
		e.t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return e.send(req)
}

func (e *env) send(req *http.Request) (int, map[string]any) {
	e.t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && err != io.EOF {
		e.t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, decoded
}

func TestAuthRejectsMissingAndWrongToken(t *testing.T) {
	e := setupServer(t)

	// Each sub-case gets its own client IP; a shared keep-alive connection
	// would otherwise trip the failure lockout for the later requests.
	probe := func(token, ip string) int {
		req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/api/health", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		req.Header.Set("X-Real-IP", ip)
		status, _ := e.send(req)
		return status
	}

	if status := probe("", "192.0.2.1"); status != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", status)
	}
	if status := probe("wrong", "192.0.2.2"); status != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", status)
	}
	if status := probe(runnerToken, "192.0.2.3"); status != http.StatusOK {
		t.Errorf("runner token: status = %d, want 200", status)
	}
}

func TestAuthRateLimitsAfterFailure(t *testing.T) {
	e := setupServer(t)

	mk := func(token string) *http.Request {
		req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/api/health", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-Real-IP", "203.0.113.7")
		return req
	}

	if status, _ := e.send(mk("wrong")); status != http.StatusUnauthorized {
		t.Fatalf("first bad attempt: status = %d, want 401", status)
	}
	// Even a correct token is refused while the IP is locked out.
	if status, _ := e.send(mk(userToken)); status != http.StatusTooManyRequests {
		t.Errorf("during lockout: status = %d, want 429", status)
	}
}

func TestHealthBody(t *testing.T) {
	e := setupServer(t)

	status, body := e.do(http.MethodGet, "/api/health", userToken, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
	if body["ifttt_mode"] != "stub" {
		t.Errorf("ifttt_mode = %v, want stub", body["ifttt_mode"])
	}
	if body["blindsEnabled"] != false {
		t.Errorf("blindsEnabled = %v, want false", body["blindsEnabled"])
	}
	if body["equipmentStatus"] == nil || body["heatTargetSettings"] == nil {
		t.Error("health body missing equipment status or settings")
	}
}

func TestTemperatureEndpoint(t *testing.T) {
	e := setupServer(t)

	status, body := e.do(http.MethodGet, "/api/temperature", userToken, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if f, _ := body["waterTempF"].(float64); f < 100.3 || f > 100.5 {
		t.Errorf("waterTempF = %v, want ~100.4", body["waterTempF"])
	}

	e.stub.SetErr(temperature.ErrSensorUnavailable)
	status, body = e.do(http.MethodGet, "/api/temperature", userToken, nil)
	if status != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", status)
	}
	if body["error_code"] != "sensor_unavailable" {
		t.Errorf("error_code = %v", body["error_code"])
	}
}

func TestHeaterOnEndpoint(t *testing.T) {
	e := setupServer(t)

	status, body := e.do(http.MethodPost, "/api/equipment/heater/on", userToken, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200: %v", status, body)
	}
	if body["success"] != true || body["action"] != "heater_on" {
		t.Errorf("body = %v", body)
	}

	es, _ := e.equip.Status()
	if !es.Heater.On || !es.Pump.On {
		t.Errorf("equipment = %+v, want heater and pump on", es)
	}
}

func TestHeaterOffStopsActiveCycle(t *testing.T) {
	e := setupServer(t)

	if err := e.settings.Save(heating.Settings{Enabled: true, TargetTempF: 102.0, ScheduleMode: heating.ModeStartAt}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if status, body := e.do(http.MethodPost, "/api/equipment/heater/on", userToken, nil); status != http.StatusOK {
		t.Fatalf("heater on: status = %d: %v", status, body)
	}
	if active, _ := e.engine.Active(); active == nil {
		t.Fatal("no cycle after heater-on with target mode enabled")
	}

	if status, _ := e.do(http.MethodPost, "/api/equipment/heater/off", userToken, nil); status != http.StatusOK {
		t.Fatalf("heater off failed")
	}
	if active, _ := e.engine.Active(); active != nil {
		t.Error("cycle survived heater-off")
	}
	es, _ := e.equip.Status()
	if es.Heater.On {
		t.Error("heater still on")
	}
}

func TestScheduleLifecycle(t *testing.T) {
	e := setupServer(t)

	at := e.now.Add(time.Hour).Format(time.RFC3339)
	status, body := e.do(http.MethodPost, "/api/schedule", userToken,
		map[string]any{"action": "heat_off", "scheduledTime": at})
	if status != http.StatusCreated {
		t.Fatalf("create: status = %d: %v", status, body)
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatalf("no job id in %v", body)
	}

	status, body = e.do(http.MethodGet, "/api/schedule", userToken, nil)
	if status != http.StatusOK {
		t.Fatalf("list: status = %d", status)
	}
	jobs, _ := body["jobs"].([]any)
	if len(jobs) != 1 {
		t.Fatalf("jobs = %v, want 1", body["jobs"])
	}

	if status, _ := e.do(http.MethodDelete, "/api/schedule/"+id, userToken, nil); status != http.StatusOK {
		t.Fatalf("delete: status = %d", status)
	}
	_, body = e.do(http.MethodGet, "/api/schedule", userToken, nil)
	if jobs, _ := body["jobs"].([]any); len(jobs) != 0 {
		t.Errorf("jobs after delete = %v, want none", body["jobs"])
	}
}

func TestSchedulePastRejected(t *testing.T) {
	e := setupServer(t)

	at := e.now.Add(-time.Hour).Format(time.RFC3339)
	status, _ := e.do(http.MethodPost, "/api/schedule", userToken,
		map[string]any{"action": "heat_on", "scheduledTime": at})
	if status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", status)
	}
}

func TestScheduleRecurring(t *testing.T) {
	e := setupServer(t)

	status, body := e.do(http.MethodPost, "/api/schedule", userToken,
		map[string]any{"action": "pump_run", "scheduledTime": "06:30", "recurring": true})
	if status != http.StatusCreated {
		t.Fatalf("status = %d: %v", status, body)
	}
	if body["recurring"] != true || body["cronExpr"] != "30 6 * * *" {
		t.Errorf("body = %v", body)
	}
}

func TestSettingsEndpoint(t *testing.T) {
	e := setupServer(t)

	status, body := e.do(http.MethodGet, "/api/heat-target/settings", userToken, nil)
	if status != http.StatusOK {
		t.Fatalf("get: status = %d", status)
	}
	if body["enabled"] != false || body["targetTempF"] != 102.0 {
		t.Errorf("defaults = %v", body)
	}

	status, _ = e.do(http.MethodPost, "/api/heat-target/settings", userToken,
		map[string]any{"enabled": true, "targetTempF": 150.0, "scheduleMode": "start_at"})
	if status != http.StatusBadRequest {
		t.Errorf("invalid target: status = %d, want 400", status)
	}

	status, _ = e.do(http.MethodPost, "/api/heat-target/settings", userToken,
		map[string]any{"enabled": true, "targetTempF": 104.0, "scheduleMode": "ready_by"})
	if status != http.StatusOK {
		t.Fatalf("valid save: status = %d", status)
	}
	saved, err := e.settings.Get()
	if err != nil || !saved.Enabled || saved.TargetTempF != 104.0 {
		t.Errorf("settings = %+v, %v", saved, err)
	}
}

func TestCycleStatusEmpty(t *testing.T) {
	e := setupServer(t)

	status, body := e.do(http.MethodGet, "/api/cycle", userToken, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if body["active"] != nil {
		t.Errorf("active = %v, want null", body["active"])
	}
}

func TestCycleTickAlwaysAnswers200(t *testing.T) {
	e := setupServer(t)

	// Unknown cycle: the engine no-ops, the runner must not retry.
	status, body := e.do(http.MethodPost, "/api/cycle/tick?cycle=nope", userToken, nil)
	if status != http.StatusOK {
		t.Errorf("status = %d, want 200", status)
	}
	if body["success"] != true {
		t.Errorf("body = %v", body)
	}

	if status, _ := e.do(http.MethodPost, "/api/cycle/tick", userToken, nil); status != http.StatusBadRequest {
		t.Errorf("missing cycle param: status = %d, want 400", status)
	}
}

func TestESP32PushIntervals(t *testing.T) {
	e := setupServer(t)

	push := func(body map[string]any) (int, map[string]any) {
		data, _ := json.Marshal(body)
		req, _ := http.NewRequest(http.MethodPost, e.srv.URL+"/api/esp32/temperature", bytes.NewReader(data))
		req.Header.Set("X-API-Key", deviceKey)
		return e.send(req)
	}

	// Heater off: relaxed cadence.
	status, body := push(map[string]any{"temperature": 38.0})
	if status != http.StatusOK {
		t.Fatalf("status = %d: %v", status, body)
	}
	if body["interval_seconds"] != float64(temperature.IntervalHeaterOff) {
		t.Errorf("interval = %v, want %d", body["interval_seconds"], temperature.IntervalHeaterOff)
	}

	// Heater on: tighter.
	if err := e.equip.HeaterOn(context.Background()); err != nil {
		t.Fatalf("HeaterOn failed: %v", err)
	}
	_, body = push(map[string]any{"temperature": 38.0})
	if body["interval_seconds"] != float64(temperature.IntervalHeaterOn) {
		t.Errorf("interval = %v, want %d", body["interval_seconds"], temperature.IntervalHeaterOn)
	}

	// Implausible reading rejected.
	if status, _ := push(map[string]any{"temperature": 95.0}); status != http.StatusBadRequest {
		t.Errorf("implausible: status = %d, want 400", status)
	}
	if status, _ := push(map[string]any{}); status != http.StatusBadRequest {
		t.Errorf("missing temperature: status = %d, want 400", status)
	}
}

func TestESP32PushRequiresKey(t *testing.T) {
	e := setupServer(t)

	data, _ := json.Marshal(map[string]any{"temperature": 38.0})
	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+"/api/esp32/temperature", bytes.NewReader(data))
	if status, _ := e.send(req); status != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", status)
	}
}

func TestESP32FirmwareAdvertised(t *testing.T) {
	e := setupServer(t)

	if err := e.firmware.Set(firmware.Descriptor{Version: "1.4.0", Filename: "tub-1.4.0.bin"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	data, _ := json.Marshal(map[string]any{"temperature": 38.0, "firmware_version": "1.3.0"})
	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+"/api/esp32/temperature", bytes.NewReader(data))
	req.Header.Set("X-API-Key", deviceKey)
	status, body := e.send(req)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if body["firmware_version"] != "1.4.0" {
		t.Errorf("firmware_version = %v, want 1.4.0", body["firmware_version"])
	}
	url, _ := body["firmware_url"].(string)
	if url == "" {
		t.Error("no firmware_url in response")
	}

	// A device already on the advertised version gets no update fields.
	data, _ = json.Marshal(map[string]any{"temperature": 38.0, "firmware_version": "1.4.0"})
	req, _ = http.NewRequest(http.MethodPost, e.srv.URL+"/api/esp32/temperature", bytes.NewReader(data))
	req.Header.Set("X-API-Key", deviceKey)
	_, body = e.send(req)
	if _, present := body["firmware_version"]; present {
		t.Errorf("up-to-date device offered an update: %v", body)
	}
}

func TestMaintenanceEndpoint(t *testing.T) {
	e := setupServer(t)

	status, body := e.do(http.MethodPost, "/api/maintenance/run", userToken, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d: %v", status, body)
	}
	if body["success"] != true {
		t.Errorf("body = %v", body)
	}
}
