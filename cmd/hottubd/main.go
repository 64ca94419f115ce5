// hottubd is the hot tub controller daemon: HTTP API, scheduler, heating
// cycle engine and microcontroller endpoints.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	daemon "github.com/sevlyar/go-daemon"

	"github.com/roelfdiedericks/hottubd/internal/clock"
	"github.com/roelfdiedericks/hottubd/internal/config"
	"github.com/roelfdiedericks/hottubd/internal/crontab"
	"github.com/roelfdiedericks/hottubd/internal/equipment"
	"github.com/roelfdiedericks/hottubd/internal/firmware"
	"github.com/roelfdiedericks/hottubd/internal/heating"
	"github.com/roelfdiedericks/hottubd/internal/httpapi"
	. "github.com/roelfdiedericks/hottubd/internal/logging"
	"github.com/roelfdiedericks/hottubd/internal/notify"
	"github.com/roelfdiedericks/hottubd/internal/paths"
	"github.com/roelfdiedericks/hottubd/internal/scheduler"
	"github.com/roelfdiedericks/hottubd/internal/temperature"
	"github.com/roelfdiedericks/hottubd/internal/webhook"
)

const version = "1.0.0"

var cli struct {
	DataDir  string           `help:"Data directory (default ~/.hottubd)." type:"path"`
	Config   string           `help:"Config file (default <data-dir>/hottubd.toml)." type:"path"`
	Listen   string           `help:"HTTP listen address override."`
	LogLevel string           `help:"Log level." enum:"trace,debug,info,warn,error" default:"info"`
	Daemon   bool             `help:"Detach and run in the background."`
	Version  kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("hottubd"),
		kong.Description("Hot tub heater controller daemon."),
		kong.Vars{"version": "hottubd " + version},
	)

	Init(&Config{Level: logLevel(cli.LogLevel), ShowCaller: cli.LogLevel == "trace"})

	tree, err := paths.NewTree(cli.DataDir)
	if err != nil {
		L_fatal("failed to resolve data directory: %v", err)
	}
	if err := tree.EnsureTree(); err != nil {
		L_fatal("failed to create storage tree: %v", err)
	}

	if cli.Daemon {
		ctx := &daemon.Context{
			PidFileName: tree.Base() + "/hottubd.pid",
			PidFilePerm: 0644,
			LogFileName: tree.LogsDir() + "/hottubd.log",
			LogFilePerm: 0640,
			Umask:       027,
		}
		child, err := ctx.Reborn()
		if err != nil {
			L_fatal("failed to daemonize: %v", err)
		}
		if child != nil {
			fmt.Printf("hottubd started, pid %d\n", child.Pid)
			return
		}
		defer ctx.Release()
	}

	L_info("hottubd %s starting", version)
	if err := run(tree); err != nil {
		L_fatal("hottubd failed: %v", err)
	}
}

func logLevel(name string) int {
	switch name {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func run(tree *paths.Tree) error {
	// The protected env file feeds both the daemon and the runner; load it
	// before the config layer reads the environment.
	if err := godotenv.Load(tree.EnvFile()); err != nil && !os.IsNotExist(err) {
		L_warn("env file unreadable", "path", tree.EnvFile(), "error", err)
	}

	configPath := cli.Config
	if configPath == "" {
		configPath = tree.ConfigFile()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cli.Listen != "" {
		cfg.Listen = cli.Listen
	}
	L_info("config loaded", "mode", cfg.Mode, "listen", cfg.Listen)

	// Refresh the runner's env file so cron-fired processes always see the
	// current tokens. Owner-only: it holds credentials.
	if err := writeRunnerEnv(tree, cfg); err != nil {
		return err
	}

	clk := clock.New()
	L_info("timezone resolved", "tz", clk.TimezoneName())

	cron := crontab.NewForTree(tree)
	hooks := webhook.New(cfg)

	statusStore := equipment.NewStatusStoreForTree(tree)
	equip := equipment.NewService(statusStore, hooks, cfg)

	staleness := time.Duration(cfg.Sensor.StalenessBoundSeconds) * time.Second
	pushStore := temperature.NewPushStore(tree.ESP32TemperatureFile(), staleness)
	push := temperature.NewPushProvider(pushStore)

	history, err := temperature.OpenHistory(tree.TemperatureHistoryDB())
	if err != nil {
		return err
	}
	defer history.Close()

	// The cloud sensor is optional; when configured it is the primary source
	// (it supports forced refresh), otherwise the push store is.
	var cloud temperature.Provider
	var primary temperature.Provider = push
	if cfg.Stub() {
		primary = temperature.NewStub(38.0)
	} else if cfg.Sensor.DeviceID != "" {
		cloudProvider := temperature.NewCloud(cfg.Sensor)
		cloud = cloudProvider
		primary = cloudProvider
	}
	primary = temperature.NewRecorder(primary, history, tree)

	jobStore := scheduler.NewJobStore(tree.ScheduledJobsDir())
	sched := scheduler.New(cron, clk, jobStore, tree.CronRunnerBin(),
		time.Duration(cfg.ScheduleMarginSeconds)*time.Second)

	cycleStore := heating.NewCycleStore(tree)
	settings := heating.NewSettingsStore(tree)

	notifier := notify.Multi{
		notify.LogNotifier{},
		notify.NewWebhookNotifier(hooks, cfg.Webhook.NotifyEvent),
	}

	engine := heating.NewEngine(cycleStore, primary, equip, sched, notifier, clk)
	engine.SetHeatingRate(cfg.Heating.HeatingRateFPerMin)

	coordinator := heating.NewCoordinator(settings, engine, equip, sched, primary, clk,
		cfg.Heating.HeatingRateFPerMin)
	sched.SetCycleGuard(coordinator)

	fw := firmware.NewStore(tree)

	server := httpapi.NewServer(httpapi.Deps{
		Config:      cfg,
		Tree:        tree,
		Clock:       clk,
		Equipment:   equip,
		Primary:     primary,
		Cloud:       cloud,
		Push:        push,
		PushStore:   pushStore,
		History:     history,
		Scheduler:   sched,
		Cron:        cron,
		Engine:      engine,
		Coordinator: coordinator,
		Settings:    settings,
		Firmware:    fw,
	})

	// Hot reload: settings edits on disk take effect without a restart.
	watchDone := make(chan struct{})
	go func() {
		if err := settings.Watch(watchDone); err != nil {
			L_warn("settings watcher stopped", "error", err)
		}
	}()

	// Repair any divergence between job records and the cron table left by a
	// crash before we start accepting requests.
	if jobs, err := sched.List(); err != nil {
		L_warn("startup job reconciliation failed", "error", err)
	} else {
		L_info("scheduler reconciled", "pendingJobs", len(jobs))
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		close(watchDone)
		return err
	case sig := <-sigCh:
		L_info("shutting down", "signal", sig)
		SetShuttingDown()
		close(watchDone)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	}
}

// writeRunnerEnv persists the credentials the cron runner reads at fire
// time. 0600: the file carries bearer tokens.
func writeRunnerEnv(tree *paths.Tree, cfg *config.Config) error {
	content := fmt.Sprintf("API_BASE_URL=%s\nRUNNER_BEARER_TOKEN=%s\n",
		cfg.APIBaseURL, cfg.RunnerBearerToken)
	tmp := tree.EnvFile() + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write runner env file: %w", err)
	}
	if err := os.Rename(tmp, tree.EnvFile()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace runner env file: %w", err)
	}
	return nil
}
