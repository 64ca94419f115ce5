// Package runner implements the short-lived process the host cron daemon
// launches at a scheduled minute. Its contract is strict: self-remove the
// cron entry first (one-shots), then call the loopback endpoint. A crash
// after self-removal can orphan a job file, which is tolerated; a crash
// before it could leave a repeating ghost trigger, which is not.
package runner

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/roelfdiedericks/hottubd/internal/crontab"
	. "github.com/roelfdiedericks/hottubd/internal/logging"
	"github.com/roelfdiedericks/hottubd/internal/paths"
	"github.com/roelfdiedericks/hottubd/internal/scheduler"
)

const (
	loopbackTimeout = 30 * time.Second
	retryDelay      = 2 * time.Second
)

// Options wires a runner invocation.
type Options struct {
	JobID   string
	Tree    *paths.Tree
	EnvFile string // protected environment file; defaults to the tree location

	// Cron overrides the crontab adapter (tests). Nil uses the user crontab.
	Cron *crontab.Adapter
	// HTTPClient overrides the loopback client (tests).
	HTTPClient *http.Client
	// SleepFn overrides the retry delay (tests).
	SleepFn func(time.Duration)
}

// Run executes one runner invocation, returning nil iff the loopback call
// got a 2xx. Step order is contractual; see the package comment.
func Run(cfg Options) error {
	start := time.Now()
	if cfg.EnvFile == "" {
		cfg.EnvFile = cfg.Tree.EnvFile()
	}
	if cfg.Cron == nil {
		cfg.Cron = crontab.NewForTree(cfg.Tree)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: loopbackTimeout}
	}
	if cfg.SleepFn == nil {
		cfg.SleepFn = time.Sleep
	}

	store := scheduler.NewJobStore(cfg.Tree.ScheduledJobsDir())

	// The job record carries the recurrence flag; a missing record is
	// treated as a one-shot so the entry is still cleaned up.
	job, loadErr := store.Load(cfg.JobID)
	recurring := job != nil && job.Recurring

	// Step 1: self-removal first. If this fails the entry would fire again
	// next minute, so acting now would double the action; abort instead.
	if !recurring {
		if _, err := cfg.Cron.RemoveMatching(crontab.Marker + cfg.JobID); err != nil {
			logRun(cfg, "error", fmt.Sprintf("self-removal failed: %v", err), start)
			return fmt.Errorf("self-removal failed: %w", err)
		}
	}

	if loadErr != nil {
		logRun(cfg, "error", fmt.Sprintf("job record unreadable: %v", loadErr), start)
		return fmt.Errorf("job record unreadable: %w", loadErr)
	}
	if job == nil {
		logRun(cfg, "error", "job record missing", start)
		return fmt.Errorf("job record missing for %s", cfg.JobID)
	}

	// Step 2: credentials come from the protected env file, never from the
	// cron entry itself.
	env, err := godotenv.Read(cfg.EnvFile)
	if err != nil {
		logRun(cfg, "error", fmt.Sprintf("env file unreadable: %v", err), start)
		return fmt.Errorf("env file %s unreadable: %w", cfg.EnvFile, err)
	}
	token := env["RUNNER_BEARER_TOKEN"]
	apiBase := strings.TrimRight(env["API_BASE_URL"], "/")
	if token == "" || apiBase == "" {
		logRun(cfg, "error", "env file missing RUNNER_BEARER_TOKEN or API_BASE_URL", start)
		return fmt.Errorf("env file %s missing RUNNER_BEARER_TOKEN or API_BASE_URL", cfg.EnvFile)
	}

	// Steps 3-4: loopback call. No retry on 4xx, one retry on 5xx or
	// transport error.
	status, callErr := post(cfg.HTTPClient, apiBase+job.Endpoint, token)
	if callErr != nil || status >= 500 {
		L_warn("runner: loopback call failed, retrying once",
			"job", cfg.JobID, "status", status, "error", callErr)
		cfg.SleepFn(retryDelay)
		status, callErr = post(cfg.HTTPClient, apiBase+job.Endpoint, token)
	}

	// Step 5: one-shot records are deleted whether or not the call
	// succeeded; the entry is gone, so the record has nothing to back.
	if !recurring {
		if err := store.Delete(cfg.JobID); err != nil {
			L_warn("runner: failed to delete job record", "job", cfg.JobID, "error", err)
		}
	}

	// Step 6: structured log line.
	outcome := "ok"
	detail := fmt.Sprintf("status=%d", status)
	if callErr != nil {
		outcome = "error"
		detail = callErr.Error()
	} else if status < 200 || status >= 300 {
		outcome = "error"
	}
	logRun(cfg, outcome, fmt.Sprintf("kind=%s endpoint=%s %s", job.Kind, job.Endpoint, detail), start)

	// Step 7: exit status reflects the HTTP outcome.
	if callErr != nil {
		return fmt.Errorf("loopback call failed: %w", callErr)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("loopback call returned status %d", status)
	}
	return nil
}

func post(client *http.Client, url, token string) (int, error) {
	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

// logRun appends a structured line to the runner log.
func logRun(cfg Options, outcome, detail string, start time.Time) {
	line := fmt.Sprintf("%s job=%s outcome=%s duration=%s %s",
		time.Now().UTC().Format(time.RFC3339), cfg.JobID, outcome,
		time.Since(start).Round(time.Millisecond), detail)
	if err := paths.AppendLine(cfg.Tree.CronLogFile(), line); err != nil {
		L_warn("runner: failed to append cron log", "error", err)
	}
}
