// cron-runner is the short-lived executable the host cron daemon invokes at
// each scheduled minute. It removes its own cron entry (one-shots), then
// calls back into the hottubd HTTP API to perform the job.
package main

import (
	"os"

	"github.com/alecthomas/kong"

	. "github.com/roelfdiedericks/hottubd/internal/logging"
	"github.com/roelfdiedericks/hottubd/internal/paths"
	"github.com/roelfdiedericks/hottubd/internal/runner"
)

var cli struct {
	JobID   string `arg:"" help:"Identifier of the job to fire."`
	DataDir string `help:"Data directory (default ~/.hottubd)." type:"path"`
	Debug   bool   `help:"Verbose logging to stderr (cron mails it)."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("cron-runner"),
		kong.Description("Fires one scheduled hot tub job."),
	)

	// Quiet by default: anything on stderr ends up in cron mail. The
	// structured record goes to logs/cron.log regardless.
	level := LevelError
	if cli.Debug {
		level = LevelDebug
	}
	Init(&Config{Level: level})

	tree, err := paths.NewTree(cli.DataDir)
	if err != nil {
		L_error("failed to resolve data directory", "error", err)
		os.Exit(1)
	}

	if err := runner.Run(runner.Options{JobID: cli.JobID, Tree: tree}); err != nil {
		L_error("job failed", "job", cli.JobID, "error", err)
		os.Exit(1)
	}
}
