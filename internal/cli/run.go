package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"postpilot/internal/app"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run as a daemon with scheduled publish triggers",
	Long: `Run as a long-lived daemon.

Every target with a schedule gets a cron trigger that publishes the batch of
today + date_offset_days. The config file is watched and reloaded; the
notifier and the metrics endpoint are started when enabled.

SIGINT or SIGTERM stops the daemon; a running batch stops at the next job
boundary and resumes on the next trigger.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}
