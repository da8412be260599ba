// Package cli provides the postpilot command-line interface.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"postpilot/internal/app"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	cfgPath string
	dateArg string

	// Opened in PersistentPreRunE for every command that needs it.
	a *app.App
)

var rootCmd = &cobra.Command{
	Use:   "postpilot",
	Short: "Schedule and publish video batches to content platforms",
	Long: `Postpilot turns a catalog of unpublished videos into dated batches of
publish jobs, one per time slot and account, and drives them through the
platform's upload flow. Runs are resumable: completed jobs are never
submitted twice and failed jobs are retried on the next pass.

Run "postpilot run" to keep it going as a daemon with cron triggers.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}
		var err error
		a, err = app.New(cfgPath)
		if err != nil {
			return fmt.Errorf("load %s: %w", cfgPath, err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if a != nil {
			a.Close(context.Background())
		}
	},
}

// Execute runs the command tree with ctx; cancelling ctx stops a running
// batch at the next job boundary.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfigPath(), "path to config file (json or yaml)")

	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(executeCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(assetsCmd)
	rootCmd.AddCommand(accountsCmd)
}

func defaultConfigPath() string {
	if p := os.Getenv("POSTPILOT_CONFIG"); p != "" {
		return p
	}
	return "./config.json"
}
