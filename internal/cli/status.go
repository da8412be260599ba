package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusJobs bool

var statusCmd = &cobra.Command{
	Use:   "status [target]",
	Short: "Show the latest batch of each target",
	Long: `Show the latest stored batch of every configured target (or one target)
with its job counts, plus how many assets are still unpublished.

Use --date to inspect a specific batch and --jobs to list its jobs.

Examples:
  postpilot status
  postpilot status douyin --jobs
  postpilot status wechat --date 2025-03-01`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVarP(&statusJobs, "jobs", "j", false, "list the jobs of the batch")
	statusCmd.Flags().StringVarP(&dateArg, "date", "d", "", "show the batch of this date (requires a target)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	w := cmd.OutOrStdout()

	if dateArg != "" {
		if len(args) == 0 {
			return fmt.Errorf("--date requires a target")
		}
		date, err := a.ResolveDate(args[0], dateArg)
		if err != nil {
			return err
		}
		b, err := a.Batch(ctx, args[0], date)
		if err != nil {
			return err
		}
		s := b.Summary
		fmt.Fprintf(w, "%s: %d total, %d pending, %d processing, %d publishing, %d completed, %d failed\n",
			b.Key(), s.Total, s.Pending, s.Processing, s.Publishing, s.Completed, s.Failed)
		printJobs(w, b)
		return nil
	}

	target := ""
	if len(args) == 1 {
		target = args[0]
	}
	all, err := a.Status(ctx, target)
	if err != nil {
		return err
	}

	tw := newTable(w)
	fmt.Fprintln(tw, "TARGET\tENABLED\tACCOUNTS\tUNPUBLISHED\tLATEST\tTOTAL\tPENDING\tRUNNING\tCOMPLETED\tFAILED")
	for _, ts := range all {
		if ts.Latest == nil {
			fmt.Fprintf(tw, "%s\t%t\t%d\t%d\t-\t-\t-\t-\t-\t-\n", ts.Target, ts.Enabled, ts.Accounts, ts.Unpublished)
			continue
		}
		s := ts.Latest.Summary
		fmt.Fprintf(tw, "%s\t%t\t%d\t%d\t%s\t%d\t%d\t%d\t%d\t%d\n",
			ts.Target, ts.Enabled, ts.Accounts, ts.Unpublished, ts.Latest.Date,
			s.Total, s.Pending, s.Processing+s.Publishing, s.Completed, s.Failed)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if statusJobs {
		for _, ts := range all {
			if ts.Latest == nil {
				continue
			}
			fmt.Fprintf(w, "\n%s\n", ts.Latest.Key())
			printJobs(w, ts.Latest)
		}
	}
	return nil
}
