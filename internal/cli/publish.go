package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"postpilot/internal/app"
	"postpilot/internal/domain"
	"postpilot/internal/task/engine"
)

var generateCmd = &cobra.Command{
	Use:   "generate <target>",
	Short: "Build the batch of publish jobs for a date",
	Long: `Build the batch of publish jobs for one target and date without running it.

Unpublished assets are spread over the active accounts, one time slot per
job starting at the target's start hour. An existing batch is never
overwritten.

Examples:
  postpilot generate douyin
  postpilot generate wechat --date 2025-03-01`,
	Args: cobra.ExactArgs(1),
	RunE: runGenerate,
}

var executeCmd = &cobra.Command{
	Use:   "execute <target>",
	Short: "Run the runnable jobs of a stored batch",
	Long: `Run every pending or failed job of the stored batch for one target and date.

Completed jobs are skipped, so execute can be repeated after a crash or a
partial failure.

Examples:
  postpilot execute douyin --date 2025-03-01`,
	Args: cobra.ExactArgs(1),
	RunE: runExecute,
}

var publishCmd = &cobra.Command{
	Use:   "publish <target>",
	Short: "Generate (or resume) and execute the batch for a date",
	Long: `Generate the batch for one target and date and execute it.

A stored batch with unfinished jobs is resumed instead; a batch whose jobs
are all completed is reported and left alone.

Examples:
  postpilot publish douyin
  postpilot publish wechat --date 2025-03-01`,
	Args: cobra.ExactArgs(1),
	RunE: runPublish,
}

func init() {
	for _, c := range []*cobra.Command{generateCmd, executeCmd, publishCmd} {
		c.Flags().StringVarP(&dateArg, "date", "d", "", "batch date YYYY-MM-DD (default: today + date_offset_days)")
	}
}

func runGenerate(cmd *cobra.Command, args []string) error {
	date, err := a.ResolveDate(args[0], dateArg)
	if err != nil {
		return err
	}
	b, err := a.Generate(cmd.Context(), args[0], date)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Generated %s: %d jobs for %d accounts\n", b.Key(), len(b.Jobs), len(b.Accounts))
	printJobs(w, b)
	return nil
}

func runExecute(cmd *cobra.Command, args []string) error {
	date, err := a.ResolveDate(args[0], dateArg)
	if err != nil {
		return err
	}
	res, err := a.Execute(cmd.Context(), args[0], date)
	printResult(cmd.OutOrStdout(), res)
	if err != nil {
		return err
	}
	return resultErr(res)
}

func runPublish(cmd *cobra.Command, args []string) error {
	date, err := a.ResolveDate(args[0], dateArg)
	if err != nil {
		return err
	}
	rep, err := a.Publish(cmd.Context(), args[0], date)
	w := cmd.OutOrStdout()
	if rep.Outcome == app.OutcomeAllDone {
		fmt.Fprintf(w, "%s: all %d jobs already completed\n", rep.Batch, rep.Result.Summary.Completed)
		return nil
	}
	if rep.Outcome != "" {
		fmt.Fprintf(w, "%s: batch %s\n", rep.Batch, rep.Outcome)
		printResult(w, rep.Result)
	}
	if err != nil {
		return err
	}
	return resultErr(rep.Result)
}

func printResult(w io.Writer, res engine.Result) {
	if res.Summary.Total == 0 {
		return
	}
	fmt.Fprintf(w, "Run %s on %s took %s\n", res.RunID, res.Batch, res.Duration.Round(time.Millisecond))
	if res.Recovered > 0 {
		fmt.Fprintf(w, "  recovered: %d interrupted jobs\n", res.Recovered)
	}
	fmt.Fprintf(w, "  attempted: %d  completed: %d  failed: %d\n", res.Attempted, res.Completed, res.Failed)
	if len(res.AuthFailed) > 0 {
		fmt.Fprintf(w, "  login failed for: %s\n", strings.Join(res.AuthFailed, ", "))
	}
	if res.Canceled {
		fmt.Fprintln(w, "  canceled before every job ran")
	}
	s := res.Summary
	fmt.Fprintf(w, "  batch: %d total, %d completed, %d failed, %d pending\n", s.Total, s.Completed, s.Failed, s.Pending)
}

// resultErr turns an incomplete pass into a non-zero exit status.
func resultErr(res engine.Result) error {
	switch {
	case res.Canceled:
		return fmt.Errorf("run canceled; %d jobs left", res.Summary.Runnable())
	case res.Failed > 0:
		return fmt.Errorf("%d of %d jobs failed; run again to retry", res.Failed, res.Attempted)
	}
	return nil
}

func printJobs(w io.Writer, b *domain.Batch) {
	tw := newTable(w)
	fmt.Fprintln(tw, "JOB\tACCOUNT\tASSET\tSCHEDULED\tSTATUS\tTITLE")
	for _, j := range b.Jobs {
		acc := j.AccountID
		if acc == "" {
			acc = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", j.ID, acc, j.AssetID, j.ScheduledAt.Format("2006-01-02 15:04"), j.Status, j.Title)
	}
	_ = tw.Flush()
}
