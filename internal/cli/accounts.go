package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"postpilot/internal/app"

	"postpilot/internal/domain"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage the platform accounts of a target",
	Long: `Manage the platform accounts of a multi-account target.

Accounts are ordered by id; jobs are generated for active accounts only.
When a target has no registry yet, accounts are detected from session
files named <target>_state_<id>.json in the state directory.`,
}

var (
	loginForce bool
	addLogin   bool
)

var accountsListCmd = &cobra.Command{
	Use:   "list <target>",
	Short: "List accounts and the state of their stored sessions",
	Long: `List accounts and the state of their stored sessions.

SESSION is "fresh" while the stored artifact is inside the target's
session_validity window, "expired" after it and "missing" without one.
Single-account targets show their one implicit account.`,
	Args: cobra.ExactArgs(1),
	RunE: runAccountsList,
}

var accountsAddCmd = &cobra.Command{
	Use:   "add <target> [name]",
	Short: "Register a new account",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runAccountsAdd,
}

var accountsLoginCmd = &cobra.Command{
	Use:   "login <target> [id]",
	Short: "Log an account in and save its session",
	Long: `Log an account in and save its session artifact.

A stored session that is still fresh and accepted by the driver is kept
unless --force is given. Run this before unattended daemon runs so a
publish never has to wait for an interactive login.

Examples:
  postpilot accounts login douyin 001
  postpilot accounts login wechat --force`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runAccountsLogin,
}

var accountsEnableCmd = &cobra.Command{
	Use:   "enable <target> <id>",
	Short: "Include an account in generated batches",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setAccountStatus(cmd, args, domain.AccountActive)
	},
}

var accountsDisableCmd = &cobra.Command{
	Use:   "disable <target> <id>",
	Short: "Exclude an account from generated batches",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setAccountStatus(cmd, args, domain.AccountDisabled)
	},
}

var accountsRenameCmd = &cobra.Command{
	Use:   "rename <target> <id> <name>",
	Short: "Rename an account",
	Args:  cobra.ExactArgs(3),
	RunE:  runAccountsRename,
}

func init() {
	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsAddCmd)
	accountsCmd.AddCommand(accountsLoginCmd)
	accountsCmd.AddCommand(accountsEnableCmd)
	accountsCmd.AddCommand(accountsDisableCmd)
	accountsCmd.AddCommand(accountsRenameCmd)

	accountsAddCmd.Flags().BoolVar(&addLogin, "login", false, "log the new account in right away")
	accountsLoginCmd.Flags().BoolVarP(&loginForce, "force", "f", false, "log in even if the stored session is fresh")
}

func runAccountsList(cmd *cobra.Command, args []string) error {
	states, err := a.Sessions(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	w := cmd.OutOrStdout()
	if len(states) == 0 {
		fmt.Fprintf(w, "No accounts for %s.\n", args[0])
		return nil
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tSESSION\tSAVED\tAGE\tFILE")
	for _, st := range states {
		saved, age := "-", "-"
		if st.Stored {
			saved = st.SavedAt.Local().Format("2006-01-02 15:04")
			age = formatAge(st.Age)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			dash(st.Account.ID), st.Account.Label(), st.Account.Status, sessionWord(st), saved, age, dash(st.Account.SessionRef))
	}
	return tw.Flush()
}

func sessionWord(st app.SessionState) string {
	switch {
	case !st.Stored:
		return "missing"
	case !st.Fresh:
		return "expired"
	default:
		return "fresh"
	}
}

// formatAge renders d as days and hours, or minutes below an hour.
func formatAge(d time.Duration) string {
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d/time.Minute))
	}
	days, hours := int(d/(24*time.Hour)), int(d%(24*time.Hour)/time.Hour)
	if days == 0 {
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%dd%dh", days, hours)
}

func runAccountsLogin(cmd *cobra.Command, args []string) error {
	id := ""
	if len(args) == 2 {
		id = args[1]
	}
	return login(cmd, args[0], id, loginForce)
}

func login(cmd *cobra.Command, target, id string, force bool) error {
	st, err := a.Login(cmd.Context(), target, id, force)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s account %s: session %s, saved %s\n",
		target, st.Account.Label(), sessionWord(st), st.SavedAt.Local().Format("2006-01-02 15:04"))
	return nil
}

func runAccountsAdd(cmd *cobra.Command, args []string) error {
	t, err := domain.ParseTarget(args[0])
	if err != nil {
		return err
	}
	name := ""
	if len(args) == 2 {
		name = args[1]
	}
	acc, err := a.Accounts().Add(cmd.Context(), t, name)
	if err != nil {
		return fmt.Errorf("add account: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added %s account %s (%s); session file %s\n", t, acc.ID, acc.Name, acc.SessionRef)
	if addLogin {
		return login(cmd, string(t), acc.ID, true)
	}
	return nil
}

func setAccountStatus(cmd *cobra.Command, args []string, st domain.AccountStatus) error {
	t, err := domain.ParseTarget(args[0])
	if err != nil {
		return err
	}
	if err := a.Accounts().SetStatus(cmd.Context(), t, args[1], st); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s account %s is now %s\n", t, args[1], st)
	return nil
}

func runAccountsRename(cmd *cobra.Command, args []string) error {
	t, err := domain.ParseTarget(args[0])
	if err != nil {
		return err
	}
	if err := a.Accounts().Rename(cmd.Context(), t, args[1], args[2]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Renamed %s account %s to %s\n", t, args[1], args[2])
	return nil
}
