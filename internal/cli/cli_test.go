package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()
	cfg := fmt.Sprintf(`logging:
  level: error
storage:
  driver: file
  path: %s
catalog:
  assets_file: %s
  accounts_dir: %s
  state_dir: %s
targets:
  douyin:
    pacing: 0s
    driver:
      kind: dryrun
`,
		filepath.Join(dir, "batches"),
		filepath.Join(dir, "assets.json"),
		dir,
		filepath.Join(dir, "state"),
	)
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	dateArg = ""
	addLogin, loginForce = false, false
	err := Execute(context.Background())
	return out.String(), err
}

// The command tree keeps its flags in package state, so the steps run in order.
func TestCommandFlow(t *testing.T) {
	dir := t.TempDir()
	cfg := writeTestConfig(t, dir)
	if err := os.WriteFile(filepath.Join(dir, "a.mp4"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	steps := []struct {
		args []string
		want string
	}{
		{[]string{"assets", "add", "a.mp4", "--title", "First clip", "-c", cfg}, "Added v001"},
		{[]string{"accounts", "add", "douyin", "main", "-c", cfg}, "account 001"},
		{[]string{"accounts", "list", "douyin", "-c", cfg}, "missing"},
		{[]string{"accounts", "login", "douyin", "001", "-c", cfg}, "session fresh"},
		{[]string{"accounts", "list", "douyin", "-c", cfg}, "fresh"},
		{[]string{"accounts", "login", "douyin", "001", "--force", "-c", cfg}, "account main: session fresh"},
		{[]string{"publish", "douyin", "-c", cfg}, "batch generated"},
		{[]string{"publish", "douyin", "-c", cfg}, "already completed"},
		{[]string{"assets", "list", "-c", cfg}, "douyin"},
		{[]string{"status", "-c", cfg}, "douyin"},
		{[]string{"accounts", "add", "douyin", "backup", "--login", "-c", cfg}, "account backup: session fresh"},
	}
	for _, st := range steps {
		out, err := run(t, st.args...)
		if err != nil {
			t.Fatalf("%v: %v\n%s", st.args, err, out)
		}
		if !strings.Contains(out, st.want) {
			t.Fatalf("%v: output %q does not contain %q", st.args, out, st.want)
		}
	}

	if _, err := run(t, "execute", "douyin", "--date", "2099-01-01", "-c", cfg); err == nil {
		t.Fatalf("execute without a batch succeeded")
	}
	if _, err := run(t, "accounts", "login", "douyin", "-c", cfg); err == nil {
		t.Fatalf("login without an account id succeeded")
	}
}

func TestFormatAge(t *testing.T) {
	t.Parallel()
	cases := []struct {
		d    time.Duration
		want string
	}{
		{90 * time.Second, "1m"},
		{5*time.Hour + 10*time.Minute, "5h"},
		{7*24*time.Hour + 3*time.Hour, "7d3h"},
	}
	for _, tc := range cases {
		if got := formatAge(tc.d); got != tc.want {
			t.Fatalf("formatAge(%v) = %q, want %q", tc.d, got, tc.want)
		}
	}
}
