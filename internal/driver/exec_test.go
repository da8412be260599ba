package driver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"postpilot/internal/domain"
	logx "postpilot/pkg/logx"
)

// TestHelperProcess is the fake automation helper spoken to by the exec
// driver tests. It is a no-op unless started by helperDriver.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("POSTPILOT_HELPER") != "1" {
		return
	}
	in := bufio.NewScanner(os.Stdin)
	out := json.NewEncoder(os.Stdout)
	for in.Scan() {
		var req request
		if err := json.Unmarshal(in.Bytes(), &req); err != nil {
			continue
		}
		resp := response{ID: req.ID, OK: true}
		switch req.Op {
		case "open", "login":
			resp.Session = "s-" + req.Account.ID
			resp.Artifact = json.RawMessage(`{"cookies":[]}`)
		case "verify":
			resp.Authenticated = req.Session != ""
		case "publish":
			switch req.Payload.Title {
			case "reject":
				resp.OK, resp.Error = false, "title contains banned words"
			case "slow":
				time.Sleep(2 * time.Second)
			default:
				resp.Warnings = []string{"location: selector not found"}
			}
		case "crash":
			fmt.Fprintln(os.Stderr, "fatal: browser process died")
			os.Exit(3)
		case "shutdown":
			os.Exit(0)
		}
		_ = out.Encode(resp)
	}
	os.Exit(0)
}

func helperDriver(t *testing.T) *Exec {
	t.Helper()
	return helperDriverLog(t, logx.Nop())
}

func helperDriverLog(t *testing.T, log logx.Logger) *Exec {
	t.Helper()
	d := NewExec(Config{
		Kind:    "exec",
		Target:  domain.TargetDouyin,
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperProcess"},
		Env:     map[string]string{"POSTPILOT_HELPER": "1"},
	}, log)
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })
	return d
}

func TestExecDriverProtocol(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := helperDriver(t)

	s, artifact, err := d.Login(ctx, domain.Account{ID: "001"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if s.ID != "s-001" || string(artifact) != `{"cookies":[]}` {
		t.Fatalf("Login = %+v, %s", s, artifact)
	}
	ok, err := d.Verify(ctx, s)
	if err != nil || !ok {
		t.Fatalf("Verify = %v, %v", ok, err)
	}

	res, err := d.Publish(ctx, s, Payload{Title: "fine"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("warnings = %v", res.Warnings)
	}

	_, err = d.Publish(ctx, s, Payload{Title: "reject"})
	var pe *domain.PublishError
	if !errors.As(err, &pe) || pe.Reason != "title contains banned words" {
		t.Fatalf("Publish reject = %v", err)
	}
}

func TestExecDriverStepTimeout(t *testing.T) {
	t.Parallel()
	d := helperDriver(t)
	s, err := d.Open(context.Background(), domain.Account{ID: "002"}, []byte(`{}`))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = d.Publish(ctx, s, Payload{Title: "slow"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Publish slow = %v, want deadline exceeded", err)
	}

	// The late reply is dropped; the next call gets its own answer.
	if _, err := d.Publish(context.Background(), s, Payload{Title: "fine"}); err != nil {
		t.Fatalf("Publish after timeout: %v", err)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestExecDriverKeepsLastStderrLines(t *testing.T) {
	t.Parallel()
	var out syncBuffer
	d := helperDriverLog(t, logx.NewWriter(&out, "debug"))

	_, err := d.call(context.Background(), request{Op: "crash"})
	if !errors.Is(err, ErrHelperExited) {
		t.Fatalf("crash = %v, want ErrHelperExited", err)
	}
	if !strings.Contains(out.String(), "fatal: browser process died") {
		t.Fatalf("stderr line lost; log:\n%s", out.String())
	}

	// The driver starts a new helper on the next call.
	if _, err := d.Open(context.Background(), domain.Account{ID: "003"}, nil); err != nil {
		t.Fatalf("Open after crash: %v", err)
	}
}
