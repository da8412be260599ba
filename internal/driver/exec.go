package driver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"postpilot/internal/domain"
	logx "postpilot/pkg/logx"
)

// ErrHelperExited is returned for calls pending when the helper process dies.
var ErrHelperExited = errors.New("driver helper exited")

const shutdownGrace = 5 * time.Second

// request is one line written to the helper's stdin.
type request struct {
	ID       string          `json:"id"`
	Op       string          `json:"op"`
	Target   string          `json:"target"`
	Session  string          `json:"session,omitempty"`
	Account  *domain.Account `json:"account,omitempty"`
	Artifact json.RawMessage `json:"artifact,omitempty"`
	Payload  *Payload        `json:"payload,omitempty"`
}

// response is one line read from the helper's stdout.
type response struct {
	ID            string          `json:"id"`
	OK            bool            `json:"ok"`
	Error         string          `json:"error,omitempty"`
	Session       string          `json:"session,omitempty"`
	Authenticated bool            `json:"authenticated,omitempty"`
	Artifact      json.RawMessage `json:"artifact,omitempty"`
	Warnings      []string        `json:"warnings,omitempty"`
}

// Exec drives a long-lived helper process (typically a browser automation
// script) over a JSON-lines protocol on stdin/stdout. The helper owns the
// browser; sessions are the ids it hands back. Stderr is forwarded to the log.
//
// The helper is started on first use and restarted after it exits.
type Exec struct {
	cfg Config
	log logx.Logger
	now func() time.Time

	mu      sync.Mutex // guards process state and serializes writes
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	enc     *json.Encoder
	pending map[string]chan response
	done    chan struct{}
}

func NewExec(cfg Config, log logx.Logger) *Exec {
	return &Exec{cfg: cfg, log: log, now: time.Now}
}

func (d *Exec) startLocked() error {
	if d.cmd != nil {
		return nil
	}
	cmd := exec.Command(d.cfg.Command, d.cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range d.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env, "POSTPILOT_TARGET="+string(d.cfg.Target))
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start driver helper %s: %w", d.cfg.Command, err)
	}
	d.cmd, d.stdin, d.enc = cmd, stdin, json.NewEncoder(stdin)
	d.pending = map[string]chan response{}
	d.done = make(chan struct{})
	d.log.Info("driver helper started", logx.String("command", d.cfg.Command), logx.Int("pid", cmd.Process.Pid))

	stderrDone := make(chan struct{})
	go d.forwardStderr(stderr, stderrDone)
	go d.readLoop(cmd, stdout, stderrDone, d.done)
	return nil
}

func (d *Exec) forwardStderr(r io.Reader, done chan<- struct{}) {
	defer close(done)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		d.log.Debug("helper: " + sc.Text())
	}
	// Keep the pipe drained after an oversized line so the helper never blocks.
	_, _ = io.Copy(io.Discard, r)
}

// readLoop dispatches replies until stdout closes. cmd.Wait must not run
// before stderr is fully read, so it waits for stderrDone first.
func (d *Exec) readLoop(cmd *exec.Cmd, r io.Reader, stderrDone <-chan struct{}, done chan struct{}) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var resp response
		if err := json.Unmarshal(sc.Bytes(), &resp); err != nil {
			d.log.Warn("driver helper sent a malformed line", logx.Err(err))
			continue
		}
		d.mu.Lock()
		ch, ok := d.pending[resp.ID]
		delete(d.pending, resp.ID)
		d.mu.Unlock()
		if !ok {
			// Reply to a call that already timed out.
			d.log.Debug("late driver reply dropped", logx.String("id", resp.ID))
			continue
		}
		ch <- resp
	}
	<-stderrDone
	err := cmd.Wait()

	d.mu.Lock()
	if d.cmd == cmd {
		for id, ch := range d.pending {
			close(ch)
			delete(d.pending, id)
		}
		d.cmd, d.stdin, d.enc = nil, nil, nil
	}
	d.mu.Unlock()
	close(done)
	d.log.Warn("driver helper exited", logx.Err(err))
}

// call sends one request and waits for its reply or ctx.
func (d *Exec) call(ctx context.Context, req request) (response, error) {
	req.ID = uuid.NewString()
	req.Target = string(d.cfg.Target)
	ch := make(chan response, 1)

	d.mu.Lock()
	if err := d.startLocked(); err != nil {
		d.mu.Unlock()
		return response{}, err
	}
	d.pending[req.ID] = ch
	err := d.enc.Encode(req)
	if err != nil {
		delete(d.pending, req.ID)
	}
	d.mu.Unlock()
	if err != nil {
		return response{}, fmt.Errorf("driver %s: %w", req.Op, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return response{}, fmt.Errorf("driver %s: %w", req.Op, ErrHelperExited)
		}
		for _, w := range resp.Warnings {
			d.log.Warn("driver step skipped", logx.String("op", req.Op), logx.String("warning", w))
		}
		if !resp.OK {
			msg := resp.Error
			if msg == "" {
				msg = req.Op + " failed"
			}
			return resp, errors.New(msg)
		}
		return resp, nil
	case <-ctx.Done():
		d.mu.Lock()
		delete(d.pending, req.ID)
		d.mu.Unlock()
		return response{}, fmt.Errorf("driver %s: %w", req.Op, ctx.Err())
	}
}

func (d *Exec) Open(ctx context.Context, account domain.Account, artifact []byte) (Session, error) {
	req := request{Op: "open", Account: &account}
	if json.Valid(artifact) {
		req.Artifact = artifact
	}
	resp, err := d.call(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return d.session(resp, account), nil
}

func (d *Exec) Verify(ctx context.Context, s Session) (bool, error) {
	resp, err := d.call(ctx, request{Op: "verify", Session: s.ID})
	if err != nil {
		return false, err
	}
	return resp.Authenticated, nil
}

func (d *Exec) Login(ctx context.Context, account domain.Account) (Session, []byte, error) {
	resp, err := d.call(ctx, request{Op: "login", Account: &account})
	if err != nil {
		return Session{}, nil, err
	}
	if len(resp.Artifact) == 0 {
		return Session{}, nil, errors.New("driver login returned no session artifact")
	}
	return d.session(resp, account), []byte(resp.Artifact), nil
}

func (d *Exec) Publish(ctx context.Context, s Session, p Payload) (Result, error) {
	resp, err := d.call(ctx, request{Op: "publish", Session: s.ID, Payload: &p})
	if err != nil {
		return Result{}, domain.NewPublishError(err.Error(), err)
	}
	return Result{Warnings: resp.Warnings}, nil
}

func (d *Exec) Reset(ctx context.Context, s Session) error {
	_, err := d.call(ctx, request{Op: "reset", Session: s.ID})
	return err
}

func (d *Exec) Close(ctx context.Context, s Session) error {
	_, err := d.call(ctx, request{Op: "close", Session: s.ID})
	return err
}

// Shutdown asks the helper to exit and kills it after a grace period.
func (d *Exec) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	cmd, stdin, done := d.cmd, d.stdin, d.done
	if cmd != nil {
		_ = d.enc.Encode(request{ID: uuid.NewString(), Op: "shutdown", Target: string(d.cfg.Target)})
		_ = stdin.Close()
	}
	d.mu.Unlock()
	if cmd == nil {
		return nil
	}

	t := time.NewTimer(shutdownGrace)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
	case <-ctx.Done():
	}
	d.log.Warn("driver helper did not exit; killing", logx.Int("pid", cmd.Process.Pid))
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-done
	return nil
}

func (d *Exec) session(resp response, account domain.Account) Session {
	id := resp.Session
	if id == "" {
		id = uuid.NewString()
	}
	return Session{ID: id, Target: d.cfg.Target, Account: account.ID, OpenedAt: d.now()}
}
