package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"postpilot/internal/eventbus"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	fails int
}

func (f *fakeSender) SendText(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("telegram: 502")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func fastConfig() Config {
	return Config{Enabled: true, RatePerSec: 1000, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond, DedupWindow: time.Minute}
}

func stop(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestNotifyRetriesAndDedups(t *testing.T) {
	t.Parallel()

	snd := &fakeSender{fails: 2}
	s := New(fastConfig(), snd, nil, logx.Nop())
	s.Start(context.Background())

	ctx := context.Background()
	n := Notification{Priority: 7, Key: "auth:douyin:001", Text: "account 001 could not log in"}
	if err := s.Notify(ctx, n); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := s.Notify(ctx, n); err != nil {
		t.Fatalf("duplicate Notify: %v", err)
	}
	stop(t, s)

	got := snd.messages()
	if len(got) != 1 || !strings.HasSuffix(got[0], n.Text) || !strings.HasPrefix(got[0], "⚠️") {
		t.Fatalf("sent = %q", got)
	}
	if h := s.History(); len(h) != 1 || h[0].Err != "" {
		t.Fatalf("history = %+v", h)
	}
	if err := s.Notify(ctx, n); !errors.Is(err, ErrStopped) {
		t.Fatalf("Notify after Stop = %v", err)
	}
}

func TestNotifyDisabled(t *testing.T) {
	t.Parallel()

	s := New(Config{}, &fakeSender{}, nil, logx.Nop())
	s.Start(context.Background())
	if err := s.Notify(context.Background(), Notification{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v", err)
	}
}

func TestPersistedDedupSurvivesRestart(t *testing.T) {
	t.Parallel()

	st, err := storage.Open(storage.Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	cfg := fastConfig()
	cfg.PersistDedup = true
	n := Notification{Key: "store:douyin:update_job", Text: "store failed"}

	first := &fakeSender{}
	s := New(cfg, first, st, logx.Nop())
	s.Start(context.Background())
	_ = s.Notify(context.Background(), n)
	stop(t, s)

	second := &fakeSender{}
	s = New(cfg, second, st, logx.Nop())
	s.Start(context.Background())
	_ = s.Notify(context.Background(), n)
	stop(t, s)

	if len(first.messages()) != 1 || len(second.messages()) != 0 {
		t.Fatalf("first=%v second=%v", first.messages(), second.messages())
	}
}

func TestFollowFormatsBusEvents(t *testing.T) {
	t.Parallel()

	snd := &fakeSender{}
	s := New(fastConfig(), snd, nil, logx.Nop())
	s.Start(context.Background())
	bus := eventbus.New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Follow(ctx, bus)
		close(done)
	}()
	// Wait for the subscription before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for {
		eventbus.Emit(bus, eventbus.TypeJobTransition, eventbus.JobTransition{JobID: "ignored"})
		eventbus.Emit(bus, eventbus.TypeBatchFinished, eventbus.BatchFinished{RunID: "r1", Target: "douyin", Date: "2024-01-02", Completed: 6, Failed: 1})
		if len(s.History()) > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	stop(t, s)

	got := snd.messages()
	if len(got) != 1 {
		t.Fatalf("sent = %q", got)
	}
	if !strings.Contains(got[0], "douyin 2024-01-02: 6 completed, 1 failed, 0 pending") {
		t.Fatalf("text = %q", got[0])
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		data any
		ok   bool
		prio int
		want string
	}{
		{"clean run", eventbus.BatchFinished{Target: "wechat", Date: "2024-01-02", Completed: 8}, true, 5, "8 completed"},
		{"canceled", eventbus.BatchFinished{Target: "wechat", Canceled: true, Pending: 3}, true, 7, "run again to resume"},
		{"aborted", eventbus.BatchFinished{Target: "wechat", Error: "store update_job: disk full"}, true, 9, "aborted"},
		{"auth", eventbus.GroupAuthFailed{Target: "douyin", Account: "002", Jobs: 7, Error: "login required"}, true, 7, "account 002 could not log in; 7 job(s) failed"},
		{"store", eventbus.StoreFailure{Target: "douyin", Op: "update_job", Error: "disk full"}, true, 9, "batch store update_job failed"},
		{"transition", eventbus.JobTransition{}, false, 0, ""},
	}
	for _, tc := range cases {
		n, ok := Format(eventbus.Event{Data: tc.data})
		if ok != tc.ok {
			t.Fatalf("%s: ok = %v", tc.name, ok)
		}
		if !ok {
			continue
		}
		if n.Priority != tc.prio || !strings.Contains(n.Text, tc.want) {
			t.Fatalf("%s: got %d %q", tc.name, n.Priority, n.Text)
		}
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d delay = %s", attempt, d)
		}
	}
}
