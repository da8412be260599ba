package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "postpilot/pkg/logx"
)

func TestAddRejectsBadInput(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true}, logx.Nop())
	job := func(context.Context) error { return nil }
	cases := []struct {
		name, spec string
		job        Job
	}{
		{"", "@daily", job},
		{"x", "not a spec", job},
		{"x", "0 7 * * *", nil},
	}
	for _, tc := range cases {
		if err := s.Add(tc.name, tc.spec, 0, tc.job); err == nil {
			t.Fatalf("Add(%q, %q) accepted", tc.name, tc.spec)
		}
	}
	if err := s.Add("publish:douyin", "0 30 7 * * *", time.Minute, job); err != nil {
		t.Fatalf("six-field spec rejected: %v", err)
	}
}

func TestAddUpsertsByName(t *testing.T) {
	t.Parallel()

	s := New(Config{Timezone: "UTC"}, logx.Nop())
	job := func(context.Context) error { return nil }
	_ = s.Add("publish:douyin", "0 7 * * *", 0, job)
	_ = s.Add("publish:wechat", "0 8 * * *", 0, job)
	_ = s.Add("publish:douyin", "0 9 * * *", 0, job)

	snap := s.Snapshot()
	if len(snap.Schedules) != 2 {
		t.Fatalf("schedules = %+v", snap.Schedules)
	}
	if snap.Schedules[1].Name != "publish:douyin" || snap.Schedules[1].Spec != "0 9 * * *" {
		t.Fatalf("upsert kept old def: %+v", snap.Schedules[1])
	}
	if !s.Remove("publish:wechat") || s.Remove("publish:wechat") {
		t.Fatal("Remove did not report correctly")
	}
	if names := s.Names(); len(names) != 1 {
		t.Fatalf("names = %v", names)
	}
}

func TestStartRegistersAndReportsNext(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Timezone: "Asia/Shanghai"}, logx.Nop())
	_ = s.Add("publish:douyin", "0 7 * * *", 0, func(context.Context) error { return nil })
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if s.Location().String() != "Asia/Shanghai" {
		t.Fatalf("location = %s", s.Location())
	}
	snap := s.Snapshot()
	next := snap.Schedules[0].Next
	if next.IsZero() {
		t.Fatal("next fire not computed")
	}
	if h := next.In(s.Location()).Hour(); h != 7 {
		t.Fatalf("next fire hour = %d", h)
	}
}

func TestFireSkipsOverlapAndRecordsErrors(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop())
	release := make(chan struct{})
	var runs atomic.Int32
	boom := errors.New("boom")
	_ = s.Add("slow", "@daily", time.Second, func(ctx context.Context) error {
		runs.Add(1)
		<-release
		return boom
	})
	s.mu.Lock()
	d := &s.defs[0]
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.fire(d)
		close(done)
	}()
	for !d.running.Load() {
		time.Sleep(time.Millisecond)
	}
	s.fire(d) // skipped
	close(release)
	<-done

	info := s.Snapshot().Schedules[0]
	if runs.Load() != 1 || info.Skipped != 1 || info.LastErr != "boom" || info.Running {
		t.Fatalf("runs=%d info=%+v", runs.Load(), info)
	}
}

func TestStopCancelsRunningJobs(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop())
	started := make(chan struct{})
	canceled := make(chan struct{})
	_ = s.Add("wait", "@every 1h", 0, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(canceled)
		return ctx.Err()
	})
	s.Start(context.Background())

	s.mu.Lock()
	d := &s.defs[0]
	s.mu.Unlock()
	go s.fire(d)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("running job not canceled by Stop")
	}
}

func TestSpreadDelaysOnlyFirstFire(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := makeIntervalScheduleWithSpread(time.Hour, now, "publish:douyin")
	if jitter < 0 || jitter >= maxStartupSpread {
		t.Fatalf("jitter = %s", jitter)
	}
	first := sched.Next(now)
	if want := now.Add(time.Hour + jitter); !first.Equal(want) {
		t.Fatalf("first = %s, want %s", first, want)
	}
	// cron.Every rounds down to whole seconds after the first fire.
	if gap := sched.Next(first).Sub(first); gap > time.Hour || gap <= time.Hour-time.Second {
		t.Fatalf("second gap = %s", gap)
	}
}
