package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"postpilot/internal/domain"
	"postpilot/internal/driver"
	"postpilot/internal/eventbus"
	"postpilot/internal/metrics"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

type fakeAssets struct {
	mu     sync.Mutex
	ids    map[string]bool
	marked map[string]int
}

func newFakeAssets(ids ...string) *fakeAssets {
	f := &fakeAssets{ids: map[string]bool{}, marked: map[string]int{}}
	for _, id := range ids {
		f.ids[id] = true
	}
	return f
}

func (f *fakeAssets) ListUnpublished(ctx context.Context, t domain.Target) ([]domain.Asset, error) {
	return nil, nil
}

func (f *fakeAssets) Get(ctx context.Context, id string) (domain.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ids[id] {
		return domain.Asset{}, fmt.Errorf("asset %s: %w", id, domain.ErrNotFound)
	}
	return domain.Asset{ID: id, Source: "/media/" + id + ".mp4", Title: "title " + id}, nil
}

func (f *fakeAssets) MarkPublished(ctx context.Context, id string, t domain.Target, at time.Time) error {
	f.mu.Lock()
	f.marked[id]++
	f.mu.Unlock()
	return nil
}

type fakeDriver struct {
	mu        sync.Mutex
	published []string
	resets    int
	fail      map[string]string // job id -> reason
	hang      map[string]bool   // job id -> block until the step deadline
	onPublish func(jobID string)
}

func (d *fakeDriver) Open(ctx context.Context, a domain.Account, artifact []byte) (driver.Session, error) {
	return driver.Session{}, errors.New("unused")
}
func (d *fakeDriver) Verify(ctx context.Context, s driver.Session) (bool, error) { return true, nil }
func (d *fakeDriver) Login(ctx context.Context, a domain.Account) (driver.Session, []byte, error) {
	return driver.Session{}, nil, errors.New("unused")
}

func (d *fakeDriver) Publish(ctx context.Context, s driver.Session, p driver.Payload) (driver.Result, error) {
	d.mu.Lock()
	d.published = append(d.published, p.JobID)
	reason, bad := d.fail[p.JobID]
	hang := d.hang[p.JobID]
	hook := d.onPublish
	d.mu.Unlock()
	if hook != nil {
		hook(p.JobID)
	}
	if hang {
		<-ctx.Done()
		return driver.Result{}, ctx.Err()
	}
	if bad {
		return driver.Result{}, domain.NewPublishError(reason, nil)
	}
	return driver.Result{}, nil
}

func (d *fakeDriver) Reset(ctx context.Context, s driver.Session) error {
	d.mu.Lock()
	d.resets++
	d.mu.Unlock()
	return nil
}
func (d *fakeDriver) Close(ctx context.Context, s driver.Session) error { return nil }
func (d *fakeDriver) Shutdown(ctx context.Context) error                { return nil }

func (d *fakeDriver) calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.published...)
}

type fakeSessions struct {
	mu       sync.Mutex
	deny     map[string]bool
	acquired []string
	released int
	closed   int
}

func (s *fakeSessions) Acquire(ctx context.Context, a domain.Account) (driver.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquired = append(s.acquired, a.ID)
	if s.deny[a.ID] {
		return driver.Session{}, &domain.AuthError{Account: a.Label(), Err: errors.New("login required")}
	}
	return driver.Session{ID: "s-" + a.ID, Account: a.ID}, nil
}

func (s *fakeSessions) Release(ctx context.Context, sess driver.Session) {
	s.mu.Lock()
	s.released++
	s.mu.Unlock()
}

func (s *fakeSessions) CloseAll(ctx context.Context) {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
}

// flakyStore fails UpdateJob after the first n successful writes.
type flakyStore struct {
	storage.Store
	mu sync.Mutex
	n  int
}

func (f *flakyStore) UpdateJob(ctx context.Context, key domain.BatchKey, j domain.Job) error {
	f.mu.Lock()
	if f.n <= 0 {
		f.mu.Unlock()
		return &domain.StoreError{Op: "update_job", Err: errors.New("disk full")}
	}
	f.n--
	f.mu.Unlock()
	return f.Store.UpdateJob(ctx, key, j)
}

var day = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

// seed persists a batch with the given jobs; accounts are taken in
// first-seen order from the jobs.
func seed(t *testing.T, st storage.Store, jobs ...domain.Job) *domain.Batch {
	t.Helper()
	b := &domain.Batch{Target: domain.TargetDouyin, Date: "2024-01-02", GeneratedAt: day}
	seen := map[string]bool{}
	for i := range jobs {
		j := &jobs[i]
		if j.ID == "" {
			j.ID = domain.JobID(domain.TargetDouyin, day, i+1)
		}
		j.Target = domain.TargetDouyin
		if j.AssetID == "" {
			j.AssetID = fmt.Sprintf("v%d", i+1)
		}
		if j.ScheduledAt.IsZero() {
			j.ScheduledAt = day.Add(time.Duration(8+i) * time.Hour)
		}
		if j.Status == "" {
			j.Status = domain.JobPending
		}
		j.CreatedAt, j.UpdatedAt = day, day
		if !seen[j.AccountID] {
			seen[j.AccountID] = true
			b.Accounts = append(b.Accounts, domain.Account{ID: j.AccountID, Status: domain.AccountActive})
		}
	}
	b.Jobs = jobs
	if err := st.CreateBatch(context.Background(), b); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	return b
}

type fixture struct {
	svc      *Service
	store    storage.Store
	assets   *fakeAssets
	drv      *fakeDriver
	sessions *fakeSessions
	bus      eventbus.Bus
}

func newFixture(t *testing.T, wrap func(storage.Store) storage.Store) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	f := &fixture{
		store:    st,
		assets:   newFakeAssets("v1", "v2", "v3", "v4", "v5", "v6"),
		drv:      &fakeDriver{fail: map[string]string{}, hang: map[string]bool{}},
		sessions: &fakeSessions{deny: map[string]bool{}},
		bus:      eventbus.New(),
	}
	use := storage.Store(st)
	if wrap != nil {
		use = wrap(st)
	}
	f.svc = New(use, f.assets, f.bus, metrics.NoopSink{}, logx.Nop())
	f.svc.Register(domain.TargetDouyin, Runtime{Driver: f.drv, Sessions: f.sessions, Settings: Settings{StepTimeout: time.Second}})
	return f
}

func (f *fixture) reload(t *testing.T, b *domain.Batch) *domain.Batch {
	t.Helper()
	got, err := f.store.LoadBatch(context.Background(), b.Key())
	if err != nil {
		t.Fatalf("LoadBatch: %v", err)
	}
	return got
}

func TestExecuteCompletesAndResumeIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	b := seed(t, f.store,
		domain.Job{AccountID: "001"},
		domain.Job{AccountID: "001"},
		domain.Job{AccountID: "002"},
	)

	res, err := f.svc.Execute(ctx, b)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Completed != 3 || res.Failed != 0 || res.Summary.Completed != 3 {
		t.Fatalf("result = %+v", res)
	}
	if got := f.reload(t, b).Summarize(); got.Completed != 3 {
		t.Fatalf("persisted summary = %+v", got)
	}
	if f.assets.marked["v1"] != 1 {
		t.Fatalf("completion callback count = %d", f.assets.marked["v1"])
	}

	again, err := f.svc.Execute(ctx, f.reload(t, b))
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if again.Attempted != 0 || len(f.drv.calls()) != 3 {
		t.Fatalf("second pass re-ran jobs: attempted=%d calls=%v", again.Attempted, f.drv.calls())
	}
	// Completed jobs are reconciled with the catalog on every pass.
	if f.assets.marked["v1"] != 2 {
		t.Fatalf("reconcile did not re-mark: %d", f.assets.marked["v1"])
	}
}

func TestExecuteGroupAuthFailureIsIsolated(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.sessions.deny["001"] = true
	events, unsub := f.bus.Subscribe(32)
	defer unsub()

	b := seed(t, f.store,
		domain.Job{AccountID: "001"},
		domain.Job{AccountID: "001"},
		domain.Job{AccountID: "002"},
	)
	res, err := f.svc.Execute(context.Background(), b)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Failed != 2 || res.Completed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if len(res.AuthFailed) != 1 || res.AuthFailed[0] != "001" {
		t.Fatalf("auth failed = %v", res.AuthFailed)
	}
	for _, j := range f.reload(t, b).Jobs {
		switch j.AccountID {
		case "001":
			if j.Status != domain.JobFailed || j.Error == "" {
				t.Fatalf("job %s = %s %q", j.ID, j.Status, j.Error)
			}
		case "002":
			if j.Status != domain.JobCompleted {
				t.Fatalf("job %s = %s", j.ID, j.Status)
			}
		}
	}
	if calls := f.drv.calls(); len(calls) != 1 {
		t.Fatalf("driver calls = %v", calls)
	}

	var sawGroup bool
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.TypeGroupAuthFailed {
			sawGroup = true
		}
	}
	if !sawGroup {
		t.Fatal("no group.auth_failed event")
	}
}

func TestExecuteJobFailureIsIsolated(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	b := seed(t, f.store,
		domain.Job{AccountID: "001"},
		domain.Job{AccountID: "001"},
		domain.Job{AccountID: "001", AssetID: "missing"},
	)
	f.drv.fail[b.Jobs[0].ID] = "upload rejected"

	res, err := f.svc.Execute(context.Background(), b)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Failed != 2 || res.Completed != 1 {
		t.Fatalf("result = %+v", res)
	}
	got := f.reload(t, b)
	if got.Jobs[0].Error != "upload rejected" {
		t.Fatalf("job 1 error = %q", got.Jobs[0].Error)
	}
	if got.Jobs[1].Status != domain.JobCompleted {
		t.Fatalf("job 2 = %s", got.Jobs[1].Status)
	}
	if got.Jobs[2].Error != reasonAssetNotFound {
		t.Fatalf("job 3 error = %q", got.Jobs[2].Error)
	}

	// Failed jobs are retried on the next pass.
	delete(f.drv.fail, b.Jobs[0].ID)
	res, err = f.svc.Execute(context.Background(), got)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Attempted != 2 || res.Completed != 1 {
		t.Fatalf("retry result = %+v", res)
	}
	if j := f.reload(t, b).Jobs[0]; j.Status != domain.JobCompleted || j.Error != "" {
		t.Fatalf("retried job = %s %q", j.Status, j.Error)
	}
}

func TestExecuteOrdersGroupsAndJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	late := day.Add(20 * time.Hour)
	early := day.Add(6 * time.Hour)
	b := seed(t, f.store,
		domain.Job{ID: "a-late", AccountID: "001", ScheduledAt: late},
		domain.Job{ID: "b-only", AccountID: "002"},
		domain.Job{ID: "a-early", AccountID: "001", ScheduledAt: early},
	)
	if _, err := f.svc.Execute(context.Background(), b); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := fmt.Sprint(f.drv.calls()); got != "[a-early a-late b-only]" {
		t.Fatalf("order = %s", got)
	}
}

func TestExecuteCancelLeavesJobsPending(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.drv.onPublish = func(string) { cancel() }

	b := seed(t, f.store,
		domain.Job{AccountID: "001"},
		domain.Job{AccountID: "001"},
		domain.Job{AccountID: "002"},
	)
	res, err := f.svc.Execute(ctx, b)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Canceled || res.Completed != 1 {
		t.Fatalf("result = %+v", res)
	}
	got := f.reload(t, b).Summarize()
	if got.Completed != 1 || got.Pending != 2 || got.Processing+got.Publishing != 0 {
		t.Fatalf("persisted summary = %+v", got)
	}
	if f.sessions.closed != 1 {
		t.Fatalf("CloseAll calls = %d", f.sessions.closed)
	}
}

func TestExecuteStoreErrorAborts(t *testing.T) {
	t.Parallel()
	// processing + completed for the first job, then processing fails.
	f := newFixture(t, func(s storage.Store) storage.Store { return &flakyStore{Store: s, n: 2} })
	b := seed(t, f.store,
		domain.Job{AccountID: "001"},
		domain.Job{AccountID: "001"},
		domain.Job{AccountID: "002"},
	)
	res, err := f.svc.Execute(context.Background(), b)
	if !domain.IsStoreError(err) {
		t.Fatalf("err = %v, want StoreError", err)
	}
	if res.Completed != 1 || len(f.drv.calls()) != 1 {
		t.Fatalf("result = %+v calls=%v", res, f.drv.calls())
	}
	if b.Jobs[1].Status != domain.JobPending {
		t.Fatalf("unpersisted transition leaked into memory: %s", b.Jobs[1].Status)
	}
	snap := f.svc.Snapshot()
	if len(snap.History) != 1 || snap.History[0].Error == "" {
		t.Fatalf("history = %+v", snap.History)
	}
}

func TestExecuteRecoversInterruptedJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	b := seed(t, f.store,
		domain.Job{AccountID: "001", Status: domain.JobProcessing},
		domain.Job{AccountID: "001", Status: domain.JobPublishing},
		domain.Job{AccountID: "001", Status: domain.JobCompleted},
	)
	events, unsub := f.bus.Subscribe(64)
	defer unsub()

	res, err := f.svc.Execute(context.Background(), b)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Recovered != 2 || res.Attempted != 2 || res.Completed != 2 {
		t.Fatalf("result = %+v", res)
	}
	var interrupted int
	for len(events) > 0 {
		e := <-events
		if tr, ok := e.Data.(eventbus.JobTransition); ok && tr.Error == reasonInterrupted {
			interrupted++
		}
	}
	if interrupted != 2 {
		t.Fatalf("interrupted transitions = %d", interrupted)
	}
	if got := f.reload(t, b).Summarize(); got.Completed != 3 {
		t.Fatalf("summary = %+v", got)
	}
}

func TestExecuteRejectsOverlap(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	b := seed(t, f.store, domain.Job{AccountID: "001"})

	entered := make(chan struct{})
	unblock := make(chan struct{})
	f.drv.onPublish = func(string) {
		close(entered)
		<-unblock
	}
	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Execute(context.Background(), b)
		done <- err
	}()
	<-entered

	if snap := f.svc.Snapshot(); len(snap.Running) != 1 {
		t.Fatalf("running = %v", snap.Running)
	}
	other := f.reload(t, b)
	if _, err := f.svc.Execute(context.Background(), other); !errors.Is(err, ErrBatchBusy) {
		t.Fatalf("overlap err = %v", err)
	}
	close(unblock)
	if err := <-done; err != nil {
		t.Fatalf("first Execute: %v", err)
	}
}

func TestExecuteReloadsBetweenJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.svc.Apply(domain.TargetDouyin, Settings{ReloadBetweenJobs: true, PublishingPhase: true, StepTimeout: time.Second})
	events, unsub := f.bus.Subscribe(64)
	defer unsub()

	b := seed(t, f.store,
		domain.Job{AccountID: ""},
		domain.Job{AccountID: ""},
		domain.Job{AccountID: ""},
	)
	if _, err := f.svc.Execute(context.Background(), b); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if f.drv.resets != 2 {
		t.Fatalf("resets = %d, want 2", f.drv.resets)
	}
	var publishing int
	for len(events) > 0 {
		if tr, ok := (<-events).Data.(eventbus.JobTransition); ok && tr.To == string(domain.JobPublishing) {
			publishing++
		}
	}
	if publishing != 3 {
		t.Fatalf("publishing transitions = %d", publishing)
	}
}

func TestExecuteUnknownTarget(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	b := &domain.Batch{Target: domain.TargetWechat, Date: "2024-01-02"}
	if _, err := f.svc.Execute(context.Background(), b); !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("err = %v", err)
	}
}

func TestExecuteStepTimeoutFailsOnlyThatJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.svc.Apply(domain.TargetDouyin, Settings{StepTimeout: 50 * time.Millisecond})
	b := seed(t, f.store,
		domain.Job{AccountID: "001"},
		domain.Job{AccountID: "001"},
	)
	f.drv.hang[b.Jobs[0].ID] = true

	res, err := f.svc.Execute(context.Background(), b)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Failed != 1 || res.Completed != 1 {
		t.Fatalf("result = %+v", res)
	}
	got := f.reload(t, b)
	if j := got.Jobs[0]; j.Status != domain.JobFailed || !strings.HasPrefix(j.Error, "publish timed out after 50ms") {
		t.Fatalf("timed out job = %s %q", j.Status, j.Error)
	}
	if got.Jobs[1].Status != domain.JobCompleted {
		t.Fatalf("next job = %s", got.Jobs[1].Status)
	}
	if calls := f.drv.calls(); len(calls) != 2 {
		t.Fatalf("driver calls = %v", calls)
	}
}
