// Package engine drives the runnable jobs of a batch to a terminal status.
//
// A pass is strictly sequential: account groups run in the batch's account
// order and jobs inside a group run by scheduled time, one driver call at a
// time. Every status change is written to the store before the next step, so
// a crash leaves the batch resumable by simply executing it again.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"postpilot/internal/catalog"
	"postpilot/internal/domain"
	"postpilot/internal/driver"
	"postpilot/internal/eventbus"
	"postpilot/internal/metrics"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

const defaultHistorySize = 50

type Service struct {
	store  storage.Store
	assets catalog.AssetCatalog
	bus    eventbus.Bus
	sink   metrics.Sink
	log    logx.Logger
	now    func() time.Time

	mu       sync.Mutex
	runtimes map[domain.Target]*Runtime

	stateMu sync.Mutex
	states  map[domain.BatchKey]*RunState

	hmu         sync.Mutex
	history     []HistoryItem
	historySize int
}

func New(store storage.Store, assets catalog.AssetCatalog, bus eventbus.Bus, sink metrics.Sink, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	return &Service{
		store:       store,
		assets:      assets,
		bus:         bus,
		sink:        sink,
		log:         log.With(logx.String("comp", "engine")),
		now:         time.Now,
		runtimes:    map[domain.Target]*Runtime{},
		states:      map[domain.BatchKey]*RunState{},
		historySize: defaultHistorySize,
	}
}

// Register installs the runtime of a target, replacing any previous one.
func (s *Service) Register(target domain.Target, rt Runtime) {
	s.mu.Lock()
	s.runtimes[target] = &rt
	s.mu.Unlock()
}

// Apply swaps the settings of a registered target; passes already running
// keep the settings they started with.
func (s *Service) Apply(target domain.Target, st Settings) {
	s.mu.Lock()
	if rt, ok := s.runtimes[target]; ok {
		cp := *rt
		cp.Settings = st
		s.runtimes[target] = &cp
	}
	s.mu.Unlock()
}

func (s *Service) runtime(target domain.Target) (Runtime, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtimes[target]
	if !ok {
		return Runtime{}, false
	}
	return *rt, true
}

func (s *Service) state(key domain.BatchKey) *RunState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st, ok := s.states[key]
	if !ok {
		st = &RunState{}
		s.states[key] = st
	}
	return st
}

// group is the runnable jobs of one account, as indexes into Batch.Jobs.
type group struct {
	account domain.Account
	jobs    []int
}

// pass carries the state of one Execute call.
type pass struct {
	*Service
	rt  Runtime
	b   *domain.Batch
	key domain.BatchKey
	res *Result
	log logx.Logger
}

// Execute runs every runnable job of b and updates b in place as transitions
// are persisted. Job and group failures are recorded on the jobs; the
// returned error is reserved for store failures, an unknown target and
// overlapping calls (ErrBatchBusy). Cancellation of ctx is honored between
// jobs: the remaining jobs stay runnable and Result.Canceled is set.
func (s *Service) Execute(ctx context.Context, b *domain.Batch) (Result, error) {
	key := b.Key()
	res := Result{RunID: uuid.NewString(), Batch: key, Started: s.now()}

	rt, ok := s.runtime(b.Target)
	if !ok {
		return res, fmt.Errorf("%w: %s", ErrUnknownTarget, b.Target)
	}
	gate := s.state(key)
	if !gate.tryAcquire() {
		return res, fmt.Errorf("%w: %s", ErrBatchBusy, key)
	}
	defer gate.release()

	p := &pass{
		Service: s,
		rt:      rt,
		b:       b,
		key:     key,
		res:     &res,
		log:     s.log.With(logx.String("run", res.RunID), logx.String("batch", key.String())),
	}
	s.sink.RunStarted(string(b.Target))
	err := p.run(ctx)
	res.Duration = s.now().Sub(res.Started)
	res.Summary = b.Summarize()
	s.sink.RunFinished(string(b.Target), res.Duration, res.Canceled)

	if res.Runnable > 0 || err != nil {
		s.finish(res, err)
	}
	return res, err
}

func (p *pass) run(ctx context.Context) error {
	if err := p.recoverInterrupted(ctx); err != nil {
		return p.abort(err)
	}
	p.reconcileCompleted(ctx)

	groups := runnableGroups(p.b)
	for _, g := range groups {
		p.res.Runnable += len(g.jobs)
	}
	p.sink.Runnable(string(p.b.Target), p.res.Runnable)
	if p.res.Runnable == 0 {
		p.log.Debug("nothing to run")
		return nil
	}
	p.log.Info("execute started", logx.Int("runnable", p.res.Runnable), logx.Int("groups", len(groups)))
	defer p.rt.Sessions.CloseAll(context.WithoutCancel(ctx))

	for _, g := range groups {
		if ctx.Err() != nil {
			p.res.Canceled = true
			return nil
		}
		if err := p.runGroup(ctx, g); err != nil {
			return p.abort(err)
		}
		if p.res.Canceled {
			return nil
		}
	}
	return nil
}

// recoverInterrupted fails jobs left in flight by a previous crash. The
// platform may or may not have accepted them, so they are not resubmitted
// silently: they become failed and therefore runnable in this same pass.
func (p *pass) recoverInterrupted(ctx context.Context) error {
	for i := range p.b.Jobs {
		if !p.b.Jobs[i].Status.InFlight() {
			continue
		}
		p.log.Warn("interrupted job found", logx.String("job", p.b.Jobs[i].ID), logx.String("status", string(p.b.Jobs[i].Status)))
		if err := p.transition(ctx, i, domain.JobFailed, reasonInterrupted); err != nil {
			return err
		}
		p.res.Recovered++
	}
	if p.res.Recovered > 0 {
		p.sink.JobsRecovered(string(p.b.Target), p.res.Recovered)
	}
	return nil
}

// reconcileCompleted re-sends the idempotent publish-completion callback for
// every completed job, covering a crash between persisting completed and the
// callback.
func (p *pass) reconcileCompleted(ctx context.Context) {
	for _, j := range p.b.Jobs {
		if j.Status != domain.JobCompleted {
			continue
		}
		if err := p.assets.MarkPublished(ctx, j.AssetID, p.b.Target, j.UpdatedAt); err != nil {
			p.log.Warn("completion callback failed", logx.String("job", j.ID), logx.String("asset", j.AssetID), logx.Err(err))
		}
	}
}

// runnableGroups groups runnable jobs by account in the batch's account
// order; accounts missing from the snapshot follow in first-seen order. Jobs
// inside a group are ordered by scheduled time.
func runnableGroups(b *domain.Batch) []group {
	byAccount := map[string]*group{}
	var order []string
	add := func(id string) {
		if _, ok := byAccount[id]; ok {
			return
		}
		acc, ok := b.Account(id)
		if !ok {
			acc = domain.Account{ID: id, Name: id, Status: domain.AccountActive}
		}
		byAccount[id] = &group{account: acc}
		order = append(order, id)
	}
	for _, a := range b.Accounts {
		add(a.ID)
	}
	for i, j := range b.Jobs {
		if !j.Status.Runnable() {
			continue
		}
		add(j.AccountID)
		g := byAccount[j.AccountID]
		g.jobs = append(g.jobs, i)
	}

	out := make([]group, 0, len(order))
	for _, id := range order {
		g := byAccount[id]
		if len(g.jobs) == 0 {
			continue
		}
		sort.SliceStable(g.jobs, func(x, y int) bool {
			return b.Jobs[g.jobs[x]].ScheduledAt.Before(b.Jobs[g.jobs[y]].ScheduledAt)
		})
		out = append(out, *g)
	}
	return out
}

func (p *pass) runGroup(ctx context.Context, g group) error {
	log := p.log.With(logx.String("account", g.account.Label()))
	sess, err := p.rt.Sessions.Acquire(ctx, g.account)
	if err != nil {
		return p.failGroup(ctx, g, err)
	}
	defer p.rt.Sessions.Release(context.WithoutCancel(ctx), sess)
	log.Info("group started", logx.Int("jobs", len(g.jobs)))

	for k, idx := range g.jobs {
		if k > 0 && !p.pace(ctx) {
			p.res.Canceled = true
			return nil
		}
		if ctx.Err() != nil {
			p.res.Canceled = true
			return nil
		}
		if err := p.runJob(ctx, idx, sess, k > 0); err != nil {
			return err
		}
	}
	return nil
}

// failGroup marks every job of g failed with the acquisition error.
func (p *pass) failGroup(ctx context.Context, g group, cause error) error {
	reason := cause.Error()
	p.log.Warn("session unavailable; failing group",
		logx.String("account", g.account.Label()),
		logx.Int("jobs", len(g.jobs)),
		logx.Err(cause),
	)
	for _, idx := range g.jobs {
		if err := p.transition(ctx, idx, domain.JobFailed, reason); err != nil {
			return err
		}
		p.res.Failed++
	}
	p.res.AuthFailed = append(p.res.AuthFailed, g.account.Label())
	p.sink.AuthFailed(string(p.b.Target))
	eventbus.Emit(p.bus, eventbus.TypeGroupAuthFailed, eventbus.GroupAuthFailed{
		Target:  string(p.b.Target),
		Date:    p.b.Date,
		Account: g.account.Label(),
		Jobs:    len(g.jobs),
		Error:   reason,
	})
	return nil
}

// pace waits the pacing interval; false means ctx ended first.
func (p *pass) pace(ctx context.Context) bool {
	d := p.rt.Settings.Pacing
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// step bounds one driver call. Issued calls are not cancelable, so only the
// step timeout applies.
func (p *pass) step(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if d := p.rt.Settings.StepTimeout; d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// runJob executes one job. Only store failures are returned; every other
// problem fails the job and the group moves on.
func (p *pass) runJob(ctx context.Context, idx int, sess driver.Session, reset bool) error {
	st := p.rt.Settings
	job := p.b.Jobs[idx]
	p.res.Attempted++
	started := p.now()

	if err := p.transition(ctx, idx, domain.JobProcessing, ""); err != nil {
		return err
	}

	asset, err := p.assets.Get(ctx, job.AssetID)
	if err != nil {
		reason := reasonAssetNotFound
		if !errors.Is(err, domain.ErrNotFound) {
			reason = "asset lookup: " + err.Error()
		}
		return p.failJob(ctx, idx, reason, started)
	}

	if reset && st.ReloadBetweenJobs {
		sctx, cancel := p.step(ctx)
		err := p.rt.Driver.Reset(sctx, sess)
		cancel()
		if err != nil {
			return p.failJob(ctx, idx, "reload upload page: "+err.Error(), started)
		}
	}

	if st.PublishingPhase {
		if err := p.transition(ctx, idx, domain.JobPublishing, ""); err != nil {
			return err
		}
	}

	title := job.Title
	if title == "" {
		title = asset.Title
	}
	payload := driver.Payload{
		JobID:       job.ID,
		Source:      asset.Source,
		Title:       title,
		Description: asset.Description,
		Topics:      asset.Topics,
		Category:    asset.Category,
		ScheduledAt: job.ScheduledAt,
		BestEffort:  st.BestEffort,
	}
	sctx, cancel := p.step(ctx)
	res, err := p.rt.Driver.Publish(sctx, sess, payload)
	timedOut := errors.Is(sctx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		reason := domain.Reason(err)
		if timedOut {
			reason = fmt.Sprintf("publish timed out after %s", st.StepTimeout)
		}
		return p.failJob(ctx, idx, reason, started)
	}
	for _, w := range res.Warnings {
		p.log.Info("optional step skipped", logx.String("job", job.ID), logx.String("warning", w))
	}

	if err := p.transition(ctx, idx, domain.JobCompleted, ""); err != nil {
		return err
	}
	p.res.Completed++
	p.sink.JobFinished(string(p.b.Target), metrics.StatusCompleted, p.now().Sub(started))

	done := p.b.Jobs[idx]
	if err := p.assets.MarkPublished(context.WithoutCancel(ctx), job.AssetID, p.b.Target, done.UpdatedAt); err != nil {
		// Retried by reconcileCompleted on the next pass.
		p.log.Warn("completion callback failed", logx.String("job", job.ID), logx.String("asset", job.AssetID), logx.Err(err))
	}
	return nil
}

func (p *pass) failJob(ctx context.Context, idx int, reason string, started time.Time) error {
	if err := p.transition(ctx, idx, domain.JobFailed, reason); err != nil {
		return err
	}
	p.res.Failed++
	p.sink.JobFinished(string(p.b.Target), metrics.StatusFailed, p.now().Sub(started))
	return nil
}

// transition persists the move of job idx to status to and only then applies
// it to the in-memory batch. The write ignores ctx cancellation: a driver
// step that already ran must be recorded.
func (p *pass) transition(ctx context.Context, idx int, to domain.JobStatus, reason string) error {
	cur := p.b.Jobs[idx]
	next, err := cur.Transition(to, p.now(), reason)
	if err != nil {
		return err
	}
	if err := p.store.UpdateJob(context.WithoutCancel(ctx), p.key, next); err != nil {
		return err
	}
	p.b.Jobs[idx] = next
	p.b.Summarize()

	fields := []logx.Field{
		logx.String("job", next.ID),
		logx.String("account", next.AccountID),
		logx.String("from", string(cur.Status)),
		logx.String("to", string(to)),
	}
	if to == domain.JobFailed {
		p.log.Warn("job failed", append(fields, logx.String("reason", next.Error))...)
	} else {
		p.log.Info("job transition", fields...)
	}
	eventbus.Emit(p.bus, eventbus.TypeJobTransition, eventbus.JobTransition{
		Target:    string(next.Target),
		Date:      p.b.Date,
		JobID:     next.ID,
		AccountID: next.AccountID,
		AssetID:   next.AssetID,
		From:      string(cur.Status),
		To:        string(to),
		Error:     next.Error,
	})
	return nil
}

// abort reports a fatal error of the pass.
func (p *pass) abort(err error) error {
	var se *domain.StoreError
	if errors.As(err, &se) {
		p.log.Error("store failure; execution aborted", logx.String("op", se.Op), logx.Err(err))
		p.sink.StoreError(string(p.b.Target), se.Op)
		eventbus.Emit(p.bus, eventbus.TypeStoreError, eventbus.StoreFailure{
			Target: string(p.b.Target),
			Date:   p.b.Date,
			Op:     se.Op,
			Error:  err.Error(),
		})
		return err
	}
	p.log.Error("execution aborted", logx.Err(err))
	return err
}

func (s *Service) finish(res Result, err error) {
	item := HistoryItem{
		ID:        res.RunID,
		Batch:     res.Batch.String(),
		Started:   res.Started,
		Duration:  res.Duration,
		Completed: res.Completed,
		Failed:    res.Failed,
		Pending:   res.Summary.Pending,
		Canceled:  res.Canceled,
	}
	ev := eventbus.BatchFinished{
		RunID:     res.RunID,
		Target:    string(res.Batch.Target),
		Date:      res.Batch.Date,
		Attempted: res.Attempted,
		Completed: res.Completed,
		Failed:    res.Failed,
		Pending:   res.Summary.Pending,
		Canceled:  res.Canceled,
		Took:      res.Duration,
	}
	if err != nil {
		item.Error = err.Error()
		ev.Error = err.Error()
	}

	s.hmu.Lock()
	s.history = append(s.history, item)
	if over := len(s.history) - s.historySize; over > 0 {
		s.history = append([]HistoryItem(nil), s.history[over:]...)
	}
	s.hmu.Unlock()

	s.log.Info("execute finished",
		logx.String("run", res.RunID),
		logx.String("batch", res.Batch.String()),
		logx.Int("completed", res.Completed),
		logx.Int("failed", res.Failed),
		logx.Int("pending", res.Summary.Pending),
		logx.Bool("canceled", res.Canceled),
		logx.Duration("took", res.Duration),
	)
	eventbus.Emit(s.bus, eventbus.TypeBatchFinished, ev)
}

// Snapshot returns registered targets, running batches and recent passes.
func (s *Service) Snapshot() Snapshot {
	var snap Snapshot
	s.mu.Lock()
	for t := range s.runtimes {
		snap.Targets = append(snap.Targets, string(t))
	}
	s.mu.Unlock()
	sort.Strings(snap.Targets)

	s.stateMu.Lock()
	for k, st := range s.states {
		st.mu.Lock()
		if st.running {
			snap.Running = append(snap.Running, k.String())
		}
		st.mu.Unlock()
	}
	s.stateMu.Unlock()
	sort.Strings(snap.Running)

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}
