// Package app wires the catalogs, the batch store, the generator, the
// execution engine and the per-target drivers into one process, and exposes
// the operator operations used by the CLI and the daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"postpilot/internal/catalog"
	"postpilot/internal/config"
	"postpilot/internal/domain"
	"postpilot/internal/driver"
	"postpilot/internal/eventbus"
	"postpilot/internal/metrics"
	"postpilot/internal/notifier"
	"postpilot/internal/observability/ops"
	rtsup "postpilot/internal/runtime/supervisor"
	"postpilot/internal/session"
	"postpilot/internal/storage"
	"postpilot/internal/task/engine"
	"postpilot/internal/task/generator"
	"postpilot/internal/task/scheduler"
	logx "postpilot/pkg/logx"
)

// ErrTargetDisabled is returned for configured targets with enabled: false.
var ErrTargetDisabled = errors.New("target disabled")

// targetRuntime is the driver and session manager of one enabled target.
type targetRuntime struct {
	cfg      config.Target
	drv      driver.Driver
	sessions *session.Manager
}

type App struct {
	cfgm *config.Manager

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	assets    *catalog.AssetFile
	accounts  *catalog.AccountFile
	artifacts *session.ArtifactStore

	registry *prometheus.Registry
	sink     metrics.Sink
	ops      *ops.Server

	gen   *generator.Generator
	eng   *engine.Service
	sched *scheduler.Service
	notif *notifier.Service
	sup   *rtsup.Supervisor

	now       func() time.Time
	closeOnce sync.Once

	mu      sync.RWMutex
	cfg     *config.Config
	targets map[domain.Target]*targetRuntime
}

// New loads cfgPath and builds every component. Nothing is started; the
// operations can be called directly (one-shot CLI) or through Start (daemon).
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(validate)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLoggingConfig(cfg), nil)
	a := &App{
		cfgm:    cfgm,
		cfg:     cfg,
		logs:    logs,
		log:     log.With(logx.String("comp", "app")),
		bus:     eventbus.New(),
		now:     time.Now,
		targets: map[domain.Target]*targetRuntime{},
	}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	if err := a.build(cfg, log); err != nil {
		a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	a.store = st
	a.log.Debug("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	assetsPath, accountsDir, stateDir := catalogPaths(cfg)
	a.assets = catalog.NewAssetFile(assetsPath, log.With(logx.String("comp", "assets")))
	a.accounts = catalog.NewAccountFile(accountsDir, stateDir, log.With(logx.String("comp", "accounts")))
	a.artifacts = session.NewArtifactStore(stateDir)

	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.sink = metrics.NewPrometheusSink(a.registry, log.With(logx.String("comp", "metrics")))
		a.ops = ops.New(mapOpsConfig(cfg), a.registry, func() any { return a.Snapshot() }, log)
	} else {
		a.sink = metrics.NoopSink{}
	}

	a.gen = generator.New(a.assets, a.accounts, a.store, a.bus, log)
	a.eng = engine.New(a.store, a.assets, a.bus, a.sink, log)

	for _, name := range cfg.TargetNames() {
		t, err := cfg.Target(name)
		if err != nil {
			return err
		}
		if !t.Enabled {
			a.log.Info("target disabled", logx.String("target", string(t.Name)))
			continue
		}
		drv, err := driver.New(driverConfig(t), log)
		if err != nil {
			return fmt.Errorf("target %s: %w", t.Name, err)
		}
		sessions := session.NewManager(t.Name, drv, a.accounts, a.artifacts, sessionSettings(t), log)
		a.targets[t.Name] = &targetRuntime{cfg: t, drv: drv, sessions: sessions}
		a.eng.Register(t.Name, engine.Runtime{Driver: drv, Sessions: sessions, Settings: engineSettings(t)})
	}

	a.sched = scheduler.New(scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: cfg.Scheduler.Timezone,
	}, log)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	var sender notifier.Sender
	if n := cfg.Notifier; n != nil && n.Enabled {
		tg, err := notifier.NewTelegram(n.Token, n.ChatID, n.ThreadID)
		if err != nil {
			return err
		}
		sender = tg
		// Operator log mirroring shares the notifier's chat.
		a.logs.SetSender(tg)
	}
	a.notif = notifier.New(ncfg, sender, a.store, log)
	return nil
}

// validate runs on Load and on every hot reload before the config is committed.
func validate(_ context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	return ops.CheckBind(mapOpsConfig(cfg))
}

// Snapshot is the daemon state served on /status.
type Snapshot struct {
	Engine     engine.Snapshot    `json:"engine"`
	Scheduler  scheduler.Snapshot `json:"scheduler"`
	Supervisor []rtsup.Stat       `json:"supervisor,omitempty"`
	Notified   int                `json:"notified"`
}

func (a *App) Snapshot() Snapshot {
	snap := Snapshot{
		Engine:    a.eng.Snapshot(),
		Scheduler: a.sched.Snapshot(),
		Notified:  len(a.notif.History()),
	}
	if a.sup != nil {
		snap.Supervisor = a.sup.Snapshot()
	}
	return snap
}

// Config returns the committed configuration.
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Assets() *catalog.AssetFile { return a.assets }

func (a *App) Accounts() *catalog.AccountFile { return a.accounts }

// Bus is the lifecycle event bus shared by the generator and the engine.
func (a *App) Bus() eventbus.Bus { return a.bus }

// runtime resolves an enabled target by name.
func (a *App) runtime(name string) (*targetRuntime, error) {
	t, err := domain.ParseTarget(name)
	if err != nil {
		return nil, err
	}
	a.mu.RLock()
	rt, ok := a.targets[t]
	cfg := a.cfg
	a.mu.RUnlock()
	if ok {
		return rt, nil
	}
	if _, err := cfg.Target(name); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%s: %w", t, ErrTargetDisabled)
}

// Location is the timezone batch dates are computed in.
func (a *App) Location() *time.Location {
	loc, err := a.Config().Location()
	if err != nil {
		return time.Local
	}
	return loc
}

// ResolveDate parses raw (YYYY-MM-DD) or, when raw is empty, returns today
// plus the target's date offset.
func (a *App) ResolveDate(name, raw string) (time.Time, error) {
	loc := a.Location()
	if raw != "" {
		return domain.ParseDate(raw, loc)
	}
	rt, err := a.runtime(name)
	if err != nil {
		return time.Time{}, err
	}
	a.mu.RLock()
	offset := rt.cfg.DateOffsetDays
	a.mu.RUnlock()
	return domain.DateOf(a.now().In(loc)).AddDate(0, 0, offset), nil
}

// Generate builds and persists the batch of target for date.
func (a *App) Generate(ctx context.Context, name string, date time.Time) (*domain.Batch, error) {
	rt, err := a.runtime(name)
	if err != nil {
		return nil, err
	}
	a.mu.RLock()
	st := generatorSettings(rt.cfg)
	a.mu.RUnlock()
	b, err := a.gen.Generate(ctx, rt.cfg.Name, st, date)
	if err != nil {
		return nil, err
	}
	a.sink.BatchGenerated(string(b.Target), len(b.Jobs))
	a.sink.Runnable(string(b.Target), b.Summary.Runnable())
	return b, nil
}

// Execute runs every runnable job of the stored batch of target for date.
func (a *App) Execute(ctx context.Context, name string, date time.Time) (engine.Result, error) {
	rt, err := a.runtime(name)
	if err != nil {
		return engine.Result{}, err
	}
	key := domain.BatchKey{Target: rt.cfg.Name, Date: domain.DateKey(date)}
	b, err := a.store.LoadBatch(ctx, key)
	if err != nil {
		return engine.Result{}, err
	}
	return a.eng.Execute(ctx, b)
}

// PublishOutcome tells what Publish did.
type PublishOutcome string

const (
	OutcomeGenerated PublishOutcome = "generated"
	OutcomeResumed   PublishOutcome = "resumed"
	OutcomeAllDone   PublishOutcome = "all_done"
)

// PublishReport is the result of Publish.
type PublishReport struct {
	Outcome PublishOutcome
	Batch   domain.BatchKey
	Result  engine.Result
}

// Publish is generate-then-execute. A stored batch with unfinished jobs is
// resumed instead of regenerated; one whose jobs are all completed is left
// alone.
func (a *App) Publish(ctx context.Context, name string, date time.Time) (PublishReport, error) {
	rt, err := a.runtime(name)
	if err != nil {
		return PublishReport{}, err
	}
	key := domain.BatchKey{Target: rt.cfg.Name, Date: domain.DateKey(date)}
	rep := PublishReport{Batch: key}

	b, err := a.store.LoadBatch(ctx, key)
	switch {
	case err == nil && len(b.Jobs) > 0:
		s := b.Summarize()
		if s.Runnable()+s.Processing+s.Publishing == 0 {
			rep.Outcome = OutcomeAllDone
			rep.Result.Summary = s
			a.log.Info("batch already done", logx.String("batch", key.String()), logx.Int("completed", s.Completed))
			return rep, nil
		}
		rep.Outcome = OutcomeResumed
		a.log.Info("resuming batch", logx.String("batch", key.String()),
			logx.Int("runnable", s.Runnable()), logx.Int("in_flight", s.Processing+s.Publishing))
	case err == nil || errors.Is(err, domain.ErrNotFound):
		if b, err = a.Generate(ctx, name, date); err != nil {
			return rep, err
		}
		rep.Outcome = OutcomeGenerated
	default:
		return rep, err
	}

	res, err := a.eng.Execute(ctx, b)
	rep.Result = res
	return rep, err
}

// TargetStatus is the status view of one configured target.
type TargetStatus struct {
	Target  domain.Target
	Enabled bool
	// Latest is the newest stored batch; nil when none exists.
	Latest      *domain.Batch
	Batches     []domain.BatchKey
	Unpublished int
	Accounts    int
}

// Status reports the latest batch of every configured target, or only of
// name when it is not empty.
func (a *App) Status(ctx context.Context, name string) ([]TargetStatus, error) {
	cfg := a.Config()
	names := cfg.TargetNames()
	if name != "" {
		t, err := domain.ParseTarget(name)
		if err != nil {
			return nil, err
		}
		names = []string{string(t)}
	}

	out := make([]TargetStatus, 0, len(names))
	for _, n := range names {
		t, err := cfg.Target(n)
		if err != nil {
			return nil, err
		}
		ts := TargetStatus{Target: t.Name, Enabled: t.Enabled}
		if ts.Batches, err = a.store.ListBatches(ctx, t.Name); err != nil {
			return nil, err
		}
		if len(ts.Batches) > 0 {
			b, err := a.store.LoadBatch(ctx, ts.Batches[0])
			if err != nil {
				return nil, err
			}
			b.Summarize()
			ts.Latest = b
		}
		unpublished, err := a.assets.ListUnpublished(ctx, t.Name)
		if err != nil {
			return nil, err
		}
		ts.Unpublished = len(unpublished)
		if t.MultiAccount {
			active, err := a.accounts.ListActive(ctx, t.Name)
			if err != nil {
				return nil, err
			}
			ts.Accounts = len(active)
		} else {
			ts.Accounts = 1
		}
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out, nil
}

// Batch loads one stored batch.
func (a *App) Batch(ctx context.Context, name string, date time.Time) (*domain.Batch, error) {
	t, err := domain.ParseTarget(name)
	if err != nil {
		return nil, err
	}
	b, err := a.store.LoadBatch(ctx, domain.BatchKey{Target: t, Date: domain.DateKey(date)})
	if err != nil {
		return nil, err
	}
	b.Summarize()
	return b, nil
}

// Close releases sessions, drivers, the store and the log sinks. It is safe
// to call on a partially built App and more than once.
func (a *App) Close(ctx context.Context) {
	a.closeOnce.Do(func() { a.close(ctx) })
}

func (a *App) close(ctx context.Context) {
	a.mu.RLock()
	rts := make([]*targetRuntime, 0, len(a.targets))
	for _, rt := range a.targets {
		rts = append(rts, rt)
	}
	a.mu.RUnlock()

	for _, rt := range rts {
		rt.sessions.CloseAll(ctx)
		if err := rt.drv.Shutdown(ctx); err != nil {
			a.log.Warn("driver shutdown failed", logx.String("target", string(rt.cfg.Name)), logx.Err(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
