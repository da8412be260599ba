package app

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"postpilot/internal/config"
	"postpilot/internal/domain"
	rtsup "postpilot/internal/runtime/supervisor"
	"postpilot/internal/task/scheduler"
	logx "postpilot/pkg/logx"
)

const triggerPrefix = "publish:"

// Done is closed when the daemon context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the daemon supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs daemon mode: scheduled publish triggers, config hot reload,
// the notifier and the metrics endpoint.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	a.registerTriggers()
	if a.sched.Enabled() {
		a.sched.Start(c)
	} else {
		a.log.Info("scheduler disabled; publish runs only on demand")
	}

	if a.notif.Enabled() {
		a.notif.Start(c)
		a.sup.Go("notifier.follow", func(c context.Context) error {
			if err := a.notif.Follow(c, a.bus); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if a.ops != nil {
		if err := a.ops.Start(c); err != nil {
			return err
		}
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts; only the newest config matters.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.reload(c, next)
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("daemon started", logx.Int("targets", len(a.targets)), logx.Any("triggers", a.sched.Names()))
	return nil
}

// registerTriggers schedules one publish run per target with a cron spec and
// drops triggers of targets that lost theirs.
func (a *App) registerTriggers() {
	want := map[string]bool{}
	a.mu.RLock()
	rts := make([]*targetRuntime, 0, len(a.targets))
	for _, rt := range a.targets {
		rts = append(rts, rt)
	}
	a.mu.RUnlock()

	for _, rt := range rts {
		a.mu.RLock()
		t := rt.cfg
		a.mu.RUnlock()
		if strings.TrimSpace(t.Schedule) == "" {
			continue
		}
		name := triggerPrefix + string(t.Name)
		want[name] = true
		if err := a.sched.Add(name, t.Schedule, 0, a.publishJob(t.Name)); err != nil {
			a.log.Warn("publish trigger rejected", logx.String("target", string(t.Name)), logx.String("spec", t.Schedule), logx.Err(err))
		}
	}
	for _, name := range a.sched.Names() {
		if strings.HasPrefix(name, triggerPrefix) && !want[name] {
			a.sched.Remove(name)
		}
	}
}

func (a *App) publishJob(target domain.Target) scheduler.Job {
	return func(ctx context.Context) error {
		date, err := a.ResolveDate(string(target), "")
		if err != nil {
			return err
		}
		rep, err := a.Publish(ctx, string(target), date)
		if err != nil {
			// Nothing to publish is routine for a daily trigger.
			if errors.Is(err, domain.ErrNoAssets) || errors.Is(err, domain.ErrBatchExists) {
				a.log.Info("scheduled publish skipped", logx.String("target", string(target)), logx.String("why", err.Error()))
				return nil
			}
			return err
		}
		a.log.Info("scheduled publish finished",
			logx.String("batch", rep.Batch.String()),
			logx.String("outcome", string(rep.Outcome)),
			logx.Int("completed", rep.Result.Completed),
			logx.Int("failed", rep.Result.Failed),
		)
		return nil
	}
}

// reload applies a committed config. Settings are swapped live; changes that
// need a new driver process or a different store are only reported.
func (a *App) reload(ctx context.Context, next *config.Config) {
	prev := a.Config()
	a.logs.Apply(mapLoggingConfig(next))

	if !reflect.DeepEqual(prev.Storage, next.Storage) || !reflect.DeepEqual(prev.Catalog, next.Catalog) {
		a.log.Warn("storage or catalog config changed; restart required for changes to take effect")
	}
	switch {
	case a.ops != nil:
		if err := a.ops.Reconfigure(ctx, mapOpsConfig(next)); err != nil {
			a.log.Warn("ops server not restarted", logx.Err(err))
		}
	case next.Metrics.Enabled:
		a.log.Warn("metrics enabled via config; restart required to register collectors")
	}

	a.mu.Lock()
	a.cfg = next
	a.mu.Unlock()

	for _, name := range next.TargetNames() {
		t, err := next.Target(name)
		if err != nil {
			a.log.Warn("invalid target config; keeping previous", logx.String("target", name), logx.Err(err))
			continue
		}
		a.mu.Lock()
		rt, ok := a.targets[t.Name]
		switch {
		case !ok && t.Enabled:
			a.log.Warn("target added; restart required", logx.String("target", name))
		case ok && !t.Enabled:
			a.log.Warn("target disabled; restart required", logx.String("target", name))
		case ok && !reflect.DeepEqual(rt.cfg.Driver, t.Driver):
			a.log.Warn("driver config changed; restart required", logx.String("target", name))
			// Everything but the driver still applies.
			t.Driver = rt.cfg.Driver
			fallthrough
		case ok:
			rt.cfg = t
			rt.sessions.Apply(sessionSettings(t))
			a.eng.Apply(t.Name, engineSettings(t))
		}
		a.mu.Unlock()
	}

	prevSched := a.sched.Enabled()
	a.sched.Apply(scheduler.Config{Enabled: next.Scheduler.Enabled, Timezone: next.Scheduler.Timezone})
	a.registerTriggers()
	switch {
	case prevSched && !next.Scheduler.Enabled:
		a.log.Info("scheduler disabled via config")
		sctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(sctx)
		cancel()
	case !prevSched && next.Scheduler.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}

	ncfg, err := mapNotifierConfig(next)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		prevNotif := a.notif.Enabled()
		a.notif.Apply(ncfg)
		if prevNotif && !ncfg.Enabled {
			a.log.Info("notifier disabled via config")
			sctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(sctx)
			cancel()
		} else if !prevNotif && ncfg.Enabled {
			a.log.Warn("notifier enabled via config; restart required to connect the bot")
		}
	}
	a.log.Info("config reloaded")
}

// Stop shuts the daemon down in dependency order and closes the App.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.Close(ctx)
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	step := func(name string, max time.Duration, fn func(context.Context)) {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		fn(sctx)
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	// Scheduler first so running publish jobs are canceled before sessions close.
	step("scheduler", 10*time.Second, a.sched.Stop)
	step("notifier", 2*time.Second, a.notif.Stop)
	if a.ops != nil {
		step("ops", 3*time.Second, a.ops.Stop)
	}
	a.sup.Cancel()
	step("supervisor", 3*time.Second, func(c context.Context) {
		if err := a.sup.Wait(c); err != nil {
			a.log.Warn("supervised tasks did not stop in time", logx.Err(err))
		}
	})

	a.log.Info("stopped")
	a.Close(context.WithoutCancel(ctx))
	return nil
}
