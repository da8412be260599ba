package app

import (
	"path/filepath"
	"strings"
	"time"

	"postpilot/internal/config"
	"postpilot/internal/driver"
	"postpilot/internal/notifier"
	"postpilot/internal/observability/ops"
	"postpilot/internal/session"
	"postpilot/internal/storage"
	"postpilot/internal/task/engine"
	"postpilot/internal/task/generator"
	logx "postpilot/pkg/logx"
)

const (
	defaultDataDir     = "./data"
	defaultMetricsAddr = "127.0.0.1:9464"
	defaultMetricsPath = "/metrics"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	drv := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch drv {
	case "", "file":
		if path == "" {
			path = filepath.Join(defaultDataDir, "batches")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	default:
		if path == "" {
			path = filepath.Join(defaultDataDir, "postpilot.db")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: drv, Path: path, BusyTimeout: busy}, nil
	}
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Operator: logx.OperatorConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{}, nil
	}
	base, err := config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	window, err := config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, 10*time.Minute)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:      n.Enabled,
		QueueSize:    n.QueueSize,
		RatePerSec:   n.RatePerSec,
		RetryMax:     n.RetryMax,
		RetryBase:    base,
		DedupWindow:  window,
		PersistDedup: true,
	}, nil
}

// catalogPaths returns the asset file, the account registry directory and
// the session artifact directory.
func catalogPaths(cfg *config.Config) (assets, accounts, state string) {
	assets = strings.TrimSpace(cfg.Catalog.AssetsFile)
	if assets == "" {
		assets = filepath.Join(defaultDataDir, "assets.json")
	}
	accounts = strings.TrimSpace(cfg.Catalog.AccountsDir)
	if accounts == "" {
		accounts = defaultDataDir
	}
	state = strings.TrimSpace(cfg.Catalog.StateDir)
	if state == "" {
		state = filepath.Join(defaultDataDir, "state")
	}
	return assets, accounts, state
}

func mapOpsConfig(cfg *config.Config) ops.Config {
	m := cfg.Metrics
	addr, path := strings.TrimSpace(m.Addr), strings.TrimSpace(m.Path)
	if addr == "" {
		addr = defaultMetricsAddr
	}
	if path == "" {
		path = defaultMetricsPath
	}
	return ops.Config{
		Enabled:       m.Enabled,
		Addr:          addr,
		MetricsPath:   path,
		Token:         strings.TrimSpace(m.Token),
		AllowInsecure: m.AllowInsecure,
		Pprof:         m.Pprof,
	}
}

func generatorSettings(t config.Target) generator.Settings {
	return generator.Settings{
		MultiAccount:  t.MultiAccount,
		AssetsPerUnit: t.AssetsPerUnit,
		StartHour:     t.StartHour,
		IntervalHours: t.IntervalHours,
		TitleMaxRunes: t.TitleMaxRunes,
		SessionFile:   t.SessionFile,
	}
}

func engineSettings(t config.Target) engine.Settings {
	return engine.Settings{
		Pacing:            t.Pacing,
		StepTimeout:       t.StepTimeout,
		ReloadBetweenJobs: t.ReloadBetweenJobs,
		PublishingPhase:   t.PublishingPhase,
		BestEffort:        append([]string(nil), t.BestEffortSteps...),
	}
}

func sessionSettings(t config.Target) session.Settings {
	return session.Settings{
		Validity:     t.SessionValidity,
		StepTimeout:  t.StepTimeout,
		LoginTimeout: t.LoginTimeout,
		Reuse:        t.ReuseSession,
	}
}

func driverConfig(t config.Target) driver.Config {
	return driver.Config{
		Kind:    t.Driver.Kind,
		Target:  t.Name,
		Command: t.Driver.Command,
		Args:    t.Driver.Args,
		Env:     t.Driver.Env,
	}
}
