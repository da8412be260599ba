package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"postpilot/internal/domain"
)

// Target is a fully resolved per-target block: defaults applied and
// durations parsed.
type Target struct {
	Name    domain.Target
	Enabled bool

	MultiAccount  bool
	AssetsPerUnit int
	StartHour     int
	IntervalHours int

	SessionValidity time.Duration // 0 = artifacts never expire
	Pacing          time.Duration
	StepTimeout     time.Duration
	LoginTimeout    time.Duration

	ReuseSession      bool
	ReloadBetweenJobs bool
	PublishingPhase   bool

	TitleMaxRunes   int // 0 = unlimited
	BestEffortSteps []string
	SessionFile     string

	Schedule       string
	DateOffsetDays int

	Driver DriverConfig
}

// baseTarget applies to targets without built-in defaults.
func baseTarget(name domain.Target) Target {
	return Target{
		Name:           name,
		Enabled:        true,
		MultiAccount:   true,
		AssetsPerUnit:  1,
		StartHour:      8,
		IntervalHours:  2,
		Pacing:         5 * time.Second,
		StepTimeout:    10 * time.Minute,
		LoginTimeout:   5 * time.Minute,
		DateOffsetDays: 1,
		Driver:         DriverConfig{Kind: "exec"},
	}
}

// builtinTarget returns the defaults of a known platform.
func builtinTarget(name domain.Target) Target {
	t := baseTarget(name)
	switch name {
	case domain.TargetDouyin:
		t.AssetsPerUnit = 7
		t.TitleMaxRunes = 30
	case domain.TargetWechat:
		t.MultiAccount = false
		t.AssetsPerUnit = 8
		t.SessionValidity = 7 * 24 * time.Hour
		t.ReuseSession = true
		t.ReloadBetweenJobs = true
		t.PublishingPhase = true
		t.BestEffortSteps = []string{"location", "original_declaration"}
		t.SessionFile = "wechat_state.json"
	}
	return t
}

// TargetNames returns the configured target names in sorted order.
func (c *Config) TargetNames() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.Targets))
	for name := range c.Targets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Target resolves the block configured for name.
func (c *Config) Target(name string) (Target, error) {
	if c == nil {
		return Target{}, fmt.Errorf("config is nil")
	}
	tn, err := domain.ParseTarget(name)
	if err != nil {
		return Target{}, err
	}
	raw, ok := c.Targets[string(tn)]
	if !ok {
		// Targets may be keyed with different case in hand-edited files.
		for k, v := range c.Targets {
			if strings.EqualFold(k, string(tn)) {
				raw, ok = v, true
				break
			}
		}
	}
	if !ok {
		return Target{}, fmt.Errorf("target %q is not configured", name)
	}
	return ResolveTarget(tn, raw)
}

// ResolveTarget merges raw over the defaults of name.
func ResolveTarget(name domain.Target, raw TargetConfig) (Target, error) {
	t := builtinTarget(name)
	p := "targets." + string(name)

	if raw.Enabled != nil {
		t.Enabled = *raw.Enabled
	}
	if raw.MultiAccount != nil {
		t.MultiAccount = *raw.MultiAccount
	}
	if raw.AssetsPerUnit != 0 {
		t.AssetsPerUnit = raw.AssetsPerUnit
	}
	if raw.StartHour != nil {
		t.StartHour = *raw.StartHour
	}
	if raw.IntervalHours != 0 {
		t.IntervalHours = raw.IntervalHours
	}
	if raw.ReuseSession != nil {
		t.ReuseSession = *raw.ReuseSession
	}
	if raw.ReloadBetweenJobs != nil {
		t.ReloadBetweenJobs = *raw.ReloadBetweenJobs
	}
	if raw.PublishingPhase != nil {
		t.PublishingPhase = *raw.PublishingPhase
	}
	if raw.TitleMaxRunes != nil {
		t.TitleMaxRunes = *raw.TitleMaxRunes
	}
	if raw.BestEffortSteps != nil {
		t.BestEffortSteps = append([]string(nil), raw.BestEffortSteps...)
	}
	if s := strings.TrimSpace(raw.SessionFile); s != "" {
		t.SessionFile = s
	}
	t.Schedule = strings.TrimSpace(raw.Schedule)
	if raw.DateOffsetDays != nil {
		t.DateOffsetDays = *raw.DateOffsetDays
	}
	if !t.MultiAccount && t.SessionFile == "" {
		t.SessionFile = string(name) + "_state.json"
	}

	var err error
	if t.SessionValidity, err = ParseDurationOrDefault(p+".session_validity", raw.SessionValidity, t.SessionValidity); err != nil {
		return Target{}, err
	}
	if t.Pacing, err = ParseDurationOrDefault(p+".pacing", raw.Pacing, t.Pacing); err != nil {
		return Target{}, err
	}
	if t.StepTimeout, err = ParseDurationOrDefault(p+".step_timeout", raw.StepTimeout, t.StepTimeout); err != nil {
		return Target{}, err
	}
	if t.LoginTimeout, err = ParseDurationOrDefault(p+".login_timeout", raw.LoginTimeout, t.LoginTimeout); err != nil {
		return Target{}, err
	}
	// An explicit "0s" pacing disables the wait between jobs.
	if strings.TrimSpace(raw.Pacing) != "" {
		if d, _ := ParseDurationField(p+".pacing", raw.Pacing); d == 0 {
			t.Pacing = 0
		}
	}

	if k := strings.ToLower(strings.TrimSpace(raw.Driver.Kind)); k != "" {
		t.Driver.Kind = k
	}
	t.Driver.Command = strings.TrimSpace(raw.Driver.Command)
	t.Driver.Args = append([]string(nil), raw.Driver.Args...)
	if len(raw.Driver.Env) > 0 {
		t.Driver.Env = make(map[string]string, len(raw.Driver.Env))
		for k, v := range raw.Driver.Env {
			t.Driver.Env[k] = v
		}
	}

	if err := t.validate(p); err != nil {
		return Target{}, err
	}
	return t, nil
}

func (t Target) validate(p string) error {
	switch {
	case t.AssetsPerUnit < 1:
		return fmt.Errorf("%s.assets_per_unit must be >= 1", p)
	case t.StartHour < 0 || t.StartHour > 23:
		return fmt.Errorf("%s.start_hour must be in 0..23", p)
	case t.IntervalHours < 1:
		return fmt.Errorf("%s.interval_hours must be >= 1", p)
	case t.TitleMaxRunes < 0:
		return fmt.Errorf("%s.title_max_runes must be >= 0", p)
	case t.DateOffsetDays < 0:
		return fmt.Errorf("%s.date_offset_days must be >= 0", p)
	}
	switch t.Driver.Kind {
	case "exec":
		if t.Enabled && t.Driver.Command == "" {
			return fmt.Errorf("%s.driver.command is required for the exec driver", p)
		}
	case "dryrun":
	default:
		return fmt.Errorf("%s.driver.kind: unknown driver %q", p, t.Driver.Kind)
	}
	return nil
}
