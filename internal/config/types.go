package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "168h").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Catalog   CatalogConfig   `json:"catalog"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Notifier is optional; if omitted, operator notifications are off.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Metrics  MetricsConfig   `json:"metrics"`

	// Targets lists the platforms this instance publishes to. Keys are target
	// names; built-in names (douyin, wechat) start from their own defaults.
	Targets map[string]TargetConfig `json:"targets"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors log lines at or above MinLevel into the notifier chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the job batch store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/postpilot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // file (default) | sqlite
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// CatalogConfig points at the operator-editable asset and account files.
type CatalogConfig struct {
	AssetsFile  string `json:"assets_file"`
	AccountsDir string `json:"accounts_dir"`
	StateDir    string `json:"state_dir"`
}

// SchedulerConfig controls daemon-mode triggers.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone for cron triggers and batch dates. Empty means local time.
	Timezone string `json:"timezone,omitempty"`
}

// NotifierConfig controls the operator notification pipeline.
type NotifierConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token"`
	ChatID      int64  `json:"chat_id"`
	ThreadID    int    `json:"thread_id,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	RetryMax    int    `json:"retry_max,omitempty"`
	RetryBase   string `json:"retry_base,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"`
}

// MetricsConfig controls the ops HTTP server of daemon mode: prometheus
// metrics, /healthz, /status and optionally pprof.
//
// Binding to a non-loopback address requires Token or AllowInsecure.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
	Path          string `json:"path,omitempty"` // default: "/metrics"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

// TargetConfig is the raw per-target block. Pointer fields distinguish
// "omitted" (use the default) from an explicit zero/false.
type TargetConfig struct {
	Enabled      *bool `json:"enabled,omitempty"`
	MultiAccount *bool `json:"multi_account,omitempty"`

	AssetsPerUnit int  `json:"assets_per_unit,omitempty"`
	StartHour     *int `json:"start_hour,omitempty"`
	IntervalHours int  `json:"interval_hours,omitempty"`

	SessionValidity string `json:"session_validity,omitempty"`
	Pacing          string `json:"pacing,omitempty"`
	StepTimeout     string `json:"step_timeout,omitempty"`
	LoginTimeout    string `json:"login_timeout,omitempty"`

	ReuseSession      *bool `json:"reuse_session,omitempty"`
	ReloadBetweenJobs *bool `json:"reload_between_jobs,omitempty"`
	PublishingPhase   *bool `json:"publishing_phase,omitempty"`

	TitleMaxRunes   *int     `json:"title_max_runes,omitempty"`
	BestEffortSteps []string `json:"best_effort_steps,omitempty"`

	// SessionFile names the artifact of single-account targets, relative to
	// catalog.state_dir.
	SessionFile string `json:"session_file,omitempty"`

	// Schedule is a cron spec for daemon mode; empty disables the trigger.
	Schedule       string `json:"schedule,omitempty"`
	DateOffsetDays *int   `json:"date_offset_days,omitempty"`

	Driver DriverConfig `json:"driver"`
}

// DriverConfig selects the page-automation driver of a target.
type DriverConfig struct {
	Kind    string            `json:"kind,omitempty"` // exec (default) | dryrun
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}
