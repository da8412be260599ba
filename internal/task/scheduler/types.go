package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "postpilot/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Shanghai"; empty means local time
}

// Job is the work bound to a trigger.
type Job func(ctx context.Context) error

type scheduleDef struct {
	name    string
	spec    string // cron spec, descriptor or @every
	timeout time.Duration
	job     Job
	entryID cron.EntryID
	// startupSpread is the random delay added to the first @every fire.
	startupSpread time.Duration
	running       *atomic.Bool
	last          *lastRun
}

type lastRun struct {
	mu    sync.Mutex
	at    time.Time
	took  time.Duration
	err   string
	skips int
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	now func() time.Time

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// ctx is canceled by Stop so running triggers can wind down.
	ctx    context.Context
	cancel context.CancelFunc

	// Error throttling: key is schedule name.
	errMu       sync.Mutex
	lastErrWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
	Running bool
	LastRun time.Time
	LastErr string
	Took    time.Duration
	Skipped int
}

type Snapshot struct {
	Enabled   bool
	Timezone  string
	Schedules []ScheduleInfo
}
