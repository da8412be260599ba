package engine

import (
	"context"
	"sync"
	"time"

	"postpilot/internal/domain"
	"postpilot/internal/driver"
)

// Settings are the per-target execution knobs.
type Settings struct {
	// Pacing is the wait between two jobs of the same group.
	Pacing time.Duration
	// StepTimeout bounds every driver call.
	StepTimeout time.Duration
	// ReloadBetweenJobs resets the session's page before every job but the first.
	ReloadBetweenJobs bool
	// PublishingPhase records the publishing status while the driver submits.
	PublishingPhase bool
	// BestEffort names optional driver sub-steps that never fail a job.
	BestEffort []string
}

// Sessions is what the engine needs from a session manager.
type Sessions interface {
	Acquire(ctx context.Context, account domain.Account) (driver.Session, error)
	Release(ctx context.Context, s driver.Session)
	CloseAll(ctx context.Context)
}

// Runtime binds one target's driver and sessions.
type Runtime struct {
	Driver   driver.Driver
	Sessions Sessions
	Settings Settings
}

// Result summarizes one Execute pass.
type Result struct {
	RunID     string
	Batch     domain.BatchKey
	Started   time.Time
	Duration  time.Duration
	Recovered int // in-flight jobs failed at the start of the pass
	Runnable  int
	Attempted int
	Completed int
	Failed    int
	// AuthFailed lists accounts whose group failed session acquisition.
	AuthFailed []string
	// Canceled is set when ctx ended before every runnable job ran.
	Canceled bool
	Summary  domain.Summary
}

// RunState gates overlapping Execute calls on one batch.
type RunState struct {
	mu      sync.Mutex
	running bool
}

func (s *RunState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *RunState) release() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

type HistoryItem struct {
	ID        string
	Batch     string
	Started   time.Time
	Duration  time.Duration
	Completed int
	Failed    int
	Pending   int
	Canceled  bool
	Error     string
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Targets []string
	Running []string
	History []HistoryItem
}
