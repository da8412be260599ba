// Package driver is the boundary to the page-automation layer that performs
// the platform-specific upload/fill/schedule/submit sequence.
//
// The engine never talks to a browser itself: it hands a Payload and a live
// Session to a Driver and gets back success or a failure reason. Optional
// sub-steps listed in Payload.BestEffort are attempted by the driver and only
// ever reported as warnings.
package driver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"postpilot/internal/domain"
	logx "postpilot/pkg/logx"
)

// Session is a live authenticated automation context owned by a driver.
type Session struct {
	ID       string
	Target   domain.Target
	Account  string
	OpenedAt time.Time
}

// Payload is everything a driver needs to publish one asset.
type Payload struct {
	JobID       string    `json:"job_id"`
	Source      string    `json:"source"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Topics      []string  `json:"topics,omitempty"`
	Category    string    `json:"category,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at"`
	BestEffort  []string  `json:"best_effort,omitempty"`
}

// Result carries non-fatal notes from a successful publish.
type Result struct {
	Warnings []string
}

// Driver performs platform actions for one target.
//
// Calls are issued sequentially by a single engine run. Each call is bounded
// by ctx; an expired ctx is reported as an error and never panics.
type Driver interface {
	// Open restores a session from a stored artifact.
	Open(ctx context.Context, account domain.Account, artifact []byte) (Session, error)
	// Verify reports whether s is still authenticated.
	Verify(ctx context.Context, s Session) (bool, error)
	// Login runs the interactive authentication flow and returns the new
	// session together with the artifact to persist.
	Login(ctx context.Context, account domain.Account) (Session, []byte, error)
	// Publish submits one asset. Platform rejections are *domain.PublishError.
	Publish(ctx context.Context, s Session, p Payload) (Result, error)
	// Reset returns s to a clean upload page between jobs.
	Reset(ctx context.Context, s Session) error
	// Close releases s.
	Close(ctx context.Context, s Session) error
	// Shutdown releases every resource held by the driver.
	Shutdown(ctx context.Context) error
}

// Config selects and configures a driver.
type Config struct {
	Kind    string // exec | dryrun
	Target  domain.Target
	Command string
	Args    []string
	Env     map[string]string
}

// New builds the driver named by cfg.Kind.
func New(cfg Config, log logx.Logger) (Driver, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "driver"), logx.String("target", string(cfg.Target)))
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", "exec":
		if strings.TrimSpace(cfg.Command) == "" {
			return nil, fmt.Errorf("driver %s: command is required", cfg.Target)
		}
		return NewExec(cfg, log), nil
	case "dryrun":
		return NewDryRun(cfg.Target, log), nil
	default:
		return nil, fmt.Errorf("driver %s: unknown kind %q", cfg.Target, cfg.Kind)
	}
}
