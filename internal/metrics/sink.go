// Package metrics records generation and execution outcomes.
package metrics

import "time"

// Sink records metrics. Methods are fire-and-forget: implementations must
// not block and never return errors.
type Sink interface {
	// Generator
	BatchGenerated(target string, jobs int)

	// Engine
	RunStarted(target string)
	RunFinished(target string, d time.Duration, canceled bool)
	JobFinished(target, status string, d time.Duration)
	JobsRecovered(target string, n int)
	AuthFailed(target string)
	StoreError(target, op string)
	Runnable(target string, n int)
}

// Job outcome labels.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)
