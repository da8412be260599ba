// Package scheduler fires named cron triggers in the configured timezone.
//
// It only decides when something runs. Each trigger calls a plain
// func(ctx) error; overlapping fires of the same trigger are skipped while
// the previous one is still running.
package scheduler
