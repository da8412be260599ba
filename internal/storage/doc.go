// Package storage is the job batch store: one batch per (target, date),
// created once and then updated one job at a time.
//
// Drivers:
//   - file: one JSON document per batch under <path>/<target>/<date>.json,
//     rewritten atomically on every update.
//   - sqlite: batches and jobs tables in a single database file; job updates
//     touch one row.
//
// Both drivers also persist the notifier's dedup window so restarts do not
// repeat recent notifications.
package storage
