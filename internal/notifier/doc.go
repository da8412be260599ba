// Package notifier delivers short operator messages about batch outcomes.
//
// The Service consumes lifecycle events from the event bus, turns the ones an
// operator cares about (finished runs, account groups that could not log in,
// store failures) into text and sends them through a Sender such as the
// Telegram bot. Delivery is asynchronous: a bounded queue feeds workers that
// rate-limit, retry with backoff and suppress duplicates inside a window.
// Suppression deadlines can be persisted so a restart does not repeat them.
package notifier
