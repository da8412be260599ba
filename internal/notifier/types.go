package notifier

import (
	"context"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Sender delivers one message. The Telegram bot implements it; so does the
// operator sink of pkg/logx.
type Sender interface {
	SendText(ctx context.Context, text string) error
}

// Notification is one operator message.
type Notification struct {
	// Priority >= 7 is prefixed as a warning, >= 9 as an alert.
	Priority int
	Text     string
	// Key groups messages for dedup; empty falls back to the text.
	Key string
}

type HistoryItem struct {
	At   time.Time
	Text string
	Err  string
}
