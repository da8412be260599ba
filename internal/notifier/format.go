package notifier

import (
	"fmt"
	"strings"
	"time"

	"postpilot/internal/eventbus"
)

// Format maps a bus event to an operator message. Events nobody needs to
// hear about (job transitions, successful generation) report false.
func Format(e eventbus.Event) (Notification, bool) {
	switch d := e.Data.(type) {
	case eventbus.BatchFinished:
		return formatFinished(d), true
	case eventbus.GroupAuthFailed:
		return Notification{
			Priority: 7,
			Key:      "auth:" + d.Target + ":" + d.Account + ":" + d.Date,
			Text: fmt.Sprintf("%s %s: account %s could not log in; %d job(s) failed\n%s",
				d.Target, d.Date, d.Account, d.Jobs, d.Error),
		}, true
	case eventbus.StoreFailure:
		return Notification{
			Priority: 9,
			Key:      "store:" + d.Target + ":" + d.Op,
			Text:     fmt.Sprintf("%s %s: batch store %s failed, execution aborted\n%s", d.Target, d.Date, d.Op, d.Error),
		}, true
	}
	return Notification{}, false
}

func formatFinished(d eventbus.BatchFinished) Notification {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %d completed, %d failed, %d pending", d.Target, d.Date, d.Completed, d.Failed, d.Pending)
	if d.Took > 0 {
		fmt.Fprintf(&b, " (%s)", d.Took.Round(time.Second))
	}
	prio := 5
	switch {
	case d.Error != "":
		prio = 9
		b.WriteString("\naborted: " + d.Error)
	case d.Canceled:
		prio = 7
		b.WriteString("\ninterrupted; run again to resume")
	case d.Failed > 0:
		prio = 7
		b.WriteString("\nfailed jobs are retried on the next run")
	}
	return Notification{Priority: prio, Key: "run:" + d.RunID, Text: b.String()}
}

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	case p >= 5:
		return "ℹ️ "
	default:
		return ""
	}
}
