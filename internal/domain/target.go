// Package domain holds postpilot's data model: targets, accounts, assets,
// publish jobs and the batches that group them, plus the job state machine
// and the error taxonomy shared by every layer.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Target names a remote platform jobs are published to.
type Target string

const (
	TargetDouyin Target = "douyin"
	TargetWechat Target = "wechat"
)

func (t Target) String() string { return string(t) }

// ParseTarget normalizes a user supplied target name.
func ParseTarget(raw string) (Target, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", fmt.Errorf("target is required")
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			return "", fmt.Errorf("invalid target %q", raw)
		}
	}
	return Target(s), nil
}

// DateLayout is the canonical batch date format.
const DateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD date at midnight in loc.
func ParseDate(raw string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	d, err := time.ParseInLocation(DateLayout, strings.TrimSpace(raw), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD): %w", raw, err)
	}
	return d, nil
}

// DateOf truncates t to midnight of its calendar day in t's location.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// DateKey formats the calendar day of t as YYYY-MM-DD.
func DateKey(t time.Time) string { return t.Format(DateLayout) }
