package generator

import (
	"fmt"
	"time"
)

// Slots returns count publish times on the calendar day of date, starting at
// startHour:00 and spaced intervalHours apart.
//
// The hour of day wraps modulo 24 and the date never changes: with start 22
// and interval 3 the sequence is 22:00, 01:00, 04:00, 07:00 of the same day.
func Slots(date time.Time, count, startHour, intervalHours int) ([]time.Time, error) {
	switch {
	case count < 0:
		return nil, fmt.Errorf("slot count must be >= 0, got %d", count)
	case startHour < 0 || startHour > 23:
		return nil, fmt.Errorf("start hour must be in 0..23, got %d", startHour)
	case intervalHours < 1:
		return nil, fmt.Errorf("interval hours must be >= 1, got %d", intervalHours)
	}
	y, m, d := date.Date()
	loc := date.Location()
	out := make([]time.Time, 0, count)
	for i := 0; i < count; i++ {
		hour := (startHour + i*intervalHours) % 24
		out = append(out, time.Date(y, m, d, hour, 0, 0, 0, loc))
	}
	return out, nil
}

// Allocate returns how many assets each of accounts receives.
//
// Each account gets perAccount assets when enough are available. Otherwise
// the per-account count shrinks to available/accounts (at least 1) and assets
// are handed out in account order until exhausted, so trailing accounts may
// get zero.
func Allocate(accounts, perAccount, available int) []int {
	if accounts <= 0 {
		return nil
	}
	out := make([]int, accounts)
	if perAccount <= 0 || available <= 0 {
		return out
	}
	if available < accounts*perAccount {
		perAccount = max(1, available/accounts)
	}
	left := available
	for i := range out {
		n := min(perAccount, left)
		out[i] = n
		left -= n
	}
	return out
}
