// Package ratelimit implements the day-bucketed, cooldown-based throttle
// shared by the automation gate and the self-healing monitor. Each consumer
// owns its own persisted State; only the algorithm is shared.
package ratelimit

import (
	"fmt"
	"time"
)

// State is the persisted position of one limiter. It survives process
// restarts and is mutated only through Update after an action is actually
// allowed to start.
type State struct {
	LastRunMs  int64  `json:"last_run_timestamp"` // epoch milliseconds, 0 = never
	DailyCount int    `json:"daily_count"`
	DailyDate  string `json:"daily_date"` // calendar day key, e.g. 2026-08-23
	LastReason string `json:"last_reason,omitempty"`
}

// Limiter holds the policy knobs. A MaxDaily or Cooldown of zero disables
// that check.
type Limiter struct {
	MaxDaily int
	Cooldown time.Duration
}

// Decision is the outcome of a Check. A denial is a negative decision with
// an explanatory reason, not an error.
type Decision struct {
	Allowed bool
	Reason  string
}

// DayKey returns the calendar-day bucket for a timestamp.
func DayKey(now time.Time) string {
	return now.Format("2006-01-02")
}

// Check reports whether an action may start now. A state recorded on an
// earlier calendar day counts as zero runs for this check; the state itself
// is unchanged until Update runs.
func (l Limiter) Check(state State, now time.Time) Decision {
	count := state.DailyCount
	if state.DailyDate != DayKey(now) {
		count = 0
	}

	if l.MaxDaily > 0 && count >= l.MaxDaily {
		return Decision{Allowed: false, Reason: fmt.Sprintf("Daily limit reached (%d/%d)", count, l.MaxDaily)}
	}

	if l.Cooldown > 0 && state.LastRunMs > 0 {
		elapsed := now.UnixMilli() - state.LastRunMs
		if elapsed < l.Cooldown.Milliseconds() {
			remaining := time.Duration(l.Cooldown.Milliseconds()-elapsed) * time.Millisecond
			return Decision{Allowed: false, Reason: fmt.Sprintf("Cooldown active (%s remaining)", remaining.Round(time.Second))}
		}
	}

	return Decision{Allowed: true}
}

// Update records that an action started now. The daily counter increments
// within the same calendar day and resets to 1 on a new one.
func (l Limiter) Update(state *State, reason string, now time.Time) {
	day := DayKey(now)
	if state.DailyDate == day {
		state.DailyCount++
	} else {
		state.DailyCount = 1
		state.DailyDate = day
	}
	state.LastRunMs = now.UnixMilli()
	state.LastReason = reason
}
