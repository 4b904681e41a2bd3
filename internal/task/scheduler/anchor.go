package scheduler

import (
	"time"
)

// anchoredSchedule fires at first, first+every, first+2*every, ...
//
// cron asks for Next with the time the timer actually fired, so a schedule
// that only added every to that time would drift by the wake-up latency on
// every firing. Computing from the anchor keeps the grid fixed.
type anchoredSchedule struct {
	first time.Time
	every time.Duration
}

func (a anchoredSchedule) Next(t time.Time) time.Time {
	if t.Before(a.first) {
		return a.first
	}
	k := t.Sub(a.first)/a.every + 1
	return a.first.Add(k * a.every)
}

// anchorFor picks the first firing of an interval task registered at now.
func anchorFor(t Task, every time.Duration, now time.Time) time.Time {
	if !t.StartAt.IsZero() && t.StartAt.After(now) {
		return t.StartAt
	}
	return now.Add(every)
}
