package scheduler

import (
	"time"

	"github.com/smallbiznis/listing-automation/internal/domain"
)

func period(s domain.Schedule) time.Duration {
	if s.Frequency == domain.FrequencyWeekly {
		return 7 * 24 * time.Hour
	}
	return 24 * time.Hour
}

// NextRun returns the first occurrence of the schedule strictly after the
// given instant, in that instant's location.
func NextRun(s domain.Schedule, after time.Time) time.Time {
	candidate := time.Date(after.Year(), after.Month(), after.Day(), s.Hour, s.Minute, 0, 0, after.Location())

	if s.Frequency == domain.FrequencyWeekly {
		offset := (int(s.Weekday) - int(candidate.Weekday()) + 7) % 7
		candidate = candidate.AddDate(0, 0, offset)
	}
	if !candidate.After(after) {
		candidate = candidate.Add(period(s))
	}
	return candidate
}

// OccurrencesBetween counts due occurrences in the half-open interval
// (lastRun, now]. A zero lastRun means the schedule has never fired and is
// due immediately. The scheduler collapses any count >= 1 into a single
// catch-up run, so occurrences missed while the process was down are never
// replayed as a burst.
func OccurrencesBetween(s domain.Schedule, lastRun, now time.Time) int {
	if lastRun.IsZero() {
		return 1
	}
	first := NextRun(s, lastRun)
	if first.After(now) {
		return 0
	}
	return 1 + int(now.Sub(first)/period(s))
}

// replyCheckDue reports whether the reply-check interval has elapsed since
// the last check. A zero watermark means the check has never run.
func replyCheckDue(cfg domain.AutomationConfig, now time.Time) bool {
	if cfg.CheckIntervalSeconds <= 0 {
		return false
	}
	if cfg.LastReplyCheckAt.IsZero() {
		return true
	}
	interval := time.Duration(cfg.CheckIntervalSeconds) * time.Second
	return now.Sub(cfg.LastReplyCheckAt) >= interval
}
