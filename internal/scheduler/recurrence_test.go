package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/listing-automation/internal/domain"
)

func TestNextRun_DailyBeforeTime(t *testing.T) {
	s := domain.Schedule{Frequency: domain.FrequencyDaily, Hour: 9, Minute: 0}
	after := time.Date(2026, 3, 10, 7, 30, 0, 0, time.UTC)

	next := NextRun(s, after)
	require.Equal(t, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC), next)
}

func TestNextRun_DailyAfterTime(t *testing.T) {
	s := domain.Schedule{Frequency: domain.FrequencyDaily, Hour: 9, Minute: 0}
	after := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	// Exactly at the scheduled instant rolls to the next day; the interval is
	// strictly after.
	next := NextRun(s, after)
	require.Equal(t, time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC), next)
}

func TestNextRun_WeeklySameWeek(t *testing.T) {
	s := domain.Schedule{Frequency: domain.FrequencyWeekly, Hour: 14, Minute: 30, Weekday: time.Friday}
	// Tuesday.
	after := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	next := NextRun(s, after)
	require.Equal(t, time.Date(2026, 3, 13, 14, 30, 0, 0, time.UTC), next)
	require.Equal(t, time.Friday, next.Weekday())
}

func TestNextRun_WeeklyWrapsToNextWeek(t *testing.T) {
	s := domain.Schedule{Frequency: domain.FrequencyWeekly, Hour: 8, Minute: 0, Weekday: time.Monday}
	// Monday 09:00, past today's slot.
	after := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)

	next := NextRun(s, after)
	require.Equal(t, time.Date(2026, 3, 16, 8, 0, 0, 0, time.UTC), next)
}

func TestOccurrencesBetween_NeverRan(t *testing.T) {
	s := domain.Schedule{Frequency: domain.FrequencyDaily, Hour: 9, Minute: 0}
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	require.Equal(t, 1, OccurrencesBetween(s, time.Time{}, now))
}

func TestOccurrencesBetween_NotDueYet(t *testing.T) {
	s := domain.Schedule{Frequency: domain.FrequencyDaily, Hour: 9, Minute: 0}
	lastRun := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	now := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)

	require.Equal(t, 0, OccurrencesBetween(s, lastRun, now))
}

func TestOccurrencesBetween_SingleOccurrence(t *testing.T) {
	s := domain.Schedule{Frequency: domain.FrequencyDaily, Hour: 9, Minute: 0}
	lastRun := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	now := time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC)

	require.Equal(t, 1, OccurrencesBetween(s, lastRun, now))
}

func TestOccurrencesBetween_MissedRunsCounted(t *testing.T) {
	s := domain.Schedule{Frequency: domain.FrequencyDaily, Hour: 9, Minute: 0}
	lastRun := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	// Five days offline.
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	require.Equal(t, 5, OccurrencesBetween(s, lastRun, now))
}

func TestOccurrencesBetween_Weekly(t *testing.T) {
	s := domain.Schedule{Frequency: domain.FrequencyWeekly, Hour: 9, Minute: 0, Weekday: time.Monday}
	lastRun := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	now := time.Date(2026, 3, 30, 10, 0, 0, 0, time.UTC)

	require.Equal(t, 3, OccurrencesBetween(s, lastRun, now))
}

func TestReplyCheckDue(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	cfg := domain.AutomationConfig{CheckIntervalSeconds: 3600}
	require.True(t, replyCheckDue(cfg, now), "zero watermark is due immediately")

	cfg.LastReplyCheckAt = now.Add(-30 * time.Minute)
	require.False(t, replyCheckDue(cfg, now))

	cfg.LastReplyCheckAt = now.Add(-time.Hour)
	require.True(t, replyCheckDue(cfg, now))

	cfg.CheckIntervalSeconds = 0
	require.False(t, replyCheckDue(cfg, now), "non-positive interval never fires")
}
