package collector

import (
	"time"
)

// NextRun computes the next scheduled run time for a frequency. Unknown
// frequencies fall back to daily rather than silently disabling the
// schedule.
func NextRun(frequency Frequency, from time.Time) time.Time {
	switch frequency {
	case FrequencyWeekly:
		return from.AddDate(0, 0, 7)
	case FrequencyMonthly:
		return from.AddDate(0, 1, 0)
	default:
		return from.Add(24 * time.Hour)
	}
}

// RecomputeNextRun re-establishes the NextRunAt invariant on a collector:
// non-nil iff the schedule is enabled and a frequency is set. Called after
// every run (success or failure) and on every schedule-affecting update,
// so a failed run never silently stops future scheduled attempts.
func RecomputeNextRun(c *Collector, now time.Time) {
	if c.ScheduleEnabled && c.Frequency != "" {
		next := NextRun(c.Frequency, now)
		c.NextRunAt = &next
		return
	}
	c.NextRunAt = nil
}
