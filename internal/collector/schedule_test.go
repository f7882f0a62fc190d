package collector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextRunFrequencies(t *testing.T) {
	from := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, from.Add(24*time.Hour), NextRun(FrequencyDaily, from))
	assert.Equal(t, from.AddDate(0, 0, 7), NextRun(FrequencyWeekly, from))
	assert.Equal(t, from.AddDate(0, 1, 0), NextRun(FrequencyMonthly, from))
	// Unknown frequencies fall back to daily.
	assert.Equal(t, from.Add(24*time.Hour), NextRun("hourly", from))
}

func TestRecomputeNextRunEnabled(t *testing.T) {
	now := time.Now().UTC()
	c := &Collector{ScheduleEnabled: true, Frequency: FrequencyDaily}

	RecomputeNextRun(c, now)

	require.NotNil(t, c.NextRunAt)
	assert.Equal(t, now.Add(24*time.Hour), *c.NextRunAt)
}

func TestRecomputeNextRunDisabledClearsSchedule(t *testing.T) {
	now := time.Now().UTC()
	next := now.Add(time.Hour)
	c := &Collector{ScheduleEnabled: false, Frequency: FrequencyDaily, NextRunAt: &next}

	RecomputeNextRun(c, now)
	assert.Nil(t, c.NextRunAt)

	c = &Collector{ScheduleEnabled: true, NextRunAt: &next}
	RecomputeNextRun(c, now)
	assert.Nil(t, c.NextRunAt, "no frequency means no schedule")
}
