package services

import (
	"testing"
	"time"

	"kpitracker/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOccurrenceFor(t *testing.T) {
	loc := time.UTC
	ref := time.Date(2025, time.August, 12, 10, 30, 0, 0, loc) // Tuesday

	tests := []struct {
		name    string
		pattern models.RecurrencePattern
		label   string
		due     time.Time
	}{
		{"daily", models.RecurrenceDaily, "2025-08-12", time.Date(2025, 8, 12, 23, 59, 59, 999000000, loc)},
		{"weekly", models.RecurrenceWeekly, "2025-W33", time.Date(2025, 8, 17, 23, 59, 59, 999000000, loc)},
		{"monthly", models.RecurrenceMonthly, "2025-08", time.Date(2025, 8, 31, 23, 59, 59, 999000000, loc)},
		{"yearly", models.RecurrenceYearly, "2025", time.Date(2025, 12, 31, 23, 59, 59, 999000000, loc)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			label, due, ok := OccurrenceFor(tt.pattern, ref)
			require.True(t, ok)
			assert.Equal(t, tt.label, label)
			assert.True(t, tt.due.Equal(due), "due = %v, want %v", due, tt.due)
		})
	}
}

func TestOccurrenceFor_UnknownPattern(t *testing.T) {
	_, _, ok := OccurrenceFor("", time.Now())
	assert.False(t, ok)
	_, _, ok = OccurrenceFor("fortnightly", time.Now())
	assert.False(t, ok)
}

func TestOccurrenceFor_ISOWeekYearBoundary(t *testing.T) {
	// 2024-12-30 is a Monday belonging to ISO week 1 of 2025.
	label, due, ok := OccurrenceFor(models.RecurrenceWeekly, time.Date(2024, 12, 30, 9, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, "2025-W01", label)
	assert.Equal(t, time.Date(2025, 1, 5, 23, 59, 59, 999000000, time.UTC), due)

	// 2021-01-03 is a Sunday belonging to ISO week 53 of 2020.
	label, due, ok = OccurrenceFor(models.RecurrenceWeekly, time.Date(2021, 1, 3, 12, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, "2020-W53", label)
	assert.Equal(t, time.Date(2021, 1, 3, 23, 59, 59, 999000000, time.UTC), due)
}

func TestOccurrenceFor_MonthlyLeapFebruary(t *testing.T) {
	label, due, ok := OccurrenceFor(models.RecurrenceMonthly, time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, "2024-02", label)
	assert.Equal(t, 29, due.Day())
}

func TestOccurrenceFor_UsesReferenceLocation(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	ref := time.Date(2025, 8, 31, 22, 0, 0, 0, time.UTC).In(loc) // already September 1 locally

	label, due, ok := OccurrenceFor(models.RecurrenceMonthly, ref)
	require.True(t, ok)
	assert.Equal(t, "2025-09", label)
	assert.Equal(t, loc, due.Location())
}

func TestSeedOccurrences(t *testing.T) {
	now := time.Date(2025, 8, 12, 0, 0, 0, 0, time.UTC)

	assert.Empty(t, SeedOccurrences(models.DeliverableTemplate{IsRecurring: false, RecurrencePattern: models.RecurrenceDaily}, now))
	assert.Empty(t, SeedOccurrences(models.DeliverableTemplate{IsRecurring: true}, now))

	seeds := SeedOccurrences(models.DeliverableTemplate{IsRecurring: true, RecurrencePattern: models.RecurrenceMonthly}, now)
	require.Len(t, seeds, 1)
	assert.Equal(t, "2025-08", seeds[0].PeriodLabel)
	assert.Equal(t, models.StatusPending, seeds[0].Status)
}

func TestPeriodStart(t *testing.T) {
	loc := time.UTC
	tests := []struct {
		pattern models.RecurrencePattern
		label   string
		want    time.Time
	}{
		{models.RecurrenceDaily, "2025-08-12", time.Date(2025, 8, 12, 0, 0, 0, 0, loc)},
		{models.RecurrenceWeekly, "2025-W33", time.Date(2025, 8, 11, 0, 0, 0, 0, loc)},
		{models.RecurrenceWeekly, "2025-W01", time.Date(2024, 12, 30, 0, 0, 0, 0, loc)},
		{models.RecurrenceMonthly, "2025-08", time.Date(2025, 8, 1, 0, 0, 0, 0, loc)},
		{models.RecurrenceYearly, "2025", time.Date(2025, 1, 1, 0, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		t.Run(string(tt.pattern)+"/"+tt.label, func(t *testing.T) {
			got, err := PeriodStart(tt.pattern, tt.label, loc)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v, want %v", got, tt.want)

			label, _, ok := OccurrenceFor(tt.pattern, got)
			require.True(t, ok)
			assert.Equal(t, tt.label, label)
		})
	}
}

func TestPeriodStart_Invalid(t *testing.T) {
	cases := []struct {
		pattern models.RecurrencePattern
		label   string
	}{
		{models.RecurrenceDaily, "2025-8-12"},
		{models.RecurrenceDaily, "2025-08"},
		{models.RecurrenceWeekly, "2025-W54"},
		{models.RecurrenceWeekly, "2025-W00"},
		{models.RecurrenceWeekly, "2025-W53"}, // 2025 has 52 ISO weeks
		{models.RecurrenceMonthly, "2025-13"},
		{models.RecurrenceYearly, "25"},
		{"hourly", "2025"},
	}
	for _, c := range cases {
		_, err := PeriodStart(c.pattern, c.label, time.UTC)
		assert.Error(t, err, "%s %q", c.pattern, c.label)
	}
}
