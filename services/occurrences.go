package services

import (
	"fmt"
	"time"

	"kpitracker/models"
)

// OccurrenceFor returns the canonical period label and due date of the period
// of pattern that contains ref. Labels and due dates are computed in ref's
// location. ok is false for an unknown or empty pattern.
func OccurrenceFor(pattern models.RecurrencePattern, ref time.Time) (label string, due time.Time, ok bool) {
	loc := ref.Location()
	y, m, d := ref.Date()

	switch pattern {
	case models.RecurrenceDaily:
		return ref.Format("2006-01-02"), endOfDay(y, m, d, loc), true
	case models.RecurrenceWeekly:
		isoYear, week := ref.ISOWeek()
		sinceMonday := (int(ref.Weekday()) + 6) % 7
		sunday := time.Date(y, m, d-sinceMonday+6, 0, 0, 0, 0, loc)
		sy, sm, sd := sunday.Date()
		return fmt.Sprintf("%04d-W%02d", isoYear, week), endOfDay(sy, sm, sd, loc), true
	case models.RecurrenceMonthly:
		// day 0 of the next month is the last day of this one
		return ref.Format("2006-01"), endOfDay(y, m+1, 0, loc), true
	case models.RecurrenceYearly:
		return fmt.Sprintf("%04d", y), endOfDay(y, time.December, 31, loc), true
	default:
		return "", time.Time{}, false
	}
}

// SeedOccurrences returns the occurrences a recurring template must always
// show at now. Non-recurring templates get none.
func SeedOccurrences(tpl models.DeliverableTemplate, now time.Time) []models.UserDeliverableOccurrence {
	if !tpl.IsRecurring {
		return nil
	}
	label, due, ok := OccurrenceFor(tpl.RecurrencePattern, now)
	if !ok {
		return nil
	}
	return []models.UserDeliverableOccurrence{{
		PeriodLabel: label,
		DueDate:     due,
		Status:      models.StatusPending,
		Evidence:    []string{},
	}}
}

func endOfDay(y int, m time.Month, d int, loc *time.Location) time.Time {
	return time.Date(y, m, d, 23, 59, 59, int(999*time.Millisecond), loc)
}

var labelLayouts = map[models.RecurrencePattern]string{
	models.RecurrenceDaily:   "2006-01-02",
	models.RecurrenceMonthly: "2006-01",
	models.RecurrenceYearly:  "2006",
}

// PeriodStart parses a period label of pattern and returns the first instant
// of that period in loc. The label must be canonical: PeriodStart followed by
// OccurrenceFor yields the same label.
func PeriodStart(pattern models.RecurrencePattern, label string, loc *time.Location) (time.Time, error) {
	var start time.Time
	switch pattern {
	case models.RecurrenceWeekly:
		var year, week int
		if n, err := fmt.Sscanf(label, "%4d-W%2d", &year, &week); err != nil || n != 2 {
			return time.Time{}, fmt.Errorf("invalid weekly period label %q", label)
		}
		if week < 1 || week > 53 {
			return time.Time{}, fmt.Errorf("invalid weekly period label %q", label)
		}
		// January 4th always falls in ISO week 1.
		jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, loc)
		monday := jan4.AddDate(0, 0, -((int(jan4.Weekday())+6)%7))
		start = monday.AddDate(0, 0, (week-1)*7)
	default:
		layout, ok := labelLayouts[pattern]
		if !ok {
			return time.Time{}, fmt.Errorf("unknown recurrence pattern %q", pattern)
		}
		t, err := time.ParseInLocation(layout, label, loc)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid %s period label %q", pattern, label)
		}
		start = t
	}

	if canonical, _, _ := OccurrenceFor(pattern, start); canonical != label {
		return time.Time{}, fmt.Errorf("invalid %s period label %q", pattern, label)
	}
	return start, nil
}
