package reminder

import (
	"fmt"
	"slices"
	"time"

	"remindd/internal/task"
)

// IsDue reports whether t should fire at now. Malformed rules are never due.
func IsDue(t task.Task, now time.Time) bool {
	due, _ := Evaluate(t, now)
	return due
}

// Evaluate is IsDue with the reason a rule could not be evaluated.
//
// Recurring rules fire at most once per calendar hour: a watermark in the
// same (year, month, day, hour) as now suppresses the fire, anything earlier
// re-arms it. Once fires only while no watermark is set.
func Evaluate(t task.Task, now time.Time) (bool, error) {
	if t.Completed {
		return false, nil
	}
	if t.RuleErr != nil {
		return false, t.RuleErr
	}

	var match bool
	switch r := t.Reminder.(type) {
	case nil:
		return false, nil
	case task.Once:
		return t.LastFiredAt == nil && !r.At.After(now), nil
	case task.Daily:
		match = slices.Contains(r.Hours, now.Hour())
	case task.Weekly:
		match = now.Hour() == r.Hour && slices.Contains(r.Weekdays, isoWeekday(now))
	case task.Monthly:
		match = now.Hour() == r.Hour && slices.Contains(r.Days, now.Day())
	default:
		return false, fmt.Errorf("%w: unsupported rule %T", task.ErrMalformedRule, r)
	}
	if !match {
		return false, nil
	}
	return !sameHour(t.LastFiredAt, now), nil
}

// isoWeekday maps Monday..Sunday to 1..7.
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

func sameHour(last *time.Time, now time.Time) bool {
	if last == nil {
		return false
	}
	l := last.In(now.Location())
	ly, lm, ld := l.Date()
	ny, nm, nd := now.Date()
	return ly == ny && lm == nm && ld == nd && l.Hour() == now.Hour()
}
