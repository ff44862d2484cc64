// Package recurrence turns generator schedules into cron schedules.
package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"dealerdesk/internal/domain"
)

// Rule is the schedulable part of a task generator.
type Rule struct {
	Kind       string
	At         string // HH:MM
	DayOfWeek  *int   // ISO 1 (Monday) .. 7 (Sunday)
	DayOfMonth *int   // 1..31; months without that day are skipped
}

func RuleOf(g domain.TaskGenerator) Rule {
	return Rule{Kind: g.Recurrence, At: g.RecurrenceTime, DayOfWeek: g.RecurrenceDayOfWeek, DayOfMonth: g.RecurrenceDayOfMonth}
}

// ParseClock parses HH:MM.
func ParseClock(s string) (hour, minute int, err error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("time %q must be HH:MM", s)
	}
	hour, err = strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("time %q has an invalid hour", s)
	}
	minute, err = strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("time %q has invalid minutes", s)
	}
	return hour, minute, nil
}

// ISOToCron maps ISO weekdays (Monday=1..Sunday=7) to cron's Sunday=0 convention.
func ISOToCron(iso int) int {
	return iso % 7
}

// ISOWeekday returns t's weekday as 1 (Monday) .. 7 (Sunday).
func ISOWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// Spec renders the rule as a standard five-field cron expression.
func (r Rule) Spec() (string, error) {
	hour, minute, err := ParseClock(r.At)
	if err != nil {
		return "", err
	}
	switch r.Kind {
	case domain.RecurrenceDaily:
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	case domain.RecurrenceWeekly:
		if r.DayOfWeek == nil || *r.DayOfWeek < 1 || *r.DayOfWeek > 7 {
			return "", fmt.Errorf("weekly recurrence needs a day of week between 1 and 7")
		}
		return fmt.Sprintf("%d %d * * %d", minute, hour, ISOToCron(*r.DayOfWeek)), nil
	case domain.RecurrenceMonthly:
		if r.DayOfMonth == nil || *r.DayOfMonth < 1 || *r.DayOfMonth > 31 {
			return "", fmt.Errorf("monthly recurrence needs a day of month between 1 and 31")
		}
		return fmt.Sprintf("%d %d %d * *", minute, hour, *r.DayOfMonth), nil
	default:
		return "", fmt.Errorf("unknown recurrence %q", r.Kind)
	}
}

// Schedule compiles the rule for evaluation in loc.
func (r Rule) Schedule(loc *time.Location) (cron.Schedule, error) {
	spec, err := r.Spec()
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.UTC
	}
	return cron.ParseStandard("CRON_TZ=" + loc.String() + " " + spec)
}

// Between returns occurrences in (after, until], at most max of them. The
// bool reports whether more occurrences were left out.
func Between(s cron.Schedule, after, until time.Time, max int) ([]time.Time, bool) {
	var out []time.Time
	for next := s.Next(after); !next.IsZero() && !next.After(until); next = s.Next(next) {
		if max > 0 && len(out) == max {
			return out, true
		}
		out = append(out, next)
	}
	return out, false
}

// At returns day's calendar date at clock HH:MM in loc.
func At(day time.Time, clock string, loc *time.Location) (time.Time, error) {
	hour, minute, err := ParseClock(clock)
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	d := day.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), hour, minute, 0, 0, loc), nil
}
