// Package businesstime implements business-hour arithmetic over a
// configurable work calendar. All computations treat their inputs as wall
// clock in the calendar's timezone; the calendar itself is pure.
package businesstime

import (
	"fmt"
	"time"
)

// DefaultTimezone is the business timezone when none is configured.
const DefaultTimezone = "Asia/Shanghai"

// Default work calendar: 09:00-19:00, Monday through Friday.
const (
	DefaultWorkStartHour = 9
	DefaultWorkEndHour   = 19
)

// Config describes a work calendar. WorkDays uses ISO numbering,
// 1=Monday .. 7=Sunday.
type Config struct {
	WorkStartHour int
	WorkEndHour   int
	WorkDays      []int
	Location      *time.Location
}

// Calendar answers business-hour questions for a fixed configuration.
type Calendar struct {
	startHour int
	endHour   int
	workDays  map[int]bool
	loc       *time.Location
}

// NewCalendar validates cfg and builds a Calendar.
func NewCalendar(cfg Config) (*Calendar, error) {
	if cfg.WorkStartHour < 0 || cfg.WorkEndHour > 24 || cfg.WorkStartHour >= cfg.WorkEndHour {
		return nil, fmt.Errorf("invalid work hours: start=%d end=%d", cfg.WorkStartHour, cfg.WorkEndHour)
	}
	if len(cfg.WorkDays) == 0 {
		return nil, fmt.Errorf("work days must not be empty")
	}
	days := make(map[int]bool, len(cfg.WorkDays))
	for _, d := range cfg.WorkDays {
		if d < 1 || d > 7 {
			return nil, fmt.Errorf("invalid work day %d, want 1..7", d)
		}
		days[d] = true
	}
	loc := cfg.Location
	if loc == nil {
		var err error
		loc, err = time.LoadLocation(DefaultTimezone)
		if err != nil {
			return nil, fmt.Errorf("load default timezone: %w", err)
		}
	}
	return &Calendar{
		startHour: cfg.WorkStartHour,
		endHour:   cfg.WorkEndHour,
		workDays:  days,
		loc:       loc,
	}, nil
}

// MustDefault returns the default 9-19 Mon-Fri calendar.
func MustDefault() *Calendar {
	cal, err := NewCalendar(Config{
		WorkStartHour: DefaultWorkStartHour,
		WorkEndHour:   DefaultWorkEndHour,
		WorkDays:      []int{1, 2, 3, 4, 5},
	})
	if err != nil {
		panic(err)
	}
	return cal
}

// Location returns the calendar's timezone.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// isoWeekday maps time.Weekday onto 1=Monday .. 7=Sunday.
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// IsBusinessDay reports whether t falls on a configured work day.
func (c *Calendar) IsBusinessDay(t time.Time) bool {
	return c.workDays[isoWeekday(t.In(c.loc))]
}

// IsBusinessHours reports whether t is within working hours on a work day.
// The end hour is exclusive.
func (c *Calendar) IsBusinessHours(t time.Time) bool {
	t = t.In(c.loc)
	if !c.workDays[isoWeekday(t)] {
		return false
	}
	h := t.Hour()
	return h >= c.startHour && h < c.endHour
}

// workStartOn returns the work-start moment of t's calendar day.
func (c *Calendar) workStartOn(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), c.startHour, 0, 0, 0, c.loc)
}

// workEndOn returns the work-end moment of t's calendar day.
func (c *Calendar) workEndOn(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), c.endHour, 0, 0, 0, c.loc)
}

// NextBusinessStart returns the earliest moment >= t that is in business
// hours. If t already is, t is returned unchanged.
func (c *Calendar) NextBusinessStart(t time.Time) time.Time {
	t = t.In(c.loc)
	if c.IsBusinessHours(t) {
		return t
	}
	if c.IsBusinessDay(t) && t.Hour() < c.startHour {
		return c.workStartOn(t)
	}
	day := t.AddDate(0, 0, 1)
	for !c.IsBusinessDay(day) {
		day = day.AddDate(0, 0, 1)
	}
	return c.workStartOn(day)
}

// BusinessHoursBetween integrates the business-hour indicator over [start, end).
// Returns 0 when start >= end.
func (c *Calendar) BusinessHoursBetween(start, end time.Time) float64 {
	start = start.In(c.loc)
	end = end.In(c.loc)
	if !start.Before(end) {
		return 0
	}

	total := 0.0
	current := start
	for current.Before(end) {
		if !c.IsBusinessHours(current) {
			current = c.NextBusinessStart(current)
			if !current.Before(end) {
				break
			}
		}

		dayEnd := c.workEndOn(current)
		if end.Before(dayEnd) {
			dayEnd = end
		}
		if dayEnd.After(current) {
			total += dayEnd.Sub(current).Hours()
		}
		current = c.NextBusinessStart(c.workEndOn(current).Add(time.Minute))
	}
	return total
}

// ElapsedBusinessHours is BusinessHoursBetween(createTime, now).
func (c *Calendar) ElapsedBusinessHours(createTime, now time.Time) float64 {
	return c.BusinessHoursBetween(createTime, now)
}

// AddBusinessHours returns the moment reached by advancing hours of business
// time from start. Non-positive hours return start unchanged.
func (c *Calendar) AddBusinessHours(start time.Time, hours float64) time.Time {
	if hours <= 0 {
		return start
	}
	current := start.In(c.loc)
	remaining := hours
	for remaining > 0 {
		if !c.IsBusinessHours(current) {
			current = c.NextBusinessStart(current)
		}
		remainingToday := c.workEndOn(current).Sub(current).Hours()
		if remaining <= remainingToday {
			return current.Add(time.Duration(remaining * float64(time.Hour)))
		}
		remaining -= remainingToday
		current = c.NextBusinessStart(c.workEndOn(current).Add(time.Minute))
	}
	return current
}
