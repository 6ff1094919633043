// Package calendar converts wall-clock spans into business-hours-aware
// durations. All stored instants are UTC; conversion into the calendar's
// timezone happens only for boundary checks.
package calendar

import (
	"fmt"
	"time"
)

// Window is a daily active window expressed as offsets from midnight.
type Window struct {
	Start time.Duration
	End   time.Duration
}

// Calendar describes the active business hours of a helpdesk.
type Calendar struct {
	Location *time.Location
	Hours    map[time.Weekday]Window
	Holidays map[time.Time]struct{}
}

// New builds a Calendar from a timezone name, HH:MM window bounds and a
// set of active weekdays. An empty weekday set or an inverted window is
// a configuration error.
func New(tz, start, end string, days []time.Weekday) (*Calendar, error) {
	if len(days) == 0 {
		return nil, fmt.Errorf("calendar: no active weekdays configured")
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("calendar: load timezone %q: %w", tz, err)
	}
	s, err := parseClock(start)
	if err != nil {
		return nil, fmt.Errorf("calendar: start of day: %w", err)
	}
	e, err := parseClock(end)
	if err != nil {
		return nil, fmt.Errorf("calendar: end of day: %w", err)
	}
	if e <= s {
		return nil, fmt.Errorf("calendar: end of day %s not after start %s", end, start)
	}
	c := &Calendar{
		Location: loc,
		Hours:    make(map[time.Weekday]Window, len(days)),
		Holidays: make(map[time.Time]struct{}),
	}
	for _, d := range days {
		c.Hours[d] = Window{Start: s, End: e}
	}
	return c, nil
}

func parseClock(s string) (time.Duration, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid clock value %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock value %q out of range", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

// AddHoliday marks the calendar day containing d as inactive.
func (c *Calendar) AddHoliday(d time.Time) {
	d = d.In(c.Location)
	day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, c.Location)
	c.Holidays[day] = struct{}{}
}

func (c *Calendar) dayWindow(dayStart time.Time) (Window, bool) {
	if _, ok := c.Holidays[dayStart]; ok {
		return Window{}, false
	}
	w, ok := c.Hours[dayStart.Weekday()]
	return w, ok
}

// Add returns the instant at which d business time has elapsed after
// start. An instant outside business hours is first advanced to the next
// window start, so the result always lands inside an active window.
func (c *Calendar) Add(start time.Time, d time.Duration) time.Time {
	cur := start.In(c.Location)
	remaining := d
	for {
		dayStart := time.Date(cur.Year(), cur.Month(), cur.Day(), 0, 0, 0, 0, c.Location)
		w, active := c.dayWindow(dayStart)
		if !active {
			cur = dayStart.Add(24 * time.Hour)
			continue
		}
		winStart := dayStart.Add(w.Start)
		winEnd := dayStart.Add(w.End)
		if cur.Before(winStart) {
			cur = winStart
		}
		if !cur.Before(winEnd) {
			cur = dayStart.Add(24 * time.Hour)
			continue
		}
		if remaining == 0 {
			return cur.UTC()
		}
		avail := winEnd.Sub(cur)
		if remaining <= avail {
			return cur.Add(remaining).UTC()
		}
		remaining -= avail
		cur = dayStart.Add(24 * time.Hour)
	}
}

// Elapsed returns the business time between start and end.
func (c *Calendar) Elapsed(start, end time.Time) time.Duration {
	if end.Before(start) {
		start, end = end, start
	}
	start = start.In(c.Location)
	end = end.In(c.Location)
	total := time.Duration(0)
	cur := start
	for cur.Before(end) {
		dayStart := time.Date(cur.Year(), cur.Month(), cur.Day(), 0, 0, 0, 0, c.Location)
		dayEnd := dayStart.Add(24 * time.Hour)
		w, active := c.dayWindow(dayStart)
		if !active {
			cur = dayEnd
			continue
		}
		winStart := dayStart.Add(w.Start)
		winEnd := dayStart.Add(w.End)
		if cur.Before(winStart) {
			cur = winStart
		}
		if cur.After(winEnd) {
			cur = dayEnd
			continue
		}
		e := minTime(end, winEnd)
		if e.After(cur) {
			total += e.Sub(cur)
		}
		cur = e
		if cur.Equal(winEnd) {
			cur = dayEnd
		}
	}
	return total
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
