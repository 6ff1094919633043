package calendar

import (
	"testing"
	"time"
)

var weekdays = []time.Weekday{
	time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
}

func testCalendar(t *testing.T) *Calendar {
	t.Helper()
	c, err := New("UTC", "09:00", "17:00", weekdays)
	if err != nil {
		t.Fatalf("new calendar: %v", err)
	}
	return c
}

func TestNewRejectsEmptyDays(t *testing.T) {
	if _, err := New("UTC", "09:00", "17:00", nil); err == nil {
		t.Fatal("expected error for empty weekday set")
	}
}

func TestNewRejectsInvertedWindow(t *testing.T) {
	if _, err := New("UTC", "17:00", "09:00", weekdays); err == nil {
		t.Fatal("expected error for inverted window")
	}
}

func TestAddWithinDay(t *testing.T) {
	c := testCalendar(t)
	start := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC) // Mon 10:00
	got := c.Add(start, 2*time.Hour)
	want := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestAddSpillsToNextDay(t *testing.T) {
	c := testCalendar(t)
	// Mon 16:30 + 2h business: 30m today, 1h30m from Tue 09:00.
	start := time.Date(2024, 7, 1, 16, 30, 0, 0, time.UTC)
	got := c.Add(start, 2*time.Hour)
	want := time.Date(2024, 7, 2, 10, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestAddSkipsWeekend(t *testing.T) {
	c := testCalendar(t)
	start := time.Date(2024, 7, 5, 16, 0, 0, 0, time.UTC) // Fri 16:00
	got := c.Add(start, 2*time.Hour)
	want := time.Date(2024, 7, 8, 10, 0, 0, 0, time.UTC) // Mon 10:00
	if !got.Equal(want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestAddStartsOutsideWindow(t *testing.T) {
	c := testCalendar(t)
	start := time.Date(2024, 7, 1, 6, 0, 0, 0, time.UTC) // before opening
	got := c.Add(start, time.Hour)
	want := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestAddNeverLandsOutsideWindow(t *testing.T) {
	c := testCalendar(t)
	start := time.Date(2024, 6, 29, 3, 17, 0, 0, time.UTC) // Saturday
	for _, d := range []time.Duration{0, time.Minute, 3 * time.Hour, 9 * time.Hour, 40 * time.Hour} {
		got := c.Add(start, d)
		local := got.In(c.Location)
		w, ok := c.Hours[local.Weekday()]
		if !ok {
			t.Fatalf("Add(%v) landed on inactive day %v", d, got)
		}
		off := time.Duration(local.Hour())*time.Hour + time.Duration(local.Minute())*time.Minute
		if off < w.Start || off > w.End {
			t.Fatalf("Add(%v) landed outside window: %v", d, got)
		}
	}
}

func TestAddSkipsHoliday(t *testing.T) {
	c := testCalendar(t)
	c.AddHoliday(time.Date(2024, 7, 4, 0, 0, 0, 0, time.UTC)) // Thursday
	start := time.Date(2024, 7, 3, 16, 0, 0, 0, time.UTC)
	got := c.Add(start, 2*time.Hour)
	want := time.Date(2024, 7, 5, 10, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestElapsedBasic(t *testing.T) {
	c := testCalendar(t)
	start := time.Date(2024, 7, 1, 16, 0, 0, 0, time.UTC) // Mon 4pm
	end := time.Date(2024, 7, 2, 10, 0, 0, 0, time.UTC)   // Tue 10am
	if d := c.Elapsed(start, end); d != 2*time.Hour {
		t.Fatalf("expected 2h got %v", d)
	}
}

func TestElapsedHoliday(t *testing.T) {
	c := testCalendar(t)
	c.AddHoliday(time.Date(2024, 7, 4, 0, 0, 0, 0, time.UTC))
	start := time.Date(2024, 7, 3, 16, 0, 0, 0, time.UTC)
	end := time.Date(2024, 7, 5, 10, 0, 0, 0, time.UTC)
	if d := c.Elapsed(start, end); d != 2*time.Hour {
		t.Fatalf("expected 2h got %v", d)
	}
}

func TestElapsedReversedArgs(t *testing.T) {
	c := testCalendar(t)
	start := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)
	end := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	if d := c.Elapsed(end, start); d != 2*time.Hour {
		t.Fatalf("expected 2h got %v", d)
	}
}

func TestAddElapsedRoundTrip(t *testing.T) {
	c := testCalendar(t)
	start := time.Date(2024, 7, 1, 11, 15, 0, 0, time.UTC)
	for _, d := range []time.Duration{30 * time.Minute, 5 * time.Hour, 19 * time.Hour} {
		due := c.Add(start, d)
		if got := c.Elapsed(start, due); got != d {
			t.Fatalf("round trip %v: got %v", d, got)
		}
	}
}
