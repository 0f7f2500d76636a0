package scheduler

import (
	"time"

	"github.com/rpaflow/orchestrator-core/internal/domain"
)

// CalendarBook holds the named business calendars schedules may reference
// via Schedule.CalendarID. A schedule with no CalendarID is always allowed
// to fire.
type CalendarBook struct {
	calendars map[string]domain.CalendarConfig
}

// NewCalendarBook builds a lookup over the given calendars, keyed by ID.
func NewCalendarBook(calendars []domain.CalendarConfig) *CalendarBook {
	m := make(map[string]domain.CalendarConfig, len(calendars))
	for _, c := range calendars {
		m[c.ID] = c
	}
	return &CalendarBook{calendars: m}
}

// CanExecute reports whether t falls inside the named calendar's working
// hours and outside any holiday, blackout, or custom non-working date. An
// unknown or empty calendarID always allows execution.
func (b *CalendarBook) CanExecute(calendarID string, t time.Time) bool {
	if calendarID == "" {
		return true
	}
	cal, ok := b.calendars[calendarID]
	if !ok {
		return true
	}

	loc := time.UTC
	if cal.Timezone != "" {
		if l, err := time.LoadLocation(cal.Timezone); err == nil {
			loc = l
		}
	}
	local := t.In(loc)

	if len(cal.WorkingDays) > 0 && !containsWeekday(cal.WorkingDays, local.Weekday()) {
		return false
	}
	if cal.WorkStartHour != cal.WorkEndHour {
		hour := local.Hour()
		if cal.WorkStartHour < cal.WorkEndHour {
			if hour < cal.WorkStartHour || hour >= cal.WorkEndHour {
				return false
			}
		} else {
			// Overnight window, e.g. 22:00-06:00.
			if hour < cal.WorkStartHour && hour >= cal.WorkEndHour {
				return false
			}
		}
	}
	for _, h := range cal.Holidays {
		if sameDay(h, local) {
			return false
		}
	}
	for _, d := range cal.Blackouts {
		if d.Contains(t) {
			return false
		}
	}
	for _, d := range cal.CustomNonWorking {
		if sameDay(d, local) {
			return false
		}
	}
	return true
}

func containsWeekday(days []time.Weekday, d time.Weekday) bool {
	for _, w := range days {
		if w == d {
			return true
		}
	}
	return false
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
