package availability

import (
	"strings"
	"time"
)

// DefaultStep is the slot length used across the system.
const DefaultStep = 30 * time.Minute

type Weekday string

const (
	Monday    Weekday = "mon"
	Tuesday   Weekday = "tue"
	Wednesday Weekday = "wed"
	Thursday  Weekday = "thu"
	Friday    Weekday = "fri"
	Saturday  Weekday = "sat"
	Sunday    Weekday = "sun"
)

// Weekdays in calendar order starting Monday.
var Weekdays = []Weekday{Monday, Tuesday, Wednesday, Thursday, Friday, Saturday, Sunday}

var fromTimeWeekday = map[time.Weekday]Weekday{
	time.Sunday:    Sunday,
	time.Monday:    Monday,
	time.Tuesday:   Tuesday,
	time.Wednesday: Wednesday,
	time.Thursday:  Thursday,
	time.Friday:    Friday,
	time.Saturday:  Saturday,
}

// WeekdayOf maps a calendar date onto its schedule key.
func WeekdayOf(date time.Time) Weekday {
	return fromTimeWeekday[date.Weekday()]
}

var weekdayNames = map[string]Weekday{
	"0": Sunday, "7": Sunday, "sun": Sunday, "sunday": Sunday,
	"1": Monday, "mon": Monday, "monday": Monday,
	"2": Tuesday, "tue": Tuesday, "tues": Tuesday, "tuesday": Tuesday,
	"3": Wednesday, "wed": Wednesday, "weds": Wednesday, "wednesday": Wednesday,
	"4": Thursday, "thu": Thursday, "thur": Thursday, "thurs": Thursday, "thursday": Thursday,
	"5": Friday, "fri": Friday, "friday": Friday,
	"6": Saturday, "sat": Saturday, "saturday": Saturday,
}

// ParseWeekday accepts short, full and capitalised day names as well as
// numeric keys where 0 is Sunday. Anything else is not a day.
func ParseWeekday(s string) (Weekday, bool) {
	w, ok := weekdayNames[strings.ToLower(strings.TrimSpace(s))]
	return w, ok
}

type BreakInterval struct {
	Start TimeOfDay `json:"start"`
	End   TimeOfDay `json:"end"`
}

func (b BreakInterval) Valid() bool {
	return b.Start.Valid() && b.End.Valid() && b.Start < b.End
}

type DaySchedule struct {
	Start  TimeOfDay       `json:"start"`
	End    TimeOfDay       `json:"end"`
	Breaks []BreakInterval `json:"breaks"`
}

func (d *DaySchedule) Valid() bool {
	return d != nil && d.Start.Valid() && d.End.Valid() && d.Start < d.End
}

// WeeklySchedule holds at most one DaySchedule per weekday. Missing days
// are not bookable.
type WeeklySchedule map[Weekday]*DaySchedule

// For returns the schedule that applies on date, or nil.
func (w WeeklySchedule) For(date time.Time) *DaySchedule {
	if w == nil {
		return nil
	}
	return w[WeekdayOf(date)]
}

// ResolveSlots lists the start of every step-long slot that fits inside the
// working window without touching a break. Breaks are half-open, so a slot
// starting exactly when a break ends is bookable. Invalid input yields an
// empty result.
func ResolveSlots(day *DaySchedule, step time.Duration) []TimeOfDay {
	slots := []TimeOfDay{}
	if !day.Valid() || step < time.Minute {
		return slots
	}
	for t := day.Start; t.Add(step) <= day.End; t = t.Add(step) {
		if !overlapsBreak(t, t.Add(step), day.Breaks) {
			slots = append(slots, t)
		}
	}
	return slots
}

func overlapsBreak(start, end TimeOfDay, breaks []BreakInterval) bool {
	for _, b := range breaks {
		if !b.Valid() {
			continue
		}
		if start < b.End && end > b.Start {
			return true
		}
	}
	return false
}
