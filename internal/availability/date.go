package availability

import (
	"errors"
	"fmt"
	"time"
)

const DateLayout = "2006-01-02"

var ErrInvalidDate = errors.New("invalid date")

// Date is a calendar date in YYYY-MM-DD form, without a zone.
type Date string

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil || t.Format(DateLayout) != s {
		return "", fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return Date(s), nil
}

// DateOf returns the calendar date of t in its own location.
func DateOf(t time.Time) Date {
	return Date(t.Format(DateLayout))
}

// Midnight returns the start of the date in loc.
func (d Date) Midnight(loc *time.Location) time.Time {
	t, err := time.ParseInLocation(DateLayout, string(d), loc)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (d Date) Weekday() Weekday {
	return WeekdayOf(d.Midnight(time.UTC))
}

func (d Date) String() string {
	return string(d)
}
