package availability

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"
)

func times(ss ...string) []TimeOfDay {
	out := make([]TimeOfDay, 0, len(ss))
	for _, s := range ss {
		out = append(out, MustParseTimeOfDay(s))
	}
	return out
}

func day(start, end string, breaks ...[2]string) *DaySchedule {
	d := &DaySchedule{Start: MustParseTimeOfDay(start), End: MustParseTimeOfDay(end)}
	for _, b := range breaks {
		d.Breaks = append(d.Breaks, BreakInterval{Start: MustParseTimeOfDay(b[0]), End: MustParseTimeOfDay(b[1])})
	}
	return d
}

func TestResolveSlots(t *testing.T) {
	tests := []struct {
		name string
		day  *DaySchedule
		step time.Duration
		want []TimeOfDay
	}{
		{
			name: "plain morning",
			day:  day("09:00", "12:00"),
			step: 30 * time.Minute,
			want: times("09:00", "09:30", "10:00", "10:30", "11:00", "11:30"),
		},
		{
			name: "break excludes overlapping slot only",
			day:  day("09:00", "11:00", [2]string{"10:00", "10:30"}),
			step: 30 * time.Minute,
			want: times("09:00", "09:30", "10:30"),
		},
		{
			name: "last slot must fit before end",
			day:  day("09:00", "10:45"),
			step: 30 * time.Minute,
			want: times("09:00", "09:30", "10:00"),
		},
		{
			name: "break ending mid slot blocks it",
			day:  day("09:00", "11:00", [2]string{"09:15", "09:45"}),
			step: 30 * time.Minute,
			want: times("10:00", "10:30"),
		},
		{
			name: "overlapping unsorted breaks evaluated independently",
			day:  day("08:00", "12:00", [2]string{"11:00", "11:30"}, [2]string{"09:00", "10:00"}, [2]string{"09:30", "10:30"}),
			step: 30 * time.Minute,
			want: times("08:00", "08:30", "10:30", "11:30"),
		},
		{
			name: "invalid break ignored",
			day:  day("09:00", "10:00", [2]string{"09:30", "09:30"}),
			step: 30 * time.Minute,
			want: times("09:00", "09:30"),
		},
		{
			name: "fully broken day",
			day:  day("12:00", "13:00", [2]string{"11:00", "14:00"}),
			step: 30 * time.Minute,
			want: []TimeOfDay{},
		},
		{
			name: "start after end",
			day:  day("12:00", "09:00"),
			step: 30 * time.Minute,
			want: []TimeOfDay{},
		},
		{
			name: "start equals end",
			day:  day("09:00", "09:00"),
			step: 30 * time.Minute,
			want: []TimeOfDay{},
		},
		{
			name: "absent schedule",
			day:  nil,
			step: 30 * time.Minute,
			want: []TimeOfDay{},
		},
		{
			name: "hour step",
			day:  day("09:00", "12:00", [2]string{"10:30", "10:45"}),
			step: time.Hour,
			want: times("09:00", "11:00"),
		},
		{
			name: "zero step",
			day:  day("09:00", "12:00"),
			step: 0,
			want: []TimeOfDay{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveSlots(tt.day, tt.step)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("got %v want %v", got, tt.want)
			}
		})
	}
}

func TestResolveSlotsDeterministic(t *testing.T) {
	d := day("07:00", "19:00", [2]string{"12:00", "13:00"})
	first := ResolveSlots(d, DefaultStep)
	for i := 0; i < 5; i++ {
		if got := ResolveSlots(d, DefaultStep); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d differs: %v vs %v", i, got, first)
		}
	}
	for i := 1; i < len(first); i++ {
		if first[i] <= first[i-1] {
			t.Fatalf("slots not ascending at %d: %v", i, first)
		}
	}
}

func TestTimeOfDay(t *testing.T) {
	valid := map[string]int{"00:00": 0, "09:30": 570, "23:59": 1439}
	for s, want := range valid {
		got, err := ParseTimeOfDay(s)
		if err != nil {
			t.Fatalf("parse %q: %v", s, err)
		}
		if int(got) != want || got.String() != s {
			t.Fatalf("parse %q: got %d (%s)", s, got, got)
		}
	}

	for _, s := range []string{"", "9:00", "24:00", "12:60", "12:5", "noon", "12:00:00", " 12:00"} {
		if _, err := ParseTimeOfDay(s); !errors.Is(err, ErrInvalidTimeOfDay) {
			t.Errorf("%q: expected ErrInvalidTimeOfDay, got %v", s, err)
		}
	}

	tod := MustParseTimeOfDay("14:05")
	if tod.Compact() != "1405" {
		t.Fatalf("compact: %s", tod.Compact())
	}
	back, err := ParseCompact("1405")
	if err != nil || back != tod {
		t.Fatalf("parse compact: %v %v", back, err)
	}

	b, err := json.Marshal(struct {
		T TimeOfDay `json:"t"`
	}{tod})
	if err != nil || string(b) != `{"t":"14:05"}` {
		t.Fatalf("marshal: %s %v", b, err)
	}
	if _, err := json.Marshal(TimeOfDay(MinutesPerDay)); err == nil {
		t.Fatal("expected error marshalling out of range time")
	}

	at := tod.On(time.Date(2024, 6, 1, 23, 0, 0, 0, time.UTC), time.UTC)
	if !at.Equal(time.Date(2024, 6, 1, 14, 5, 0, 0, time.UTC)) {
		t.Fatalf("on: %v", at)
	}
}

func TestWeekday(t *testing.T) {
	cases := map[string]Weekday{
		"mon": Monday, "Monday": Monday, "TUE": Tuesday, "wednesday": Wednesday,
		"thurs": Thursday, "fri": Friday, "Sat": Saturday, "sunday": Sunday,
		"0": Sunday, "1": Monday, "6": Saturday,
	}
	for in, want := range cases {
		got, ok := ParseWeekday(in)
		if !ok || got != want {
			t.Errorf("%q: got %q ok=%v want %q", in, got, ok, want)
		}
	}
	for _, bad := range []string{"", "mo", "8", "holiday", "monkey", "sunshine", "satisfaction", "friend", "tuesdays"} {
		if _, ok := ParseWeekday(bad); ok {
			t.Errorf("%q: expected rejection", bad)
		}
	}

	// 2024-06-01 was a Saturday
	if got := WeekdayOf(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)); got != Saturday {
		t.Fatalf("weekday of 2024-06-01: %s", got)
	}
}

func TestWeeklyScheduleFor(t *testing.T) {
	week, err := NormalizeWeekly([]byte(`{"sat":"09:00-10:00","sunshine":"09:00-10:00"}`))
	if err == nil {
		t.Fatal("expected the unknown key to be reported")
	}

	sat := week.For(Date("2024-06-01").Midnight(time.UTC))
	if sat == nil || sat.Start != MustParseTimeOfDay("09:00") {
		t.Fatalf("saturday: %+v", sat)
	}
	if sun := week.For(Date("2024-06-02").Midnight(time.UTC)); sun != nil {
		t.Fatalf("sunday should not be bookable: %+v", sun)
	}
	if got := WeeklySchedule(nil).For(time.Now()); got != nil {
		t.Fatalf("nil schedule: %+v", got)
	}
}

func TestResolveSlotsUnevenStep(t *testing.T) {
	day := &DaySchedule{Start: MustParseTimeOfDay("09:00"), End: MustParseTimeOfDay("11:00")}
	got := ResolveSlots(day, 45*time.Minute)
	if want := times("09:00", "09:45"); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
	if tod := MustParseTimeOfDay("23:30").Add(time.Hour); tod.Valid() {
		t.Fatalf("23:30 + 1h should leave the day, got %d", tod)
	}
}
