package availability

import (
	"errors"
	"reflect"
	"testing"
)

func TestNormalizeWeeklyCanonical(t *testing.T) {
	raw := []byte(`{
		"mon": {"start": "09:00", "end": "17:00", "breaks": [{"start": "12:00", "end": "13:00"}]},
		"tue": null,
		"wed": {"start": "10:00", "end": "14:00"}
	}`)

	week, err := NormalizeWeekly(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(week) != 2 {
		t.Fatalf("expected 2 days, got %d: %v", len(week), week)
	}
	if !reflect.DeepEqual(week[Monday], day("09:00", "17:00", [2]string{"12:00", "13:00"})) {
		t.Fatalf("monday: %+v", week[Monday])
	}
	if week[Wednesday].Breaks == nil || len(week[Wednesday].Breaks) != 0 {
		t.Fatalf("wednesday breaks should be empty, got %v", week[Wednesday].Breaks)
	}
	if _, ok := week[Tuesday]; ok {
		t.Fatal("null day should not be present")
	}
}

func TestNormalizeWeeklyLegacy(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantDay   Weekday
		want      *DaySchedule
		wantProbs bool
	}{
		{
			name:      "text blob with breaks",
			raw:       `{"Monday": "09:00-12:00 | 10:00-10:30; 11:00-11:15"}`,
			wantDay:   Monday,
			want:      day("09:00", "12:00", [2]string{"10:00", "10:30"}, [2]string{"11:00", "11:15"}),
		},
		{
			name:      "index keyed breaks out of order",
			raw:       `{"thu": {"start": "08:00", "end": "12:00", "breaks": {"7": {"start": "11:00", "end": "11:30"}, "2": {"start": "09:00", "end": "09:30"}}}}`,
			wantDay:   Thursday,
			want:      day("08:00", "12:00", [2]string{"09:00", "09:30"}, [2]string{"11:00", "11:30"}),
		},
		{
			name:      "breaks as delimited text",
			raw:       `{"fri": {"from": "09:00", "to": "11:00", "breaks": "09:30-10:00,bad,10:30-10:15"}}`,
			wantDay:   Friday,
			want:      day("09:00", "11:00", [2]string{"09:30", "10:00"}),
			wantProbs: true,
		},
		{
			name:      "double encoded json",
			raw:       `"{\"sat\": {\"start\": \"10:00\", \"end\": \"12:00\"}}"`,
			wantDay:   Saturday,
			want:      day("10:00", "12:00"),
		},
		{
			name:      "array indexed from sunday",
			raw:       `[null, "09:00-10:00"]`,
			wantDay:   Monday,
			want:      day("09:00", "10:00"),
		},
		{
			name:      "break pairs",
			raw:       `{"1": {"start": "09:00", "end": "12:00", "breaks": [["10:00", "10:30"], ["xx", "11:00"]]}}`,
			wantDay:   Monday,
			want:      day("09:00", "12:00", [2]string{"10:00", "10:30"}),
			wantProbs: true,
		},
		{
			name:      "single break object",
			raw:       `{"tue": {"start": "09:00", "end": "12:00", "breaks": {"start": "10:00", "end": "10:30"}}}`,
			wantDay:   Tuesday,
			want:      day("09:00", "12:00", [2]string{"10:00", "10:30"}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			week, err := NormalizeWeekly([]byte(tt.raw))
			if tt.wantProbs {
				var iae *InvalidAvailabilityError
				if !errors.As(err, &iae) || len(iae.Problems) == 0 {
					t.Fatalf("expected reported problems, got %v", err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got := week[tt.wantDay]
			want := tt.want
			if len(want.Breaks) == 0 {
				want.Breaks = []BreakInterval{}
			}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("got %+v want %+v", got, want)
			}
		})
	}
}

func TestNormalizeWeeklyMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"start after end", `{"mon": {"start": "17:00", "end": "09:00"}}`},
		{"missing end", `{"mon": {"start": "09:00"}}`},
		{"bad format", `{"mon": {"start": "9am", "end": "5pm"}}`},
		{"unknown day", `{"funday": "09:00-10:00"}`},
		{"not json", `{mon: 09:00}`},
		{"number", `42`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			week, err := NormalizeWeekly([]byte(tt.raw))
			var iae *InvalidAvailabilityError
			if !errors.As(err, &iae) {
				t.Fatalf("expected InvalidAvailabilityError, got %v", err)
			}
			if week == nil {
				t.Fatal("schedule must never be nil")
			}
			if slots := ResolveSlots(week[Monday], DefaultStep); len(slots) != 0 {
				t.Fatalf("expected no slots, got %v", slots)
			}
		})
	}
}

func TestNormalizeWeeklyEmpty(t *testing.T) {
	for _, raw := range []string{"", "null", "  ", "{}"} {
		week, err := NormalizeWeekly([]byte(raw))
		if err != nil {
			t.Fatalf("%q: unexpected error %v", raw, err)
		}
		if len(week) != 0 {
			t.Fatalf("%q: expected empty schedule, got %v", raw, week)
		}
	}
}

func TestNormalizeDayDisabled(t *testing.T) {
	ds, err := NormalizeDay(map[string]any{"enabled": false, "start": "09:00", "end": "10:00"})
	if err != nil || ds != nil {
		t.Fatalf("disabled day: %v %v", ds, err)
	}
	ds, err = NormalizeDay(false)
	if err != nil || ds != nil {
		t.Fatalf("false day: %v %v", ds, err)
	}
}

func TestNormalizeBreaks(t *testing.T) {
	got, err := NormalizeBreaks("12:00-13:00\n15:00-15:15|bogus")
	var iae *InvalidAvailabilityError
	if !errors.As(err, &iae) || len(iae.Problems) != 1 {
		t.Fatalf("expected one problem, got %v", err)
	}
	want := []BreakInterval{
		{Start: MustParseTimeOfDay("12:00"), End: MustParseTimeOfDay("13:00")},
		{Start: MustParseTimeOfDay("15:00"), End: MustParseTimeOfDay("15:15")},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}
