package availability

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// InvalidAvailabilityError lists what normalization had to drop. It is
// informational: the schedule returned alongside it is still usable.
type InvalidAvailabilityError struct {
	Problems []string
}

func (e *InvalidAvailabilityError) Error() string {
	return "invalid availability: " + strings.Join(e.Problems, "; ")
}

type problems []string

func (p *problems) addf(format string, args ...any) {
	*p = append(*p, fmt.Sprintf(format, args...))
}

func (p problems) err() error {
	if len(p) == 0 {
		return nil
	}
	return &InvalidAvailabilityError{Problems: p}
}

// NormalizeWeekly converts a stored weekly availability document into the
// canonical model. Besides the canonical JSON shape it accepts day keys in
// any common spelling, arrays indexed from Sunday, objects with
// non-sequential numeric keys, double-encoded JSON and delimited text such
// as "09:00-17:00 | 12:00-13:00, 15:00-15:15". Entries that fail HH:mm
// validation are dropped and reported through *InvalidAvailabilityError.
func NormalizeWeekly(raw []byte) (WeeklySchedule, error) {
	week := WeeklySchedule{}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return week, nil
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return week, &InvalidAvailabilityError{Problems: []string{"undecodable document: " + err.Error()}}
	}

	var probs problems
	normalizeWeek(v, week, &probs)
	return week, probs.err()
}

func normalizeWeek(v any, week WeeklySchedule, probs *problems) {
	switch t := v.(type) {
	case nil:
	case string:
		if inner, ok := decodeEmbedded(t); ok {
			normalizeWeek(inner, week, probs)
			return
		}
		probs.addf("weekly availability is an unrecognised string %q", t)
	case []any:
		// legacy arrays are indexed like Date.getDay(): 0 is Sunday
		for i, dv := range t {
			day, ok := ParseWeekday(strconv.Itoa(i))
			if !ok {
				probs.addf("array index %d is not a weekday", i)
				continue
			}
			putDay(week, day, dv, probs)
		}
	case map[string]any:
		for _, k := range sortedKeys(t) {
			day, ok := ParseWeekday(k)
			if !ok {
				probs.addf("unknown day key %q", k)
				continue
			}
			putDay(week, day, t[k], probs)
		}
	default:
		probs.addf("weekly availability has unsupported type %T", v)
	}
}

func putDay(week WeeklySchedule, day Weekday, v any, probs *problems) {
	ds := normalizeDay(v, string(day), probs)
	if ds != nil {
		week[day] = ds
	}
}

// NormalizeDay converts a single day entry. A nil schedule means the day is
// not bookable.
func NormalizeDay(v any) (*DaySchedule, error) {
	var probs problems
	ds := normalizeDay(v, "day", &probs)
	return ds, probs.err()
}

func normalizeDay(v any, label string, probs *problems) *DaySchedule {
	switch t := v.(type) {
	case nil:
		return nil
	case bool:
		if t {
			probs.addf("%s: true without hours", label)
		}
		return nil
	case string:
		if inner, ok := decodeEmbedded(t); ok {
			return normalizeDay(inner, label, probs)
		}
		return dayFromText(t, label, probs)
	case map[string]any:
		return dayFromObject(t, label, probs)
	default:
		probs.addf("%s: unsupported type %T", label, v)
		return nil
	}
}

func dayFromObject(m map[string]any, label string, probs *problems) *DaySchedule {
	for _, flag := range []string{"enabled", "active", "available"} {
		if b, ok := m[flag].(bool); ok && !b {
			return nil
		}
	}

	startRaw, _ := firstOf(m, "start", "from", "startTime", "open")
	endRaw, _ := firstOf(m, "end", "to", "endTime", "close")
	start, okStart := timeFrom(startRaw)
	end, okEnd := timeFrom(endRaw)
	if !okStart || !okEnd {
		probs.addf("%s: missing or malformed start/end (%v, %v)", label, startRaw, endRaw)
		return nil
	}
	if start >= end {
		probs.addf("%s: start %s is not before end %s", label, start, end)
		return nil
	}

	ds := &DaySchedule{Start: start, End: end, Breaks: []BreakInterval{}}
	if br, ok := firstOf(m, "breaks", "pauses", "break"); ok {
		ds.Breaks = normalizeBreaks(br, label, probs)
	}
	return ds
}

// dayFromText parses "09:00-17:00" optionally followed by "|" and a list
// of break ranges.
func dayFromText(s, label string, probs *problems) *DaySchedule {
	window, rest, _ := strings.Cut(s, "|")
	b, ok := rangeFromText(window)
	if !ok {
		probs.addf("%s: malformed hours %q", label, strings.TrimSpace(window))
		return nil
	}
	ds := &DaySchedule{Start: b.Start, End: b.End, Breaks: []BreakInterval{}}
	if strings.TrimSpace(rest) != "" {
		ds.Breaks = breaksFromText(rest, label, probs)
	}
	return ds
}

// NormalizeBreaks converts any of the known break list encodings.
func NormalizeBreaks(v any) ([]BreakInterval, error) {
	var probs problems
	out := normalizeBreaks(v, "breaks", &probs)
	return out, probs.err()
}

func normalizeBreaks(v any, label string, probs *problems) []BreakInterval {
	out := []BreakInterval{}
	switch t := v.(type) {
	case nil:
	case string:
		if inner, ok := decodeEmbedded(t); ok {
			return normalizeBreaks(inner, label, probs)
		}
		out = breaksFromText(t, label, probs)
	case []any:
		for i, e := range t {
			if b, ok := breakFrom(e); ok {
				out = append(out, b)
			} else {
				probs.addf("%s: dropped break #%d (%v)", label, i, e)
			}
		}
	case map[string]any:
		// a lone {start,end} object, or an index-keyed object left behind
		// by a store that turned a sparse array into a map
		if _, single := firstOf(t, "start", "from"); single {
			if b, ok := breakFrom(t); ok {
				out = append(out, b)
			} else {
				probs.addf("%s: dropped break %v", label, t)
			}
			return out
		}
		for _, k := range sortedKeys(t) {
			if b, ok := breakFrom(t[k]); ok {
				out = append(out, b)
			} else {
				probs.addf("%s: dropped break %q (%v)", label, k, t[k])
			}
		}
	default:
		probs.addf("%s: unsupported type %T", label, v)
	}
	return out
}

func breaksFromText(s, label string, probs *problems) []BreakInterval {
	out := []BreakInterval{}
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == '|' || r == '\n'
	})
	for _, f := range fields {
		if strings.TrimSpace(f) == "" {
			continue
		}
		if b, ok := rangeFromText(f); ok {
			out = append(out, b)
		} else {
			probs.addf("%s: dropped break %q", label, strings.TrimSpace(f))
		}
	}
	return out
}

func breakFrom(v any) (BreakInterval, bool) {
	switch t := v.(type) {
	case string:
		return rangeFromText(t)
	case []any:
		if len(t) != 2 {
			return BreakInterval{}, false
		}
		start, ok1 := timeFrom(t[0])
		end, ok2 := timeFrom(t[1])
		b := BreakInterval{Start: start, End: end}
		return b, ok1 && ok2 && b.Valid()
	case map[string]any:
		startRaw, _ := firstOf(t, "start", "from")
		endRaw, _ := firstOf(t, "end", "to")
		start, ok1 := timeFrom(startRaw)
		end, ok2 := timeFrom(endRaw)
		b := BreakInterval{Start: start, End: end}
		return b, ok1 && ok2 && b.Valid()
	}
	return BreakInterval{}, false
}

func rangeFromText(s string) (BreakInterval, bool) {
	a, b, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return BreakInterval{}, false
	}
	start, err1 := ParseTimeOfDay(strings.TrimSpace(a))
	end, err2 := ParseTimeOfDay(strings.TrimSpace(b))
	r := BreakInterval{Start: start, End: end}
	return r, err1 == nil && err2 == nil && r.Valid()
}

func timeFrom(v any) (TimeOfDay, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	t, err := ParseTimeOfDay(strings.TrimSpace(s))
	return t, err == nil
}

func firstOf(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}

// decodeEmbedded unwraps JSON that was stored as a string.
func decodeEmbedded(s string) (any, bool) {
	s = strings.TrimSpace(s)
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	return v, true
}

// sortedKeys orders numeric keys numerically and everything else after
// them lexicographically.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ni, errI := strconv.Atoi(keys[i])
		nj, errJ := strconv.Atoi(keys[j])
		switch {
		case errI == nil && errJ == nil:
			return ni < nj
		case errI == nil:
			return true
		case errJ == nil:
			return false
		}
		return keys[i] < keys[j]
	})
	return keys
}
