// Package dateparse parses the lower bounds accepted by --since flags into
// absolute times.
package dateparse

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseSince parses a --since value relative to the current time.
func ParseSince(input string) (time.Time, error) {
	return ParseSinceFrom(input, time.Now())
}

// ParseSinceFrom parses a --since value relative to now.
//
// Supported formats:
//   - Timestamps: "2026-03-01T09:30:00Z" (RFC 3339)
//   - Dates: "2026-03-01" (midnight, local to now)
//   - Durations: "90m", "2h30m"
//   - Days, weeks and months back: "7d", "2w", "1mo"
//   - Keywords: "today", "yesterday", "this-week" (Monday)
//   - Day names: "monday" (most recent, never today)
func ParseSinceFrom(input string, now time.Time) (time.Time, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return time.Time{}, fmt.Errorf("empty since")
	}

	if t, err := time.Parse(time.RFC3339Nano, input); err == nil {
		return t, nil
	}

	input = strings.ToLower(input)
	if t, err := time.ParseInLocation("2006-01-02", input, now.Location()); err == nil {
		return t, nil
	}

	midnight := startOfDay(now)
	switch input {
	case "today":
		return midnight, nil
	case "yesterday":
		return midnight.AddDate(0, 0, -1), nil
	case "this-week":
		back := (int(now.Weekday()) - int(time.Monday) + 7) % 7
		return midnight.AddDate(0, 0, -back), nil
	}

	// Go durations have no day unit, so calendar offsets are handled here.
	// "m" stays minutes; months use "mo".
	if n, ok := countWithSuffix(input, "mo"); ok {
		return now.AddDate(0, -n, 0), nil
	}
	if n, ok := countWithSuffix(input, "d"); ok {
		return now.AddDate(0, 0, -n), nil
	}
	if n, ok := countWithSuffix(input, "w"); ok {
		return now.AddDate(0, 0, -7*n), nil
	}

	if d, err := time.ParseDuration(input); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("negative since %q", input)
		}
		return now.Add(-d), nil
	}

	if target, ok := weekdays[input]; ok {
		back := (int(now.Weekday()) - int(target) + 7) % 7
		if back == 0 {
			back = 7
		}
		return midnight.AddDate(0, 0, -back), nil
	}

	return time.Time{}, fmt.Errorf("unrecognized since %q", input)
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func countWithSuffix(input, suffix string) (int, bool) {
	digits, ok := strings.CutSuffix(input, suffix)
	if !ok || digits == "" {
		return 0, false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(digits)
	return n, err == nil
}
