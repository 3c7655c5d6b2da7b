package scheduler

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Schedule decides when a task runs next.
type Schedule interface {
	// Next returns the first run time strictly after after. The zero time
	// means never.
	Next(after time.Time) time.Time
}

// Interval runs a task every d.
type Interval time.Duration

// Every returns an interval schedule.
func Every(d time.Duration) Interval { return Interval(d) }

func (i Interval) Next(after time.Time) time.Time {
	return after.Add(time.Duration(i))
}

func (i Interval) String() string { return "every " + time.Duration(i).String() }

// CronSchedule is a five-field cron expression:
// minute hour day-of-month month day-of-week. Fields accept *, */n, n-m,
// n-m/s and comma lists.
type CronSchedule struct {
	expr        string
	minutes     []int
	hours       []int
	daysOfMonth []int
	months      []int
	daysOfWeek  []int
}

var cronFields = []struct {
	name     string
	min, max int
}{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// Cron parses a cron expression, for example "30 3 * * *" for 03:30 daily.
func Cron(expr string) (*CronSchedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != len(cronFields) {
		return nil, fmt.Errorf("invalid cron expression %q: expected 5 fields, got %d", expr, len(parts))
	}
	vals := make([][]int, len(parts))
	for i, f := range cronFields {
		v, err := parseCronField(parts[i], f.min, f.max)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", f.name, err)
		}
		vals[i] = v
	}
	return &CronSchedule{
		expr:        expr,
		minutes:     vals[0],
		hours:       vals[1],
		daysOfMonth: vals[2],
		months:      vals[3],
		daysOfWeek:  vals[4],
	}, nil
}

func (s *CronSchedule) String() string { return s.expr }

// Next returns the next matching minute after after.
func (s *CronSchedule) Next(after time.Time) time.Time {
	t := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.AddDate(4, 0, 0)

	for t.Before(limit) {
		if !slices.Contains(s.months, int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !s.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !slices.Contains(s.hours, t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
			continue
		}
		if !slices.Contains(s.minutes, t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

// dayMatches follows cron: when both day fields are restricted either may
// match.
func (s *CronSchedule) dayMatches(t time.Time) bool {
	dom := slices.Contains(s.daysOfMonth, t.Day())
	dow := slices.Contains(s.daysOfWeek, int(t.Weekday()))
	domAny := len(s.daysOfMonth) == 31
	dowAny := len(s.daysOfWeek) == 7
	switch {
	case domAny && dowAny:
		return true
	case domAny:
		return dow
	case dowAny:
		return dom
	}
	return dom || dow
}

func parseCronField(field string, min, max int) ([]int, error) {
	var values []int
	for _, part := range strings.Split(field, ",") {
		step := 1
		if base, s, ok := strings.Cut(part, "/"); ok {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid step: %s", part)
			}
			step, part = n, base
		}

		lo, hi := min, max
		switch {
		case part == "*":
		case strings.Contains(part, "-"):
			a, b, _ := strings.Cut(part, "-")
			var err1, err2 error
			lo, err1 = strconv.Atoi(a)
			hi, err2 = strconv.Atoi(b)
			if err1 != nil || err2 != nil || lo < min || hi > max || lo > hi {
				return nil, fmt.Errorf("invalid range: %s", part)
			}
		default:
			v, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid value: %s", part)
			}
			if v < min || v > max {
				return nil, fmt.Errorf("value out of range: %d", v)
			}
			lo, hi = v, v
		}
		for i := lo; i <= hi; i += step {
			values = append(values, i)
		}
	}
	slices.Sort(values)
	return slices.Compact(values), nil
}

// Parse reads a refresh setting: a Go duration ("6h") or a cron expression.
func Parse(s string) (Schedule, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		if d < time.Minute {
			return nil, fmt.Errorf("interval %s is shorter than a minute", d)
		}
		return Every(d), nil
	}
	return Cron(s)
}
