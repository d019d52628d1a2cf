package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed schedule expression. Supported forms are the named
// ones (@hourly, @daily, @weekly, @monthly, @yearly/@annually) and
// "@every <duration>", where duration also accepts a "d" suffix for days.
type Schedule struct {
	expr string
	next func(time.Time) time.Time
}

// ParseSchedule parses expr once so Next never fails.
func ParseSchedule(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	s := Schedule{expr: expr}
	switch expr {
	case "@yearly", "@annually":
		s.next = nextYear
	case "@monthly":
		s.next = nextMonth
	case "@weekly":
		s.next = nextWeek
	case "@daily":
		s.next = nextDay
	case "@hourly":
		s.next = nextHour
	default:
		spec, ok := strings.CutPrefix(expr, "@every ")
		if !ok {
			return Schedule{}, fmt.Errorf("unsupported schedule %q: use @every <duration> or a named schedule", expr)
		}
		d, err := parseEvery(strings.TrimSpace(spec))
		if err != nil {
			return Schedule{}, err
		}
		s.next = func(t time.Time) time.Time { return t.Add(d) }
	}
	return s, nil
}

// Next returns the first run time strictly after t.
func (s Schedule) Next(t time.Time) time.Time { return s.next(t) }

func (s Schedule) String() string { return s.expr }

func parseEvery(spec string) (time.Duration, error) {
	var d time.Duration
	if days, ok := strings.CutSuffix(spec, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration: %s", spec)
		}
		d = time.Duration(n) * 24 * time.Hour
	} else {
		var err error
		if d, err = time.ParseDuration(spec); err != nil {
			return 0, fmt.Errorf("invalid duration: %s", spec)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive: %s", spec)
	}
	return d, nil
}

func nextYear(t time.Time) time.Time {
	return time.Date(t.Year()+1, 1, 1, 0, 0, 0, 0, t.Location())
}

func nextMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
}

// nextWeek is the next Sunday at midnight.
func nextWeek(t time.Time) time.Time {
	days := (7 - int(t.Weekday())) % 7
	if days == 0 {
		days = 7
	}
	return time.Date(t.Year(), t.Month(), t.Day()+days, 0, 0, 0, 0, t.Location())
}

func nextDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
}

func nextHour(t time.Time) time.Time {
	return t.Add(time.Hour).Truncate(time.Hour)
}
