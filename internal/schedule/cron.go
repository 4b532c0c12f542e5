package schedule

import (
	"fmt"
	"strings"
	"time"
	// zone data for containers without /usr/share/zoneinfo
	_ "time/tzdata"

	"github.com/robfig/cron/v3"

	"github.com/muaviaUsmani/plantain/internal/task"
)

// parser accepts standard 5-field expressions and descriptors such as @daily and @every 1h
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// LoadLocation resolves an IANA zone name. Empty means UTC.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "UTC") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, &task.ValidationError{Field: "timezone", Reason: fmt.Sprintf("unknown timezone %q", name)}
	}
	return loc, nil
}

// ValidateCron checks that expr parses and fires at least once after now
func ValidateCron(expr, tz string, now time.Time) error {
	_, err := NextCron(expr, tz, now)
	return err
}

// NextCron returns the first time strictly after `after` that matches expr in zone tz,
// truncated to millisecond precision and expressed in UTC
func NextCron(expr, tz string, after time.Time) (time.Time, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return time.Time{}, &task.ValidationError{Field: "cron", Reason: "cron expression cannot be empty"}
	}

	loc, err := LoadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}

	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, &task.ValidationError{Field: "cron", Reason: fmt.Sprintf("invalid cron expression %q: %v", expr, err)}
	}

	next := sched.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, &task.ValidationError{Field: "cron", Reason: fmt.Sprintf("cron expression %q never fires", expr)}
	}
	return task.Millis(next), nil
}
