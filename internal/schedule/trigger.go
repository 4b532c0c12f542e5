// Package schedule turns trigger specifications (relative delay, absolute time or cron
// expression) into task due times.
package schedule

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/muaviaUsmani/plantain/internal/task"
)

// Trigger describes when a task fires. Build one with After, At or Cron.
type Trigger struct {
	Kind     task.Kind
	Delay    time.Duration
	At       time.Time
	Cron     string
	Timezone string
}

// After fires once, d from now
func After(d time.Duration) Trigger {
	return Trigger{Kind: task.KindDelayed, Delay: d}
}

// At fires once at t. Times in the past are due immediately.
func At(t time.Time) Trigger {
	return Trigger{Kind: task.KindScheduled, At: t}
}

// Cron fires every time expr matches in zone tz (empty means UTC)
func Cron(expr, tz string) Trigger {
	return Trigger{Kind: task.KindCron, Cron: strings.TrimSpace(expr), Timezone: strings.TrimSpace(tz)}
}

// Validate checks the trigger without resolving it
func (t Trigger) Validate(now time.Time) error {
	switch t.Kind {
	case task.KindDelayed:
		if t.Delay < 0 {
			return &task.ValidationError{Field: "trigger", Reason: "delay cannot be negative"}
		}
	case task.KindScheduled:
		if t.At.IsZero() {
			return &task.ValidationError{Field: "trigger", Reason: "absolute time cannot be zero"}
		}
	case task.KindCron:
		return ValidateCron(t.Cron, t.Timezone, now)
	default:
		return &task.ValidationError{Field: "trigger", Reason: "trigger must be a delay, an absolute time or a cron expression"}
	}
	return nil
}

// Resolve computes the first due time: now+delay, the absolute time, or the next cron match
// strictly after now
func (t Trigger) Resolve(now time.Time) (time.Time, error) {
	if err := t.Validate(now); err != nil {
		return time.Time{}, err
	}

	switch t.Kind {
	case task.KindDelayed:
		return task.Millis(now.Add(t.Delay)), nil
	case task.KindScheduled:
		return task.Millis(t.At), nil
	default:
		return NextCron(t.Cron, t.Timezone, now)
	}
}

// Apply resolves the trigger and writes the trigger fields onto st
func (t Trigger) Apply(st *task.ScheduledTask, now time.Time) error {
	due, err := t.Resolve(now)
	if err != nil {
		return err
	}

	st.Kind = t.Kind
	st.DueAt = due
	st.DelaySeconds = 0
	st.Cron = ""
	st.Timezone = ""

	switch t.Kind {
	case task.KindDelayed:
		st.DelaySeconds = int64(t.Delay / time.Second)
	case task.KindCron:
		st.Cron = t.Cron
		st.Timezone = t.Timezone
	}
	return nil
}

func (t Trigger) String() string {
	switch t.Kind {
	case task.KindDelayed:
		return "delay:" + t.Delay.String()
	case task.KindScheduled:
		return "at:" + t.At.UTC().Format(time.RFC3339)
	case task.KindCron:
		if t.Timezone != "" {
			return fmt.Sprintf("cron:%s (%s)", t.Cron, t.Timezone)
		}
		return "cron:" + t.Cron
	}
	return "invalid"
}

// ParseTrigger parses the textual trigger form used by the HTTP API and the CLI.
//
// Supported forms:
//   - delay: "90s", "1h30m", or a bare integer number of seconds ("60")
//   - absolute: RFC3339 ("2026-01-02T08:00:00Z") or local layouts like "2026-01-02 08:00"
//   - cron: anything containing whitespace or starting with '@' ("0 8 * * *", "@daily")
//
// The prefixes "delay:", "at:" and "cron:" force a kind. tz is the zone for cron
// expressions and for absolute times without an offset.
func ParseTrigger(raw, tz string) (Trigger, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Trigger{}, &task.ValidationError{Field: "trigger", Reason: "trigger required"}
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "delay:"):
		return parseDelay(strings.TrimSpace(s[len("delay:"):]))
	case strings.HasPrefix(low, "at:"):
		return parseAt(strings.TrimSpace(s[len("at:"):]), tz)
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Trigger{}, &task.ValidationError{Field: "cron", Reason: "cron expression required after 'cron:'"}
		}
		return Cron(expr, tz), nil
	}

	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		if tr, err := parseAt(s, tz); err == nil {
			return tr, nil
		}
		return Cron(s, tz), nil
	}

	if tr, err := parseDelay(s); err == nil {
		return tr, nil
	}
	if tr, err := parseAt(s, tz); err == nil {
		return tr, nil
	}
	return Trigger{}, &task.ValidationError{Field: "trigger", Reason: fmt.Sprintf("unrecognized trigger %q", s)}
}

// maxDelaySeconds is the largest whole-second delay a time.Duration can hold
const maxDelaySeconds = math.MaxInt64 / int64(time.Second)

// AfterSeconds fires once, secs seconds from now. Negative delays and delays too large for
// a time.Duration are rejected.
func AfterSeconds(secs int64) (Trigger, error) {
	if secs < 0 {
		return Trigger{}, &task.ValidationError{Field: "trigger", Reason: "delay cannot be negative"}
	}
	if secs > maxDelaySeconds {
		return Trigger{}, &task.ValidationError{Field: "trigger", Reason: fmt.Sprintf("delay of %d seconds exceeds the maximum of %d", secs, maxDelaySeconds)}
	}
	return After(time.Duration(secs) * time.Second), nil
}

func parseDelay(s string) (Trigger, error) {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return AfterSeconds(secs)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return Trigger{}, &task.ValidationError{Field: "trigger", Reason: fmt.Sprintf("invalid delay %q", s)}
	}
	if d < 0 {
		return Trigger{}, &task.ValidationError{Field: "trigger", Reason: "delay cannot be negative"}
	}
	return After(d), nil
}

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

func parseAt(s, tz string) (Trigger, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return At(t), nil
	}

	loc, err := LoadLocation(tz)
	if err != nil {
		return Trigger{}, err
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return At(t), nil
		}
	}
	return Trigger{}, &task.ValidationError{Field: "trigger", Reason: fmt.Sprintf("invalid time %q: expected RFC3339 or 2006-01-02 15:04", s)}
}
