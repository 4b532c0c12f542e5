// Package task defines the scheduled task record shared by the store, the scheduler and the
// actor runtime.
package task

import (
	"time"
)

// Kind identifies how a task's due time is derived
type Kind string

const (
	// KindDelayed is a one-shot task due a relative delay after creation
	KindDelayed Kind = "delayed"
	// KindScheduled is a one-shot task due at an absolute time
	KindScheduled Kind = "scheduled"
	// KindCron is a recurring task whose due time follows a cron expression
	KindCron Kind = "cron"
)

// DefaultMaxPayloadBytes bounds the serialized payload of a single task
const DefaultMaxPayloadBytes = 128 * 1024

// Valid reports whether k is one of the known kinds
func (k Kind) Valid() bool {
	switch k {
	case KindDelayed, KindScheduled, KindCron:
		return true
	}
	return false
}

// Recurring reports whether tasks of this kind survive a successful firing
func (k Kind) Recurring() bool {
	return k == KindCron
}

// ScheduledTask is one logical timer owned by an actor instance
type ScheduledTask struct {
	// ID is the opaque unique identifier generated at creation
	ID string `json:"id"`
	// Kind is delayed, scheduled or cron
	Kind Kind `json:"type"`
	// DueAt is the next absolute wake time (UTC, millisecond precision)
	DueAt time.Time `json:"due_at"`
	// Callback names the actor callback invoked when the task fires
	Callback string `json:"callback"`
	// Payload is the serialized callback argument (see internal/serialization)
	Payload []byte `json:"payload,omitempty"`
	// DelaySeconds is the requested delay for delayed tasks
	DelaySeconds int64 `json:"delay_seconds,omitempty"`
	// Cron is the expression used to recompute DueAt for recurring tasks
	Cron string `json:"cron,omitempty"`
	// Timezone is the IANA zone cron expressions are evaluated in (default UTC)
	Timezone string `json:"timezone,omitempty"`
	// Seq is the insertion sequence assigned by the store; it breaks DueAt ties
	Seq int64 `json:"seq"`
	// Attempts counts consecutive failed invocations of the current firing
	Attempts int `json:"attempts"`
	// LastError holds the most recent callback failure
	LastError string `json:"last_error,omitempty"`
	// CreatedAt is when the task was scheduled
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the record was last written
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate it without touching cached records
func (t *ScheduledTask) Clone() *ScheduledTask {
	if t == nil {
		return nil
	}
	c := *t
	if t.Payload != nil {
		c.Payload = append([]byte(nil), t.Payload...)
	}
	return &c
}

// Before orders tasks by due time, then insertion sequence
func (t *ScheduledTask) Before(o *ScheduledTask) bool {
	if !t.DueAt.Equal(o.DueAt) {
		return t.DueAt.Before(o.DueAt)
	}
	return t.Seq < o.Seq
}

// Touch updates UpdatedAt
func (t *ScheduledTask) Touch(now time.Time) {
	t.UpdatedAt = now.UTC()
}

// Filter narrows a task listing. Zero values mean "no constraint".
type Filter struct {
	// Kind restricts the listing to one task kind
	Kind Kind
	// From is the inclusive lower bound on DueAt
	From time.Time
	// To is the inclusive upper bound on DueAt
	To time.Time
}

// Matches reports whether t satisfies the filter
func (f Filter) Matches(t *ScheduledTask) bool {
	if f.Kind != "" && t.Kind != f.Kind {
		return false
	}
	if !f.From.IsZero() && t.DueAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && t.DueAt.After(f.To) {
		return false
	}
	return true
}

// Millis truncates a timestamp to the precision stored by every backend
func Millis(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli()).UTC()
}

// Validate checks the fields every store requires before admitting a task
func Validate(t *ScheduledTask, maxPayload int) error {
	if t == nil {
		return &ValidationError{Field: "task", Reason: "task is nil"}
	}
	if t.ID == "" {
		return &ValidationError{Field: "id", Reason: "task ID cannot be empty"}
	}
	if t.Callback == "" {
		return &ValidationError{Field: "callback", Reason: "callback name cannot be empty"}
	}
	if !t.Kind.Valid() {
		return &ValidationError{Field: "type", Reason: "unknown task type " + string(t.Kind)}
	}
	if t.Kind == KindCron && t.Cron == "" {
		return &ValidationError{Field: "cron", Reason: "cron task requires an expression"}
	}
	if t.DueAt.IsZero() {
		return &ValidationError{Field: "due_at", Reason: "due time cannot be zero"}
	}
	if maxPayload > 0 && len(t.Payload) > maxPayload {
		return &ValidationError{
			Field:  "payload",
			Reason: "payload exceeds size bound",
			Limit:  maxPayload,
			Actual: len(t.Payload),
		}
	}
	return nil
}
