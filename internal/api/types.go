package api

import (
	"encoding/json"
	"time"

	"github.com/muaviaUsmani/plantain/internal/schedule"
	"github.com/muaviaUsmani/plantain/internal/serialization"
	"github.com/muaviaUsmani/plantain/internal/task"
)

// TriggerSpec is the wire form of a trigger. Exactly one of DelaySeconds, At, Cron or
// Expr must be set; Expr accepts the free-form syntax of schedule.ParseTrigger.
type TriggerSpec struct {
	DelaySeconds *int64 `json:"delay_seconds,omitempty"`
	At           string `json:"at,omitempty"`
	Cron         string `json:"cron,omitempty"`
	Expr         string `json:"expr,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
}

// Trigger converts the request trigger into a schedule.Trigger
func (s TriggerSpec) Trigger() (schedule.Trigger, error) {
	set := 0
	for _, ok := range []bool{s.DelaySeconds != nil, s.At != "", s.Cron != "", s.Expr != ""} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return schedule.Trigger{}, &task.ValidationError{Field: "trigger", Reason: "exactly one of delay_seconds, at, cron or expr is required"}
	}

	switch {
	case s.DelaySeconds != nil:
		return schedule.AfterSeconds(*s.DelaySeconds)
	case s.At != "":
		return schedule.ParseTrigger("at:"+s.At, s.Timezone)
	case s.Cron != "":
		return schedule.Cron(s.Cron, s.Timezone), nil
	default:
		return schedule.ParseTrigger(s.Expr, s.Timezone)
	}
}

// ScheduleRequest is the body of POST /actors/{name}/schedules. Payload carries plain JSON;
// PayloadBytes carries an already encoded payload (see internal/serialization), for example
// a protobuf message. At most one of them may be set.
type ScheduleRequest struct {
	Trigger      TriggerSpec     `json:"trigger"`
	Callback     string          `json:"callback"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	PayloadBytes []byte          `json:"payload_bytes,omitempty"`
}

func (r *ScheduleRequest) payload() ([]byte, error) {
	if len(r.Payload) > 0 && len(r.PayloadBytes) > 0 {
		return nil, &task.ValidationError{Field: "payload", Reason: "payload and payload_bytes are mutually exclusive"}
	}
	if len(r.PayloadBytes) > 0 {
		if _, _, err := serialization.DetectFormat(r.PayloadBytes); err != nil {
			return nil, &task.ValidationError{Field: "payload", Reason: err.Error()}
		}
		return r.PayloadBytes, nil
	}
	if len(r.Payload) == 0 || string(r.Payload) == "null" {
		return nil, nil
	}
	data, err := serialization.EncodeRawJSON(r.Payload)
	if err != nil {
		return nil, &task.ValidationError{Field: "payload", Reason: err.Error()}
	}
	return data, nil
}

// Task is the wire view of a scheduled task
type Task struct {
	ID             string          `json:"id"`
	Type           task.Kind       `json:"type"`
	Time           int64           `json:"time"`
	Callback       string          `json:"callback"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	PayloadBytes   []byte          `json:"payload_bytes,omitempty"`
	Cron           string          `json:"cron,omitempty"`
	Timezone       string          `json:"timezone,omitempty"`
	DelayInSeconds int64           `json:"delay_in_seconds,omitempty"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"last_error,omitempty"`
}

// DueAt returns Time as a UTC timestamp
func (t *Task) DueAt() time.Time {
	return time.UnixMilli(t.Time).UTC()
}

// NewTask builds the wire view of t. JSON payloads are inlined; anything else is returned
// as encoded bytes.
func NewTask(t *task.ScheduledTask) *Task {
	v := &Task{
		ID:             t.ID,
		Type:           t.Kind,
		Time:           t.DueAt.UnixMilli(),
		Callback:       t.Callback,
		Cron:           t.Cron,
		Timezone:       t.Timezone,
		DelayInSeconds: t.DelaySeconds,
		Attempts:       t.Attempts,
		LastError:      t.LastError,
	}
	if body, ok := serialization.JSONView(t.Payload); ok {
		v.Payload = body
	} else if len(t.Payload) > 0 {
		v.PayloadBytes = t.Payload
	}
	return v
}

// CancelResponse is the body of DELETE /actors/{name}/schedules/{id}
type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
}
