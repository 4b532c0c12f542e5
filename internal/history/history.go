// Package history records the outcome of task firings so failed and dropped tasks stay
// visible after they leave the timer store.
package history

import (
	"context"
	"time"

	"github.com/muaviaUsmani/plantain/internal/task"
)

// Status is the outcome of one firing
type Status string

const (
	// StatusSucceeded means the callback returned without error
	StatusSucceeded Status = "succeeded"
	// StatusFailed means the callback failed and the task is pending a retry
	StatusFailed Status = "failed"
	// StatusDropped means the task was removed without a successful run
	StatusDropped Status = "dropped"
)

// Firing describes one callback invocation, or one task dropped instead of invoked
type Firing struct {
	Actor    string        `json:"actor"`
	TaskID   string        `json:"task_id"`
	Callback string        `json:"callback"`
	Kind     task.Kind     `json:"type"`
	Status   Status        `json:"status"`
	Attempt  int           `json:"attempt"`
	Error    string        `json:"error,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	FiredAt  time.Time     `json:"fired_at"`
	Duration time.Duration `json:"duration"`
}

// IsFailure reports whether the firing did not succeed
func (f *Firing) IsFailure() bool {
	return f.Status != StatusSucceeded
}

// Recorder stores firings
type Recorder interface {
	Record(ctx context.Context, f *Firing) error
}

// Store reads recorded firings back
type Store interface {
	Recorder

	// Latest returns the most recent firing of a task, or nil when none is recorded
	Latest(ctx context.Context, actor, taskID string) (*Firing, error)

	// Wait blocks until a firing of the task is recorded or timeout passes.
	// It returns nil and no error on timeout.
	Wait(ctx context.Context, actor, taskID string, timeout time.Duration) (*Firing, error)

	// Delete removes the recorded firing; deleting a missing record is not an error
	Delete(ctx context.Context, actor, taskID string) error
}

// Nop discards every firing
type Nop struct{}

func (Nop) Record(context.Context, *Firing) error { return nil }

// OrNop returns r, or Nop when r is nil
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}
