package actor

import (
	"context"

	"github.com/muaviaUsmani/plantain/internal/logger"
	"github.com/muaviaUsmani/plantain/internal/schedule"
	"github.com/muaviaUsmani/plantain/internal/serialization"
	"github.com/muaviaUsmani/plantain/internal/store"
	"github.com/muaviaUsmani/plantain/internal/task"
)

// Context is handed to callbacks and to Instance.Do. It is only valid until the callback
// returns; the instance lock is held for its whole lifetime.
type Context struct {
	// Actor is the instance name
	Actor string
	// Task is the firing task; nil outside a firing
	Task *task.ScheduledTask
	// Attempt is 1 on the first run of a firing and grows with each retry
	Attempt int
	// State is the durable actor state. Writes are committed before they return.
	State store.KV
	// Logger carries the actor, task and callback fields
	Logger logger.Logger

	inst *Instance
}

// DecodePayload decodes the task payload into v
func (c *Context) DecodePayload(v interface{}) error {
	if c.Task == nil || len(c.Task.Payload) == 0 {
		return nil
	}
	return serialization.Default.Decode(c.Task.Payload, v)
}

// Schedule schedules a follow-up task on this actor. payload is encoded with the default
// serializer; pass nil for no payload.
func (c *Context) Schedule(ctx context.Context, trigger schedule.Trigger, callback string, payload interface{}) (*task.ScheduledTask, error) {
	data, err := serialization.Default.Encode(payload)
	if err != nil {
		return nil, &task.ValidationError{Field: "payload", Reason: err.Error()}
	}
	return c.inst.sched.Schedule(ctx, trigger, callback, data)
}

// Cancel cancels a task of this actor, including the one currently firing
func (c *Context) Cancel(ctx context.Context, id string) (bool, error) {
	return c.inst.sched.Cancel(ctx, id)
}

// Schedules lists this actor's tasks
func (c *Context) Schedules(ctx context.Context, f task.Filter) ([]*task.ScheduledTask, error) {
	return c.inst.sched.List(ctx, f)
}
