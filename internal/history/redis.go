package history

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/plantain/internal/task"
)

const notifyReady = "ready"

// RedisRecorder keeps the latest firing of each task in a hash that expires after the
// success or failure TTL, and announces new records on a pub/sub channel.
//
//	plantain:history:<actor>:<task>         HASH
//	plantain:history:notify:<actor>:<task>  channel
type RedisRecorder struct {
	client     *redis.Client
	prefix     string
	successTTL time.Duration
	failureTTL time.Duration
}

// NewRedisRecorder creates a recorder over client. Failed and dropped firings usually get a
// longer TTL than successful ones so they can be investigated.
func NewRedisRecorder(client *redis.Client, successTTL, failureTTL time.Duration) *RedisRecorder {
	return &RedisRecorder{
		client:     client,
		prefix:     "plantain:history:",
		successTTL: successTTL,
		failureTTL: failureTTL,
	}
}

func (r *RedisRecorder) key(actor, taskID string) string {
	return r.prefix + actor + ":" + taskID
}

func (r *RedisRecorder) channel(actor, taskID string) string {
	return r.prefix + "notify:" + actor + ":" + taskID
}

// Record stores f, replacing the previous firing of the same task
func (r *RedisRecorder) Record(ctx context.Context, f *Firing) error {
	key := r.key(f.Actor, f.TaskID)

	data := map[string]interface{}{
		"callback":    f.Callback,
		"type":        string(f.Kind),
		"status":      string(f.Status),
		"attempt":     f.Attempt,
		"fired_at":    f.FiredAt.UTC().Format(time.RFC3339Nano),
		"duration_ms": f.Duration.Milliseconds(),
		"error":       f.Error,
		"reason":      f.Reason,
	}

	ttl := r.successTTL
	if f.IsFailure() {
		ttl = r.failureTTL
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, data)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	pipe.Publish(ctx, r.channel(f.Actor, f.TaskID), notifyReady)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record firing: %w", err)
	}
	return nil
}

// Latest returns the most recent firing of a task, or nil when none is recorded
func (r *RedisRecorder) Latest(ctx context.Context, actor, taskID string) (*Firing, error) {
	data, err := r.client.HGetAll(ctx, r.key(actor, taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get firing: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	f := &Firing{
		Actor:    actor,
		TaskID:   taskID,
		Callback: data["callback"],
		Kind:     task.Kind(data["type"]),
		Status:   Status(data["status"]),
		Error:    data["error"],
		Reason:   data["reason"],
	}
	if v, err := strconv.Atoi(data["attempt"]); err == nil {
		f.Attempt = v
	}
	if v, err := time.Parse(time.RFC3339Nano, data["fired_at"]); err == nil {
		f.FiredAt = v
	}
	if v, err := strconv.ParseInt(data["duration_ms"], 10, 64); err == nil {
		f.Duration = time.Duration(v) * time.Millisecond
	}
	return f, nil
}

// Wait subscribes before checking for an existing record so a firing recorded in between
// is not missed
func (r *RedisRecorder) Wait(ctx context.Context, actor, taskID string, timeout time.Duration) (*Firing, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pubsub := r.client.Subscribe(waitCtx, r.channel(actor, taskID))
	defer pubsub.Close()

	if _, err := pubsub.Receive(waitCtx); err != nil {
		if waitCtx.Err() != nil && ctx.Err() == nil {
			return r.Latest(ctx, actor, taskID)
		}
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	f, err := r.Latest(ctx, actor, taskID)
	if err != nil || f != nil {
		return f, err
	}

	select {
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// one last look in case the notification raced the timeout
		return r.Latest(ctx, actor, taskID)
	case msg, ok := <-pubsub.Channel():
		if !ok || msg == nil || msg.Payload != notifyReady {
			return nil, nil
		}
		return r.Latest(ctx, actor, taskID)
	}
}

// Delete removes the recorded firing of a task
func (r *RedisRecorder) Delete(ctx context.Context, actor, taskID string) error {
	if err := r.client.Del(ctx, r.key(actor, taskID)).Err(); err != nil {
		return fmt.Errorf("failed to delete firing: %w", err)
	}
	return nil
}
