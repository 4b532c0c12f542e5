package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/plantain/internal/logger"
	"github.com/muaviaUsmani/plantain/internal/task"
)

// DefaultKeyPrefix namespaces every key plantain writes to Redis
const DefaultKeyPrefix = "plantain:"

// ConnectRedis parses redisURL, creates a client and tests the connection
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisBackend keeps each actor's tasks in a due-time ZSET plus one JSON record per task.
//
// Keys, for actor A:
//
//	plantain:actor:A:tasks       ZSET  member = task ID, score = DueAt (unix ms)
//	plantain:actor:A:task:<id>   STRING JSON record
//	plantain:actor:A:seq         STRING insertion counter
//	plantain:actor:A:state       HASH  actor state
//	plantain:actors              SET   actors that own at least one task
type RedisBackend struct {
	client    *redis.Client
	keyPrefix string
	actorsKey string
	opts      Options
	log       logger.Logger
}

// NewRedisBackend wraps an existing client. The caller keeps ownership of the client.
func NewRedisBackend(client *redis.Client, opts Options) *RedisBackend {
	return &RedisBackend{
		client:    client,
		keyPrefix: DefaultKeyPrefix,
		actorsKey: DefaultKeyPrefix + "actors",
		opts:      opts,
		log:       opts.log(),
	}
}

func (b *RedisBackend) actorKey(actor, suffix string) string {
	var sb strings.Builder
	sb.Grow(len(b.keyPrefix) + len("actor:") + len(actor) + 1 + len(suffix))
	sb.WriteString(b.keyPrefix)
	sb.WriteString("actor:")
	sb.WriteString(actor)
	sb.WriteByte(':')
	sb.WriteString(suffix)
	return sb.String()
}

// TimerStore returns the timer store of actor
func (b *RedisBackend) TimerStore(actor string) Store {
	return &redisStore{
		backend:  b,
		actor:    actor,
		tasksKey: b.actorKey(actor, "tasks"),
		seqKey:   b.actorKey(actor, "seq"),
	}
}

// StateStore returns the key/value state of actor
func (b *RedisBackend) StateStore(actor string) KV {
	return &redisKV{client: b.client, key: b.actorKey(actor, "state")}
}

// Actors lists actors that own at least one task
func (b *RedisBackend) Actors(ctx context.Context) ([]string, error) {
	actors, err := b.client.SMembers(ctx, b.actorsKey).Result()
	if err != nil {
		return nil, task.Storage("actors", err)
	}
	return actors, nil
}

// Ping tests the connection
func (b *RedisBackend) Ping(ctx context.Context) error {
	return task.Storage("ping", b.client.Ping(ctx).Err())
}

// Close is a no-op; the client belongs to the caller
func (b *RedisBackend) Close() error {
	return nil
}

type redisStore struct {
	backend  *RedisBackend
	actor    string
	tasksKey string
	seqKey   string
}

func (s *redisStore) taskKey(id string) string {
	return s.backend.actorKey(s.actor, "task:"+id)
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (s *redisStore) Put(ctx context.Context, t *task.ScheduledTask) error {
	if err := task.Validate(t, s.backend.opts.payloadLimit()); err != nil {
		return err
	}

	client := s.backend.client

	existing, err := s.Get(ctx, t.ID)
	switch {
	case err == nil:
		t.Seq = existing.Seq
	case errors.Is(err, task.ErrNotFound):
		seq, err := client.Incr(ctx, s.seqKey).Result()
		if err != nil {
			return task.Storage("put", fmt.Errorf("failed to allocate sequence: %w", err))
		}
		t.Seq = seq
	default:
		return err
	}

	t.DueAt = task.Millis(t.DueAt)
	data, err := json.Marshal(t)
	if err != nil {
		return task.Storage("put", fmt.Errorf("failed to marshal task: %w", err))
	}

	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.taskKey(t.ID), data, 0)
		pipe.ZAdd(ctx, s.tasksKey, redis.Z{Score: score(t.DueAt), Member: t.ID})
		pipe.SAdd(ctx, s.backend.actorsKey, s.actor)
		return nil
	})
	if err != nil {
		return task.Storage("put", fmt.Errorf("failed to write task: %w", err))
	}
	return nil
}

func (s *redisStore) Get(ctx context.Context, id string) (*task.ScheduledTask, error) {
	data, err := s.backend.client.Get(ctx, s.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, task.Storage("get", err)
	}

	var t task.ScheduledTask
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, task.Storage("get", fmt.Errorf("failed to unmarshal task %s: %w", id, err))
	}
	return &t, nil
}

func (s *redisStore) Remove(ctx context.Context, id string) (bool, error) {
	var del *redis.IntCmd
	var zrem *redis.IntCmd
	var card *redis.IntCmd

	_, err := s.backend.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.taskKey(id))
		zrem = pipe.ZRem(ctx, s.tasksKey, id)
		card = pipe.ZCard(ctx, s.tasksKey)
		return nil
	})
	if err != nil {
		return false, task.Storage("remove", err)
	}

	if card.Val() == 0 {
		if err := s.backend.client.SRem(ctx, s.backend.actorsKey, s.actor).Err(); err != nil {
			return false, task.Storage("remove", err)
		}
	}
	return del.Val() > 0 || zrem.Val() > 0, nil
}

func (s *redisStore) ListDue(ctx context.Context, now time.Time) ([]*task.ScheduledTask, error) {
	return s.rangeByScore(ctx, "list_due", "-inf", strconv.FormatInt(now.UnixMilli(), 10), task.Filter{})
}

func (s *redisStore) List(ctx context.Context, f task.Filter) ([]*task.ScheduledTask, error) {
	lo, hi := "-inf", "+inf"
	if !f.From.IsZero() {
		lo = strconv.FormatInt(f.From.UnixMilli(), 10)
	}
	if !f.To.IsZero() {
		hi = strconv.FormatInt(f.To.UnixMilli(), 10)
	}
	return s.rangeByScore(ctx, "list", lo, hi, f)
}

// rangeByScore loads the records for a score range. Index members whose record is missing
// are left over from an interrupted write and are removed.
func (s *redisStore) rangeByScore(ctx context.Context, op, lo, hi string, f task.Filter) ([]*task.ScheduledTask, error) {
	client := s.backend.client

	ids, err := client.ZRangeByScore(ctx, s.tasksKey, &redis.ZRangeBy{Min: lo, Max: hi}).Result()
	if err != nil {
		return nil, task.Storage(op, err)
	}
	if len(ids) == 0 {
		return []*task.ScheduledTask{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.taskKey(id)
	}
	values, err := client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, task.Storage(op, err)
	}

	tasks := make([]*task.ScheduledTask, 0, len(ids))
	var stale []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var t task.ScheduledTask
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, task.Storage(op, fmt.Errorf("failed to unmarshal task %s: %w", ids[i], err))
		}
		if f.Matches(&t) {
			tasks = append(tasks, &t)
		}
	}

	if len(stale) > 0 {
		s.backend.log.Warn("Removing index entries without a task record",
			"actor", s.actor,
			"count", len(stale))
		if err := client.ZRem(ctx, s.tasksKey, stale...).Err(); err != nil {
			return nil, task.Storage(op, err)
		}
	}

	sortDue(tasks)
	return tasks, nil
}

func (s *redisStore) EarliestDueAt(ctx context.Context) (time.Time, bool, error) {
	client := s.backend.client

	for {
		head, err := client.ZRangeWithScores(ctx, s.tasksKey, 0, 0).Result()
		if err != nil {
			return time.Time{}, false, task.Storage("earliest", err)
		}
		if len(head) == 0 {
			return time.Time{}, false, nil
		}

		id, _ := head[0].Member.(string)
		exists, err := client.Exists(ctx, s.taskKey(id)).Result()
		if err != nil {
			return time.Time{}, false, task.Storage("earliest", err)
		}
		if exists > 0 {
			return time.UnixMilli(int64(head[0].Score)).UTC(), true, nil
		}

		s.backend.log.Warn("Removing index entry without a task record", "actor", s.actor, "task_id", id)
		if err := client.ZRem(ctx, s.tasksKey, id).Err(); err != nil {
			return time.Time{}, false, task.Storage("earliest", err)
		}
	}
}

type redisKV struct {
	client *redis.Client
	key    string
}

func (kv *redisKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := kv.client.HGet(ctx, kv.key, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, task.Storage("state_get", err)
	}
	return data, true, nil
}

func (kv *redisKV) Put(ctx context.Context, key string, value []byte) error {
	return task.Storage("state_put", kv.client.HSet(ctx, kv.key, key, value).Err())
}

func (kv *redisKV) Delete(ctx context.Context, key string) error {
	return task.Storage("state_delete", kv.client.HDel(ctx, kv.key, key).Err())
}
