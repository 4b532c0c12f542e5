package alarm

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`)

// firingLock marks an actor's alarm as in flight so no other poller dispatches it
type firingLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// acquireLock returns nil, nil when another poller holds the lock
func acquireLock(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*firingLock, error) {
	token := uuid.New().String()

	acquired, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		return nil, nil
	}

	return &firingLock{client: client, key: key, token: token, ttl: ttl}, nil
}

// release deletes the lock only if this holder still owns it
func (l *firingLock) release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}

// extend pushes the lock expiry out by ttl; it fails once the lock was lost
func (l *firingLock) extend(ctx context.Context) error {
	result, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if result == 0 {
		return fmt.Errorf("lock %s no longer owned by this instance", l.key)
	}
	return nil
}

// keepAlive extends the lock every ttl/3 until stop is closed
func (l *firingLock) keepAlive(ctx context.Context, stop <-chan struct{}, onLost func(error)) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.extend(ctx); err != nil {
				onLost(err)
				return
			}
		}
	}
}
