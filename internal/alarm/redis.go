package alarm

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript removes a fired alarm unless it was re-armed since it was claimed
var consumeScript = redis.NewScript(`
local gen = redis.call("hget", KEYS[3], ARGV[1]) or "0"
if gen == ARGV[2] then
	redis.call("zrem", KEYS[1], ARGV[1])
	redis.call("hdel", KEYS[2], ARGV[1])
end
return 1`)

// claimScript returns the arm generation of a due alarm, or nil when it is no longer due
var claimScript = redis.NewScript(`
local score = redis.call("zscore", KEYS[1], ARGV[1])
if not score or tonumber(score) > tonumber(ARGV[2]) then
	return false
end
return redis.call("hget", KEYS[3], ARGV[1]) or "0"`)

// rescheduleScript moves a failed alarm to its redelivery time unless it was re-armed since
// it was claimed
var rescheduleScript = redis.NewScript(`
local gen = redis.call("hget", KEYS[3], ARGV[1]) or "0"
if gen == ARGV[2] then
	redis.call("zadd", KEYS[1], ARGV[3], ARGV[1])
	redis.call("hset", KEYS[2], ARGV[1], ARGV[4])
	return 1
end
return 0`)

// RedisOptions configures a RedisService
type RedisOptions struct {
	Options

	// KeyPrefix namespaces the alarm keys (default "plantain:")
	KeyPrefix string
	// PollInterval is how often due alarms are claimed
	PollInterval time.Duration
	// Workers is the number of concurrent firings
	Workers int
	// LockTTL bounds how long a crashed poller can hold an actor's alarm
	LockTTL time.Duration
	// BatchSize limits alarms claimed per poll
	BatchSize int64
}

func (o RedisOptions) withDefaults() RedisOptions {
	o.Options = o.Options.withDefaults()
	if o.KeyPrefix == "" {
		o.KeyPrefix = "plantain:"
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 30 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	return o
}

// RedisService keeps every actor's alarm in one ZSET so alarms outlive the process.
//
//	plantain:alarms          ZSET  member = actor, score = fire time (unix ms)
//	plantain:alarm_retries   HASH  actor -> redelivery count of the pending firing
//	plantain:alarm_gens      HASH  actor -> arm generation, bumped by every Arm
//	plantain:alarm_lock:<a>  STRING firing lock token
type RedisService struct {
	client     *redis.Client
	opts       RedisOptions
	alarmsKey  string
	retriesKey string
	gensKey    string
	lockPrefix string

	mu      sync.RWMutex
	handler Handler
}

type claim struct {
	actor string
	gen   string
	lock  *firingLock
}

// NewRedisService creates a service over client. Call Run to start delivering firings.
func NewRedisService(client *redis.Client, opts RedisOptions) *RedisService {
	opts = opts.withDefaults()
	return &RedisService{
		client:     client,
		opts:       opts,
		alarmsKey:  opts.KeyPrefix + "alarms",
		retriesKey: opts.KeyPrefix + "alarm_retries",
		gensKey:    opts.KeyPrefix + "alarm_gens",
		lockPrefix: opts.KeyPrefix + "alarm_lock:",
	}
}

// SetHandler registers the firing handler
func (s *RedisService) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *RedisService) getHandler() Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handler
}

// For returns the alarm of actor
func (s *RedisService) For(actor string) Driver {
	return &redisDriver{service: s, actor: actor}
}

// Run claims and dispatches due alarms until ctx is cancelled
func (s *RedisService) Run(ctx context.Context) error {
	log := s.opts.Logger
	work := make(chan claim)

	var wg sync.WaitGroup
	for i := 0; i < s.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range work {
				s.fire(ctx, c)
			}
		}()
	}

	log.Info("Alarm service started", "workers", s.opts.Workers, "poll_interval", s.opts.PollInterval)

	ticker := s.opts.Clock.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	consecutiveFailures := 0
	defer func() {
		close(work)
		wg.Wait()
		log.Info("Alarm service stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}

		claims, err := s.claimDue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			consecutiveFailures++
			if consecutiveFailures <= 3 || consecutiveFailures%10 == 0 {
				log.Warn("Failed to claim due alarms", "error", err, "consecutive_failures", consecutiveFailures)
			}
		} else if consecutiveFailures > 0 {
			log.Info("Redis connection recovered", "after_failures", consecutiveFailures)
			consecutiveFailures = 0
		}

		for i, c := range claims {
			select {
			case work <- c:
			case <-ctx.Done():
				for _, rest := range claims[i:] {
					_ = rest.lock.release(context.Background())
				}
				return nil
			}
		}
	}
}

// Poll claims the alarms due now and fires them on the calling goroutine. It returns the
// number of alarms fired.
func (s *RedisService) Poll(ctx context.Context) (int, error) {
	claims, err := s.claimDue(ctx)
	for _, c := range claims {
		s.fire(ctx, c)
	}
	return len(claims), err
}

// claimDue locks every due alarm that is not already in flight
func (s *RedisService) claimDue(ctx context.Context) ([]claim, error) {
	now := s.opts.Clock.Now()

	due, err := s.client.ZRangeByScore(ctx, s.alarmsKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: s.opts.BatchSize,
	}).Result()
	if err != nil {
		return nil, err
	}

	claims := make([]claim, 0, len(due))
	for _, actor := range due {
		lock, err := acquireLock(ctx, s.client, s.lockPrefix+actor, s.opts.LockTTL)
		if err != nil {
			return claims, err
		}
		if lock == nil {
			continue
		}
		// re-check under the lock: the alarm may have been consumed or re-armed meanwhile
		gen, err := claimScript.Run(ctx, s.client, s.scriptKeys(), actor, now.UnixMilli()).Text()
		if errors.Is(err, redis.Nil) {
			_ = lock.release(context.Background())
			continue
		}
		if err != nil {
			_ = lock.release(context.Background())
			return claims, err
		}
		claims = append(claims, claim{actor: actor, gen: gen, lock: lock})
	}
	return claims, nil
}

func (s *RedisService) fire(ctx context.Context, c claim) {
	log := s.opts.Logger
	defer func() {
		if err := c.lock.release(context.Background()); err != nil {
			log.Warn("Failed to release alarm lock", "actor", c.actor, "error", err)
		}
	}()

	stop := make(chan struct{})
	defer close(stop)
	go c.lock.keepAlive(ctx, stop, func(err error) {
		log.Warn("Lost alarm lock during firing", "actor", c.actor, "error", err)
	})

	retry, err := s.client.HGet(ctx, s.retriesKey, c.actor).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		log.Error("Failed to read alarm retry count", "actor", c.actor, "error", err)
		return
	}

	info := RetryInfo{RetryCount: retry, IsRetry: retry > 0}
	s.opts.Metrics.RecordAlarmFired(info.IsRetry)

	herr := invoke(ctx, s.getHandler(), c.actor, info)
	if herr == nil {
		s.consume(ctx, c)
		return
	}

	next, nextRetry, parked := s.opts.redelivery(retry, s.opts.Clock.Now())
	s.opts.logFailure(c.actor, info, herr, parked)

	err = rescheduleScript.Run(ctx, s.client, s.scriptKeys(),
		c.actor, c.gen, next.UnixMilli(), nextRetry).Err()
	if err != nil {
		log.Error("Failed to schedule alarm redelivery", "actor", c.actor, "error", err)
	}
}

func (s *RedisService) consume(ctx context.Context, c claim) {
	err := consumeScript.Run(ctx, s.client, s.scriptKeys(), c.actor, c.gen).Err()
	if err != nil {
		s.opts.Logger.Error("Failed to consume fired alarm", "actor", c.actor, "error", err)
	}
}

func (s *RedisService) scriptKeys() []string {
	return []string{s.alarmsKey, s.retriesKey, s.gensKey}
}

type redisDriver struct {
	service *RedisService
	actor   string
}

func (d *redisDriver) Arm(ctx context.Context, at time.Time) error {
	s := d.service
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, s.alarmsKey, redis.Z{Score: float64(at.UnixMilli()), Member: d.actor})
		pipe.HDel(ctx, s.retriesKey, d.actor)
		pipe.HIncrBy(ctx, s.gensKey, d.actor, 1)
		return nil
	})
	return err
}

func (d *redisDriver) Disarm(ctx context.Context) error {
	s := d.service
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.alarmsKey, d.actor)
		pipe.HDel(ctx, s.retriesKey, d.actor)
		// the generation survives so an in-flight claim cannot match a later Arm
		pipe.HIncrBy(ctx, s.gensKey, d.actor, 1)
		return nil
	})
	return err
}

func (d *redisDriver) ArmedAt(ctx context.Context) (time.Time, bool, error) {
	score, err := d.service.client.ZScore(ctx, d.service.alarmsKey, d.actor).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(score)).UTC(), true, nil
}
