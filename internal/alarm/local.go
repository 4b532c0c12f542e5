package alarm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/muaviaUsmani/plantain/internal/logger"
)

// LocalService keeps alarms in process memory as gocron one-time jobs. Alarms do not survive
// a restart; callers re-arm from their stores on start (see actor.Directory.RestoreAll).
type LocalService struct {
	opts  Options
	sched gocron.Scheduler

	mu      sync.Mutex
	ctx     context.Context
	handler Handler
	alarms  map[string]*localAlarm
	gen     uint64
}

type localAlarm struct {
	at    time.Time
	retry int
	gen   uint64
	jobID uuid.UUID
}

// NewLocalService creates the gocron scheduler backing the alarms. Call Start to begin firing.
func NewLocalService(opts Options) (*LocalService, error) {
	opts = opts.withDefaults()

	sched, err := gocron.NewScheduler(
		gocron.WithClock(opts.Clock),
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(&gocronLogger{log: opts.Logger}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &LocalService{
		opts:   opts,
		sched:  sched,
		ctx:    context.Background(),
		alarms: make(map[string]*localAlarm),
	}, nil
}

// Start begins delivering firings; handlers receive ctx
func (s *LocalService) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.sched.Start()
	s.opts.Logger.Info("Local alarm service started")
}

// Shutdown stops the scheduler and waits for running firings
func (s *LocalService) Shutdown() error {
	if err := s.sched.Shutdown(); err != nil {
		return fmt.Errorf("failed to shut down scheduler: %w", err)
	}
	s.opts.Logger.Info("Local alarm service stopped")
	return nil
}

// SetHandler registers the firing handler
func (s *LocalService) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// For returns the alarm of actor
func (s *LocalService) For(actor string) Driver {
	return &localDriver{service: s, actor: actor}
}

// Pending returns the number of armed alarms
func (s *LocalService) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alarms)
}

// armLocked replaces actor's job. Callers hold s.mu.
func (s *LocalService) armLocked(actor string, at time.Time, retry int) error {
	s.removeLocked(actor)

	s.gen++
	gen := s.gen
	task := gocron.NewTask(func() { s.fire(actor, gen) })

	opts := []gocron.JobOption{gocron.WithName("alarm:" + actor), gocron.WithTags("alarm")}

	var job gocron.Job
	var err error
	if at.After(s.opts.Clock.Now()) {
		job, err = s.sched.NewJob(gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(at)), task, opts...)
	}
	// past times, and times that passed while the job was being created, fire immediately
	if job == nil && !at.After(s.opts.Clock.Now()) {
		job, err = s.sched.NewJob(gocron.OneTimeJob(gocron.OneTimeJobStartImmediately()), task, opts...)
	}
	if err != nil {
		return fmt.Errorf("failed to arm alarm for %s: %w", actor, err)
	}

	s.alarms[actor] = &localAlarm{at: at, retry: retry, gen: gen, jobID: job.ID()}
	return nil
}

func (s *LocalService) removeLocked(actor string) {
	a, ok := s.alarms[actor]
	if !ok {
		return
	}
	delete(s.alarms, actor)
	if err := s.sched.RemoveJob(a.jobID); err != nil && !errors.Is(err, gocron.ErrJobNotFound) {
		s.opts.Logger.Warn("Failed to remove alarm job", "actor", actor, "error", err)
	}
}

func (s *LocalService) fire(actor string, gen uint64) {
	s.mu.Lock()
	a, ok := s.alarms[actor]
	if !ok || a.gen != gen {
		s.mu.Unlock()
		return
	}
	retry := a.retry
	h := s.handler
	ctx := s.ctx
	s.mu.Unlock()

	info := RetryInfo{RetryCount: retry, IsRetry: retry > 0}
	s.opts.Metrics.RecordAlarmFired(info.IsRetry)
	err := invoke(ctx, h, actor, info)

	s.mu.Lock()
	defer s.mu.Unlock()

	// re-armed or disarmed by the handler
	if cur, ok := s.alarms[actor]; !ok || cur.gen != gen {
		return
	}

	if err == nil {
		s.removeLocked(actor)
		return
	}

	next, nextRetry, parked := s.opts.redelivery(retry, s.opts.Clock.Now())
	s.opts.logFailure(actor, info, err, parked)
	if err := s.armLocked(actor, next, nextRetry); err != nil {
		s.opts.Logger.Error("Failed to schedule alarm redelivery", "actor", actor, "error", err)
	}
}

type localDriver struct {
	service *LocalService
	actor   string
}

func (d *localDriver) Arm(_ context.Context, at time.Time) error {
	d.service.mu.Lock()
	defer d.service.mu.Unlock()
	return d.service.armLocked(d.actor, at, 0)
}

func (d *localDriver) Disarm(_ context.Context) error {
	d.service.mu.Lock()
	defer d.service.mu.Unlock()
	d.service.removeLocked(d.actor)
	return nil
}

func (d *localDriver) ArmedAt(_ context.Context) (time.Time, bool, error) {
	d.service.mu.Lock()
	defer d.service.mu.Unlock()
	a, ok := d.service.alarms[d.actor]
	if !ok {
		return time.Time{}, false, nil
	}
	return a.at, true, nil
}

// gocronLogger routes gocron's logs into the alarm component logger. gocron's lifecycle
// chatter is demoted to debug.
type gocronLogger struct {
	log logger.Logger
}

func (l *gocronLogger) Debug(msg string, args ...any) { l.log.Debug("gocron: "+msg, args...) }
func (l *gocronLogger) Info(msg string, args ...any)  { l.log.Debug("gocron: "+msg, args...) }
func (l *gocronLogger) Warn(msg string, args ...any)  { l.log.Warn("gocron: "+msg, args...) }
func (l *gocronLogger) Error(msg string, args ...any) { l.log.Error("gocron: "+msg, args...) }

var _ gocron.Logger = (*gocronLogger)(nil)
