package alarm

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ManualService fires alarms only when FireDue is called. It applies the same redelivery
// rules as the other services, which makes firing order and retries deterministic in tests
// and in embedders that drive time themselves.
type ManualService struct {
	opts Options

	mu      sync.Mutex
	handler Handler
	alarms  map[string]*manualAlarm
	gen     uint64
}

type manualAlarm struct {
	at    time.Time
	retry int
	gen   uint64
}

// NewManualService creates an empty service
func NewManualService(opts Options) *ManualService {
	return &ManualService{
		opts:   opts.withDefaults(),
		alarms: make(map[string]*manualAlarm),
	}
}

// SetHandler registers the firing handler
func (s *ManualService) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// For returns the alarm of actor
func (s *ManualService) For(actor string) Driver {
	return &manualDriver{service: s, actor: actor}
}

// FireDue delivers every alarm whose time is at or before now, earliest first, and returns
// how many were delivered
func (s *ManualService) FireDue(ctx context.Context, now time.Time) int {
	type due struct {
		actor string
		alarm manualAlarm
	}

	s.mu.Lock()
	var batch []due
	for actor, a := range s.alarms {
		if !a.at.After(now) {
			batch = append(batch, due{actor: actor, alarm: *a})
		}
	}
	h := s.handler
	s.mu.Unlock()

	sort.Slice(batch, func(i, j int) bool {
		if !batch[i].alarm.at.Equal(batch[j].alarm.at) {
			return batch[i].alarm.at.Before(batch[j].alarm.at)
		}
		return batch[i].actor < batch[j].actor
	})

	for _, d := range batch {
		info := RetryInfo{RetryCount: d.alarm.retry, IsRetry: d.alarm.retry > 0}
		s.opts.Metrics.RecordAlarmFired(info.IsRetry)
		err := invoke(ctx, h, d.actor, info)
		s.settle(d.actor, d.alarm.gen, info, err, now)
	}
	return len(batch)
}

func (s *ManualService) settle(actor string, gen uint64, info RetryInfo, err error, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.alarms[actor]
	if !ok || cur.gen != gen {
		return
	}
	if err == nil {
		delete(s.alarms, actor)
		return
	}

	next, nextRetry, parked := s.opts.redelivery(info.RetryCount, now)
	s.opts.logFailure(actor, info, err, parked)
	s.gen++
	cur.at = next
	cur.retry = nextRetry
	cur.gen = s.gen
}

// Next returns the earliest armed alarm
func (s *ManualService) Next() (string, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var actor string
	var at time.Time
	for name, a := range s.alarms {
		if actor == "" || a.at.Before(at) || (a.at.Equal(at) && name < actor) {
			actor, at = name, a.at
		}
	}
	return actor, at, actor != ""
}

// Pending returns the number of armed alarms
func (s *ManualService) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alarms)
}

type manualDriver struct {
	service *ManualService
	actor   string
}

func (d *manualDriver) Arm(_ context.Context, at time.Time) error {
	s := d.service
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	s.alarms[d.actor] = &manualAlarm{at: at.UTC(), gen: s.gen}
	return nil
}

func (d *manualDriver) Disarm(_ context.Context) error {
	d.service.mu.Lock()
	defer d.service.mu.Unlock()
	delete(d.service.alarms, d.actor)
	return nil
}

func (d *manualDriver) ArmedAt(_ context.Context) (time.Time, bool, error) {
	d.service.mu.Lock()
	defer d.service.mu.Unlock()
	a, ok := d.service.alarms[d.actor]
	if !ok {
		return time.Time{}, false, nil
	}
	return a.at, true, nil
}
