package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/plantain/internal/actor"
	"github.com/muaviaUsmani/plantain/internal/alarm"
	"github.com/muaviaUsmani/plantain/internal/config"
	"github.com/muaviaUsmani/plantain/internal/schedule"
	"github.com/muaviaUsmani/plantain/internal/scheduler"
	"github.com/muaviaUsmani/plantain/internal/serialization"
	"github.com/muaviaUsmani/plantain/internal/store"
	"github.com/muaviaUsmani/plantain/internal/task"
)

func TestDemoCallbacks(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 7, 0, 0, 0, time.UTC))
	alarms := alarm.NewManualService(alarm.Options{Clock: clock})
	backend := store.NewRedisBackend(client, store.Options{})
	dir := actor.NewDirectory(demoDefinition(), backend, alarms, actor.Options{
		Scheduler: scheduler.DefaultOptions(),
		Clock:     clock,
	})
	ctx := context.Background()

	schedule1 := func(trigger schedule.Trigger, callback string, payload interface{}) *task.ScheduledTask {
		t.Helper()
		data, err := serialization.Default.Encode(payload)
		if err != nil {
			t.Fatalf("Failed to encode payload: %v", err)
		}
		created, err := dir.Schedule(ctx, "user-42", trigger, callback, data)
		if err != nil {
			t.Fatalf("Failed to schedule %s: %v", callback, err)
		}
		return created
	}

	schedule1(schedule.After(time.Minute), "sendReminder", Reminder{RequestID: "123"})
	schedule1(schedule.After(time.Minute), "sendReminder", Reminder{RequestID: "124"})
	report := schedule1(schedule.Cron("0 8 * * *", "UTC"), "dailyReport", Report{Name: "daily"})
	schedule1(schedule.After(2*time.Hour), "cleanup", Cleanup{Keys: []string{"last_report"}})

	state := backend.StateStore("user-42")
	get := func(key string) string {
		v, _, err := state.Get(ctx, key)
		if err != nil {
			t.Fatalf("Failed to read state: %v", err)
		}
		return string(v)
	}

	clock.Advance(time.Minute)
	alarms.FireDue(ctx, clock.Now())
	if got := get("reminders_sent"); got != "2" {
		t.Errorf("reminders_sent = %q, want 2", got)
	}

	clock.Advance(time.Hour)
	alarms.FireDue(ctx, clock.Now())
	if got := get("reports_run"); got != "1" {
		t.Errorf("reports_run = %q, want 1", got)
	}
	if get("last_report") == "" {
		t.Error("dailyReport did not record last_report")
	}
	next, err := dir.GetSchedule(ctx, "user-42", report.ID)
	if err != nil {
		t.Fatalf("Recurring report disappeared: %v", err)
	}
	if want := time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC); !next.DueAt.Equal(want) {
		t.Errorf("Next report due %v, want %v", next.DueAt, want)
	}

	clock.Advance(time.Hour)
	alarms.FireDue(ctx, clock.Now())
	if get("last_report") != "" {
		t.Error("cleanup did not delete last_report")
	}
}

func TestSendReminder_RejectsMissingRequestID(t *testing.T) {
	c := &actor.Context{Task: &task.ScheduledTask{Payload: []byte(`{"message":"hi"}`)}}
	if err := sendReminder(context.Background(), c); err == nil {
		t.Error("Expected error for reminder without requestId")
	}
}

func TestNeedsRedis(t *testing.T) {
	tests := []struct {
		cfg  config.Config
		want bool
	}{
		{config.Config{StoreBackend: config.StoreRedis, AlarmBackend: config.AlarmLocal}, true},
		{config.Config{StoreBackend: config.StoreSQLite, AlarmBackend: config.AlarmRedis}, true},
		{config.Config{StoreBackend: config.StoreSQLite, AlarmBackend: config.AlarmLocal, HistoryEnabled: true}, true},
		{config.Config{StoreBackend: config.StoreSQLite, AlarmBackend: config.AlarmLocal}, false},
	}
	for _, tt := range tests {
		if got := needsRedis(&tt.cfg); got != tt.want {
			t.Errorf("needsRedis(%s/%s/%v) = %v, want %v", tt.cfg.StoreBackend, tt.cfg.AlarmBackend, tt.cfg.HistoryEnabled, got, tt.want)
		}
	}
}
