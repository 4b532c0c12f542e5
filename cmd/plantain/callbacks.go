package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/muaviaUsmani/plantain/internal/actor"
)

// Reminder is the payload of sendReminder
type Reminder struct {
	RequestID string `json:"requestId"`
	Message   string `json:"message,omitempty"`
}

// Report is the payload of dailyReport
type Report struct {
	Name string `json:"name"`
}

// Cleanup is the payload of cleanup
type Cleanup struct {
	Keys []string `json:"keys"`
}

// TODO: Replace the demo definition with your own actor callbacks
func demoDefinition() *actor.Definition {
	return actor.NewDefinition("demo").
		MustRegister("sendReminder", sendReminder).
		MustRegister("dailyReport", dailyReport).
		MustRegister("cleanup", cleanup)
}

// sendReminder logs the reminder and counts it in the actor state
func sendReminder(ctx context.Context, c *actor.Context) error {
	var r Reminder
	if err := c.DecodePayload(&r); err != nil {
		return err
	}
	if r.RequestID == "" {
		return fmt.Errorf("reminder without requestId")
	}

	sent, err := incr(ctx, c, "reminders_sent")
	if err != nil {
		return err
	}
	c.Logger.InfoContext(ctx, "Reminder sent", "request_id", r.RequestID, "message", r.Message, "total", sent)
	return nil
}

// dailyReport summarizes the actor state and records when it ran
func dailyReport(ctx context.Context, c *actor.Context) error {
	var r Report
	if err := c.DecodePayload(&r); err != nil {
		return err
	}

	sent, _, err := c.State.Get(ctx, "reminders_sent")
	if err != nil {
		return err
	}
	runs, err := incr(ctx, c, "reports_run")
	if err != nil {
		return err
	}
	if err := c.State.Put(ctx, "last_report", []byte(time.Now().UTC().Format(time.RFC3339))); err != nil {
		return err
	}

	c.Logger.InfoContext(ctx, "Daily report",
		"report", r.Name,
		"reminders_sent", string(sent),
		"run", runs,
		"attempt", c.Attempt)
	return nil
}

// cleanup deletes state keys
func cleanup(ctx context.Context, c *actor.Context) error {
	var p Cleanup
	if err := c.DecodePayload(&p); err != nil {
		return err
	}
	for _, key := range p.Keys {
		if err := c.State.Delete(ctx, key); err != nil {
			return err
		}
	}
	c.Logger.InfoContext(ctx, "State cleaned up", "keys", len(p.Keys))
	return nil
}

func incr(ctx context.Context, c *actor.Context, key string) (int, error) {
	raw, ok, err := c.State.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	n := 0
	if ok {
		if n, err = strconv.Atoi(string(raw)); err != nil {
			return 0, fmt.Errorf("corrupt counter %s: %w", key, err)
		}
	}
	n++
	return n, c.State.Put(ctx, key, []byte(strconv.Itoa(n)))
}
