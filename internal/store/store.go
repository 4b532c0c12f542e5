// Package store persists scheduled tasks and actor state. Every view is scoped to a single
// actor; the actor's scheduler is the only writer of its timer store.
package store

import (
	"context"
	"sort"
	"time"

	"github.com/muaviaUsmani/plantain/internal/logger"
	"github.com/muaviaUsmani/plantain/internal/task"
)

// Store is the durable Timer Store of one actor
type Store interface {
	// Put inserts or updates t. The store assigns t.Seq on first insert and keeps it on update.
	Put(ctx context.Context, t *task.ScheduledTask) error
	// Get returns task.ErrNotFound when id has no record
	Get(ctx context.Context, id string) (*task.ScheduledTask, error)
	// Remove is idempotent and reports whether a record existed
	Remove(ctx context.Context, id string) (bool, error)
	// ListDue returns tasks with DueAt <= now ordered by DueAt, then insertion order
	ListDue(ctx context.Context, now time.Time) ([]*task.ScheduledTask, error)
	// EarliestDueAt returns the minimum DueAt, or false when the store is empty
	EarliestDueAt(ctx context.Context) (time.Time, bool, error)
	// List returns the tasks matching f in due order
	List(ctx context.Context, f task.Filter) ([]*task.ScheduledTask, error)
}

// KV is the durable key/value state of one actor. Writes are committed before they return.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Backend hands out per-actor views over one storage connection
type Backend interface {
	TimerStore(actor string) Store
	StateStore(actor string) KV
	// Actors lists every actor that currently owns at least one task
	Actors(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Options configures a backend
type Options struct {
	// MaxPayloadBytes bounds task payloads; zero means task.DefaultMaxPayloadBytes,
	// negative disables the bound
	MaxPayloadBytes int
	Logger          logger.Logger
}

func (o Options) payloadLimit() int {
	switch {
	case o.MaxPayloadBytes == 0:
		return task.DefaultMaxPayloadBytes
	case o.MaxPayloadBytes < 0:
		return 0
	default:
		return o.MaxPayloadBytes
	}
}

func (o Options) log() logger.Logger {
	return logger.OrDefault(o.Logger).WithComponent(logger.ComponentStore)
}

// sortDue orders tasks by DueAt, then Seq
func sortDue(tasks []*task.ScheduledTask) {
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].Before(tasks[j])
	})
}
