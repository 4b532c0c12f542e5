// Package actor hosts named actor instances. Every instance serializes its operations,
// owns a scheduler over its durable timer store, and exposes named callbacks that
// scheduled tasks invoke.
package actor

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Callback handles one firing of a scheduled task. Callbacks may run more than once for
// the same firing and must be idempotent.
type Callback func(ctx context.Context, c *Context) error

// Definition is the set of callbacks shared by every instance of an actor type
type Definition struct {
	name string

	mu        sync.RWMutex
	callbacks map[string]Callback
}

// NewDefinition creates an empty definition
func NewDefinition(name string) *Definition {
	return &Definition{
		name:      name,
		callbacks: make(map[string]Callback),
	}
}

// Name returns the actor type name
func (d *Definition) Name() string {
	return d.name
}

// Register adds a callback. Names are unique within a definition.
func (d *Definition) Register(name string, cb Callback) error {
	if name == "" {
		return fmt.Errorf("callback name cannot be empty")
	}
	if cb == nil {
		return fmt.Errorf("callback %s is nil", name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.callbacks[name]; exists {
		return fmt.Errorf("callback %s already registered", name)
	}
	d.callbacks[name] = cb
	return nil
}

// MustRegister is Register for use at program start; it panics on error
func (d *Definition) MustRegister(name string, cb Callback) *Definition {
	if err := d.Register(name, cb); err != nil {
		panic(err)
	}
	return d
}

// Get resolves a callback by name
func (d *Definition) Get(name string) (Callback, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cb, ok := d.callbacks[name]
	return cb, ok
}

// Names returns the registered callback names, sorted
func (d *Definition) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.callbacks))
	for name := range d.callbacks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered callbacks
func (d *Definition) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.callbacks)
}
