// Package runtime tracks which VM runtimes are live and which have been
// retired. It holds no VM-specific knowledge beyond an id.
package runtime

import (
	"slices"
	"sync"
)

// Runtime is an opaque handle to one VM runtime.
type Runtime interface {
	ID() string
}

// Controller keeps two disjoint ordered collections of runtimes: running
// and stopped. Safe for concurrent use.
type Controller struct {
	mu      sync.Mutex
	running []Runtime
	stopped []Runtime
}

// NewController creates an empty controller.
func NewController() *Controller {
	return &Controller{}
}

// AddRuntime appends r to the running collection.
func (c *Controller) AddRuntime(r Runtime) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = append(c.running, r)
}

// StopRuntime moves the first running runtime with id to the stopped
// collection, preserving the order of the rest. Unknown ids are ignored.
// Reports whether a runtime was moved.
func (c *Controller) StopRuntime(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := slices.IndexFunc(c.running, func(r Runtime) bool { return r.ID() == id })
	if i < 0 {
		return false
	}
	r := c.running[i]
	c.running = slices.Delete(c.running, i, i+1)
	c.stopped = append(c.stopped, r)
	return true
}

// ResumeRuntime moves the most recently stopped runtime with id back to the
// end of the running collection. Unknown ids are ignored. Reports whether a
// runtime was moved.
func (c *Controller) ResumeRuntime(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.stopped) - 1; i >= 0; i-- {
		if r := c.stopped[i]; r.ID() == id {
			c.stopped = slices.Delete(c.stopped, i, i+1)
			c.running = append(c.running, r)
			return true
		}
	}
	return false
}

// Running returns a copy of the running runtimes in insertion order.
func (c *Controller) Running() []Runtime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.running)
}

// Stopped returns a copy of the stopped runtimes in the order they stopped.
func (c *Controller) Stopped() []Runtime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.stopped)
}

// IsRunning reports whether a runtime with id is in the running collection.
func (c *Controller) IsRunning(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.ContainsFunc(c.running, func(r Runtime) bool { return r.ID() == id })
}
