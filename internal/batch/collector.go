// Package batch accumulates tasks between processing ticks.
package batch

import (
	"sync"

	"github.com/JakeFAU/scrape-relay/internal/scrape"
)

// Collector is the pending batch. Append and DrainAll may be called from
// different goroutines.
type Collector struct {
	mu    sync.Mutex
	tasks []scrape.Task
}

// NewCollector returns an empty Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Append adds a task to the pending batch.
func (c *Collector) Append(task scrape.Task) {
	c.mu.Lock()
	c.tasks = append(c.tasks, task)
	c.mu.Unlock()
}

// DrainAll removes and returns every pending task in arrival order, leaving
// the batch empty. It returns nil when nothing is pending.
func (c *Collector) DrainAll() []scrape.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.tasks) == 0 {
		return nil
	}
	out := c.tasks
	c.tasks = nil
	return out
}

// Len returns the number of pending tasks.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}
