// Package dispatcher fans a batch of tasks out to the fetcher behind the
// throttle gate and fans the results back in.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-relay/internal/gate"
	"github.com/JakeFAU/scrape-relay/internal/metrics"
	"github.com/JakeFAU/scrape-relay/internal/scrape"
)

// Dispatcher runs one batch of fetches with bounded concurrency.
type Dispatcher struct {
	fetcher scrape.Fetcher
	gate    *gate.Gate
	limiter scrape.Limiter
	logger  *zap.Logger
}

// New creates a Dispatcher. limiter may be nil.
func New(fetcher scrape.Fetcher, g *gate.Gate, limiter scrape.Limiter, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		fetcher: fetcher,
		gate:    g,
		limiter: limiter,
		logger:  logger,
	}
}

// FetchAll fetches every task and returns exactly one Result per task, in
// task order. It returns only after every fetch has finished. Per-host waits
// happen before a gate slot is taken.
func (d *Dispatcher) FetchAll(ctx context.Context, tasks []scrape.Task) []scrape.Result {
	results := make([]scrape.Result, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task scrape.Task) {
			defer wg.Done()
			results[i] = d.record(task, d.fetchOne(ctx, task))
		}(i, task)
	}
	wg.Wait()
	return results
}

func (d *Dispatcher) fetchOne(ctx context.Context, task scrape.Task) (res scrape.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = scrape.Failure(task.URL, 0, fmt.Sprintf("fetcher panic: %v", r))
		}
	}()
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, task.URL); err != nil {
			return scrape.Failure(task.URL, 0, err.Error())
		}
	}
	if err := d.gate.Acquire(ctx); err != nil {
		return scrape.Failure(task.URL, 0, err.Error())
	}
	metrics.SetFetchesInFlight(d.gate.InFlight())
	defer func() {
		d.gate.Release()
		metrics.SetFetchesInFlight(d.gate.InFlight())
	}()
	return d.fetcher.Fetch(ctx, task.URL)
}

func (d *Dispatcher) record(task scrape.Task, res scrape.Result) scrape.Result {
	res.Task = task
	res.URL = task.URL
	metrics.ObserveFetch(task.URL, string(res.Outcome), res.Duration)
	if res.OK() {
		d.logger.Info("fetch succeeded",
			zap.String("url", task.URL),
			zap.Int("status", res.StatusCode),
			zap.Int("content_bytes", len(res.Content)),
			zap.Duration("duration", res.Duration),
		)
	} else {
		d.logger.Warn("fetch failed",
			zap.String("url", task.URL),
			zap.Int("status", res.StatusCode),
			zap.String("reason", res.Reason),
			zap.Duration("duration", res.Duration),
		)
	}
	return res
}
