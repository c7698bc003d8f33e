// Package router partitions fetch results and publishes each partition to
// its output queue.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-relay/internal/metrics"
	"github.com/JakeFAU/scrape-relay/internal/scrape"
)

// Partition splits one batch's results by outcome. Each slice keeps the
// relative order of the input.
type Partition struct {
	Successes []scrape.Result
	Failures  []scrape.Result
}

// Len returns the total number of results in the partition.
func (p Partition) Len() int {
	return len(p.Successes) + len(p.Failures)
}

// Route partitions results: a result is a success iff it is the success variant.
func Route(results []scrape.Result) Partition {
	var p Partition
	for _, res := range results {
		if res.OK() {
			p.Successes = append(p.Successes, res)
		} else {
			p.Failures = append(p.Failures, res)
		}
	}
	return p
}

// Queues names the two output queues.
type Queues struct {
	Data       string
	DeadLetter string
}

// RetryConfig bounds publish retries.
type RetryConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// PublishFailure is a result that could not be published.
type PublishFailure struct {
	Result scrape.Result
	Err    error
}

// QueueReport is the publish outcome for one partition.
type QueueReport struct {
	Queue     string
	Delivered []scrape.Result
	Failed    []PublishFailure
}

// PublishResult is what Dispatch observed for both partitions.
type PublishResult struct {
	Data       QueueReport
	DeadLetter QueueReport
}

// Err joins every publish error, or returns nil when everything was delivered.
func (r PublishResult) Err() error {
	var errs []error
	for _, report := range []QueueReport{r.Data, r.DeadLetter} {
		for _, f := range report.Failed {
			errs = append(errs, fmt.Errorf("publish %s to %s: %w", f.Result.URL, report.Queue, f.Err))
		}
	}
	return errors.Join(errs...)
}

// Delivered returns every result that reached its queue.
func (r PublishResult) Delivered() []scrape.Result {
	out := make([]scrape.Result, 0, len(r.Data.Delivered)+len(r.DeadLetter.Delivered))
	out = append(out, r.Data.Delivered...)
	return append(out, r.DeadLetter.Delivered...)
}

// Failed returns every result whose publish gave up.
func (r PublishResult) Failed() []PublishFailure {
	out := make([]PublishFailure, 0, len(r.Data.Failed)+len(r.DeadLetter.Failed))
	out = append(out, r.Data.Failed...)
	return append(out, r.DeadLetter.Failed...)
}

// Router publishes partitions to the configured queues.
type Router struct {
	publisher scrape.Publisher
	queues    Queues
	retry     RetryConfig
	logger    *zap.Logger
}

// New creates a Router.
func New(publisher scrape.Publisher, queues Queues, retry RetryConfig, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = 250 * time.Millisecond
	}
	if retry.MaxInterval <= 0 {
		retry.MaxInterval = 2 * time.Second
	}
	return &Router{
		publisher: publisher,
		queues:    queues,
		retry:     retry,
		logger:    logger,
	}
}

// Dispatch publishes successes to the data queue and failures to the
// dead-letter queue, retrying each message with backoff.
func (r *Router) Dispatch(ctx context.Context, p Partition) PublishResult {
	return PublishResult{
		Data:       r.publishAll(ctx, r.queues.Data, p.Successes),
		DeadLetter: r.publishAll(ctx, r.queues.DeadLetter, p.Failures),
	}
}

func (r *Router) publishAll(ctx context.Context, queue string, results []scrape.Result) QueueReport {
	report := QueueReport{Queue: queue}
	for _, res := range results {
		if err := r.publishOne(ctx, queue, res); err != nil {
			report.Failed = append(report.Failed, PublishFailure{Result: res, Err: err})
			continue
		}
		report.Delivered = append(report.Delivered, res)
	}
	return report
}

func (r *Router) publishOne(ctx context.Context, queue string, res scrape.Result) error {
	if r.publisher == nil {
		return scrape.ErrPublisherNotConfigured
	}
	payload := res.Record()
	attempt := 0
	op := func() error {
		attempt++
		id, err := r.publisher.Publish(ctx, queue, payload)
		if err != nil {
			metrics.ObservePublish(queue, "error")
			r.logger.Warn("publish attempt failed",
				zap.String("queue", queue),
				zap.String("url", res.URL),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			if errors.Is(err, scrape.ErrPublisherNotConfigured) {
				return backoff.Permanent(err)
			}
			return err
		}
		metrics.ObservePublish(queue, "ok")
		r.logger.Info("published",
			zap.String("queue", queue),
			zap.String("url", res.URL),
			zap.String("outcome", string(res.Outcome)),
			zap.String("message_id", id),
			zap.Int("attempt", attempt),
		)
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retry.InitialInterval
	b.MaxInterval = r.retry.MaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, r.retry.MaxRetries), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("publish after %d attempt(s): %w", attempt, err)
	}
	return nil
}
