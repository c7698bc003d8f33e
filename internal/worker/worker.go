// Package worker implements the consume loop: a listener that batches
// incoming URLs and a ticker that fetches, routes, and publishes each batch.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/scrape-relay/internal/batch"
	"github.com/JakeFAU/scrape-relay/internal/metrics"
	"github.com/JakeFAU/scrape-relay/internal/router"
	"github.com/JakeFAU/scrape-relay/internal/scrape"
)

// DefaultTickInterval is used when Config.TickInterval is unset.
const DefaultTickInterval = time.Second

// AckMode controls when input messages are acknowledged.
type AckMode string

const (
	// AckAfterPublish acks once the result was published and nacks otherwise.
	AckAfterPublish AckMode = "after_publish"
	// AckImmediate acks as soon as the task is batched.
	AckImmediate AckMode = "immediate"
)

// ParseAckMode validates a configured ack mode. Empty selects AckAfterPublish.
func ParseAckMode(s string) (AckMode, error) {
	switch AckMode(s) {
	case "", AckAfterPublish:
		return AckAfterPublish, nil
	case AckImmediate:
		return AckImmediate, nil
	default:
		return "", fmt.Errorf("unknown ack mode %q", s)
	}
}

// State is the externally visible phase of the loop.
type State string

// Worker states.
const (
	StateIdle       State = "idle"
	StateCollecting State = "collecting"
	StateProcessing State = "processing"
)

// Config controls Worker behavior.
type Config struct {
	TickInterval time.Duration
	AckMode      AckMode
}

// BatchFetcher fetches a batch, returning one result per task in order.
type BatchFetcher interface {
	FetchAll(ctx context.Context, tasks []scrape.Task) []scrape.Result
}

// ResultDispatcher publishes a routed batch.
type ResultDispatcher interface {
	Dispatch(ctx context.Context, p router.Partition) router.PublishResult
}

// TickReport summarizes one processed batch.
type TickReport struct {
	TickID        string
	Drained       int
	Succeeded     int
	Failed        int
	Published     int
	PublishFailed int
	Acked         int
	Nacked        int
	Duration      time.Duration
}

// Worker owns the batch collector and drives the consume loop.
type Worker struct {
	consumer   scrape.Consumer
	collector  *batch.Collector
	fetcher    BatchFetcher
	dispatcher ResultDispatcher
	clock      scrape.Clock
	ids        scrape.IDGenerator
	cfg        Config
	logger     *zap.Logger

	processing atomic.Bool
	running    atomic.Bool
	ticks      atomic.Uint64
}

// New constructs a Worker.
func New(
	consumer scrape.Consumer,
	collector *batch.Collector,
	fetcher BatchFetcher,
	dispatcher ResultDispatcher,
	clock scrape.Clock,
	ids scrape.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) (*Worker, error) {
	if consumer == nil || fetcher == nil || dispatcher == nil || clock == nil {
		return nil, errors.New("worker requires a consumer, fetcher, dispatcher, and clock")
	}
	mode, err := ParseAckMode(string(cfg.AckMode))
	if err != nil {
		return nil, err
	}
	cfg.AckMode = mode
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if collector == nil {
		collector = batch.NewCollector()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		consumer:   consumer,
		collector:  collector,
		fetcher:    fetcher,
		dispatcher: dispatcher,
		clock:      clock,
		ids:        ids,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// Run starts the listener and the tick processor and blocks until ctx ends
// (returning nil) or the consumer fails (returning an error wrapping
// scrape.ErrConnectionLost). A tick in progress when ctx ends is completed.
func (w *Worker) Run(ctx context.Context) error {
	w.running.Store(true)
	defer w.running.Store(false)

	w.logger.Info("worker started",
		zap.Duration("tick_interval", w.cfg.TickInterval),
		zap.String("ack_mode", string(w.cfg.AckMode)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.listen(gctx) })
	g.Go(func() error { return w.process(gctx) })
	err := g.Wait()
	if err != nil {
		w.logger.Error("worker stopped", zap.Error(err), zap.Int("undrained", w.collector.Len()))
		return err
	}
	w.logger.Info("worker stopped", zap.Int("undrained", w.collector.Len()))
	return nil
}

// Running reports whether Run is active.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// State reports the current loop phase.
func (w *Worker) State() State {
	switch {
	case w.processing.Load():
		return StateProcessing
	case w.collector.Len() > 0:
		return StateCollecting
	default:
		return StateIdle
	}
}

func (w *Worker) listen(ctx context.Context) error {
	err := w.consumer.Consume(ctx, w.handle)
	switch {
	case err == nil && ctx.Err() == nil:
		return fmt.Errorf("consumer stopped unexpectedly: %w", scrape.ErrConnectionLost)
	case err == nil:
		return nil
	case errors.Is(err, scrape.ErrConnectionLost):
		return err
	default:
		return fmt.Errorf("consume: %w: %w", scrape.ErrConnectionLost, err)
	}
}

func (w *Worker) handle(d scrape.Delivery) {
	task := scrape.NewTask(d, w.clock.Now())
	w.collector.Append(task)
	w.logger.Debug("task received", zap.String("url", task.URL), zap.String("message_id", task.ID))

	if w.cfg.AckMode == AckImmediate {
		w.settle(task, "ack")
	}
}

func (w *Worker) process(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Tick(context.WithoutCancel(ctx))
		}
	}
}

// Tick drains the batch and processes it. An empty batch is a no-op.
func (w *Worker) Tick(ctx context.Context) TickReport {
	w.processing.Store(true)
	defer w.processing.Store(false)

	tasks := w.collector.DrainAll()
	if len(tasks) == 0 {
		w.logger.Debug("tick no-op: batch empty")
		return TickReport{}
	}

	start := w.clock.Now()
	report := TickReport{TickID: w.newTickID(), Drained: len(tasks)}
	logger := w.logger.With(zap.String("tick_id", report.TickID))
	logger.Info("processing batch", zap.Int("batch_size", len(tasks)))

	results := w.fetcher.FetchAll(ctx, tasks)
	partition := router.Route(results)
	report.Succeeded = len(partition.Successes)
	report.Failed = len(partition.Failures)

	published := w.dispatcher.Dispatch(ctx, partition)
	delivered := published.Delivered()
	failed := published.Failed()
	report.Published = len(delivered)
	report.PublishFailed = len(failed)

	if w.cfg.AckMode == AckAfterPublish {
		for _, res := range delivered {
			if w.settle(res.Task, "ack") {
				report.Acked++
			}
		}
		for _, f := range failed {
			if w.settle(f.Result.Task, "nack") {
				report.Nacked++
			}
		}
	}

	report.Duration = w.clock.Now().Sub(start)
	metrics.ObserveTick(report.Drained, report.Duration)

	if err := published.Err(); err != nil {
		logger.Warn("batch published with failures", zap.Int("publish_failed", report.PublishFailed), zap.Error(err))
	}
	logger.Info("batch complete",
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("published", report.Published),
		zap.Int("acked", report.Acked),
		zap.Int("nacked", report.Nacked),
		zap.Duration("duration", report.Duration),
	)
	return report
}

// settle acks or nacks the task's originating message and reports whether it
// was settled successfully.
func (w *Worker) settle(task scrape.Task, action string) bool {
	if task.Ack == nil {
		return false
	}
	var err error
	if action == "ack" {
		err = task.Ack.Ack()
	} else {
		err = task.Ack.Nack()
	}
	metrics.ObserveSettle(action, err)
	if err != nil {
		w.logger.Warn("settle failed",
			zap.String("action", action),
			zap.String("url", task.URL),
			zap.String("message_id", task.ID),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (w *Worker) newTickID() string {
	n := w.ticks.Add(1)
	if w.ids != nil {
		if id, err := w.ids.NewID(); err == nil {
			return id
		}
	}
	return "tick-" + strconv.FormatUint(n, 10)
}
