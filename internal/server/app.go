// Package server builds the relay's dependencies from config and runs them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-relay/internal/api"
	"github.com/JakeFAU/scrape-relay/internal/batch"
	amqpbroker "github.com/JakeFAU/scrape-relay/internal/broker/amqp"
	"github.com/JakeFAU/scrape-relay/internal/broker/memory"
	"github.com/JakeFAU/scrape-relay/internal/broker/outbox"
	pubsubbroker "github.com/JakeFAU/scrape-relay/internal/broker/pubsub"
	"github.com/JakeFAU/scrape-relay/internal/clock/system"
	"github.com/JakeFAU/scrape-relay/internal/config"
	"github.com/JakeFAU/scrape-relay/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/scrape-relay/internal/fetcher/colly"
	"github.com/JakeFAU/scrape-relay/internal/gate"
	"github.com/JakeFAU/scrape-relay/internal/id/uuid"
	"github.com/JakeFAU/scrape-relay/internal/policy/ratelimit"
	"github.com/JakeFAU/scrape-relay/internal/router"
	"github.com/JakeFAU/scrape-relay/internal/scrape"
	"github.com/JakeFAU/scrape-relay/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	worker    *worker.Worker
	collector *batch.Collector
	gate      *gate.Gate
	apiServer *api.Server
	closers   []func() error
}

// Deps lets callers supply prebuilt collaborators; nil fields are built from config.
type Deps struct {
	Consumer  scrape.Consumer
	Publisher scrape.Publisher
	Fetcher   scrape.Fetcher
	Clock     scrape.Clock
	IDs       scrape.IDGenerator
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, deps Deps) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.String("broker", cfg.Broker.Provider),
		zap.String("publish", cfg.Publish.Provider),
		zap.String("input_queue", cfg.Queues.Input),
		zap.Int("rate_limit", cfg.Fetch.RateLimit),
		zap.String("ack_mode", cfg.Batch.AckMode),
	)

	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}

	if deps.Consumer == nil || deps.Publisher == nil {
		consumer, publisher, err := app.setupBroker(ctx)
		if err != nil {
			app.Close()
			return nil, err
		}
		if deps.Consumer == nil {
			deps.Consumer = consumer
		}
		if deps.Publisher == nil {
			deps.Publisher = publisher
		}
	}

	if cfg.Publish.Provider == config.PublishOutbox {
		pub, err := outbox.New(ctx, outbox.Config{
			DSN:      cfg.Outbox.DSN,
			Table:    cfg.Outbox.Table,
			MaxConns: cfg.Outbox.MaxConns,
		}, deps.IDs, deps.Clock)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("outbox publisher init failed: %w", err)
		}
		app.closers = append(app.closers, func() error { pub.Close(); return nil })
		deps.Publisher = pub
		logger.Info("publishing to postgres outbox", zap.String("table", cfg.Outbox.Table))
	}

	if deps.Fetcher == nil {
		deps.Fetcher = collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.Fetch.UserAgent,
			RespectRobots: cfg.Fetch.RespectRobots,
			Timeout:       cfg.FetchTimeout(),
			ContentPrefix: cfg.Fetch.ContentPrefixBytes,
		})
	}

	var err error
	app.gate, err = gate.New(cfg.Fetch.RateLimit)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("gate init failed: %w", err)
	}

	var limiter scrape.Limiter
	if cfg.Fetch.HostRPS > 0 {
		limiter = ratelimit.New(ratelimit.Config{DefaultRPS: cfg.Fetch.HostRPS, DefaultBurst: cfg.Fetch.HostBurst})
	}

	fetchAll := dispatcher.New(deps.Fetcher, app.gate, limiter, logger.Named("dispatcher"))
	publish := router.New(deps.Publisher, router.Queues{
		Data:       cfg.Queues.Data,
		DeadLetter: cfg.Queues.DeadLetter,
	}, router.RetryConfig{
		MaxRetries:      uint64(cfg.Publish.MaxRetries),
		InitialInterval: cfg.BackoffInitial(),
		MaxInterval:     cfg.BackoffMax(),
	}, logger.Named("router"))

	app.collector = batch.NewCollector()
	app.worker, err = worker.New(deps.Consumer, app.collector, fetchAll, publish, deps.Clock, deps.IDs, worker.Config{
		TickInterval: cfg.Batch.TickInterval,
		AckMode:      worker.AckMode(cfg.Batch.AckMode),
	}, logger.Named("worker"))
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("worker init failed: %w", err)
	}

	app.apiServer = api.NewServer(app.ready, app.status, logger.Named("api"))
	return app, nil
}

func (a *App) setupBroker(ctx context.Context) (scrape.Consumer, scrape.Publisher, error) {
	switch a.cfg.Broker.Provider {
	case config.ProviderMemory:
		a.logger.Info("using in-memory broker")
		b := memory.New(a.cfg.Queues.Input, 0)
		a.closers = append(a.closers, b.Close)
		for _, u := range a.cfg.Broker.SeedURLs {
			if err := b.Send(ctx, a.cfg.Queues.Input, []byte(u)); err != nil {
				return nil, nil, fmt.Errorf("seed %s: %w", u, err)
			}
		}
		return b, b, nil
	case config.ProviderPubSub:
		a.logger.Info("using pubsub broker", zap.String("project_id", a.cfg.PubSub.ProjectID))
		b, err := pubsubbroker.New(ctx, pubsubbroker.Config{
			ProjectID:      a.cfg.PubSub.ProjectID,
			SubscriptionID: a.cfg.Queues.Input,
			MaxOutstanding: a.cfg.PubSub.MaxOutstanding,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub broker init failed: %w", err)
		}
		a.closers = append(a.closers, b.Close)
		return b, b, nil
	case config.ProviderAMQP:
		a.logger.Info("using amqp broker")
		b, err := amqpbroker.Dial(amqpbroker.Config{
			URL:      a.cfg.AMQP.URL,
			Input:    a.cfg.Queues.Input,
			Declare:  []string{a.cfg.Queues.Data, a.cfg.Queues.DeadLetter},
			Prefetch: a.cfg.AMQP.Prefetch,
			Durable:  a.cfg.AMQP.Durable,
		}, a.logger.Named("amqp"))
		if err != nil {
			return nil, nil, fmt.Errorf("amqp broker init failed: %w", err)
		}
		a.closers = append(a.closers, b.Close)
		return b, b, nil
	default:
		return nil, nil, fmt.Errorf("unknown broker provider %q", a.cfg.Broker.Provider)
	}
}

// Handler exposes the ops router.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Worker returns the consume loop.
func (a *App) Worker() *worker.Worker {
	return a.worker
}

func (a *App) ready() error {
	if !a.worker.Running() {
		return errors.New("worker not running")
	}
	return nil
}

func (a *App) status() api.Status {
	return api.Status{
		State:     string(a.worker.State()),
		BatchSize: a.collector.Len(),
		InFlight:  a.gate.InFlight(),
		Capacity:  a.gate.Capacity(),
	}
}

// Run starts the ops server and the worker and blocks until ctx ends or the
// worker fails. Resources are released before returning.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	defer a.Close()

	var srv *http.Server
	if a.cfg.Server.Port > 0 {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
			}
		}()
	}

	err := a.worker.Run(ctx)
	a.logger.Info("shutdown initiated")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
			a.logger.Error("server shutdown error", zap.Error(shutdownErr))
		}
	}
	if err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	return nil
}

// Close releases broker and database resources in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
	a.logger.Info("shutdown complete")
}
