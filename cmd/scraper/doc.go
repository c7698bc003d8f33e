// Package main hosts the scrape relay entrypoint.
//
// Architecture overview:
//   - Listener: the configured broker (memory, Pub/Sub, or RabbitMQ) streams URLs from the input queue into a
//     mutex-guarded batch collector. Each message keeps its delivery handle so it can be settled later.
//   - Ticker: every batch.tick_interval the worker drains the collector, fans the batch out through the throttle gate
//     (capacity fetch.rate_limit) and the optional per-host limiter, and waits for every fetch to finish.
//   - Routing: results are split into successes and failures. Successes go to the data queue as {"url","content"};
//     failures go to the dead-letter queue as {"url","error"}. Publishes retry with exponential backoff, and can be
//     redirected to a Postgres outbox table.
//   - Acknowledgment: in after_publish mode a message is acked once its result was published and nacked otherwise.
//     immediate mode acks on receipt.
//   - Plumbing: Viper loads config from the -config file and SCRAPER_* env vars; zap provides structured logging;
//     Prometheus metrics, health, and readiness are served by the ops server on server.port.
//
// Exit codes: 0 after SIGINT/SIGTERM, 1 on config or wiring failure or when the broker connection is lost.
package main
