// Package broker groups the message broker adapters used by the relay. Each
// subpackage provides a scrape.Consumer for the input queue and a
// scrape.Publisher for the data and dead-letter queues:
//
//   - memory: bounded in-process queues for local runs and tests.
//   - pubsub: Google Cloud Pub/Sub (input is a subscription, outputs are topics).
//   - amqp: RabbitMQ via the default exchange, routing by queue name.
//   - outbox: a publisher-only adapter writing to a Postgres outbox table.
package broker
