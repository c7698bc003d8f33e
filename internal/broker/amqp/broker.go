// Package amqp implements the relay broker on RabbitMQ. All three queues are
// declared on connect and messages go through the default exchange.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-relay/internal/scrape"
)

// Config describes the broker connection.
type Config struct {
	URL      string
	Input    string
	Declare  []string
	Prefetch int
	Durable  bool
}

// Validate checks the fields required to connect.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("amqp.url is required")
	}
	if c.Input == "" {
		return errors.New("amqp input queue is required")
	}
	if c.Prefetch < 0 {
		return errors.New("amqp.prefetch must be >= 0")
	}
	return nil
}

// queues returns the de-duplicated set of queues to declare, input first.
func (c Config) queues() []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(c.Declare)+1)
	for _, q := range append([]string{c.Input}, c.Declare...) {
		if q == "" || seen[q] {
			continue
		}
		seen[q] = true
		out = append(out, q)
	}
	return out
}

// Broker holds one connection with separate consume and publish channels.
type Broker struct {
	cfg    Config
	logger *zap.Logger

	conn    *amqp091.Connection
	consume *amqp091.Channel

	pubMu   sync.Mutex
	publish *amqp091.Channel

	seq atomic.Uint64
}

// Dial connects, opens channels, sets the prefetch, and declares queues.
func Dial(cfg Config, logger *zap.Logger) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := amqp091.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	b := &Broker{cfg: cfg, logger: logger, conn: conn}
	if err := b.setup(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *Broker) setup() error {
	var err error
	if b.consume, err = b.conn.Channel(); err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	if b.publish, err = b.conn.Channel(); err != nil {
		return fmt.Errorf("open publish channel: %w", err)
	}
	if b.cfg.Prefetch > 0 {
		if err := b.consume.Qos(b.cfg.Prefetch, 0, false); err != nil {
			return fmt.Errorf("set prefetch: %w", err)
		}
	}
	for _, q := range b.cfg.queues() {
		if _, err := b.consume.QueueDeclare(q, b.cfg.Durable, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %q: %w", q, err)
		}
	}
	return nil
}

// Consume delivers messages from the input queue until ctx ends. A closed
// connection or delivery stream is reported as scrape.ErrConnectionLost.
func (b *Broker) Consume(ctx context.Context, handle func(scrape.Delivery)) error {
	deliveries, err := b.consume.Consume(b.cfg.Input, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w: %w", b.cfg.Input, scrape.ErrConnectionLost, err)
	}
	closed := b.conn.NotifyClose(make(chan *amqp091.Error, 1))
	return pump(ctx, deliveries, closed, handle)
}

// pump is the delivery loop, separated from the connection for testing.
func pump(ctx context.Context, deliveries <-chan amqp091.Delivery, closed <-chan *amqp091.Error, handle func(scrape.Delivery)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr, ok := <-closed:
			if ctx.Err() != nil {
				return nil
			}
			if ok && amqpErr != nil {
				return fmt.Errorf("amqp connection closed: %w: %w", scrape.ErrConnectionLost, amqpErr)
			}
			return fmt.Errorf("amqp connection closed: %w", scrape.ErrConnectionLost)
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("amqp delivery stream ended: %w", scrape.ErrConnectionLost)
			}
			handle(toDelivery(d))
		}
	}
}

func toDelivery(d amqp091.Delivery) scrape.Delivery {
	id := d.MessageId
	if id == "" {
		id = strconv.FormatUint(d.DeliveryTag, 10)
	}
	return scrape.Delivery{ID: id, Body: d.Body, Ack: acker{ack: d.Acknowledger, tag: d.DeliveryTag}}
}

// Publish marshals payload to JSON and publishes it to the named queue via
// the default exchange.
func (b *Broker) Publish(ctx context.Context, queue string, payload any) (string, error) {
	if b == nil || b.publish == nil {
		return "", scrape.ErrPublisherNotConfigured
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	id := "amqp-" + strconv.FormatUint(b.seq.Add(1), 10)
	mode := amqp091.Transient
	if b.cfg.Durable {
		mode = amqp091.Persistent
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	err = b.publish.PublishWithContext(ctx, "", queue, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: mode,
		MessageId:    id,
		Body:         body,
	})
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", queue, err)
	}
	return id, nil
}

// Close shuts both channels and the connection.
func (b *Broker) Close() error {
	var errs []error
	for _, ch := range []*amqp091.Channel{b.consume, b.publish} {
		if ch != nil {
			if err := ch.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
				errs = append(errs, err)
			}
		}
	}
	if b.conn != nil && !b.conn.IsClosed() {
		if err := b.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		b.logger.Warn("amqp close failed", zap.Error(err))
		return fmt.Errorf("close amqp: %w", err)
	}
	return nil
}

// acker settles a single delivery. Nack requeues.
type acker struct {
	ack amqp091.Acknowledger
	tag uint64
}

func (a acker) Ack() error {
	if a.ack == nil {
		return errors.New("delivery has no acknowledger")
	}
	return a.ack.Ack(a.tag, false)
}

func (a acker) Nack() error {
	if a.ack == nil {
		return errors.New("delivery has no acknowledger")
	}
	return a.ack.Nack(a.tag, false, true)
}
