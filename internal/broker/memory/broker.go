// Package memory provides an in-process broker for local development and tests.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/JakeFAU/scrape-relay/internal/scrape"
)

const defaultCapacity = 1024

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string
	Queue   string
	Payload []byte
}

// Broker consumes from one input queue and records everything published.
// Nacked messages are put back on the input queue when there is room.
type Broker struct {
	input    string
	capacity int

	mu       sync.RWMutex
	queues   map[string]*queue
	messages []PublishedMessage
	acked    []string
	nacked   []string
	failWith error
	closed   bool
}

// New returns a Broker consuming from input. capacity bounds each queue.
func New(input string, capacity int) *Broker {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Broker{
		input:    input,
		capacity: capacity,
		queues:   make(map[string]*queue),
	}
}

func (b *Broker) queueFor(name string) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = newQueue(b.capacity)
		if b.closed {
			q.close()
		}
		b.queues[name] = q
	}
	return q
}

// Send enqueues a raw message on the named queue.
func (b *Broker) Send(ctx context.Context, queueName string, body []byte) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate message id: %w", err)
	}
	if err := b.queueFor(queueName).enqueue(ctx, message{id: id.String(), body: body}); err != nil {
		return fmt.Errorf("send to %s: %w", queueName, err)
	}
	return nil
}

// Consume delivers input messages until the context ends or the broker is closed.
func (b *Broker) Consume(ctx context.Context, handle func(scrape.Delivery)) error {
	q := b.queueFor(b.input)
	for {
		msg, err := q.dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, errQueueClosed) {
				return fmt.Errorf("consume %s: %w", b.input, scrape.ErrConnectionLost)
			}
			return fmt.Errorf("consume %s: %w", b.input, err)
		}
		handle(scrape.Delivery{
			ID:   msg.id,
			Body: msg.body,
			Ack:  &acker{broker: b, queue: q, msg: msg},
		})
	}
}

// Publish JSON-encodes payload and records it against the queue.
func (b *Broker) Publish(_ context.Context, queueName string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWith != nil {
		return "", b.failWith
	}
	id := fmt.Sprintf("memory-%d", len(b.messages)+1)
	b.messages = append(b.messages, PublishedMessage{ID: id, Queue: queueName, Payload: data})
	return id, nil
}

// FailPublishes makes every subsequent Publish return err; nil restores normal behavior.
func (b *Broker) FailPublishes(err error) {
	b.mu.Lock()
	b.failWith = err
	b.mu.Unlock()
}

// Messages returns the recorded publishes for queueName, or all of them when
// queueName is empty.
func (b *Broker) Messages(queueName string) []PublishedMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]PublishedMessage, 0, len(b.messages))
	for _, m := range b.messages {
		if queueName == "" || m.Queue == queueName {
			out = append(out, m)
		}
	}
	return out
}

// Acked returns the IDs of acknowledged input messages.
func (b *Broker) Acked() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.acked...)
}

// Nacked returns the IDs of negatively acknowledged input messages.
func (b *Broker) Nacked() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.nacked...)
}

// Close shuts every queue down; a running Consume reports a lost connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, q := range b.queues {
		q.close()
	}
	return nil
}

type acker struct {
	broker *Broker
	queue  *queue
	msg    message
}

func (a *acker) Ack() error {
	a.broker.mu.Lock()
	a.broker.acked = append(a.broker.acked, a.msg.id)
	a.broker.mu.Unlock()
	return nil
}

func (a *acker) Nack() error {
	a.broker.mu.Lock()
	a.broker.nacked = append(a.broker.nacked, a.msg.id)
	a.broker.mu.Unlock()
	if !a.queue.tryEnqueue(a.msg) {
		return fmt.Errorf("requeue %s: queue full or closed", a.msg.id)
	}
	return nil
}
