// Package pubsub implements the relay broker on Google Cloud Pub/Sub. The
// input queue is a subscription ID; output queues are topic IDs.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"github.com/JakeFAU/scrape-relay/internal/scrape"
)

const settleTimeout = 10 * time.Second

// Config selects the project and the input subscription.
type Config struct {
	ProjectID      string
	SubscriptionID string
	// MaxOutstanding caps unsettled messages held by this instance.
	MaxOutstanding int
}

// Broker wraps a Pub/Sub client for both consuming and publishing.
type Broker struct {
	client     *pubsub.Client
	sub        *pubsub.Subscription
	ownsClient bool

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// New creates a Pub/Sub client using Application Default Credentials and
// verifies the input subscription exists.
func New(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Broker, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("pubsub.project_id is required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	b := NewWithClient(client, cfg)
	b.ownsClient = true

	exists, err := b.sub.Exists(ctx)
	switch {
	case err != nil:
		_ = client.Close()
		return nil, fmt.Errorf("check subscription %q: %w", cfg.SubscriptionID, err)
	case !exists:
		_ = client.Close()
		return nil, fmt.Errorf("pubsub subscription %q does not exist in project %q", cfg.SubscriptionID, cfg.ProjectID)
	}
	return b, nil
}

// NewWithClient wraps an existing client (primarily for testing). The caller
// keeps ownership of the client.
func NewWithClient(client *pubsub.Client, cfg Config) *Broker {
	sub := client.Subscription(cfg.SubscriptionID)
	if cfg.MaxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	}
	return &Broker{
		client: client,
		sub:    sub,
		topics: make(map[string]*pubsub.Topic),
	}
}

// Consume receives messages until the context ends. Any receive error while
// the context is still live is reported as a lost connection.
func (b *Broker) Consume(ctx context.Context, handle func(scrape.Delivery)) error {
	err := b.sub.Receive(ctx, func(_ context.Context, m *pubsub.Message) {
		handle(scrape.Delivery{
			ID:   m.ID,
			Body: m.Data,
			Ack:  acker{msg: m},
		})
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("receive %s: %w: %w", b.sub.ID(), scrape.ErrConnectionLost, err)
	}
	return nil
}

// Publish marshals the payload to JSON, publishes it to the topic, and waits
// for the server-assigned ID.
func (b *Broker) Publish(ctx context.Context, topicID string, payload any) (string, error) {
	if b == nil || b.client == nil {
		return "", scrape.ErrPublisherNotConfigured
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	result := b.topic(topicID).Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"content_type": "application/json"},
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

func (b *Broker) topic(id string) *pubsub.Topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[id]
	if !ok {
		t = b.client.Topic(id)
		b.topics[id] = t
	}
	return t
}

// Close flushes pending publishes and closes the client when this Broker created it.
func (b *Broker) Close() error {
	b.mu.Lock()
	for _, t := range b.topics {
		t.Stop()
	}
	b.mu.Unlock()
	if !b.ownsClient {
		return nil
	}
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// acker settles through the result API. Without exactly-once delivery the
// result is ready immediately and always succeeds; with it, a settle the
// server rejects (for example an expired ack ID) is returned as an error.
type acker struct {
	msg *pubsub.Message
}

func (a acker) Ack() error {
	return a.wait("ack", a.msg.AckWithResult())
}

func (a acker) Nack() error {
	return a.wait("nack", a.msg.NackWithResult())
}

func (a acker) wait(op string, res *pubsub.AckResult) error {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	status, err := res.Get(ctx)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, a.msg.ID, err)
	}
	if status != pubsub.AcknowledgeStatusSuccess {
		return fmt.Errorf("%s %s: status %d", op, a.msg.ID, status)
	}
	return nil
}
