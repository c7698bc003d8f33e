package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/scrape-relay/internal/scrape"
)

func newFakeClient(t *testing.T) (*pstest.Server, *pubsub.Client) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.Dial(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

func TestBrokerPublishEncodesJSON(t *testing.T) {
	ctx := context.Background()
	srv, client := newFakeClient(t)

	_, err := client.CreateTopic(ctx, "scraped_data")
	require.NoError(t, err)

	b := NewWithClient(client, Config{SubscriptionID: "unused"})
	defer func() { require.NoError(t, b.Close()) }()

	id, err := b.Publish(ctx, "scraped_data", scrape.SuccessRecord{URL: "https://example.com/ok", Content: "<html>"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.JSONEq(t, `{"url":"https://example.com/ok","content":"<html>"}`, string(msgs[0].Data))
	require.Equal(t, "application/json", msgs[0].Attributes["content_type"])
}

func TestBrokerPublishMissingTopicFails(t *testing.T) {
	ctx := context.Background()
	_, client := newFakeClient(t)

	b := NewWithClient(client, Config{SubscriptionID: "unused"})
	defer func() { _ = b.Close() }()

	_, err := b.Publish(ctx, "no-such-topic", scrape.FailureRecord{URL: "u", Error: "e"})
	require.Error(t, err)
}

func TestBrokerConsumeDeliversMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, client := newFakeClient(t)

	topic, err := client.CreateTopic(ctx, "urls")
	require.NoError(t, err)
	_, err = client.CreateSubscription(ctx, "urls-sub", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	_, err = topic.Publish(ctx, &pubsub.Message{Data: []byte("https://example.com/a")}).Get(ctx)
	require.NoError(t, err)
	topic.Stop()

	b := NewWithClient(client, Config{SubscriptionID: "urls-sub", MaxOutstanding: 10})

	var (
		mu      sync.Mutex
		got     []scrape.Delivery
		ackErrs []error
		done    = make(chan error, 1)
	)
	go func() {
		done <- b.Consume(ctx, func(d scrape.Delivery) {
			mu.Lock()
			got = append(got, d)
			ackErrs = append(ackErrs, d.Ack.Ack())
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Equal(t, "https://example.com/a", string(got[0].Body))
	require.NotEmpty(t, got[0].ID)
	require.Equal(t, []error{nil}, ackErrs)
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Consume did not stop after cancel")
	}
}

func TestBrokerConsumeMissingSubscriptionIsConnectionLoss(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, client := newFakeClient(t)

	b := NewWithClient(client, Config{SubscriptionID: "missing"})
	err := b.Consume(ctx, func(scrape.Delivery) {})
	require.Error(t, err)
	require.ErrorIs(t, err, scrape.ErrConnectionLost)
}

func TestNewValidatesSubscription(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, Config{SubscriptionID: "urls-sub"})
	require.ErrorContains(t, err, "project_id")

	srv := pstest.NewServer()
	defer func() { _ = srv.Close() }()
	conn, err := grpc.Dial(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_, err = New(ctx, Config{ProjectID: "project-id", SubscriptionID: "missing"}, option.WithGRPCConn(conn))
	require.ErrorContains(t, err, "does not exist")
}
