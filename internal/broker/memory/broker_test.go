package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-relay/internal/scrape"
)

func TestBrokerConsumeDeliversAndSettles(t *testing.T) {
	t.Parallel()

	b := New("urls", 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Send(ctx, "urls", []byte("https://example.com/a")))
	require.NoError(t, b.Send(ctx, "urls", []byte("https://example.com/b")))

	got := make(chan scrape.Delivery, 4)
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Consume(ctx, func(d scrape.Delivery) { got <- d })
	}()

	first := receive(t, got)
	second := receive(t, got)
	require.Equal(t, "https://example.com/a", string(first.Body))
	require.Equal(t, "https://example.com/b", string(second.Body))
	require.NotEmpty(t, first.ID)

	require.NoError(t, first.Ack.Ack())
	require.NoError(t, second.Ack.Nack())
	require.Equal(t, []string{first.ID}, b.Acked())
	require.Equal(t, []string{second.ID}, b.Nacked())

	// nacked message is redelivered
	redelivered := receive(t, got)
	require.Equal(t, second.ID, redelivered.ID)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Consume did not return after cancel")
	}
}

func TestBrokerCloseIsConnectionLoss(t *testing.T) {
	t.Parallel()

	b := New("urls", 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Consume(context.Background(), func(scrape.Delivery) {})
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case err := <-errCh:
		require.True(t, errors.Is(err, scrape.ErrConnectionLost), "got %v", err)
	case <-time.After(time.Second):
		t.Fatal("Consume did not return after Close")
	}
	// closing twice is safe
	require.NoError(t, b.Close())
	require.Error(t, b.Send(context.Background(), "urls", []byte("x")))
}

func TestBrokerPublishRecordsJSON(t *testing.T) {
	t.Parallel()

	b := New("urls", 1)
	id, err := b.Publish(context.Background(), "scraped_data", scrape.SuccessRecord{URL: "https://x", Content: "c"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id)
	_, err = b.Publish(context.Background(), "scraped_data_dlq", scrape.FailureRecord{URL: "https://y", Error: "HTTP 404"})
	require.NoError(t, err)

	data := b.Messages("scraped_data")
	require.Len(t, data, 1)
	var rec scrape.SuccessRecord
	require.NoError(t, json.Unmarshal(data[0].Payload, &rec))
	require.Equal(t, scrape.SuccessRecord{URL: "https://x", Content: "c"}, rec)
	require.JSONEq(t, `{"url":"https://y","error":"HTTP 404"}`, string(b.Messages("scraped_data_dlq")[0].Payload))
	require.Len(t, b.Messages(""), 2)

	msgs := b.Messages("")
	msgs[0].Queue = "modified"
	require.NotEqual(t, "modified", b.Messages("")[0].Queue, "Messages must return a copy")
}

func TestBrokerFailPublishes(t *testing.T) {
	t.Parallel()

	b := New("urls", 1)
	b.FailPublishes(errors.New("down"))
	_, err := b.Publish(context.Background(), "q", map[string]string{"k": "v"})
	require.EqualError(t, err, "down")
	b.FailPublishes(nil)
	_, err = b.Publish(context.Background(), "q", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.Len(t, b.Messages("q"), 1)
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	q := newQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	require.NoError(t, q.enqueue(context.Background(), message{id: "primed"}))
	require.EqualError(t, q.enqueue(ctx, message{}), "enqueue canceled: context canceled")
	require.False(t, q.tryEnqueue(message{id: "overflow"}))
}

func receive(t *testing.T, ch <-chan scrape.Delivery) scrape.Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(time.Second):
		t.Fatal("no delivery received")
		return scrape.Delivery{}
	}
}
