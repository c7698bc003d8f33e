package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var errQueueClosed = errors.New("queue closed")

type message struct {
	id   string
	body []byte
}

// queue is a bounded in-memory queue with context-aware operations. The data
// channel is never closed; shutdown is signalled through done.
type queue struct {
	ch        chan message
	done      chan struct{}
	closeOnce sync.Once
}

func newQueue(capacity int) *queue {
	return &queue{
		ch:   make(chan message, capacity),
		done: make(chan struct{}),
	}
}

func (q *queue) enqueue(ctx context.Context, msg message) error {
	if q.isClosed() {
		return errQueueClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return errQueueClosed
	case q.ch <- msg:
		return nil
	}
}

// tryEnqueue is the non-blocking variant used for redelivery.
func (q *queue) tryEnqueue(msg message) bool {
	if q.isClosed() {
		return false
	}
	select {
	case <-q.done:
		return false
	case q.ch <- msg:
		return true
	default:
		return false
	}
}

func (q *queue) dequeue(ctx context.Context) (message, error) {
	if q.isClosed() {
		return message{}, errQueueClosed
	}
	select {
	case <-ctx.Done():
		return message{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return message{}, errQueueClosed
	case msg := <-q.ch:
		return msg, nil
	}
}

func (q *queue) close() {
	q.closeOnce.Do(func() { close(q.done) })
}

func (q *queue) isClosed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}
