// Package memory provides an in-process stage queue for local development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/newsfacts-pipeline/internal/pipeline"
)

// DefaultRedeliveryDelay is how long a nacked message waits before it is
// queued again.
const DefaultRedeliveryDelay = 500 * time.Millisecond

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("queue closed")

type item struct {
	msg     pipeline.StageMessage
	attempt int
}

// Queue is a bounded in-memory queue. Nack puts the message back after the
// redelivery delay, so handlers see at-least-once delivery.
type Queue struct {
	ch    chan item
	delay time.Duration

	done      chan struct{}
	closeOnce sync.Once
	pending   sync.WaitGroup
}

// NewQueue constructs a queue with the provided capacity.
func NewQueue(capacity int, redeliveryDelay time.Duration) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	if redeliveryDelay < 0 {
		redeliveryDelay = 0
	}
	return &Queue{
		ch:    make(chan item, capacity),
		delay: redeliveryDelay,
		done:  make(chan struct{}),
	}
}

// Enqueue pushes a message or returns when the context ends.
func (q *Queue) Enqueue(ctx context.Context, msg pipeline.StageMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return q.push(ctx, item{msg: msg, attempt: 1})
}

func (q *Queue) push(ctx context.Context, it item) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- it:
		return nil
	}
}

// Dequeue pops the next message, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (pipeline.Delivery, error) {
	select {
	case <-ctx.Done():
		return pipeline.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return pipeline.Delivery{}, ErrClosed
	case it := <-q.ch:
		return q.delivery(it), nil
	}
}

func (q *Queue) delivery(it item) pipeline.Delivery {
	var settled sync.Once
	ack := func() error {
		settled.Do(func() {})
		return nil
	}
	nack := func() error {
		settled.Do(func() {
			q.pending.Add(1)
			go q.redeliver(item{msg: it.msg, attempt: it.attempt + 1})
		})
		return nil
	}
	return pipeline.NewDelivery(it.msg, it.attempt, ack, nack)
}

func (q *Queue) redeliver(it item) {
	defer q.pending.Done()
	timer := time.NewTimer(q.delay)
	defer timer.Stop()
	select {
	case <-q.done:
		return
	case <-timer.C:
	}
	_ = q.push(context.Background(), it)
}

// Len reports the number of messages waiting.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops the queue. Pending redeliveries are dropped.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
	q.pending.Wait()
}
