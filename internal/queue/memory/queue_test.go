package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/newsfacts-pipeline/internal/pipeline"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1, time.Millisecond)
	t.Cleanup(q.Close)
	result := make(chan pipeline.Delivery, 1)
	errCh := make(chan error, 1)

	go func() {
		d, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- d
	}()

	msg := pipeline.StageMessage{TaskID: "task-1", Stage: pipeline.StageExtraction}
	require.NoError(t, q.Enqueue(context.Background(), msg))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, msg, got.Message)
		require.Equal(t, 1, got.Attempt)
		require.NoError(t, got.Ack())
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return message")
	}
}

func TestQueueRejectsInvalidMessage(t *testing.T) {
	t.Parallel()

	q := NewQueue(1, 0)
	t.Cleanup(q.Close)
	require.Error(t, q.Enqueue(context.Background(), pipeline.StageMessage{Stage: pipeline.StageCleaning}))
	require.Error(t, q.Enqueue(context.Background(), pipeline.StageMessage{TaskID: "t", Stage: pipeline.StagePending}))
	require.Zero(t, q.Len())
}

func TestQueueNackRedelivers(t *testing.T) {
	t.Parallel()

	q := NewQueue(2, 5*time.Millisecond)
	t.Cleanup(q.Close)
	msg := pipeline.StageMessage{TaskID: "task-1", Stage: pipeline.StageCleaning}
	require.NoError(t, q.Enqueue(context.Background(), msg))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Nack())
	// A second settle on the same delivery is ignored.
	require.NoError(t, first.Nack())
	require.NoError(t, first.Ack())

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, msg, second.Message)
	require.Equal(t, 2, second.Attempt)
	require.NoError(t, second.Ack())

	require.Never(t, func() bool { return q.Len() > 0 }, 30*time.Millisecond, 5*time.Millisecond)
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	qDequeue := NewQueue(1, 0)
	t.Cleanup(qDequeue.Close)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := qDequeue.Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	qEnqueue := NewQueue(1, 0)
	t.Cleanup(qEnqueue.Close)
	msg := pipeline.StageMessage{TaskID: "primed", Stage: pipeline.StageExtraction}
	require.NoError(t, qEnqueue.Enqueue(context.Background(), msg))
	require.EqualError(t, qEnqueue.Enqueue(ctx, msg), "enqueue canceled: context canceled")
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(1, time.Hour)
	require.NoError(t, q.Enqueue(context.Background(), pipeline.StageMessage{TaskID: "t", Stage: pipeline.StageExtraction}))
	d, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	// The pending redelivery must not block Close.
	require.NoError(t, d.Nack())

	q.Close()
	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, q.Enqueue(context.Background(), pipeline.StageMessage{TaskID: "t", Stage: pipeline.StageExtraction}), ErrClosed)
	// Closing twice should be safe.
	q.Close()
}
