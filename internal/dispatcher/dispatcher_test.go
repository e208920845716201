package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsfacts-pipeline/internal/pipeline"
)

// TestDispatcherRunStartsWorkers ensures workers begin and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	dispatch := New(&recordingQueue{}, zap.NewNop())
	w1 := &blockingRunner{started: make(chan struct{})}
	w2 := &blockingRunner{started: make(chan struct{})}
	dispatch.AddWorkers(w1, w2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	for _, w := range []*blockingRunner{w1, w2} {
		select {
		case <-w.started:
		case <-time.After(time.Second):
			t.Fatal("worker did not start")
		}
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

func TestDispatcherAnnounceEnqueuesStageMessage(t *testing.T) {
	t.Parallel()

	queue := &recordingQueue{}
	dispatch := New(queue, nil)

	require.NoError(t, dispatch.Announce(context.Background(), "task-1", pipeline.StageCleaning))
	require.Equal(t, []pipeline.StageMessage{{TaskID: "task-1", Stage: pipeline.StageCleaning}}, queue.messages)
}

// TestDispatcherAnnounceForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherAnnounceForwardsErrors(t *testing.T) {
	t.Parallel()

	dispatch := New(&recordingQueue{err: errors.New("boom")}, zap.NewNop())

	err := dispatch.Announce(context.Background(), "task-1", pipeline.StageExtraction)
	require.EqualError(t, err, "queue enqueue: boom")
}

type blockingRunner struct {
	started chan struct{}
	once    sync.Once
}

func (r *blockingRunner) Run(ctx context.Context) {
	r.once.Do(func() { close(r.started) })
	<-ctx.Done()
}

type recordingQueue struct {
	mu       sync.Mutex
	messages []pipeline.StageMessage
	err      error
}

func (q *recordingQueue) Enqueue(_ context.Context, msg pipeline.StageMessage) error {
	if q.err != nil {
		return q.err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, msg)
	return nil
}

func (q *recordingQueue) Dequeue(ctx context.Context) (pipeline.Delivery, error) {
	<-ctx.Done()
	return pipeline.Delivery{}, ctx.Err()
}
