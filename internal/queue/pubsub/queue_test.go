package pubsub

import (
	"context"
	"testing"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/newsfacts-pipeline/internal/pipeline"
)

const projectID = "test-project"

func newTestQueue(t *testing.T) (*Queue, *pubsub.Client) {
	t.Helper()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	ctx := context.Background()
	client, err := pubsub.NewClient(ctx, projectID,
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	q := New(client, Config{ProjectID: projectID, TopicPrefix: "test", AckDeadline: 10 * time.Second}, zap.NewNop())
	t.Cleanup(q.Close)
	require.NoError(t, q.EnsureTopics(ctx))
	// A second call finds everything in place.
	require.NoError(t, q.EnsureTopics(ctx))
	return q, client
}

func TestNames(t *testing.T) {
	t.Parallel()

	require.Equal(t, "newsfacts-cleaning-requests", TopicID("newsfacts", pipeline.StageCleaning))
	require.Equal(t, "newsfacts-cleaning-requests-worker", SubscriptionID("newsfacts", "worker", pipeline.StageCleaning))
}

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg := pipeline.StageMessage{TaskID: "task-1", Stage: pipeline.StageResolution}
	require.NoError(t, q.Enqueue(ctx, msg))

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, msg, d.Message)
	require.Equal(t, 1, d.Attempt)
	require.Equal(t, "resolution", d.Metadata[StageAttribute])
	require.NoError(t, d.Ack())
}

func TestQueueNackRedelivers(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg := pipeline.StageMessage{TaskID: "task-2", Stage: pipeline.StageExtraction}
	require.NoError(t, q.Enqueue(ctx, msg))

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Nack())

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, msg, second.Message)
	require.NoError(t, second.Ack())
}

func TestQueueDropsMalformedMessages(t *testing.T) {
	t.Parallel()

	q, client := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	raw := client.Publisher(TopicID("test", pipeline.StageCleaning))
	defer raw.Stop()
	_, err := raw.Publish(ctx, &pubsub.Message{Data: []byte(`{"task_id":"t","stage":"publishing"}`)}).Get(ctx)
	require.NoError(t, err)

	valid := pipeline.StageMessage{TaskID: "task-3", Stage: pipeline.StageCleaning}
	require.NoError(t, q.Enqueue(ctx, valid))

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, valid, d.Message)
	require.NoError(t, d.Ack())
}

func TestQueueEnqueueRejectsInvalid(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	require.Error(t, q.Enqueue(context.Background(), pipeline.StageMessage{Stage: pipeline.StageCleaning}))
}
