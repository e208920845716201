// Package pubsub implements the stage queue on Google Cloud Pub/Sub, one topic
// per work stage.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/JakeFAU/newsfacts-pipeline/internal/pipeline"
)

// StageAttribute names the message attribute carrying the stage.
const StageAttribute = "stage"

// Config describes the topic layout.
type Config struct {
	ProjectID          string
	TopicPrefix        string
	SubscriptionSuffix string
	MaxOutstanding     int
	AckDeadline        time.Duration
	Stages             []pipeline.Stage
}

// TopicID is "<prefix>-<stage>-requests".
func TopicID(prefix string, stage pipeline.Stage) string {
	return fmt.Sprintf("%s-%s-requests", prefix, stage)
}

// SubscriptionID is the worker subscription attached to a stage topic.
func SubscriptionID(prefix, suffix string, stage pipeline.Stage) string {
	return TopicID(prefix, stage) + "-" + suffix
}

// Queue publishes stage messages to their topic and receives from every
// stage subscription into one delivery channel.
type Queue struct {
	client     *pubsub.Client
	cfg        Config
	logger     *zap.Logger
	publishers map[pipeline.Stage]*pubsub.Publisher
	deliveries chan pipeline.Delivery
	errs       chan error

	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New wraps an existing client. The caller keeps ownership of the client.
func New(client *pubsub.Client, cfg Config, logger *zap.Logger) *Queue {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "newsfacts"
	}
	if cfg.SubscriptionSuffix == "" {
		cfg.SubscriptionSuffix = "worker"
	}
	if cfg.MaxOutstanding <= 0 {
		cfg.MaxOutstanding = 10
	}
	if cfg.AckDeadline <= 0 {
		cfg.AckDeadline = 5 * time.Minute
	}
	if len(cfg.Stages) == 0 {
		cfg.Stages = pipeline.WorkStages()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	publishers := make(map[pipeline.Stage]*pubsub.Publisher, len(cfg.Stages))
	for _, stage := range cfg.Stages {
		publishers[stage] = client.Publisher(TopicID(cfg.TopicPrefix, stage))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		client:     client,
		cfg:        cfg,
		logger:     logger.Named("pubsub_queue"),
		publishers: publishers,
		deliveries: make(chan pipeline.Delivery),
		errs:       make(chan error, len(cfg.Stages)),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// EnsureTopics creates any missing stage topics and worker subscriptions.
func (q *Queue) EnsureTopics(ctx context.Context) error {
	for _, stage := range q.cfg.Stages {
		topic := q.topicName(stage)
		_, err := q.client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: topic})
		if err != nil && status.Code(err) != codes.AlreadyExists {
			return fmt.Errorf("create topic %s: %w", topic, err)
		}
		sub := q.subscriptionName(stage)
		_, err = q.client.SubscriptionAdminClient.CreateSubscription(ctx, &pubsubpb.Subscription{
			Name:               sub,
			Topic:              topic,
			AckDeadlineSeconds: int32(q.cfg.AckDeadline / time.Second),
		})
		if err != nil && status.Code(err) != codes.AlreadyExists {
			return fmt.Errorf("create subscription %s: %w", sub, err)
		}
	}
	return nil
}

// Enqueue publishes msg to its stage topic and waits for the server ack.
func (q *Queue) Enqueue(ctx context.Context, msg pipeline.StageMessage) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	publisher, ok := q.publishers[msg.Stage]
	if !ok {
		return fmt.Errorf("enqueue: no topic for stage %q", msg.Stage)
	}
	attrs := map[string]string{StageAttribute: string(msg.Stage)}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attrs))

	result := publisher.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish stage message: %w", err)
	}
	return nil
}

// Dequeue returns the next delivery from any stage subscription. Receiving
// starts on the first call.
func (q *Queue) Dequeue(ctx context.Context) (pipeline.Delivery, error) {
	q.startOnce.Do(q.start)
	select {
	case <-ctx.Done():
		return pipeline.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case err := <-q.errs:
		return pipeline.Delivery{}, err
	case d := <-q.deliveries:
		return d, nil
	}
}

func (q *Queue) start() {
	for _, stage := range q.cfg.Stages {
		sub := q.client.Subscriber(q.subscriptionName(stage))
		sub.ReceiveSettings.MaxOutstandingMessages = q.cfg.MaxOutstanding
		q.wg.Add(1)
		go func(stage pipeline.Stage, sub *pubsub.Subscriber) {
			defer q.wg.Done()
			err := sub.Receive(q.ctx, q.receive)
			if err != nil && !errors.Is(err, context.Canceled) {
				q.logger.Error("subscription receive stopped", zap.String("stage", string(stage)), zap.Error(err))
				q.errs <- fmt.Errorf("receive %s: %w", stage, err)
			}
		}(stage, sub)
	}
}

func (q *Queue) receive(ctx context.Context, m *pubsub.Message) {
	msg, err := pipeline.DecodeStageMessage(m.Data)
	if err != nil {
		q.logger.Error("dropping malformed stage message", zap.String("message_id", m.ID), zap.Error(err))
		m.Ack()
		return
	}
	attempt := 1
	if m.DeliveryAttempt != nil {
		attempt = *m.DeliveryAttempt
	}
	d := pipeline.NewDelivery(msg, attempt,
		func() error { m.Ack(); return nil },
		func() error { m.Nack(); return nil },
	).WithMetadata(m.Attributes)

	select {
	case q.deliveries <- d:
	case <-ctx.Done():
		m.Nack()
	}
}

// Close stops receiving and flushes the publishers.
func (q *Queue) Close() {
	q.cancel()
	q.wg.Wait()
	for _, p := range q.publishers {
		p.Stop()
	}
}

func (q *Queue) topicName(stage pipeline.Stage) string {
	return fmt.Sprintf("projects/%s/topics/%s", q.cfg.ProjectID, TopicID(q.cfg.TopicPrefix, stage))
}

func (q *Queue) subscriptionName(stage pipeline.Stage) string {
	return fmt.Sprintf("projects/%s/subscriptions/%s",
		q.cfg.ProjectID, SubscriptionID(q.cfg.TopicPrefix, q.cfg.SubscriptionSuffix, stage))
}
