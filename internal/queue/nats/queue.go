// Package nats implements the stage queue on a NATS JetStream stream with a
// durable pull consumer.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsfacts-pipeline/internal/pipeline"
)

// Config describes the stream and consumer.
type Config struct {
	Stream     string
	Subject    string
	Durable    string
	MaxDeliver int
	AckWait    time.Duration
	NakDelay   time.Duration
	FetchWait  time.Duration
	// Stages narrows the consumer to these stage subjects. Empty consumes all.
	Stages []pipeline.Stage
}

func (c Config) withDefaults() Config {
	if c.Stream == "" {
		c.Stream = "NEWSFACTS"
	}
	if c.Subject == "" {
		c.Subject = "newsfacts.stage"
	}
	if c.Durable == "" {
		c.Durable = "stage-workers"
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = 5
	}
	if c.AckWait <= 0 {
		c.AckWait = 5 * time.Minute
	}
	if c.FetchWait <= 0 {
		c.FetchWait = 5 * time.Second
	}
	return c
}

// StageSubject is "<prefix>.<stage>".
func StageSubject(prefix string, stage pipeline.Stage) string {
	return prefix + "." + string(stage)
}

// Publisher is the slice of jetstream.JetStream used for enqueueing.
type Publisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Fetcher is the slice of jetstream.Consumer used for dequeueing.
type Fetcher interface {
	Fetch(batch int, opts ...jetstream.FetchOpt) (jetstream.MessageBatch, error)
}

// Queue publishes stage messages to per-stage subjects and pulls them back
// one at a time.
type Queue struct {
	cfg      Config
	js       Publisher
	consumer Fetcher
	logger   *zap.Logger
}

// Open creates or updates the stream and durable consumer, then returns a
// Queue bound to them.
func Open(ctx context.Context, js jetstream.JetStream, cfg Config, logger *zap.Logger) (*Queue, error) {
	cfg = cfg.withDefaults()
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject + ".>"},
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, consumerConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", cfg.Durable, err)
	}
	return New(js, consumer, cfg, logger), nil
}

func consumerConfig(cfg Config) jetstream.ConsumerConfig {
	cc := jetstream.ConsumerConfig{
		Durable:    cfg.Durable,
		AckPolicy:  jetstream.AckExplicitPolicy,
		AckWait:    cfg.AckWait,
		MaxDeliver: cfg.MaxDeliver,
	}
	if len(cfg.Stages) == 0 {
		cc.FilterSubject = cfg.Subject + ".>"
		return cc
	}
	for _, stage := range cfg.Stages {
		cc.FilterSubjects = append(cc.FilterSubjects, StageSubject(cfg.Subject, stage))
	}
	return cc
}

// New builds a Queue over an existing publisher and consumer.
func New(js Publisher, consumer Fetcher, cfg Config, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{cfg: cfg.withDefaults(), js: js, consumer: consumer, logger: logger.Named("nats_queue")}
}

// Enqueue publishes msg on its stage subject.
func (q *Queue) Enqueue(ctx context.Context, msg pipeline.StageMessage) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	out := nats.NewMsg(StageSubject(q.cfg.Subject, msg.Stage))
	out.Data = data
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for k, v := range carrier {
		out.Header.Set(k, v)
	}
	if _, err := q.js.PublishMsg(ctx, out); err != nil {
		return fmt.Errorf("publish stage message: %w", err)
	}
	return nil
}

// Dequeue pulls the next valid message. Malformed messages are terminated so
// they are never redelivered.
func (q *Queue) Dequeue(ctx context.Context) (pipeline.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return pipeline.Delivery{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		batch, err := q.consumer.Fetch(1, jetstream.FetchMaxWait(q.cfg.FetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrConnectionClosed) {
				return pipeline.Delivery{}, fmt.Errorf("fetch: %w", err)
			}
			q.logger.Warn("fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		for m := range batch.Messages() {
			if d, ok := q.delivery(m); ok {
				return d, nil
			}
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			q.logger.Debug("fetch batch error", zap.Error(err))
		}
	}
}

func (q *Queue) delivery(m jetstream.Msg) (pipeline.Delivery, bool) {
	msg, err := pipeline.DecodeStageMessage(m.Data())
	if err != nil {
		q.logger.Error("terminating malformed stage message", zap.String("subject", m.Subject()), zap.Error(err))
		if termErr := m.TermWithReason(err.Error()); termErr != nil {
			q.logger.Warn("term failed", zap.Error(termErr))
		}
		return pipeline.Delivery{}, false
	}
	attempt := 1
	if meta, err := m.Metadata(); err == nil && meta.NumDelivered > 0 {
		attempt = int(meta.NumDelivered)
	}
	nack := func() error {
		if q.cfg.NakDelay > 0 {
			return m.NakWithDelay(q.cfg.NakDelay)
		}
		return m.Nak()
	}
	d := pipeline.NewDelivery(msg, attempt, m.Ack, nack)
	return d.WithMetadata(headerMetadata(m.Headers())), true
}

func headerMetadata(h nats.Header) map[string]string {
	md := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			md[strings.ToLower(k)] = v[0]
		}
	}
	return md
}
