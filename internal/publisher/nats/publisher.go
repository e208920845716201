// Package nats publishes task events to NATS JetStream subjects.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Stream is the slice of jetstream.JetStream used for publishing.
type Stream interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher maps topics onto "<prefix>.<topic>" subjects.
type Publisher struct {
	js     Stream
	prefix string
}

// New returns a Publisher. An empty prefix publishes on the topic itself.
func New(js Stream, prefix string) *Publisher {
	return &Publisher{js: js, prefix: prefix}
}

// Subject returns the subject a topic is published on.
func (p *Publisher) Subject(topic string) string {
	if p.prefix == "" {
		return topic
	}
	return p.prefix + "." + topic
}

// EnsureStream creates or updates a stream capturing every subject under
// prefix.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name, prefix string) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     name,
		Subjects: []string{prefix + ".>"},
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	return nil
}

// Publish marshals payload to JSON and waits for the stream ack. The returned
// id is "<stream>:<sequence>".
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := nats.NewMsg(p.Subject(topic))
	msg.Data = data
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for k, v := range carrier {
		msg.Header.Set(k, v)
	}
	ack, err := p.js.PublishMsg(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return ack.Stream + ":" + strconv.FormatUint(ack.Sequence, 10), nil
}
