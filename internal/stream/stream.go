// Package stream carries the loader's Kafka surface: the EOD trigger and
// intraday trade consumers and the keyed JSON producers.
package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fundops/positionloader/internal/debug"
	"github.com/fundops/positionloader/internal/types"
)

// Logical topics.
const (
	TopicEODTrigger     = "EOD_TRIGGER"
	TopicIntraday       = "INTRADAY"
	TopicPositionChange = "POSITION_CHANGE_EVENTS"
	TopicClientSignoff  = "CLIENT_REPORTING_SIGNOFF"
)

// DLT returns the dead-letter topic for the given topic.
func DLT(topic string) string {
	return topic + ".DLT"
}

// Producer publishes keyed JSON records.
type Producer struct {
	cl *kgo.Client
}

// NewProducer connects a produce-only client.
func NewProducer(brokers []string) (*Producer, error) {
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID("posloader"),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return &Producer{cl: cl}, nil
}

// Publish sends one raw record, waiting for the broker ack.
func (p *Producer) Publish(ctx context.Context, topic, key string, payload []byte) error {
	rec := &kgo.Record{Topic: topic, Key: []byte(key), Value: payload}
	if err := p.cl.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce %s: %w", topic, err)
	}
	return nil
}

// PublishJSON marshals v and sends it keyed by key.
func (p *Producer) PublishJSON(ctx context.Context, topic, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return p.Publish(ctx, topic, key, payload)
}

// PublishPositionChange emits one POSITION_CHANGE_EVENTS record keyed by
// accountId.
func (p *Producer) PublishPositionChange(ctx context.Context, change *types.PositionChange) error {
	return p.PublishJSON(ctx, TopicPositionChange, fmt.Sprintf("%d", change.AccountID), change)
}

// PublishClientSignoff emits one CLIENT_REPORTING_SIGNOFF record keyed by
// clientId.
func (p *Producer) PublishClientSignoff(ctx context.Context, s *types.ClientSignoff) error {
	return p.PublishJSON(ctx, TopicClientSignoff, fmt.Sprintf("%d", s.ClientID), s)
}

// Flush blocks until buffered records are acked, part of graceful drain.
func (p *Producer) Flush(ctx context.Context) error {
	return p.cl.Flush(ctx)
}

// Close flushes and releases the client.
func (p *Producer) Close() {
	p.cl.Close()
}

func logFetchErrors(fetches kgo.Fetches) {
	fetches.EachError(func(topic string, partition int32, err error) {
		debug.Logf("stream: fetch %s/%d: %v\n", topic, partition, err)
	})
}
