package emit

import (
	"context"
	"maps"

	"github.com/birdayz/kcorrelate/internal/headers"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer is the subset of *kgo.Client used for publishing.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaPublisher writes composites to a topic. The record key is the message
// id so all publishes for one correlation key land on the same partition.
type KafkaPublisher struct {
	producer Producer
	topic    string
}

func NewKafkaPublisher(producer Producer, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		producer: producer,
		topic:    topic,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, msg OutboundMessage) error {
	props := maps.Clone(msg.Properties)
	if props == nil {
		props = map[string]string{}
	}
	props[headers.MessageID] = msg.ID
	props[headers.CorrelationID] = msg.CorrelationID
	if msg.ContentType != "" {
		props[headers.ContentType] = msg.ContentType
	}
	if msg.Subject != "" {
		props[headers.Subject] = msg.Subject
	}

	record := &kgo.Record{
		Topic:   p.topic,
		Key:     []byte(msg.ID),
		Value:   msg.Body,
		Headers: headers.FromMap(props, headers.MessageID, headers.CorrelationID, headers.ContentType, headers.Subject),
	}
	return p.producer.ProduceSync(ctx, record).FirstErr()
}
