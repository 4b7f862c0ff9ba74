package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/voxtro/backend/core/logger"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes every event type to its own topic. Messages are keyed by
// organization, so the events of one organization keep their order.
type Kafka struct {
	writer messageWriter
}

// NewKafka returns a publisher writing to the given brokers. Topics are created
// on first use.
func NewKafka(brokers []string) *Kafka {
	logger.Default().Infoln("publishing domain events to kafka", brokers)
	return &Kafka{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
	}}
}

// Publish writes the event to its topic
func (k *Kafka) Publish(ctx context.Context, event Event) error {
	event = stamp(event)
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Topic: Topic(event.Type),
		Key:   []byte(event.OrganizationID.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(event.Type)},
			{Key: "request_id", Value: []byte(logger.RequestIDFromContext(ctx))},
		},
	})
	if err != nil {
		return fmt.Errorf("cannot publish %s to kafka: %w", event.Type, err)
	}
	return nil
}

// Close flushes and closes the writer
func (k *Kafka) Close() error {
	return k.writer.Close()
}
