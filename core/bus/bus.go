/*
Package bus publishes domain events to external consumers.

Events go to a Kafka topic or an SQS queue, depending on the configuration. The
Nop publisher drops them, which is what tests and single-box deployments use.
*/
package bus

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is a domain event
type Event struct {
	ID             uuid.UUID   `json:"id"`
	Type           string      `json:"type"`
	OrganizationID uuid.UUID   `json:"organization_id"`
	Timestamp      time.Time   `json:"timestamp"`
	Payload        interface{} `json:"payload,omitempty"`
}

// Publisher publishes domain events
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// TopicPrefix prefixes the Kafka topics of domain events
const TopicPrefix = "voxtro."

// Topic returns the Kafka topic for an event type, e.g. "voxtro.lead-created"
func Topic(eventType string) string {
	return TopicPrefix + strings.ToLower(eventType)
}

func stamp(event Event) Event {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return event
}

// Nop is a publisher which drops all events
type Nop struct{}

// Publish does nothing
func (Nop) Publish(ctx context.Context, event Event) error { return nil }

// Close does nothing
func (Nop) Close() error { return nil }
