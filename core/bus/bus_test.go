package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.messages = append(f.messages, msgs...)
	return f.err
}

func (f *fakeWriter) Close() error { return nil }

type fakeSQS struct {
	inputs []*sqs.SendMessageInput
}

func (f *fakeSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.inputs = append(f.inputs, params)
	return &sqs.SendMessageOutput{}, nil
}

func TestKafkaPublish(t *testing.T) {
	w := &fakeWriter{}
	k := &Kafka{writer: w}
	orgID := uuid.New()

	require.NoError(t, k.Publish(context.Background(), Event{Type: "lead-created", OrganizationID: orgID, Payload: map[string]int{"score": 80}}))
	require.Len(t, w.messages, 1)
	msg := w.messages[0]
	assert.Equal(t, "voxtro.lead-created", msg.Topic)
	assert.Equal(t, orgID.String(), string(msg.Key))

	var event Event
	require.NoError(t, json.Unmarshal(msg.Value, &event))
	assert.NotEqual(t, uuid.Nil, event.ID)
	assert.False(t, event.Timestamp.IsZero())
	assert.Equal(t, orgID, event.OrganizationID)

	w.err = errors.New("broker down")
	assert.Error(t, k.Publish(context.Background(), Event{Type: "x"}))
}

func TestSQSPublish(t *testing.T) {
	f := &fakeSQS{}
	s := &SQS{client: f, queueURL: "https://sqs.eu-central-1.amazonaws.com/1/voxtro"}
	orgID := uuid.New()

	require.NoError(t, s.Publish(context.Background(), Event{Type: "ticket-created", OrganizationID: orgID}))
	require.Len(t, f.inputs, 1)
	in := f.inputs[0]
	assert.Equal(t, "https://sqs.eu-central-1.amazonaws.com/1/voxtro", *in.QueueUrl)
	assert.Equal(t, "ticket-created", *in.MessageAttributes["type"].StringValue)
	assert.Equal(t, orgID.String(), *in.MessageAttributes["organization_id"].StringValue)
	assert.Contains(t, *in.MessageBody, `"type":"ticket-created"`)
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), Event{Type: "anything"}))
	assert.NoError(t, p.Close())
}
