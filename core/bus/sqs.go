package bus

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/goccy/go-json"

	"github.com/voxtro/backend/core/logger"
)

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQS publishes events to a single queue. The event type and organization are
// message attributes, so consumers can filter without parsing the body.
type SQS struct {
	client   sqsAPI
	queueURL string
}

// NewSQS returns a publisher for the queue, using the default AWS configuration chain
func NewSQS(ctx context.Context, region, queueURL string) (*SQS, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	logger.Default().Infoln("publishing domain events to sqs", queueURL)
	return &SQS{client: sqs.NewFromConfig(cfg), queueURL: queueURL}, nil
}

// Publish sends the event to the queue
func (s *SQS) Publish(ctx context.Context, event Event) error {
	event = stamp(event)
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.Type),
			},
			"organization_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.OrganizationID.String()),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("cannot publish %s to sqs: %w", event.Type, err)
	}
	return nil
}

// Close does nothing, the SQS client has no resources to release
func (s *SQS) Close() error { return nil }
