package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/db"
)

// EventType names a batch lifecycle event
type EventType string

const (
	EventBatchCompleted EventType = "batch.completed"
)

// API is the part of the SNS client used here
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher handles SNS topic publishing for batch lifecycle events
type Publisher struct {
	client   API
	topicARN string
	logger   *zap.Logger
}

// Event is the JSON body published to the topic
type Event struct {
	Type          EventType `json:"type"`
	BatchID       string    `json:"batch_id"`
	Name          string    `json:"name"`
	Status        string    `json:"status"`
	TotalInvoices int       `json:"total_invoices"`
	TotalSent     int       `json:"total_sent"`
	TotalSuccess  int       `json:"total_success"`
	TotalFailure  int       `json:"total_failure"`
	CreatedBy     string    `json:"created_by,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(ctx context.Context, region, topicARN string, logger *zap.Logger) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewPublisherWithClient(sns.NewFromConfig(cfg), topicARN, logger), nil
}

// NewPublisherWithEndpoint creates a publisher with custom endpoint (for LocalStack)
func NewPublisherWithEndpoint(ctx context.Context, topicARN, endpoint, region string, logger *zap.Logger) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	return NewPublisherWithClient(client, topicARN, logger), nil
}

func NewPublisherWithClient(client API, topicARN string, logger *zap.Logger) *Publisher {
	return &Publisher{client: client, topicARN: topicARN, logger: logger}
}

// Publish sends an event to SNS with type-based routing attributes
func (p *Publisher) Publish(ctx context.Context, evt Event) (string, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(evt.Type)),
			},
			"batch_status": {
				DataType:    aws.String("String"),
				StringValue: aws.String(evt.Status),
			},
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// BatchCompleted publishes a batch.completed event for b
func (p *Publisher) BatchCompleted(ctx context.Context, b *db.Batch) error {
	msgID, err := p.Publish(ctx, NewBatchEvent(EventBatchCompleted, b, time.Now().UTC()))
	if err != nil {
		return err
	}

	p.logger.Info("batch event published",
		zap.String("batch_id", b.ID.String()),
		zap.String("message_id", msgID),
	)
	return nil
}

func NewBatchEvent(t EventType, b *db.Batch, at time.Time) Event {
	return Event{
		Type:          t,
		BatchID:       b.ID.String(),
		Name:          b.Name,
		Status:        b.Status,
		TotalInvoices: b.TotalInvoices,
		TotalSent:     b.TotalSent,
		TotalSuccess:  b.TotalSuccess,
		TotalFailure:  b.TotalFailure,
		CreatedBy:     b.CreatedBy,
		OccurredAt:    at,
	}
}
