package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// API is the part of the SQS client used here
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// DispatchJob asks a worker to run one approved batch
type DispatchJob struct {
	BatchID    string `json:"batch_id"`
	IntervalMS int64  `json:"interval_ms"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

func (j *DispatchJob) Interval() time.Duration {
	return time.Duration(j.IntervalMS) * time.Millisecond
}

func newClient(ctx context.Context, region string) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg), nil
}

// Producer enqueues dispatch jobs
type Producer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	client, err := newClient(ctx, cfg.Region)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return NewProducerWithClient(client, cfg.QueueURL, logger), nil
}

func NewProducerWithClient(client API, queueURL string, logger *zap.Logger) *Producer {
	return &Producer{client: client, queueURL: queueURL, logger: logger}
}

// Enqueue sends a dispatch job and returns the SQS message ID
func (p *Producer) Enqueue(ctx context.Context, batchID uuid.UUID, interval time.Duration) (string, error) {
	job := DispatchJob{
		BatchID:    batchID.String(),
		IntervalMS: interval.Milliseconds(),
		EnqueuedAt: time.Now().UnixNano(),
	}

	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	result, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		p.logger.Error("failed to send dispatch job to sqs",
			zap.Error(err),
			zap.String("batch_id", job.BatchID),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// DispatchRunner hands batches to the worker fleet through SQS
type DispatchRunner struct {
	producer *Producer
}

func NewDispatchRunner(p *Producer) *DispatchRunner {
	return &DispatchRunner{producer: p}
}

func (r *DispatchRunner) Start(ctx context.Context, batchID uuid.UUID, interval time.Duration) error {
	msgID, err := r.producer.Enqueue(ctx, batchID, interval)
	if err != nil {
		return err
	}
	r.producer.logger.Info("dispatch job enqueued",
		zap.String("batch_id", batchID.String()),
		zap.String("message_id", msgID),
	)
	return nil
}
