package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/db"
	"github.com/lalithlochan/dunning/internal/dispatch"
	"github.com/lalithlochan/dunning/internal/metrics"
)

// ErrRetryLater leaves the message on the queue for redelivery
var ErrRetryLater = errors.New("retry later")

// retryVisibility is how long a message stays hidden before redelivery
const retryVisibility = 60

// Handler processes one job. Wrap an error with ErrRetryLater to keep the
// message; any other error drops it.
type Handler func(ctx context.Context, job *DispatchJob) error

// Consumer reads dispatch jobs from SQS
type Consumer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

func NewConsumer(ctx context.Context, cfg Config, logger *zap.Logger) (*Consumer, error) {
	client, err := newClient(ctx, cfg.Region)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return NewConsumerWithClient(client, cfg.QueueURL, logger), nil
}

func NewConsumerWithClient(client API, queueURL string, logger *zap.Logger) *Consumer {
	return &Consumer{client: client, queueURL: queueURL, logger: logger}
}

// ReceiveMessage long-polls for one job. A nil job means the poll was empty.
func (c *Consumer) ReceiveMessage(ctx context.Context) (*DispatchJob, string, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   300,
	})
	if err != nil {
		return nil, "", fmt.Errorf("sqs receive failed: %w", err)
	}

	if len(result.Messages) == 0 {
		return nil, "", nil
	}

	msg := result.Messages[0]
	receipt := aws.ToString(msg.ReceiptHandle)

	var job DispatchJob
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &job); err != nil {
		c.logger.Error("failed to unmarshal dispatch job", zap.Error(err))
		return nil, receipt, fmt.Errorf("invalid message format: %w", err)
	}

	return &job, receipt, nil
}

func (c *Consumer) DeleteMessage(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

func (c *Consumer) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}

// Run receives and handles jobs until ctx is cancelled
func (c *Consumer) Run(ctx context.Context, handle Handler) {
	for {
		if ctx.Err() != nil {
			c.logger.Info("sqs consumer stopping")
			return
		}
		if err := c.Poll(ctx, handle); err != nil && ctx.Err() == nil {
			c.logger.Error("sqs poll failed", zap.Error(err))
			if dispatch.Sleep(ctx, 5*time.Second) != nil {
				return
			}
		}
	}
}

// Poll receives at most one job and settles its message
func (c *Consumer) Poll(ctx context.Context, handle Handler) error {
	job, receipt, err := c.ReceiveMessage(ctx)
	if err != nil {
		if receipt != "" {
			// a malformed body will never parse, drop it
			return errors.Join(err, c.DeleteMessage(ctx, receipt))
		}
		return err
	}
	if job == nil {
		return nil
	}

	metrics.SetSQSMessagesInFlight(1)
	defer metrics.SetSQSMessagesInFlight(0)

	err = handle(ctx, job)
	if errors.Is(err, ErrRetryLater) {
		c.logger.Info("dispatch job deferred",
			zap.String("batch_id", job.BatchID),
			zap.Error(err),
		)
		return c.ChangeVisibility(context.WithoutCancel(ctx), receipt, retryVisibility)
	}
	if err != nil {
		c.logger.Error("dispatch job dropped",
			zap.String("batch_id", job.BatchID),
			zap.Error(err),
		)
	}
	return c.DeleteMessage(context.WithoutCancel(ctx), receipt)
}

// DispatchHandler runs jobs on d. A held lock or an interrupted run is
// retried; a batch that is gone or no longer in progress is dropped.
func DispatchHandler(d *dispatch.Dispatcher) Handler {
	return func(ctx context.Context, job *DispatchJob) error {
		batchID, err := uuid.Parse(job.BatchID)
		if err != nil {
			return fmt.Errorf("invalid batch id %q: %w", job.BatchID, err)
		}

		_, err = d.Run(ctx, batchID, job.Interval())
		switch {
		case err == nil:
			return nil
		case errors.Is(err, dispatch.ErrNotInProgress), errors.Is(err, db.ErrNotFound):
			return err
		default:
			return fmt.Errorf("%w: %w", ErrRetryLater, err)
		}
	}
}
