package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// SMSPublisher is the slice of the SNS client the SMS channel needs
type SMSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SMSChannel sends messages as transactional SMS through AWS SNS
type SMSChannel struct {
	client   SMSPublisher
	senderID string
	logger   *zap.Logger
}

type SMSConfig struct {
	Region   string
	SenderID string
}

// NewSMSChannel loads the default AWS config for the region
func NewSMSChannel(ctx context.Context, cfg SMSConfig, logger *zap.Logger) (*SMSChannel, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}
	return NewSMSChannelWithClient(sns.NewFromConfig(awsCfg), cfg.SenderID, logger), nil
}

func NewSMSChannelWithClient(client SMSPublisher, senderID string, logger *zap.Logger) *SMSChannel {
	return &SMSChannel{client: client, senderID: senderID, logger: logger}
}

func (c *SMSChannel) Name() string { return "sms" }

func (c *SMSChannel) Send(ctx context.Context, msg *Message) (json.RawMessage, error) {
	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {
			DataType:    aws.String("String"),
			StringValue: aws.String("Transactional"),
		},
	}
	if c.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(c.senderID),
		}
	}

	result, err := c.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(msg.Phone),
		Message:           aws.String(msg.Text),
		MessageAttributes: attrs,
	})
	if err != nil {
		return nil, fmt.Errorf("sns publish failed: %w", err)
	}

	messageID := aws.ToString(result.MessageId)
	c.logger.Debug("sms sent via sns",
		zap.String("invoice_id", msg.InvoiceID.String()),
		zap.String("message_id", messageID),
	)

	raw, _ := json.Marshal(map[string]string{"message_id": messageID})
	return raw, nil
}
