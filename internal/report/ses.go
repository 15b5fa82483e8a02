// Package report emails a summary when a batch finishes dispatching.
package report

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/db"
)

// API is the part of the SES client used here
type API interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SESConfig struct {
	Region    string
	FromEmail string
	To        string
}

// SESReporter sends the completion summary of a batch by email
type SESReporter struct {
	client API
	from   string
	to     string
	logger *zap.Logger
}

func NewSESReporter(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESReporter, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return NewSESReporterWithClient(ses.NewFromConfig(awsCfg), cfg, logger)
}

func NewSESReporterWithClient(client API, cfg SESConfig, logger *zap.Logger) (*SESReporter, error) {
	if cfg.FromEmail == "" || cfg.To == "" {
		return nil, fmt.Errorf("report needs both a sender and a recipient address")
	}
	return &SESReporter{client: client, from: cfg.FromEmail, to: cfg.To, logger: logger}, nil
}

// BatchCompleted emails the summary of b
func (r *SESReporter) BatchCompleted(ctx context.Context, b *db.Batch) error {
	input := &ses.SendEmailInput{
		Source: aws.String(r.from),
		Destination: &types.Destination{
			ToAddresses: []string{r.to},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(Subject(b)),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(Body(b)),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := r.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	r.logger.Info("batch report sent via SES",
		zap.String("batch_id", b.ID.String()),
		zap.String("to", r.to),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

func Subject(b *db.Batch) string {
	return fmt.Sprintf("Lote %q concluído: %d/%d enviados com sucesso", b.Name, b.TotalSuccess, b.TotalInvoices)
}

func Body(b *db.Batch) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Lote: %s (%s)\n", b.Name, b.ID)
	fmt.Fprintf(&sb, "Status: %s\n", b.Status)
	fmt.Fprintf(&sb, "Faturas: %d\n", b.TotalInvoices)
	fmt.Fprintf(&sb, "Processadas: %d\n", b.TotalSent)
	fmt.Fprintf(&sb, "Sucesso: %d\n", b.TotalSuccess)
	fmt.Fprintf(&sb, "Falha: %d\n", b.TotalFailure)
	if skipped := b.TotalInvoices - b.TotalSent; skipped > 0 {
		fmt.Fprintf(&sb, "Sem envio: %d\n", skipped)
	}
	if b.ApprovedBy != nil {
		fmt.Fprintf(&sb, "Aprovado por: %s\n", *b.ApprovedBy)
	}
	return sb.String()
}
