// Package dispatch delivers generated dunning messages through an outbound
// channel and keeps the per-item, per-batch and history bookkeeping.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrMissingPhone fails an item before any network call is made
var ErrMissingPhone = errors.New("customer has no phone number")

// genericFailure is the reason used when the provider gives none
const genericFailure = "falha no envio da mensagem"

// Message is one outbound send. The context IDs travel with the payload so
// the provider can correlate replies.
type Message struct {
	Phone      string
	Text       string
	InvoiceID  uuid.UUID
	CustomerID uuid.UUID
	RuleID     *uuid.UUID
	BatchID    *uuid.UUID
	Critical   bool
}

// Channel sends a message and returns the provider response for the audit
// history. A non-nil error means the item failed; the raw response may still
// be set in that case.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg *Message) (json.RawMessage, error)
}

// DeliveryError is a failure reported by a provider that was reached
type DeliveryError struct {
	StatusCode int
	Reason     string
}

func (e *DeliveryError) Error() string {
	if e.StatusCode == 0 {
		return e.Reason
	}
	return fmt.Sprintf("%s (status %d)", e.Reason, e.StatusCode)
}

// LogChannel only logs. Used for local runs without a provider.
type LogChannel struct {
	logger *zap.Logger
}

func NewLogChannel(logger *zap.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(ctx context.Context, msg *Message) (json.RawMessage, error) {
	c.logger.Info("message logged instead of sent",
		zap.String("phone", msg.Phone),
		zap.String("invoice_id", msg.InvoiceID.String()),
		zap.Int("length", len(msg.Text)),
	)
	return json.RawMessage(`{"status":"logged"}`), nil
}

// rawString wraps a non-JSON provider body so it can be stored as JSONB
func rawString(status int, body string) json.RawMessage {
	raw, err := json.Marshal(map[string]any{"status": status, "body": body})
	if err != nil {
		return nil
	}
	return raw
}
