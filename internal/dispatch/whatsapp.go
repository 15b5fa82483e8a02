package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WhatsAppConfig configures the webhook in front of the WhatsApp gateway
type WhatsAppConfig struct {
	URL      string
	Token    string
	Instance string
	Timeout  time.Duration
}

// WhatsAppChannel posts each message to the gateway webhook
type WhatsAppChannel struct {
	client *http.Client
	cfg    WhatsAppConfig
	logger *zap.Logger
}

type whatsAppPayload struct {
	PhoneNumber string `json:"phoneNumber"`
	MessageText string `json:"messageText"`
	Instance    string `json:"instance,omitempty"`
	RuleID      string `json:"rule_id,omitempty"`
	CustomerID  string `json:"cliente_id,omitempty"`
	InvoiceID   string `json:"fatura_id,omitempty"`
	BatchID     string `json:"lote_id,omitempty"`
	Critical    bool   `json:"fila_critica,omitempty"`
	Token       string `json:"token,omitempty"`
}

func NewWhatsAppChannel(cfg WhatsAppConfig, logger *zap.Logger) *WhatsAppChannel {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &WhatsAppChannel{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: logger,
	}
}

func (c *WhatsAppChannel) Name() string { return "whatsapp" }

// Send succeeds on a 2xx response whose body carries no error field
func (c *WhatsAppChannel) Send(ctx context.Context, msg *Message) (json.RawMessage, error) {
	payload := whatsAppPayload{
		PhoneNumber: msg.Phone,
		MessageText: msg.Text,
		Instance:    c.cfg.Instance,
		CustomerID:  msg.CustomerID.String(),
		InvoiceID:   msg.InvoiceID.String(),
		Critical:    msg.Critical,
		Token:       c.cfg.Token,
	}
	if msg.RuleID != nil {
		payload.RuleID = msg.RuleID.String()
	}
	if msg.BatchID != nil {
		payload.BatchID = msg.BatchID.String()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal whatsapp payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create whatsapp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Dunning/1.0")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whatsapp request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	raw, reason := classify(resp.StatusCode, respBody)
	if reason != "" {
		c.logger.Warn("whatsapp delivery rejected",
			zap.String("invoice_id", msg.InvoiceID.String()),
			zap.Int("status_code", resp.StatusCode),
			zap.String("reason", reason),
		)
		return raw, &DeliveryError{StatusCode: resp.StatusCode, Reason: reason}
	}

	c.logger.Debug("whatsapp message delivered",
		zap.String("invoice_id", msg.InvoiceID.String()),
		zap.Int("status_code", resp.StatusCode),
	)
	return raw, nil
}

// classify returns the body to store and, for failures, the reason. The
// reason comes from the error field, then the message field, then a
// generic string.
func classify(status int, body []byte) (json.RawMessage, string) {
	var fields map[string]json.RawMessage
	raw := json.RawMessage(body)
	if len(bytes.TrimSpace(body)) == 0 || json.Unmarshal(body, &fields) != nil {
		raw = rawString(status, string(body))
		fields = nil
	}

	errField := present(fields["error"])
	ok := status >= 200 && status < 300 && errField == nil
	if ok {
		return raw, ""
	}

	if reason := reasonFrom(errField); reason != "" {
		return raw, reason
	}
	if reason := reasonFrom(present(fields["message"])); reason != "" {
		return raw, reason
	}
	return raw, genericFailure
}

// present treats null, false and "" as an absent field
func present(v json.RawMessage) json.RawMessage {
	switch string(bytes.TrimSpace(v)) {
	case "", "null", "false", `""`:
		return nil
	}
	return v
}

func reasonFrom(v json.RawMessage) string {
	if v == nil {
		return ""
	}
	var s string
	if json.Unmarshal(v, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(v, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	return string(v)
}
