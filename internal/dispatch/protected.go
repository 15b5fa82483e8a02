package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/circuitbreaker"
	"github.com/lalithlochan/dunning/internal/metrics"
)

// ProtectedChannel fails sends fast while the provider keeps failing. An
// open circuit is an ordinary per-item failure for the caller.
type ProtectedChannel struct {
	channel Channel
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedChannel(channel Channel, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *ProtectedChannel {
	return &ProtectedChannel{channel: channel, breaker: breaker, logger: logger}
}

func (p *ProtectedChannel) Name() string { return p.channel.Name() }

func (p *ProtectedChannel) Send(ctx context.Context, msg *Message) (json.RawMessage, error) {
	var raw json.RawMessage
	err := p.breaker.Execute(func() error {
		var err error
		raw, err = p.channel.Send(ctx, msg)
		return err
	}, countsAgainstProvider)

	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		metrics.RecordCircuitRejection(p.channel.Name())
		p.logger.Warn("circuit breaker rejected send",
			zap.String("channel", p.channel.Name()),
			zap.String("invoice_id", msg.InvoiceID.String()),
		)
		return nil, fmt.Errorf("%w: %s channel unavailable", err, p.channel.Name())
	}
	return raw, err
}

// Breaker exposes the breaker for the health endpoint
func (p *ProtectedChannel) Breaker() *circuitbreaker.CircuitBreaker {
	return p.breaker
}

// countsAgainstProvider is false when the provider answered but refused this
// one message, e.g. an invalid number. The provider itself is healthy.
func countsAgainstProvider(err error) bool {
	var de *DeliveryError
	return !(errors.As(err, &de) && de.StatusCode > 0 && de.StatusCode < 500)
}
