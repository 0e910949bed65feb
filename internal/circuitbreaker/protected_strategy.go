package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/notifier/internal/channel"
)

// ProtectedStrategy wraps a channel strategy with a CircuitBreaker. While the
// circuit is open, Send returns a failure outcome without calling the
// provider. Recipients the strategy itself rejects do not count against the
// breaker.
type ProtectedStrategy struct {
	inner   channel.Strategy
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// Protect wraps s with breaker.
func Protect(s channel.Strategy, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedStrategy {
	return &ProtectedStrategy{
		inner:   s,
		breaker: breaker,
		logger:  logger,
	}
}

func (p *ProtectedStrategy) Name() string { return p.inner.Name() }

func (p *ProtectedStrategy) ValidateRecipient(recipient string) bool {
	return p.inner.ValidateRecipient(recipient)
}

func (p *ProtectedStrategy) Send(ctx context.Context, recipient, message string, opts channel.Options) channel.Outcome {
	if !p.inner.ValidateRecipient(recipient) {
		return p.inner.Send(ctx, recipient, message, opts)
	}

	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected delivery",
			zap.String("channel", p.inner.Name()),
			zap.String("notification_id", opts.NotificationID),
			zap.String("state", p.breaker.GetState().String()),
		)
		return channel.Failed(fmt.Sprintf("%s: %s channel unavailable", ErrCircuitOpen, p.inner.Name()))
	}

	out := p.inner.Send(ctx, recipient, message, opts)
	if out.Success {
		p.breaker.RecordSuccess()
	} else {
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("channel", p.inner.Name()),
			zap.String("error", out.ErrorDetail),
		)
	}
	return out
}

// Unwrap returns the wrapped strategy, e.g. to reach channel-specific
// extensions such as Telegram attachments.
func (p *ProtectedStrategy) Unwrap() channel.Strategy {
	return p.inner
}

// Breaker returns the underlying circuit breaker.
func (p *ProtectedStrategy) Breaker() *CircuitBreaker {
	return p.breaker
}
