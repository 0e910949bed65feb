package channel

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces consecutive sends by a fixed interval. A nil Pacer or a zero
// interval never waits.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer allows one send immediately and then one per interval.
func NewPacer(interval time.Duration) *Pacer {
	if interval <= 0 {
		return &Pacer{}
	}
	return &Pacer{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// Wait blocks until the next send may go out or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil || p.limiter == nil {
		return ctx.Err()
	}
	return p.limiter.Wait(ctx)
}

// BulkResult pairs a recipient with its outcome.
type BulkResult struct {
	Recipient string  `json:"recipient"`
	Outcome   Outcome `json:"outcome"`
}

// SendBulk sends the same message to every recipient in order, pacing each
// send. It always returns one result per recipient; a failed recipient does
// not stop the rest.
func SendBulk(ctx context.Context, s Strategy, recipients []string, message string, opts Options, pacer *Pacer) []BulkResult {
	results := make([]BulkResult, len(recipients))
	for i, recipient := range recipients {
		results[i].Recipient = recipient
		if err := pacer.Wait(ctx); err != nil {
			results[i].Outcome = Failed(fmt.Sprintf("bulk send aborted: %v", err))
			continue
		}
		results[i].Outcome = s.Send(ctx, recipient, message, opts)
	}
	return results
}
