package channel

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Log is the channel key for LogStrategy.
const Log = "log"

// LogStrategy writes the message to the logger and always succeeds. Meant
// for local development.
type LogStrategy struct {
	logger *zap.Logger
}

func NewLogStrategy(logger *zap.Logger) *LogStrategy {
	return &LogStrategy{logger: logger}
}

func (s *LogStrategy) Name() string { return Log }

func (s *LogStrategy) ValidateRecipient(recipient string) bool {
	return recipient != ""
}

func (s *LogStrategy) Send(_ context.Context, recipient, message string, opts Options) Outcome {
	s.logger.Info("logging notification (development mode)",
		zap.String("notification_id", opts.NotificationID),
		zap.String("recipient", recipient),
		zap.String("subject", opts.Subject),
		zap.String("message", message),
	)
	return Succeeded(uuid.NewString(), time.Now())
}
