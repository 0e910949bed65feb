package channel

import (
	"context"
	"fmt"
	"net/mail"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

// Email is the channel key for SESStrategy.
const Email = "email"

const defaultEmailSubject = "Notificación"

// SESAPI is the part of the SES client the strategy uses.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SESConfig struct {
	Region    string
	FromEmail string
	Timeout   time.Duration
}

// SESStrategy sends plain-text email through AWS SES.
type SESStrategy struct {
	client  SESAPI
	from    string
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

func NewSESStrategy(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESStrategy, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return NewSESStrategyWithClient(ses.NewFromConfig(awsCfg), cfg, logger), nil
}

// NewSESStrategyWithClient wires an existing client, e.g. a fake in tests.
func NewSESStrategyWithClient(client SESAPI, cfg SESConfig, logger *zap.Logger) *SESStrategy {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SESStrategy{
		client:  client,
		from:    cfg.FromEmail,
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
	}
}

func (s *SESStrategy) Name() string { return Email }

func (s *SESStrategy) ValidateRecipient(recipient string) bool {
	addr, err := mail.ParseAddress(recipient)
	return err == nil && addr.Address == recipient
}

func (s *SESStrategy) Send(ctx context.Context, recipient, message string, opts Options) Outcome {
	if !s.ValidateRecipient(recipient) {
		return Failed(fmt.Sprintf("invalid email address: %q", recipient))
	}
	subject := opts.Subject
	if subject == "" {
		subject = defaultEmailSubject
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{recipient},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(message),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		s.logger.Warn("ses send failed", zap.String("to", recipient), zap.Error(err))
		return Failed(fmt.Sprintf("ses send failed: %v", err))
	}

	messageID := aws.ToString(result.MessageId)
	s.logger.Info("email sent via SES",
		zap.String("notification_id", opts.NotificationID),
		zap.String("to", recipient),
		zap.String("message_id", messageID),
	)
	return Succeeded(messageID, s.now())
}
