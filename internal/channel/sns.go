package channel

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"
)

// SMS is the channel key for SNSStrategy.
const SMS = "sms"

// E.164: a plus sign and up to fifteen digits.
var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// SNSAPI is the part of the SNS client used for SMS.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSConfig struct {
	Region  string
	Timeout time.Duration
}

// SNSStrategy sends SMS through AWS SNS direct publish.
type SNSStrategy struct {
	client  SNSAPI
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

func NewSNSStrategy(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSStrategy, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}
	return NewSNSStrategyWithClient(sns.NewFromConfig(awsCfg), cfg, logger), nil
}

func NewSNSStrategyWithClient(client SNSAPI, cfg SNSConfig, logger *zap.Logger) *SNSStrategy {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SNSStrategy{
		client:  client,
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
	}
}

func (s *SNSStrategy) Name() string { return SMS }

func (s *SNSStrategy) ValidateRecipient(recipient string) bool {
	return e164Pattern.MatchString(recipient)
}

func (s *SNSStrategy) Send(ctx context.Context, recipient, message string, opts Options) Outcome {
	if !s.ValidateRecipient(recipient) {
		return Failed(fmt.Sprintf("invalid phone number: %q", recipient))
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(recipient),
		Message:     aws.String(message),
	})
	if err != nil {
		s.logger.Warn("sns publish failed", zap.String("phone_number", recipient), zap.Error(err))
		return Failed(fmt.Sprintf("sns publish failed: %v", err))
	}

	messageID := aws.ToString(result.MessageId)
	s.logger.Info("SMS sent via SNS",
		zap.String("notification_id", opts.NotificationID),
		zap.String("phone_number", recipient),
		zap.String("message_id", messageID),
	)
	return Succeeded(messageID, s.now())
}
