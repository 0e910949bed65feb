package sqs

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

// Producer writes raw message bodies to a queue. The notifier uses it to
// park messages that can never be processed.
type Producer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a producer for queueURL.
func NewProducer(client API, queueURL string, logger *zap.Logger) *Producer {
	logger.Info("sqs producer initialized",
		zap.String("queue_url", queueURL),
	)

	return &Producer{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Send enqueues body with optional string attributes and returns the SQS
// message id.
func (p *Producer) Send(ctx context.Context, body string, attrs map[string]string) (string, error) {
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(body),
	}
	if len(attrs) > 0 {
		input.MessageAttributes = make(map[string]types.MessageAttributeValue, len(attrs))
		for k, v := range attrs {
			input.MessageAttributes[k] = types.MessageAttributeValue{
				DataType:    aws.String("String"),
				StringValue: aws.String(v),
			}
		}
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// DeadLetter forwards msg unchanged, recording where it came from and why.
func (p *Producer) DeadLetter(ctx context.Context, msg Message, reason string) error {
	id, err := p.Send(ctx, msg.Body, map[string]string{
		"source_message_id": msg.ID,
		"reason":            reason,
		"dead_lettered_at":  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		p.logger.Error("failed to dead-letter message",
			zap.Error(err),
			zap.String("message_id", msg.ID),
		)
		return err
	}

	p.logger.Warn("message dead-lettered",
		zap.String("message_id", msg.ID),
		zap.String("dlq_message_id", id),
		zap.String("reason", reason),
	)
	return nil
}
