package sqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/notifier/internal/metrics"
)

// Message is one received SQS message.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
	ReceiveCount  int
}

// Disposition tells the consumer what to do with a handled message.
type Disposition int

const (
	// Delete acknowledges the message.
	Delete Disposition = iota
	// Keep leaves the message for redelivery after the visibility timeout.
	Keep
	// DeadLetter forwards the message to the DLQ and deletes it.
	DeadLetter
)

func (d Disposition) String() string {
	switch d {
	case Delete:
		return "delete"
	case Keep:
		return "keep"
	case DeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Handler processes one message. The reason is used when dead-lettering.
type Handler func(ctx context.Context, msg Message) (Disposition, string)

// receiveBackoff is the pause after a failed receive.
const receiveBackoff = time.Second

// Consumer reads messages from SQS.
type Consumer struct {
	client API
	cfg    Config
	dlq    *Producer
	logger *zap.Logger
}

// NewConsumer creates a consumer. dlq may be nil, in which case messages
// marked DeadLetter are kept for the queue's own redrive policy.
func NewConsumer(client API, cfg Config, dlq *Producer, logger *zap.Logger) *Consumer {
	cfg = cfg.withDefaults()

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
		zap.Bool("dlq", dlq != nil),
	)

	return &Consumer{
		client: client,
		cfg:    cfg,
		dlq:    dlq,
		logger: logger,
	}
}

// Receive retrieves up to MaxMessages messages with long polling.
func (c *Consumer) Receive(ctx context.Context) ([]Message, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.cfg.QueueURL),
		MaxNumberOfMessages: c.cfg.MaxMessages,
		WaitTimeSeconds:     c.cfg.WaitTimeSeconds,
		VisibilityTimeout:   c.cfg.VisibilityTimeout,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	}

	result, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	msgs := make([]Message, 0, len(result.Messages))
	for _, m := range result.Messages {
		msg := Message{
			ID:            aws.ToString(m.MessageId),
			Body:          aws.ToString(m.Body),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
		}
		if v, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
			msg.ReceiveCount, _ = strconv.Atoi(v)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// DeleteMessage removes a message from SQS after successful processing.
func (c *Consumer) DeleteMessage(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.cfg.QueueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	if _, err := c.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}

	return nil
}

// ChangeVisibility hides a message for seconds before SQS redelivers it.
func (c *Consumer) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	input := &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.cfg.QueueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	}

	if _, err := c.client.ChangeMessageVisibility(ctx, input); err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}

	return nil
}

// Run polls until ctx is cancelled, handing each message to h in order.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	c.logger.Info("sqs consumer started", zap.String("queue_url", c.cfg.QueueURL))

	for {
		if ctx.Err() != nil {
			c.logger.Info("sqs consumer stopped")
			return nil
		}

		msgs, err := c.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				continue
			}
			c.logger.Error("failed to receive messages", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(receiveBackoff):
			}
			continue
		}

		metrics.SetSQSMessagesInFlight(len(msgs))
		for _, msg := range msgs {
			c.dispatch(ctx, h, msg)
		}
		metrics.SetSQSMessagesInFlight(0)
	}
}

func (c *Consumer) dispatch(ctx context.Context, h Handler, msg Message) {
	disposition, reason := h(ctx, msg)

	// Acknowledge even during shutdown so handled messages are not redelivered.
	ackCtx := context.WithoutCancel(ctx)

	switch disposition {
	case Delete:
		if err := c.DeleteMessage(ackCtx, msg.ReceiptHandle); err != nil {
			c.logger.Error("failed to delete message", zap.Error(err), zap.String("message_id", msg.ID))
		}

	case DeadLetter:
		if c.dlq == nil {
			c.logger.Warn("no dlq configured, leaving message for redrive",
				zap.String("message_id", msg.ID),
				zap.String("reason", reason),
			)
			return
		}
		if err := c.dlq.DeadLetter(ackCtx, msg, reason); err != nil {
			return
		}
		if err := c.DeleteMessage(ackCtx, msg.ReceiptHandle); err != nil {
			c.logger.Error("failed to delete dead-lettered message", zap.Error(err), zap.String("message_id", msg.ID))
		}

	case Keep:
		delay := keepBackoff(msg.ReceiveCount)
		if err := c.ChangeVisibility(ackCtx, msg.ReceiptHandle, delay); err != nil {
			c.logger.Warn("failed to delay redelivery", zap.Error(err), zap.String("message_id", msg.ID))
			return
		}
		c.logger.Debug("message kept for redelivery",
			zap.String("message_id", msg.ID),
			zap.Int("receive_count", msg.ReceiveCount),
			zap.Int32("visible_in_seconds", delay),
		)
	}
}

// keepBackoff doubles the redelivery delay with every receive, starting at
// 10s and capped at 15 minutes.
func keepBackoff(receiveCount int) int32 {
	const (
		base    = 10
		ceiling = 15 * 60
	)
	delay := int32(base)
	for i := 1; i < receiveCount && delay < ceiling; i++ {
		delay *= 2
	}
	return min(delay, ceiling)
}
