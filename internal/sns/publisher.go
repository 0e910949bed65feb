// Package sns publishes notification status changes to an SNS topic so
// downstream systems can react to deliveries without polling.
package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/notifier/internal/db"
)

// Event names
const (
	EventSent   = "notification.sent"
	EventFailed = "notification.failed"
)

// API is the subset of the SNS client used here.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// StatusEvent is the JSON body published for every terminal status.
type StatusEvent struct {
	Event          string     `json:"event"`
	NotificationID string     `json:"notification_id"`
	AppointmentID  *string    `json:"appointment_id,omitempty"`
	PatientID      *string    `json:"patient_id,omitempty"`
	Channel        string     `json:"channel"`
	Type           string     `json:"type"`
	Status         string     `json:"status"`
	RetryCount     int        `json:"retry_count"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	OccurredAt     time.Time  `json:"occurred_at"`
}

// Publisher handles SNS topic publishing of status events.
type Publisher struct {
	client   API
	topicARN string
	logger   *zap.Logger
}

// NewPublisher creates an SNS publisher for the given topic.
func NewPublisher(ctx context.Context, topicARN, region string, logger *zap.Logger) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewPublisherWithClient(sns.NewFromConfig(cfg), topicARN, logger), nil
}

// NewPublisherWithClient uses an existing client, e.g. a LocalStack one.
func NewPublisherWithClient(client API, topicARN string, logger *zap.Logger) *Publisher {
	return &Publisher{
		client:   client,
		topicARN: topicARN,
		logger:   logger,
	}
}

// NewStatusEvent describes n's current status. Only sent and failed records
// produce events.
func NewStatusEvent(n *db.Notification, at time.Time) (StatusEvent, error) {
	var event string
	switch n.Status {
	case db.StatusSent:
		event = EventSent
	case db.StatusFailed:
		event = EventFailed
	default:
		return StatusEvent{}, fmt.Errorf("no status event for %q notifications", n.Status)
	}
	return StatusEvent{
		Event:          event,
		NotificationID: n.ID.String(),
		AppointmentID:  n.AppointmentID,
		PatientID:      n.PatientID,
		Channel:        n.Channel,
		Type:           n.Type,
		Status:         n.Status,
		RetryCount:     n.RetryCount,
		ErrorMessage:   n.ErrorMessage,
		SentAt:         n.SentAt,
		OccurredAt:     at.UTC(),
	}, nil
}

// PublishStatus publishes the record's terminal status. Message attributes
// carry event, channel and status for subscription filter policies.
func (p *Publisher) PublishStatus(ctx context.Context, n *db.Notification) error {
	evt, err := NewStatusEvent(n, time.Now())
	if err != nil {
		return err
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal status event: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event":   stringAttr(evt.Event),
			"channel": stringAttr(evt.Channel),
			"status":  stringAttr(evt.Status),
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Debug("status event published",
		zap.String("notification_id", evt.NotificationID),
		zap.String("event", evt.Event),
		zap.String("sns_message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

func stringAttr(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}
