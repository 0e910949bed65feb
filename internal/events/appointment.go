// Package events turns appointment lifecycle events from the queue into
// notification sends.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/notifier/internal/channel"
	"github.com/lalithlochan/notifier/internal/metrics"
	"github.com/lalithlochan/notifier/internal/notify"
	"github.com/lalithlochan/notifier/internal/sqs"
	"github.com/lalithlochan/notifier/internal/templates"
)

// Event types
const (
	AppointmentCreated   = "appointment.created"
	AppointmentCancelled = "appointment.cancelled"
	AppointmentReminder  = "appointment.reminder"
)

// Event is the queue message envelope.
type Event struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ID values arrive as JSON strings or numbers depending on the producer.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	*f = flexString(n.String())
	return nil
}

type appointmentData struct {
	ID              flexString `json:"id"`
	AppointmentID   flexString `json:"appointment_id"`
	PatientID       flexString `json:"patient_id"`
	TelegramID      flexString `json:"telegram_id"`
	DoctorID        flexString `json:"doctor_id"`
	DoctorName      string     `json:"doctor_name"`
	AppointmentDate string     `json:"appointment_date"`
	AppointmentTime string     `json:"appointment_time"`
	Reason          string     `json:"reason"`
}

// recipient is the chat to notify. Events may carry an explicit telegram id;
// otherwise the patient id is the chat id.
func (d appointmentData) recipient() string {
	if d.TelegramID != "" {
		return string(d.TelegramID)
	}
	return string(d.PatientID)
}

// Sender is the orchestrator operation the consumer drives.
type Sender interface {
	Send(ctx context.Context, req notify.Request) (*notify.Result, error)
}

var errUnknownType = errors.New("unknown event type")

// Consumer maps appointment events to sends.
type Consumer struct {
	sender Sender
	logger *zap.Logger
}

// NewConsumer creates a new appointment event consumer.
func NewConsumer(sender Sender, logger *zap.Logger) *Consumer {
	return &Consumer{sender: sender, logger: logger}
}

// Request builds the send request for evt.
func Request(evt Event) (notify.Request, error) {
	var d appointmentData
	if len(evt.Data) == 0 {
		return notify.Request{}, fmt.Errorf("event %s has no data", evt.ID)
	}
	if err := json.Unmarshal(evt.Data, &d); err != nil {
		return notify.Request{}, fmt.Errorf("decode %s data: %w", evt.Type, err)
	}

	req := notify.Request{
		Channel:   channel.Telegram,
		Recipient: d.recipient(),
		PatientID: string(d.PatientID),
		Metadata:  map[string]any{"event_id": evt.ID},
	}

	switch evt.Type {
	case AppointmentCreated:
		req.Template = templates.AppointmentConfirmation
		req.AppointmentID = string(d.ID)
		req.Data = map[string]any{
			"appointment_id":   string(d.ID),
			"appointment_date": d.AppointmentDate,
			"appointment_time": d.AppointmentTime,
			"doctor_id":        string(d.DoctorID),
		}
		if d.DoctorName != "" {
			req.Data["doctor_name"] = d.DoctorName
		}

	case AppointmentCancelled:
		req.Template = templates.AppointmentCancelled
		req.AppointmentID = string(d.AppointmentID)
		req.Data = map[string]any{
			"appointment_id": string(d.AppointmentID),
			"reason":         d.Reason,
		}

	case AppointmentReminder:
		req.Template = templates.AppointmentReminder
		req.AppointmentID = string(d.AppointmentID)
		req.Priority = "high"
		req.Metadata["reminder_type"] = "24_hours"
		req.Data = map[string]any{
			"appointment_id":   string(d.AppointmentID),
			"appointment_date": d.AppointmentDate,
			"appointment_time": d.AppointmentTime,
		}

	default:
		return notify.Request{}, fmt.Errorf("%w: %q", errUnknownType, evt.Type)
	}

	req.Metadata["appointment_id"] = req.AppointmentID
	return req, nil
}

// Handle processes one queue message. Delivery failures are acknowledged
// because the failed record is retryable through the API. Store errors leave
// the message for redelivery only when the provider was never called.
func (c *Consumer) Handle(ctx context.Context, msg sqs.Message) (sqs.Disposition, string) {
	var evt Event
	if err := json.Unmarshal([]byte(msg.Body), &evt); err != nil {
		metrics.RecordEvent("unknown", "malformed")
		c.logger.Warn("malformed appointment event",
			zap.Error(err),
			zap.String("message_id", msg.ID),
		)
		return sqs.DeadLetter, "malformed event: " + err.Error()
	}

	req, err := Request(evt)
	if err != nil {
		metrics.RecordEvent(evt.Type, "malformed")
		c.logger.Warn("unusable appointment event",
			zap.Error(err),
			zap.String("event_id", evt.ID),
			zap.String("event_type", evt.Type),
		)
		return sqs.DeadLetter, err.Error()
	}

	res, err := c.sender.Send(ctx, req)
	switch {
	case err == nil:
		metrics.RecordEvent(evt.Type, "sent")
		c.logger.Info("appointment event notified",
			zap.String("event_id", evt.ID),
			zap.String("event_type", evt.Type),
			zap.String("notification_id", res.Notification.ID.String()),
		)
		return sqs.Delete, ""

	case errors.Is(err, notify.ErrDelivery):
		metrics.RecordEvent(evt.Type, "delivery_failed")
		c.logger.Warn("appointment notification failed, left for retry",
			zap.Error(err),
			zap.String("event_id", evt.ID),
			zap.String("event_type", evt.Type),
		)
		return sqs.Delete, ""

	case errors.Is(err, notify.ErrValidation):
		metrics.RecordEvent(evt.Type, "invalid")
		c.logger.Warn("appointment event rejected",
			zap.Error(err),
			zap.String("event_id", evt.ID),
		)
		return sqs.DeadLetter, err.Error()

	case errors.As(err, new(*notify.StatusNotRecordedError)):
		// The provider was already called; redelivering would send twice.
		metrics.RecordEvent(evt.Type, "status_not_recorded")
		c.logger.Error("appointment notification attempted but status not stored",
			zap.Error(err),
			zap.String("event_id", evt.ID),
			zap.String("event_type", evt.Type),
		)
		return sqs.Delete, ""

	default:
		metrics.RecordEvent(evt.Type, "requeued")
		c.logger.Error("appointment event not processed, will be redelivered",
			zap.Error(err),
			zap.String("event_id", evt.ID),
			zap.Int("receive_count", msg.ReceiveCount),
		)
		return sqs.Keep, ""
	}
}
