package notify

import (
	"errors"
	"fmt"

	"github.com/lalithlochan/notifier/internal/db"
)

var (
	// ErrValidation marks requests rejected before anything is persisted.
	ErrValidation       = errors.New("invalid request")
	ErrUnknownChannel   = errors.New("unknown channel")
	ErrTemplateNotFound = errors.New("template not found")

	ErrNotFound     = errors.New("notification not found")
	ErrNotRetryable = errors.New("notification is not retryable")

	// ErrPersistence wraps store failures. No delivery is attempted after one.
	ErrPersistence = errors.New("notification store error")

	// ErrDelivery is matched by *DeliveryError.
	ErrDelivery = errors.New("delivery failed")
)

// DeliveryError reports a channel failure after the record has been marked
// failed. Notification is the persisted record, retryable via Retry.
type DeliveryError struct {
	Notification *db.Notification
	Detail       string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed for notification %s: %s", e.Notification.ID, e.Detail)
}

func (e *DeliveryError) Unwrap() error { return ErrDelivery }

// StatusNotRecordedError reports that the provider was called but the
// outcome could not be stored. The record stays pending, so callers must not
// resend: Delivered tells whether the message actually went out.
type StatusNotRecordedError struct {
	Notification *db.Notification
	Delivered    bool
	Err          error
}

func (e *StatusNotRecordedError) Error() string {
	return fmt.Sprintf("%v: notification %s attempted (delivered=%t) but status not stored: %v",
		ErrPersistence, e.Notification.ID, e.Delivered, e.Err)
}

func (e *StatusNotRecordedError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
