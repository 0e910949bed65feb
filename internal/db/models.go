package db

import (
	"time"

	"github.com/google/uuid"
)

// Notification is one dispatch request and the record of its delivery outcome.
// Subject and Content are fixed at creation; only Status, SentAt,
// ErrorMessage and RetryCount change afterwards.
type Notification struct {
	ID            uuid.UUID      `json:"id"`
	AppointmentID *string        `json:"appointment_id,omitempty"`
	PatientID     *string        `json:"patient_id,omitempty"`
	Type          string         `json:"type"`
	Channel       string         `json:"channel"`
	Status        string         `json:"status"`
	Recipient     string         `json:"recipient"`
	Subject       *string        `json:"subject,omitempty"`
	Content       string         `json:"content"`
	SentAt        *time.Time     `json:"sent_at,omitempty"`
	ErrorMessage  *string        `json:"error_message,omitempty"`
	RetryCount    int            `json:"retry_count"`
	Metadata      map[string]any `json:"metadata"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Status constants
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// ValidStatus reports whether s is a known delivery status.
func ValidStatus(s string) bool {
	return s == StatusPending || s == StatusSent || s == StatusFailed
}

// Channel constants
const (
	ChannelTelegram = "telegram"
	ChannelEmail    = "email"
	ChannelSMS      = "sms"
	ChannelWebhook  = "webhook"
	ChannelLog      = "log"
)

// DefaultType is stored when a notification is sent without a template or category.
const DefaultType = "general"

// ListFilter narrows List results. Empty fields are ignored; set fields are ANDed.
type ListFilter struct {
	AppointmentID string
	PatientID     string
	Channel       string
	Status        string
	Type          string
}

// Page is one page of notifications plus the totals needed for paging.
type Page struct {
	Items      []*Notification `json:"items"`
	Total      int             `json:"total"`
	Page       int             `json:"page"`
	PageSize   int             `json:"page_size"`
	TotalPages int             `json:"total_pages"`
}

// NewPage computes TotalPages from total and pageSize.
func NewPage(items []*Notification, total, page, pageSize int) *Page {
	if items == nil {
		items = []*Notification{}
	}
	totalPages := 0
	if pageSize > 0 {
		totalPages = (total + pageSize - 1) / pageSize
	}
	return &Page{
		Items:      items,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}
}

// Statistics summarises notifications created within an optional time range.
type Statistics struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	ByChannel  map[string]int `json:"by_channel"`
	AvgRetries float64        `json:"avg_retries"`
}

// StatsRange bounds Statistics by created_at. Nil bounds are open.
type StatsRange struct {
	From *time.Time
	To   *time.Time
}

// Clone returns a deep copy so callers can't mutate stored state.
func (n *Notification) Clone() *Notification {
	if n == nil {
		return nil
	}
	c := *n
	c.AppointmentID = cloneString(n.AppointmentID)
	c.PatientID = cloneString(n.PatientID)
	c.Subject = cloneString(n.Subject)
	c.ErrorMessage = cloneString(n.ErrorMessage)
	if n.SentAt != nil {
		t := *n.SentAt
		c.SentAt = &t
	}
	if n.Metadata != nil {
		c.Metadata = make(map[string]any, len(n.Metadata))
		for k, v := range n.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
