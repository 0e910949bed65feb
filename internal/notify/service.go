// Package notify is the notification orchestrator. It renders content,
// persists a pending record, hands it to a channel strategy and records the
// outcome. The record is always written before the provider is called.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/notifier/internal/channel"
	"github.com/lalithlochan/notifier/internal/db"
	"github.com/lalithlochan/notifier/internal/metrics"
	"github.com/lalithlochan/notifier/internal/templates"
)

// Store is the persistence the orchestrator needs. db.Repository and
// db.MemoryStore both satisfy it.
type Store interface {
	Create(ctx context.Context, n *db.Notification) error
	FindByID(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	List(ctx context.Context, f db.ListFilter, page, pageSize int) (*db.Page, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, errorMsg *string) (*db.Notification, error)
	IncrementRetryCount(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	ListRetryable(ctx context.Context, maxRetries int, since time.Time, limit int) ([]*db.Notification, error)
	Statistics(ctx context.Context, rng db.StatsRange) (*db.Statistics, error)
}

// Renderer resolves a template by name.
type Renderer interface {
	Render(name string, data map[string]string) (templates.Rendered, error)
}

// Channels looks up a strategy by channel key.
type Channels interface {
	Get(name string) (channel.Strategy, bool)
}

// StatusPublisher is told about every terminal status once it is stored.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, n *db.Notification) error
}

const (
	// DefaultMessage is sent when a request names neither a template nor a message.
	DefaultMessage = "Tienes una nueva notificación."

	DefaultPriority = "normal"

	DefaultPageSize = 20
	MaxPageSize     = 100

	DefaultMaxRetries   = 3
	DefaultRetryWindow  = 24 * time.Hour
	DefaultRetryableCap = 50
)

// Config tunes bulk dispatch.
type Config struct {
	// BulkPacing is the minimum gap between two deliveries of one SendBulk call.
	BulkPacing time.Duration

	// BulkConcurrency above 1 processes bulk items in a bounded pool.
	BulkConcurrency int
}

// Request is one send. Channel and Recipient are required.
type Request struct {
	Channel       string             `json:"channel"`
	Recipient     string             `json:"recipient"`
	Template      string             `json:"template,omitempty"`
	Data          map[string]any     `json:"data,omitempty"`
	Message       string             `json:"message,omitempty"`
	Subject       string             `json:"subject,omitempty"`
	Type          string             `json:"type,omitempty"`
	Priority      string             `json:"priority,omitempty"`
	AppointmentID string             `json:"appointment_id,omitempty"`
	PatientID     string             `json:"patient_id,omitempty"`
	Metadata      map[string]any     `json:"metadata,omitempty"`
	Keyboard      [][]channel.Button `json:"keyboard,omitempty"`
}

// Result is a delivered notification and the provider outcome.
type Result struct {
	Notification *db.Notification `json:"notification"`
	Delivery     channel.Outcome  `json:"delivery"`
}

// Bulk item statuses
const (
	BulkSent   = "sent"
	BulkFailed = "failed"
)

// BulkItem is the outcome of one SendBulk entry. Notification is set whenever
// a record was persisted, including failed deliveries.
type BulkItem struct {
	Index        int              `json:"index"`
	Status       string           `json:"status"`
	Recipient    string           `json:"recipient"`
	Notification *db.Notification `json:"notification,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// BulkResult aggregates a SendBulk call. Results follow input order.
type BulkResult struct {
	Total      int        `json:"total"`
	Successful int        `json:"successful"`
	Failed     int        `json:"failed"`
	Results    []BulkItem `json:"results"`
}

// Service orchestrates sends and retries.
type Service struct {
	store     Store
	templates Renderer
	channels  Channels
	publisher StatusPublisher
	logger    *zap.Logger
	cfg       Config
}

// NewService wires the orchestrator. The publisher is optional; see WithPublisher.
func NewService(store Store, renderer Renderer, channels Channels, logger *zap.Logger, cfg Config) *Service {
	if cfg.BulkConcurrency < 1 {
		cfg.BulkConcurrency = 1
	}
	return &Service{
		store:     store,
		templates: renderer,
		channels:  channels,
		logger:    logger,
		cfg:       cfg,
	}
}

// WithPublisher sets the status publisher.
func (s *Service) WithPublisher(p StatusPublisher) *Service {
	s.publisher = p
	return s
}

// Send validates and renders the request, persists a pending record and
// delivers it. A channel failure is stored on the record and returned as a
// *DeliveryError.
func (s *Service) Send(ctx context.Context, req Request) (*Result, error) {
	strategy, err := s.resolve(req)
	if err != nil {
		return nil, err
	}

	subject, content, err := s.render(req)
	if err != nil {
		return nil, err
	}

	n := newRecord(req, subject, content)
	if err := s.store.Create(ctx, n); err != nil {
		metrics.RecordRejected("persistence")
		s.logger.Error("failed to persist notification",
			zap.Error(err),
			zap.String("channel", req.Channel),
		)
		return nil, fmt.Errorf("%w: create notification: %w", ErrPersistence, err)
	}
	metrics.RecordNotificationCreated(n.Channel, n.Type)

	s.logger.Info("notification created",
		zap.String("notification_id", n.ID.String()),
		zap.String("channel", n.Channel),
		zap.String("type", n.Type),
	)

	// The record exists now; the attempt runs to a terminal status even if
	// the caller goes away.
	return s.deliver(context.WithoutCancel(ctx), strategy, n, req.Keyboard, false)
}

func (s *Service) resolve(req Request) (channel.Strategy, error) {
	if strings.TrimSpace(req.Channel) == "" || strings.TrimSpace(req.Recipient) == "" {
		metrics.RecordRejected("validation")
		return nil, invalid("channel and recipient are required")
	}
	strategy, ok := s.channels.Get(req.Channel)
	if !ok {
		metrics.RecordRejected("unknown_channel")
		return nil, fmt.Errorf("%w: %w %q", ErrValidation, ErrUnknownChannel, req.Channel)
	}
	return strategy, nil
}

func (s *Service) render(req Request) (subject *string, content string, err error) {
	if req.Template == "" {
		content = req.Message
		if content == "" {
			content = DefaultMessage
		}
		if req.Subject != "" {
			subject = &req.Subject
		}
		return subject, content, nil
	}

	rendered, err := s.templates.Render(req.Template, stringData(req.Data))
	if err != nil {
		if errors.Is(err, templates.ErrNotFound) {
			metrics.RecordRejected("template_not_found")
			return nil, "", fmt.Errorf("%w: %w %q", ErrValidation, ErrTemplateNotFound, req.Template)
		}
		metrics.RecordRejected("render")
		return nil, "", fmt.Errorf("render template %q: %w", req.Template, err)
	}
	if rendered.Subject != "" {
		subject = &rendered.Subject
	}
	return subject, rendered.Body, nil
}

func newRecord(req Request, subject *string, content string) *db.Notification {
	metadata := make(map[string]any, len(req.Metadata)+3)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	priority := req.Priority
	if priority == "" {
		priority = DefaultPriority
	}
	metadata["priority"] = priority
	if req.Template != "" {
		metadata["template"] = req.Template
	}
	if len(req.Data) > 0 {
		metadata["data"] = req.Data
	}

	notificationType := req.Template
	if notificationType == "" {
		notificationType = req.Type
	}
	if notificationType == "" {
		notificationType = db.DefaultType
	}

	return &db.Notification{
		ID:            uuid.New(),
		AppointmentID: optional(req.AppointmentID),
		PatientID:     optional(req.PatientID),
		Type:          notificationType,
		Channel:       req.Channel,
		Status:        db.StatusPending,
		Recipient:     req.Recipient,
		Subject:       subject,
		Content:       content,
		Metadata:      metadata,
	}
}

// deliver makes one attempt and stores its terminal status.
func (s *Service) deliver(ctx context.Context, strategy channel.Strategy, n *db.Notification, keyboard [][]channel.Button, retry bool) (*Result, error) {
	opts := channel.Options{
		NotificationID: n.ID.String(),
		Template:       templateOf(n),
		Keyboard:       keyboard,
	}
	if n.Subject != nil {
		opts.Subject = *n.Subject
	}

	start := time.Now()
	out := strategy.Send(ctx, n.Recipient, n.Content, opts)

	status := db.StatusSent
	var errorMsg *string
	if !out.Success {
		status = db.StatusFailed
		detail := out.ErrorDetail
		errorMsg = &detail
	}
	metrics.RecordDelivery(n.Channel, status, retry, time.Since(start))

	updated, err := s.store.UpdateStatus(ctx, n.ID, status, errorMsg)
	if err != nil {
		s.logger.Error("failed to record delivery outcome",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
			zap.String("status", status),
		)
		return nil, &StatusNotRecordedError{Notification: n, Delivered: out.Success, Err: err}
	}
	if updated == nil {
		return nil, &StatusNotRecordedError{
			Notification: n,
			Delivered:    out.Success,
			Err:          fmt.Errorf("notification %s disappeared before its status was stored", n.ID),
		}
	}

	s.publish(ctx, updated)

	if !out.Success {
		s.logger.Warn("notification delivery failed",
			zap.String("notification_id", updated.ID.String()),
			zap.String("channel", updated.Channel),
			zap.Int("retry_count", updated.RetryCount),
			zap.String("error", out.ErrorDetail),
		)
		return nil, &DeliveryError{Notification: updated, Detail: out.ErrorDetail}
	}

	s.logger.Info("notification sent",
		zap.String("notification_id", updated.ID.String()),
		zap.String("channel", updated.Channel),
		zap.String("provider_message_id", out.ProviderMessageID),
		zap.Int("retry_count", updated.RetryCount),
	)
	return &Result{Notification: updated, Delivery: out}, nil
}

func (s *Service) publish(ctx context.Context, n *db.Notification) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishStatus(ctx, n); err != nil {
		s.logger.Warn("failed to publish status event",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
			zap.String("status", n.Status),
		)
	}
}

// SendBulk sends every request independently and reports one item per input,
// in input order. Only a malformed batch is an error.
func (s *Service) SendBulk(ctx context.Context, reqs []Request) (*BulkResult, error) {
	if len(reqs) == 0 {
		return nil, invalid("notifications array is required")
	}

	items := make([]BulkItem, len(reqs))
	pacer := channel.NewPacer(s.cfg.BulkPacing)

	if s.cfg.BulkConcurrency <= 1 {
		for i := range reqs {
			items[i] = s.sendItem(ctx, pacer, i, reqs[i])
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.BulkConcurrency)
		for i := range reqs {
			g.Go(func() error {
				items[i] = s.sendItem(gctx, pacer, i, reqs[i])
				return nil
			})
		}
		_ = g.Wait()
	}

	result := &BulkResult{Total: len(items), Results: items}
	for _, item := range items {
		if item.Status == BulkSent {
			result.Successful++
		} else {
			result.Failed++
		}
		metrics.RecordBulkItem(item.Status)
	}

	s.logger.Info("bulk send completed",
		zap.Int("total", result.Total),
		zap.Int("successful", result.Successful),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

func (s *Service) sendItem(ctx context.Context, pacer *channel.Pacer, i int, req Request) BulkItem {
	item := BulkItem{Index: i, Recipient: req.Recipient, Status: BulkFailed}

	if err := pacer.Wait(ctx); err != nil {
		item.Error = fmt.Sprintf("bulk send aborted: %v", err)
		return item
	}

	res, err := s.Send(ctx, req)
	if err != nil {
		item.Error = err.Error()
		var de *DeliveryError
		var snr *StatusNotRecordedError
		switch {
		case errors.As(err, &de):
			item.Notification = de.Notification
			item.Error = de.Detail
		case errors.As(err, &snr):
			item.Notification = snr.Notification
		}
		return item
	}

	item.Status = BulkSent
	item.Notification = res.Notification
	return item
}

// Retry re-sends a failed notification with its stored content. The retry
// count is bumped before the provider is called and never reset.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) (*Result, error) {
	n, err := s.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.Status != db.StatusFailed {
		metrics.RecordRejected("not_retryable")
		return nil, fmt.Errorf("%w: notification %s is %s", ErrNotRetryable, id, n.Status)
	}

	strategy, ok := s.channels.Get(n.Channel)
	if !ok {
		metrics.RecordRejected("unknown_channel")
		return nil, fmt.Errorf("%w: %w %q", ErrValidation, ErrUnknownChannel, n.Channel)
	}

	bumped, err := s.store.IncrementRetryCount(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: increment retry count: %w", ErrPersistence, err)
	}
	if bumped == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	s.logger.Info("retrying notification",
		zap.String("notification_id", id.String()),
		zap.String("channel", bumped.Channel),
		zap.Int("retry_count", bumped.RetryCount),
	)

	return s.deliver(context.WithoutCancel(ctx), strategy, bumped, nil, true)
}

// GetStatus returns the stored record.
func (s *Service) GetStatus(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	n, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: find notification: %w", ErrPersistence, err)
	}
	if n == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return n, nil
}

// List returns one page of notifications, newest first. Out of range paging
// values fall back to page 1 and DefaultPageSize, capped at MaxPageSize.
func (s *Service) List(ctx context.Context, f db.ListFilter, page, pageSize int) (*db.Page, error) {
	if f.Status != "" && !db.ValidStatus(f.Status) {
		return nil, invalid("status must be one of pending, sent, failed")
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	p, err := s.store.List(ctx, f, page, pageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: list notifications: %w", ErrPersistence, err)
	}
	return p, nil
}

// Statistics summarises stored notifications.
func (s *Service) Statistics(ctx context.Context, rng db.StatsRange) (*db.Statistics, error) {
	if rng.From != nil && rng.To != nil && rng.To.Before(*rng.From) {
		return nil, invalid("to must not be before from")
	}
	stats, err := s.store.Statistics(ctx, rng)
	if err != nil {
		return nil, fmt.Errorf("%w: statistics: %w", ErrPersistence, err)
	}
	return stats, nil
}

// Retryable lists failed notifications still under maxRetries that were
// created within window, oldest first. Zero arguments use the defaults.
func (s *Service) Retryable(ctx context.Context, maxRetries int, window time.Duration, limit int) ([]*db.Notification, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if window <= 0 {
		window = DefaultRetryWindow
	}
	if limit <= 0 || limit > MaxPageSize {
		limit = DefaultRetryableCap
	}

	items, err := s.store.ListRetryable(ctx, maxRetries, time.Now().Add(-window), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list retryable: %w", ErrPersistence, err)
	}
	if items == nil {
		items = []*db.Notification{}
	}
	return items, nil
}

func templateOf(n *db.Notification) string {
	if t, ok := n.Metadata["template"].(string); ok {
		return t
	}
	return ""
}

// stringData flattens request data for interpolation. Nil values are dropped
// so their placeholders stay visible.
func stringData(data map[string]any) map[string]string {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]string, len(data))
	for k, v := range data {
		switch val := v.(type) {
		case nil:
		case string:
			out[k] = val
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
