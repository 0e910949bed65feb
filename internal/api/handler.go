package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/notifier/internal/channel"
	"github.com/lalithlochan/notifier/internal/db"
	"github.com/lalithlochan/notifier/internal/metrics"
	"github.com/lalithlochan/notifier/internal/notify"
	"github.com/lalithlochan/notifier/internal/redis"
)

// NotificationService is the orchestrator as seen by the HTTP layer.
type NotificationService interface {
	Send(ctx context.Context, req notify.Request) (*notify.Result, error)
	SendBulk(ctx context.Context, reqs []notify.Request) (*notify.BulkResult, error)
	Retry(ctx context.Context, id uuid.UUID) (*notify.Result, error)
	GetStatus(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	List(ctx context.Context, f db.ListFilter, page, pageSize int) (*db.Page, error)
	Statistics(ctx context.Context, rng db.StatsRange) (*db.Statistics, error)
	Retryable(ctx context.Context, maxRetries int, window time.Duration, limit int) ([]*db.Notification, error)
}

// Idempotency de-duplicates requests carrying an Idempotency-Key header.
type Idempotency interface {
	CheckOrReserve(ctx context.Context, scope, key string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, scope, key string, result *redis.IdempotencyResult) error
	Release(ctx context.Context, scope, key string) error
}

const msgStatusNotRecorded = "delivery attempted but its outcome could not be stored"

// SendResponse is returned by send and retry.
type SendResponse struct {
	Success      bool             `json:"success"`
	Notification *db.Notification `json:"notification,omitempty"`
	Delivery     *channel.Outcome `json:"delivery,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// BulkRequest is the send-bulk body.
type BulkRequest struct {
	Notifications []notify.Request `json:"notifications"`
}

// BulkResponse wraps the orchestrator's bulk result.
type BulkResponse struct {
	Success bool `json:"success"`
	*notify.BulkResult
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	service     NotificationService
	templates   TemplateRegistry
	idempotency Idempotency // nil if Redis not configured
	clientKey   func(*http.Request) string
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, service NotificationService, templates TemplateRegistry) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		templates: templates,
		clientKey: ClientKeyFunc,
	}
}

// WithIdempotency enables Idempotency-Key handling on send and send-bulk.
func (h *Handler) WithIdempotency(idem Idempotency) *Handler {
	h.idempotency = idem
	return h
}

// SendNotification handles POST /v1/notifications/send
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) SendNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req notify.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	scope := h.clientKey(r) + ":send"
	key := r.Header.Get("Idempotency-Key")
	cached, owned, ok := h.reserve(w, r, scope, key)
	if !ok {
		return
	}
	if cached != nil {
		h.replaySend(w, r, cached)
		return
	}

	res, err := h.service.Send(ctx, req)
	if owned {
		h.rememberSend(ctx, scope, key, res, err)
	}
	h.writeSendResult(w, http.StatusCreated, res, err)
}

// SendBulk handles POST /v1/notifications/send-bulk
func (h *Handler) SendBulk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req BulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	scope := h.clientKey(r) + ":send-bulk"
	key := r.Header.Get("Idempotency-Key")
	cached, owned, ok := h.reserve(w, r, scope, key)
	if !ok {
		return
	}
	if cached != nil {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Idempotency-Replayed", "true")
		w.WriteHeader(cached.StatusCode)
		_, _ = w.Write(cached.Body)
		return
	}

	result, err := h.service.SendBulk(ctx, req.Notifications)
	if err != nil {
		if owned {
			h.release(ctx, scope, key)
		}
		h.writeServiceError(w, err)
		return
	}

	body, err := json.Marshal(BulkResponse{Success: true, BulkResult: result})
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to encode response", "")
		return
	}

	if owned {
		if err := h.idempotency.Store(ctx, scope, key, &redis.IdempotencyResult{
			StatusCode: http.StatusOK,
			Body:       body,
		}); err != nil {
			h.logger.Warn("failed to store idempotency result", zap.Error(err), zap.String("idempotency_key", key))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	n, err := h.service.GetStatus(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, n)
}

// RetryNotification handles POST /v1/notifications/{id}/retry
func (h *Handler) RetryNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	res, err := h.service.Retry(r.Context(), id)
	h.writeSendResult(w, http.StatusOK, res, err)
}

// ListNotifications handles
// GET /v1/notifications?patient_id=&appointment_id=&channel=&status=&type=&page=1&limit=20
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := db.ListFilter{
		AppointmentID: q.Get("appointment_id"),
		PatientID:     q.Get("patient_id"),
		Channel:       q.Get("channel"),
		Status:        q.Get("status"),
		Type:          q.Get("type"),
	}

	page, err := intParam(q.Get("page"), 1)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid page", "page must be an integer")
		return
	}
	limit, err := intParam(q.Get("limit"), notify.DefaultPageSize)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid limit", "limit must be an integer")
		return
	}

	result, err := h.service.List(r.Context(), filter, page, limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Statistics handles GET /v1/notifications/stats?from=RFC3339&to=RFC3339
func (h *Handler) Statistics(w http.ResponseWriter, r *http.Request) {
	var rng db.StatsRange
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &rng.From}, {"to", &rng.To}} {
		raw := r.URL.Query().Get(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+p.name, p.name+" must be an RFC3339 timestamp")
			return
		}
		*p.dst = &t
	}

	stats, err := h.service.Statistics(r.Context(), rng)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// Retryable handles GET /v1/notifications/retryable?max_retries=3&window_hours=24&limit=50
func (h *Handler) Retryable(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	maxRetries, err := intParam(q.Get("max_retries"), 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid max_retries", "max_retries must be an integer")
		return
	}
	windowHours, err := intParam(q.Get("window_hours"), 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid window_hours", "window_hours must be an integer")
		return
	}
	limit, err := intParam(q.Get("limit"), 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid limit", "limit must be an integer")
		return
	}

	items, err := h.service.Retryable(r.Context(), maxRetries, time.Duration(windowHours)*time.Hour, limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  items,
		"count": len(items),
	})
}

// reserve runs the idempotency check. ok is false when a response has
// already been written. owned reports that this request holds the key.
func (h *Handler) reserve(w http.ResponseWriter, r *http.Request, scope, key string) (cached *redis.IdempotencyResult, owned, ok bool) {
	if key == "" || h.idempotency == nil {
		return nil, false, true
	}

	cached, err := h.idempotency.CheckOrReserve(r.Context(), scope, key)
	if err != nil {
		if errors.Is(err, redis.ErrDuplicateRequest) {
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return nil, false, false
		}
		h.logger.Warn("idempotency check failed, proceeding",
			zap.Error(err),
			zap.String("idempotency_key", key),
		)
		return nil, false, true
	}

	if cached != nil {
		metrics.RecordIdempotencyHit()
		return cached, false, true
	}
	return nil, true, true
}

func (h *Handler) replaySend(w http.ResponseWriter, r *http.Request, cached *redis.IdempotencyResult) {
	id, err := uuid.Parse(cached.NotificationID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Corrupt idempotency record", "")
		return
	}

	n, err := h.service.GetStatus(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	resp := SendResponse{Success: cached.StatusCode < 300, Notification: n}
	switch {
	case resp.Success:
	case n.ErrorMessage != nil:
		resp.Error = *n.ErrorMessage
	case cached.StatusCode == http.StatusServiceUnavailable:
		resp.Error = msgStatusNotRecorded
	}
	w.Header().Set("X-Idempotency-Replayed", "true")
	writeJSON(w, cached.StatusCode, resp)
}

// rememberSend stores the outcome of any send that reached the provider and
// releases the key otherwise, so a rejected request can be corrected.
func (h *Handler) rememberSend(ctx context.Context, scope, key string, res *notify.Result, err error) {
	result := &redis.IdempotencyResult{}
	var de *notify.DeliveryError
	var snr *notify.StatusNotRecordedError
	switch {
	case err == nil:
		result.NotificationID = res.Notification.ID.String()
		result.StatusCode = http.StatusCreated
	case errors.As(err, &de):
		result.NotificationID = de.Notification.ID.String()
		result.StatusCode = http.StatusBadGateway
	case errors.As(err, &snr):
		// The provider was called; a resend under this key must not reach it again.
		result.NotificationID = snr.Notification.ID.String()
		result.StatusCode = http.StatusServiceUnavailable
	default:
		h.release(ctx, scope, key)
		return
	}

	if err := h.idempotency.Store(ctx, scope, key, result); err != nil {
		h.logger.Warn("failed to store idempotency result",
			zap.Error(err),
			zap.String("idempotency_key", key),
		)
	}
}

func (h *Handler) release(ctx context.Context, scope, key string) {
	if err := h.idempotency.Release(ctx, scope, key); err != nil {
		h.logger.Warn("failed to release idempotency key", zap.Error(err), zap.String("idempotency_key", key))
	}
}

func (h *Handler) writeSendResult(w http.ResponseWriter, okStatus int, res *notify.Result, err error) {
	if err != nil {
		var de *notify.DeliveryError
		if errors.As(err, &de) {
			writeJSON(w, http.StatusBadGateway, SendResponse{
				Success:      false,
				Notification: de.Notification,
				Error:        de.Detail,
			})
			return
		}
		var snr *notify.StatusNotRecordedError
		if errors.As(err, &snr) {
			h.logger.Error("delivery outcome not stored", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, SendResponse{
				Success:      false,
				Notification: snr.Notification,
				Error:        msgStatusNotRecorded,
			})
			return
		}
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, okStatus, SendResponse{
		Success:      true,
		Notification: res.Notification,
		Delivery:     &res.Delivery,
	})
}

// writeServiceError maps orchestrator errors to problem responses.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, notify.ErrUnknownChannel):
		h.writeError(w, http.StatusBadRequest, "unknown_channel", "Channel not supported", err.Error())
	case errors.Is(err, notify.ErrTemplateNotFound):
		h.writeError(w, http.StatusBadRequest, "template_not_found", "Template not found", err.Error())
	case errors.Is(err, notify.ErrValidation):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request", err.Error())
	case errors.Is(err, notify.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
	case errors.Is(err, notify.ErrNotRetryable):
		h.writeError(w, http.StatusConflict, "not_retryable", "Notification cannot be retried", err.Error())
	case errors.Is(err, notify.ErrPersistence):
		h.logger.Error("notification store unavailable", zap.Error(err))
		h.writeError(w, http.StatusServiceUnavailable, "database_error", "Notification store unavailable", "")
	case errors.Is(err, notify.ErrDelivery):
		h.writeError(w, http.StatusBadGateway, "delivery_failed", "Delivery failed", err.Error())
	default:
		h.logger.Error("unexpected service error", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error", "")
	}
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, errType, title, detail)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
