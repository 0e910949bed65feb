package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/notifier/internal/channel"
	"github.com/lalithlochan/notifier/internal/db"
	"github.com/lalithlochan/notifier/internal/notify"
	"github.com/lalithlochan/notifier/internal/redis"
	"github.com/lalithlochan/notifier/internal/templates"
)

// fakeService is a scripted NotificationService.
type fakeService struct {
	mu      sync.Mutex
	records map[uuid.UUID]*db.Notification
	sends   int

	sendErr   error
	failSend  string // delivery error detail; the record is stored as failed
	lostWrite bool   // the provider is called but the outcome is not stored
	retryErr  error
	listErr   error

	lastFilter db.ListFilter
	lastPage   [2]int
	lastRetry  [3]any
}

func newFakeService() *fakeService {
	return &fakeService{records: make(map[uuid.UUID]*db.Notification)}
}

func (f *fakeService) record(req notify.Request, status string) *db.Notification {
	n := &db.Notification{
		ID:        uuid.New(),
		Type:      db.DefaultType,
		Channel:   req.Channel,
		Status:    status,
		Recipient: req.Recipient,
		Content:   req.Message,
		Metadata:  map[string]any{},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	f.records[n.ID] = n
	return n
}

func (f *fakeService) Send(_ context.Context, req notify.Request) (*notify.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++

	if f.sendErr != nil {
		return nil, f.sendErr
	}
	if f.lostWrite {
		n := f.record(req, db.StatusPending)
		return nil, &notify.StatusNotRecordedError{Notification: n, Delivered: true, Err: errors.New("conn reset")}
	}
	if f.failSend != "" {
		n := f.record(req, db.StatusFailed)
		n.ErrorMessage = &f.failSend
		return nil, &notify.DeliveryError{Notification: n, Detail: f.failSend}
	}
	n := f.record(req, db.StatusSent)
	return &notify.Result{Notification: n, Delivery: channel.Succeeded("provider-1", time.Now())}, nil
}

func (f *fakeService) SendBulk(ctx context.Context, reqs []notify.Request) (*notify.BulkResult, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: no notifications", notify.ErrValidation)
	}
	res := &notify.BulkResult{Total: len(reqs)}
	for i, req := range reqs {
		r, err := f.Send(ctx, req)
		item := notify.BulkItem{Index: i, Recipient: req.Recipient}
		if err != nil {
			item.Status = notify.BulkFailed
			item.Error = err.Error()
			res.Failed++
		} else {
			item.Status = notify.BulkSent
			item.Notification = r.Notification
			res.Successful++
		}
		res.Results = append(res.Results, item)
	}
	return res, nil
}

func (f *fakeService) Retry(_ context.Context, id uuid.UUID) (*notify.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.retryErr != nil {
		return nil, f.retryErr
	}
	n, ok := f.records[id]
	if !ok {
		return nil, notify.ErrNotFound
	}
	if n.Status != db.StatusFailed {
		return nil, fmt.Errorf("%w: status is %s", notify.ErrNotRetryable, n.Status)
	}
	n.Status = db.StatusSent
	n.RetryCount++
	n.ErrorMessage = nil
	return &notify.Result{Notification: n, Delivery: channel.Succeeded("provider-2", time.Now())}, nil
}

func (f *fakeService) GetStatus(_ context.Context, id uuid.UUID) (*db.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.records[id]
	if !ok {
		return nil, notify.ErrNotFound
	}
	return n, nil
}

func (f *fakeService) List(_ context.Context, filter db.ListFilter, page, pageSize int) (*db.Page, error) {
	f.lastFilter = filter
	f.lastPage = [2]int{page, pageSize}
	if f.listErr != nil {
		return nil, f.listErr
	}
	return db.NewPage(nil, 0, page, pageSize), nil
}

func (f *fakeService) Statistics(_ context.Context, rng db.StatsRange) (*db.Statistics, error) {
	if rng.From != nil && rng.To != nil && rng.From.After(*rng.To) {
		return nil, fmt.Errorf("%w: from is after to", notify.ErrValidation)
	}
	return &db.Statistics{}, nil
}

func (f *fakeService) Retryable(_ context.Context, maxRetries int, window time.Duration, limit int) ([]*db.Notification, error) {
	f.lastRetry = [3]any{maxRetries, window, limit}
	return []*db.Notification{}, nil
}

func (f *fakeService) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

type testServer struct {
	router  http.Handler
	service *fakeService
	mr      *miniredis.Miniredis
}

func newTestServer(t *testing.T, withIdempotency bool) *testServer {
	t.Helper()
	logger := zap.NewNop()
	svc := newFakeService()
	h := NewHandler(logger, svc, templates.NewRegistry(templates.Defaults()...))

	ts := &testServer{service: svc}
	if withIdempotency {
		ts.mr = miniredis.RunT(t)
		rdb := goredis.NewClient(&goredis.Options{Addr: ts.mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		h.WithIdempotency(redis.NewIdempotencyService(redis.NewFromClient(rdb, logger), logger))
	}
	ts.router = NewRouter(RouterConfig{Handler: h}, logger)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

var sendBody = map[string]any{
	"channel":   "telegram",
	"recipient": "123456789",
	"message":   "hola",
}

func TestSendNotification_Created(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, "POST", "/v1/notifications/send", sendBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	resp := decode[SendResponse](t, rec)
	if !resp.Success {
		t.Error("expected success")
	}
	if resp.Notification == nil || resp.Notification.Status != db.StatusSent {
		t.Errorf("expected sent notification, got %+v", resp.Notification)
	}
	if resp.Delivery == nil || resp.Delivery.ProviderMessageID != "provider-1" {
		t.Errorf("expected delivery outcome, got %+v", resp.Delivery)
	}
}

func TestSendNotification_DeliveryFailure(t *testing.T) {
	ts := newTestServer(t, false)
	ts.service.failSend = "chat not found"

	rec := ts.do(t, "POST", "/v1/notifications/send", sendBody)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}

	resp := decode[SendResponse](t, rec)
	if resp.Success {
		t.Error("expected success=false")
	}
	if resp.Error != "chat not found" {
		t.Errorf("expected error detail, got %q", resp.Error)
	}
	if resp.Notification == nil || resp.Notification.Status != db.StatusFailed {
		t.Fatalf("expected failed record in body, got %+v", resp.Notification)
	}
}

func TestSendNotification_MalformedJSON(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, "POST", "/v1/notifications/send", "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected problem+json, got %q", ct)
	}
	if ts.service.sendCount() != 0 {
		t.Error("service must not be called for a malformed body")
	}
}

func TestWriteServiceError_Mapping(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		errType string
	}{
		{"validation", fmt.Errorf("%w: recipient is required", notify.ErrValidation), 400, "invalid_request"},
		{"unknown channel", fmt.Errorf("%w: %w %q", notify.ErrValidation, notify.ErrUnknownChannel, "fax"), 400, "unknown_channel"},
		{"template", fmt.Errorf("%w: %w", notify.ErrValidation, notify.ErrTemplateNotFound), 400, "template_not_found"},
		{"not found", notify.ErrNotFound, 404, "not_found"},
		{"not retryable", notify.ErrNotRetryable, 409, "not_retryable"},
		{"store", fmt.Errorf("%w: connection refused", notify.ErrPersistence), 503, "database_error"},
		{"unexpected", errors.New("boom"), 500, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, false)
			ts.service.sendErr = tt.err

			rec := ts.do(t, "POST", "/v1/notifications/send", sendBody)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
			problem := decode[ErrorResponse](t, rec)
			if problem.Type != tt.errType {
				t.Errorf("expected type %q, got %q", tt.errType, problem.Type)
			}
			if problem.Status != tt.status {
				t.Errorf("expected status field %d, got %d", tt.status, problem.Status)
			}
		})
	}
}

func TestSendNotification_IdempotentReplay(t *testing.T) {
	ts := newTestServer(t, true)

	first := ts.do(t, "POST", "/v1/notifications/send", sendBody, "Idempotency-Key", "abc")
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", first.Code)
	}
	original := decode[SendResponse](t, first)

	second := ts.do(t, "POST", "/v1/notifications/send", sendBody, "Idempotency-Key", "abc")
	if second.Code != http.StatusCreated {
		t.Fatalf("expected replayed 201, got %d", second.Code)
	}
	if second.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("expected replay header")
	}
	replayed := decode[SendResponse](t, second)
	if replayed.Notification.ID != original.Notification.ID {
		t.Errorf("expected same notification, got %s and %s", original.Notification.ID, replayed.Notification.ID)
	}
	if ts.service.sendCount() != 1 {
		t.Errorf("expected one delivery, got %d", ts.service.sendCount())
	}

	// Another client using the same key is independent.
	other := ts.do(t, "POST", "/v1/notifications/send", sendBody, "Idempotency-Key", "abc", "X-Client-ID", "other")
	if other.Header().Get("X-Idempotency-Replayed") != "" {
		t.Error("keys must be scoped per client")
	}
	if ts.service.sendCount() != 2 {
		t.Errorf("expected second client to send, got %d sends", ts.service.sendCount())
	}
}

func TestSendNotification_IdempotentFailureReplaysBadGateway(t *testing.T) {
	ts := newTestServer(t, true)
	ts.service.failSend = "timeout"

	first := ts.do(t, "POST", "/v1/notifications/send", sendBody, "Idempotency-Key", "k1")
	if first.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", first.Code)
	}

	second := ts.do(t, "POST", "/v1/notifications/send", sendBody, "Idempotency-Key", "k1")
	if second.Code != http.StatusBadGateway {
		t.Fatalf("expected replayed 502, got %d", second.Code)
	}
	resp := decode[SendResponse](t, second)
	if resp.Success || resp.Error != "timeout" {
		t.Errorf("expected replayed failure, got %+v", resp)
	}
	if ts.service.sendCount() != 1 {
		t.Errorf("expected one delivery, got %d", ts.service.sendCount())
	}
}

func TestSendNotification_UnrecordedOutcomeKeepsKey(t *testing.T) {
	ts := newTestServer(t, true)
	ts.service.lostWrite = true

	first := ts.do(t, "POST", "/v1/notifications/send", sendBody, "Idempotency-Key", "k5")
	if first.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", first.Code)
	}
	resp := decode[SendResponse](t, first)
	if resp.Success || resp.Notification == nil || resp.Notification.Status != db.StatusPending {
		t.Errorf("expected the pending record in the body, got %+v", resp)
	}

	second := ts.do(t, "POST", "/v1/notifications/send", sendBody, "Idempotency-Key", "k5")
	if second.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected replayed 503, got %d", second.Code)
	}
	if second.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("expected replay header")
	}
	if replayed := decode[SendResponse](t, second); replayed.Notification.ID != resp.Notification.ID || replayed.Error == "" {
		t.Errorf("expected replay of the same record with an error, got %+v", replayed)
	}
	if ts.service.sendCount() != 1 {
		t.Errorf("expected one provider attempt, got %d", ts.service.sendCount())
	}
}

func TestSendNotification_ValidationReleasesKey(t *testing.T) {
	ts := newTestServer(t, true)
	ts.service.sendErr = fmt.Errorf("%w: recipient is required", notify.ErrValidation)

	if rec := ts.do(t, "POST", "/v1/notifications/send", sendBody, "Idempotency-Key", "k2"); rec.Code != 400 {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	ts.service.sendErr = nil
	rec := ts.do(t, "POST", "/v1/notifications/send", sendBody, "Idempotency-Key", "k2")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected corrected request to go through, got %d", rec.Code)
	}
}

func TestSendNotification_InFlightDuplicate(t *testing.T) {
	ts := newTestServer(t, true)
	ts.mr.Set("idempotency:ip:192.0.2.1:send:k3", "processing")

	rec := ts.do(t, "POST", "/v1/notifications/send", sendBody, "Idempotency-Key", "k3")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	if ts.service.sendCount() != 0 {
		t.Error("duplicate must not be delivered")
	}
}

func TestSendNotification_RedisDownProceeds(t *testing.T) {
	ts := newTestServer(t, true)
	ts.mr.Close()

	rec := ts.do(t, "POST", "/v1/notifications/send", sendBody, "Idempotency-Key", "k4")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected send without idempotency, got %d", rec.Code)
	}
}

func TestSendBulk(t *testing.T) {
	ts := newTestServer(t, true)

	body := map[string]any{"notifications": []map[string]any{
		sendBody,
		{"channel": "telegram", "recipient": "987", "message": "hola"},
	}}

	rec := ts.do(t, "POST", "/v1/notifications/send-bulk", body, "Idempotency-Key", "bulk-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	first := rec.Body.String()

	var resp struct {
		Success    bool `json:"success"`
		Total      int  `json:"total"`
		Successful int  `json:"successful"`
		Failed     int  `json:"failed"`
		Results    []notify.BulkItem
	}
	if err := json.Unmarshal([]byte(first), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.Total != 2 || resp.Successful != 2 || resp.Failed != 0 {
		t.Errorf("unexpected bulk summary: %+v", resp)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(resp.Results))
	}

	replay := ts.do(t, "POST", "/v1/notifications/send-bulk", body, "Idempotency-Key", "bulk-1")
	if replay.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("expected replay header")
	}
	if replay.Body.String() != first {
		t.Error("expected byte-identical replay")
	}
	if ts.service.sendCount() != 2 {
		t.Errorf("expected 2 sends, got %d", ts.service.sendCount())
	}
}

func TestSendBulk_Empty(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, "POST", "/v1/notifications/send-bulk", map[string]any{"notifications": []any{}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestGetNotification(t *testing.T) {
	ts := newTestServer(t, false)
	created := decode[SendResponse](t, ts.do(t, "POST", "/v1/notifications/send", sendBody))

	tests := []struct {
		name   string
		id     string
		status int
	}{
		{"existing", created.Notification.ID.String(), 200},
		{"missing", uuid.NewString(), 404},
		{"malformed", "not-a-uuid", 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, "GET", "/v1/notifications/"+tt.id, nil)
			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, rec.Code)
			}
		})
	}
}

func TestRetryNotification(t *testing.T) {
	ts := newTestServer(t, false)
	ts.service.failSend = "timeout"
	failed := decode[SendResponse](t, ts.do(t, "POST", "/v1/notifications/send", sendBody))
	path := "/v1/notifications/" + failed.Notification.ID.String() + "/retry"

	rec := ts.do(t, "POST", path, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decode[SendResponse](t, rec)
	if resp.Notification.Status != db.StatusSent || resp.Notification.RetryCount != 1 {
		t.Errorf("unexpected retried record: %+v", resp.Notification)
	}

	// Already sent.
	if rec := ts.do(t, "POST", path, nil); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for a sent notification, got %d", rec.Code)
	}
}

func TestRetryNotification_DeliveryFailure(t *testing.T) {
	ts := newTestServer(t, false)
	msg := "still down"
	n := &db.Notification{ID: uuid.New(), Status: db.StatusFailed, RetryCount: 1, ErrorMessage: &msg}
	ts.service.retryErr = &notify.DeliveryError{Notification: n, Detail: msg}

	rec := ts.do(t, "POST", "/v1/notifications/"+n.ID.String()+"/retry", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	resp := decode[SendResponse](t, rec)
	if resp.Notification.ID != n.ID || resp.Error != msg {
		t.Errorf("unexpected body: %+v", resp)
	}
}

func TestListNotifications(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, "GET", "/v1/notifications?patient_id=p1&status=failed&channel=telegram&page=2&limit=5", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	want := db.ListFilter{PatientID: "p1", Status: "failed", Channel: "telegram"}
	if ts.service.lastFilter != want {
		t.Errorf("expected filter %+v, got %+v", want, ts.service.lastFilter)
	}
	if ts.service.lastPage != [2]int{2, 5} {
		t.Errorf("expected page 2 size 5, got %v", ts.service.lastPage)
	}

	if rec := ts.do(t, "GET", "/v1/notifications?page=two", nil); rec.Code != 400 {
		t.Errorf("expected 400 for bad page, got %d", rec.Code)
	}
}

func TestListNotifications_Defaults(t *testing.T) {
	ts := newTestServer(t, false)

	ts.do(t, "GET", "/v1/notifications", nil)
	if ts.service.lastPage != [2]int{1, notify.DefaultPageSize} {
		t.Errorf("expected default paging, got %v", ts.service.lastPage)
	}
}

func TestStatistics(t *testing.T) {
	ts := newTestServer(t, false)

	tests := []struct {
		name   string
		query  string
		status int
	}{
		{"no range", "", 200},
		{"range", "?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z", 200},
		{"inverted", "?from=2026-02-01T00:00:00Z&to=2026-01-01T00:00:00Z", 400},
		{"bad timestamp", "?from=yesterday", 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, "GET", "/v1/notifications/stats"+tt.query, nil)
			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, rec.Code)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, "GET", "/v1/notifications/retryable?max_retries=5&window_hours=12&limit=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	want := [3]any{5, 12 * time.Hour, 10}
	if ts.service.lastRetry != want {
		t.Errorf("expected %v, got %v", want, ts.service.lastRetry)
	}
	if !strings.Contains(rec.Body.String(), `"count":0`) {
		t.Errorf("expected count in body, got %s", rec.Body.String())
	}
}

func TestTemplates(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, "GET", "/v1/templates", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	list := decode[struct {
		Templates []templates.Template `json:"templates"`
		Count     int                  `json:"count"`
	}](t, rec)
	if list.Count == 0 || list.Count != len(list.Templates) {
		t.Errorf("expected default templates, got %d", list.Count)
	}

	tmpl := map[string]any{"name": "follow_up", "subject": "Seguimiento", "body": "Hola {{patient_name}}"}
	if rec := ts.do(t, "POST", "/v1/templates", tmpl); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if rec := ts.do(t, "POST", "/v1/templates", tmpl); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate, got %d", rec.Code)
	}
	if rec := ts.do(t, "POST", "/v1/templates", map[string]any{"name": "empty"}); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing body, got %d", rec.Code)
	}

	rec = ts.do(t, "PUT", "/v1/templates/follow_up", map[string]any{"body": "Nuevo {{patient_name}}"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	updated := decode[templates.Template](t, rec)
	if updated.Body != "Nuevo {{patient_name}}" || updated.Subject != "Seguimiento" {
		t.Errorf("expected partial update, got %+v", updated)
	}

	if rec := ts.do(t, "GET", "/v1/templates/follow_up", nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec := ts.do(t, "GET", "/v1/templates/missing", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec := ts.do(t, "PUT", "/v1/templates/missing", map[string]any{"body": "x"}); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
