package db

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func strPtr(s string) *string { return &s }

func newTestStore() *MemoryStore {
	clock := &fakeClock{t: time.Date(2025, 11, 26, 9, 0, 0, 0, time.UTC)}
	return NewMemoryStore().WithClock(clock.now)
}

func TestMemoryStore_CreateAndFind(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	n := &Notification{
		Channel:   ChannelTelegram,
		Recipient: "123",
		Content:   "hello",
		PatientID: strPtr("p-1"),
	}
	if err := store.Create(ctx, n); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if n.ID == uuid.Nil {
		t.Fatal("expected id to be assigned")
	}
	if n.Status != StatusPending {
		t.Errorf("expected pending, got %s", n.Status)
	}
	if n.Type != DefaultType {
		t.Errorf("expected default type, got %s", n.Type)
	}

	got, err := store.FindByID(ctx, n.ID)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if got == nil || got.Content != "hello" {
		t.Fatalf("unexpected record %+v", got)
	}

	// returned records are copies
	*got.PatientID = "changed"
	again, _ := store.FindByID(ctx, n.ID)
	if *again.PatientID != "p-1" {
		t.Errorf("store was mutated through a returned record")
	}
}

func TestMemoryStore_FindMissing(t *testing.T) {
	store := newTestStore()

	got, err := store.FindByID(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestMemoryStore_UpdateStatusSentAt(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	n := &Notification{Channel: ChannelTelegram, Recipient: "1", Content: "x"}
	_ = store.Create(ctx, n)

	failed, err := store.UpdateStatus(ctx, n.ID, StatusFailed, strPtr("timeout"))
	if err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if failed.SentAt != nil {
		t.Error("sent_at must be nil for failed")
	}
	if failed.ErrorMessage == nil || *failed.ErrorMessage != "timeout" {
		t.Errorf("unexpected error message %v", failed.ErrorMessage)
	}

	sent, err := store.UpdateStatus(ctx, n.ID, StatusSent, nil)
	if err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if sent.SentAt == nil {
		t.Error("sent_at must be set for sent")
	}

	missing, err := store.UpdateStatus(ctx, uuid.New(), StatusSent, nil)
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil for missing row, got %v, %v", missing, err)
	}
}

func TestMemoryStore_IncrementRetryCount(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	n := &Notification{Channel: ChannelTelegram, Recipient: "1", Content: "x"}
	_ = store.Create(ctx, n)

	for i := 1; i <= 3; i++ {
		got, err := store.IncrementRetryCount(ctx, n.ID)
		if err != nil {
			t.Fatalf("IncrementRetryCount() error = %v", err)
		}
		if got.RetryCount != i {
			t.Errorf("expected retry count %d, got %d", i, got.RetryCount)
		}
	}
}

func TestMemoryStore_ListFiltersAndPaging(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = store.Create(ctx, &Notification{
			Channel:   ChannelTelegram,
			Recipient: "1",
			Content:   "t",
			Type:      "appointment_reminder",
			PatientID: strPtr("p-1"),
		})
	}
	_ = store.Create(ctx, &Notification{Channel: ChannelEmail, Recipient: "a@b.c", Content: "e", PatientID: strPtr("p-2")})

	tests := []struct {
		name      string
		filter    ListFilter
		page      int
		pageSize  int
		wantItems int
		wantTotal int
		wantPages int
	}{
		{"all", ListFilter{}, 1, 20, 6, 6, 1},
		{"by channel", ListFilter{Channel: ChannelTelegram}, 1, 20, 5, 5, 1},
		{"by patient", ListFilter{PatientID: "p-2"}, 1, 20, 1, 1, 1},
		{"conjunctive", ListFilter{PatientID: "p-2", Channel: ChannelTelegram}, 1, 20, 0, 0, 0},
		{"second page", ListFilter{}, 2, 4, 2, 6, 2},
		{"past end", ListFilter{}, 5, 4, 0, 6, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := store.List(ctx, tt.filter, tt.page, tt.pageSize)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(page.Items) != tt.wantItems {
				t.Errorf("items = %d, want %d", len(page.Items), tt.wantItems)
			}
			if page.Total != tt.wantTotal {
				t.Errorf("total = %d, want %d", page.Total, tt.wantTotal)
			}
			if page.TotalPages != tt.wantPages {
				t.Errorf("total pages = %d, want %d", page.TotalPages, tt.wantPages)
			}
		})
	}
}

func TestMemoryStore_ListNewestFirst(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	first := &Notification{Channel: ChannelLog, Recipient: "1", Content: "first"}
	second := &Notification{Channel: ChannelLog, Recipient: "1", Content: "second"}
	_ = store.Create(ctx, first)
	_ = store.Create(ctx, second)

	page, _ := store.List(ctx, ListFilter{}, 1, 10)
	if page.Items[0].ID != second.ID {
		t.Errorf("expected newest record first")
	}
}

func TestMemoryStore_ListRetryable(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	old := &Notification{Channel: ChannelTelegram, Recipient: "1", Content: "x"}
	_ = store.Create(ctx, old)
	since := store.now()

	exhausted := &Notification{Channel: ChannelTelegram, Recipient: "2", Content: "x", RetryCount: 3}
	fresh := &Notification{Channel: ChannelTelegram, Recipient: "3", Content: "x"}
	sent := &Notification{Channel: ChannelTelegram, Recipient: "4", Content: "x"}
	for _, n := range []*Notification{exhausted, fresh, sent} {
		_ = store.Create(ctx, n)
	}
	for _, n := range []*Notification{old, exhausted, fresh} {
		_, _ = store.UpdateStatus(ctx, n.ID, StatusFailed, strPtr("boom"))
	}
	_, _ = store.UpdateStatus(ctx, sent.ID, StatusSent, nil)

	got, err := store.ListRetryable(ctx, 3, since, 50)
	if err != nil {
		t.Fatalf("ListRetryable() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != fresh.ID {
		t.Errorf("expected only the fresh failed record, got %d records", len(got))
	}
}

func TestMemoryStore_StatisticsAndDelete(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	a := &Notification{Channel: ChannelTelegram, Recipient: "1", Content: "x"}
	b := &Notification{Channel: ChannelEmail, Recipient: "a@b.c", Content: "x"}
	_ = store.Create(ctx, a)
	_ = store.Create(ctx, b)
	_, _ = store.UpdateStatus(ctx, a.ID, StatusSent, nil)
	_, _ = store.IncrementRetryCount(ctx, b.ID)

	stats, err := store.Statistics(ctx, StatsRange{})
	if err != nil {
		t.Fatalf("Statistics() error = %v", err)
	}
	if stats.Total != 2 || stats.ByStatus[StatusSent] != 1 || stats.ByStatus[StatusPending] != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.ByChannel[ChannelEmail] != 1 || stats.AvgRetries != 0.5 {
		t.Errorf("unexpected stats %+v", stats)
	}

	deleted, err := store.DeleteOlderThan(ctx, b.CreatedAt)
	if err != nil {
		t.Fatalf("DeleteOlderThan() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}
}

func TestFilterClause(t *testing.T) {
	where, args := filterClause(ListFilter{PatientID: "p", Status: StatusFailed})

	if where != " WHERE patient_id = $1 AND status = $2" {
		t.Errorf("unexpected clause %q", where)
	}
	if len(args) != 2 || args[0] != "p" || args[1] != StatusFailed {
		t.Errorf("unexpected args %v", args)
	}

	where, args = filterClause(ListFilter{})
	if where != "" || args != nil {
		t.Errorf("expected empty clause, got %q %v", where, args)
	}
}

func TestListQuery_StableOrder(t *testing.T) {
	q := listQuery(" WHERE status = $1", 1)

	if !strings.Contains(q, "ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3") {
		t.Errorf("expected tie-broken ordering and shifted placeholders, got %q", q)
	}
	if !strings.Contains(q, " FROM notifications WHERE status = $1 ") {
		t.Errorf("expected filter in query, got %q", q)
	}
}

func TestConfigDSN(t *testing.T) {
	cfg := Config{Host: "h", Port: 5432, User: "u", Database: "d", SSLMode: "disable"}
	if strings.Contains(cfg.DSN(), "password") {
		t.Error("empty password should be omitted")
	}
	cfg.Password = "secret"
	if !strings.Contains(cfg.DSN(), "password=secret") {
		t.Error("password should be included")
	}
}

func TestNewPage(t *testing.T) {
	p := NewPage(nil, 41, 1, 20)
	if p.TotalPages != 3 {
		t.Errorf("expected 3 pages, got %d", p.TotalPages)
	}
	if p.Items == nil {
		t.Error("items should never be nil")
	}
}
