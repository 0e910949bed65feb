package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewFromClient(rdb, zap.NewNop()), mr
}

func TestIdempotency_FirstRequestReserves(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	result, err := svc.CheckOrReserve(ctx, "ip:10.0.0.1:send", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for new request, got: %+v", result)
	}

	if _, err := svc.CheckOrReserve(ctx, "ip:10.0.0.1:send", "key-1"); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest while in flight, got: %v", err)
	}
}

func TestIdempotency_StoredResultIsReplayed(t *testing.T) {
	client, mr := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "ip:10.0.0.1:send", "key-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := svc.Store(ctx, "ip:10.0.0.1:send", "key-1", &IdempotencyResult{
		NotificationID: "6f1c1f0e-0000-4000-8000-000000000001",
		StatusCode:     201,
	}); err != nil {
		t.Fatalf("store: %v", err)
	}

	cached, err := svc.CheckOrReserve(ctx, "ip:10.0.0.1:send", "key-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if cached == nil || cached.NotificationID != "6f1c1f0e-0000-4000-8000-000000000001" || cached.StatusCode != 201 {
		t.Fatalf("unexpected cached result %+v", cached)
	}
	if cached.CreatedAt == 0 {
		t.Error("expected created_at to be filled")
	}

	if ttl := mr.TTL("idempotency:ip:10.0.0.1:send:key-1"); ttl != IdempotencyTTL {
		t.Errorf("ttl = %v, want %v", ttl, IdempotencyTTL)
	}
}

func TestIdempotency_BulkBody(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	body := json.RawMessage(`{"success":true,"total":2,"successful":2,"failed":0}`)
	if err := svc.Store(ctx, "ip:10.0.0.1:send-bulk", "batch-7", &IdempotencyResult{StatusCode: 200, Body: body}); err != nil {
		t.Fatalf("store: %v", err)
	}

	cached, err := svc.Check(ctx, "ip:10.0.0.1:send-bulk", "batch-7")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if string(cached.Body) != string(body) {
		t.Errorf("body = %s", cached.Body)
	}
}

func TestIdempotency_ScopesAreIsolated(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "ip:10.0.0.1:send", "same-key"); err != nil {
		t.Fatalf("first scope: %v", err)
	}

	for _, scope := range []string{"ip:10.0.0.2:send", "ip:10.0.0.1:send-bulk"} {
		result, err := svc.CheckOrReserve(ctx, scope, "same-key")
		if err != nil || result != nil {
			t.Errorf("scope %s should be independent: result=%+v err=%v", scope, result, err)
		}
	}
}

func TestIdempotency_Release(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "scope", "k"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := svc.Release(ctx, "scope", "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if result, err := svc.CheckOrReserve(ctx, "scope", "k"); err != nil || result != nil {
		t.Fatalf("released key should be reservable again: %+v %v", result, err)
	}

	if err := svc.Store(ctx, "scope", "k", &IdempotencyResult{NotificationID: "n1", StatusCode: 201}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := svc.Release(ctx, "scope", "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if cached, _ := svc.Check(ctx, "scope", "k"); cached == nil || cached.NotificationID != "n1" {
		t.Fatal("release must not drop a stored result")
	}

	if err := svc.Release(ctx, "scope", "missing"); err != nil {
		t.Errorf("releasing a missing key should be a no-op, got %v", err)
	}
}

func TestIdempotency_CorruptValue(t *testing.T) {
	client, mr := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())

	if err := mr.Set("idempotency:scope:k", "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := svc.Check(context.Background(), "scope", "k"); err == nil {
		t.Fatal("expected error for corrupt cached value")
	}
}
