package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 3003 {
		t.Errorf("expected port 3003, got %d", cfg.Port)
	}
	if cfg.BulkPacing != 100*time.Millisecond {
		t.Errorf("expected 100ms bulk pacing, got %s", cfg.BulkPacing)
	}
	if cfg.BulkConcurrency != 1 {
		t.Errorf("expected sequential bulk by default, got %d", cfg.BulkConcurrency)
	}
	if cfg.StoreDriver != "postgres" {
		t.Errorf("expected postgres store, got %s", cfg.StoreDriver)
	}
	if cfg.SNSRegion != cfg.AWSRegion {
		t.Errorf("expected SNS region to default to AWS region, got %s", cfg.SNSRegion)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("TELEGRAM_TIMEOUT", "3")
	t.Setenv("BULK_PACING_MS", "250")
	t.Setenv("BULK_CONCURRENCY", "4")
	t.Setenv("SQS_REGION", "eu-west-1")
	t.Setenv("STORE_DRIVER", "memory")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Port)
	}
	if cfg.TelegramBotToken != "123:abc" {
		t.Errorf("unexpected token %q", cfg.TelegramBotToken)
	}
	if cfg.TelegramTimeout != 3*time.Second {
		t.Errorf("expected 3s telegram timeout, got %s", cfg.TelegramTimeout)
	}
	if cfg.BulkPacing != 250*time.Millisecond {
		t.Errorf("expected 250ms pacing, got %s", cfg.BulkPacing)
	}
	if cfg.BulkConcurrency != 4 {
		t.Errorf("expected concurrency 4, got %d", cfg.BulkConcurrency)
	}
	if cfg.StoreDriver != "memory" {
		t.Errorf("expected memory store, got %s", cfg.StoreDriver)
	}
	if cfg.SQSRegion != "eu-west-1" {
		t.Errorf("expected eu-west-1, got %s", cfg.SQSRegion)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"PORT", "not-a-number"},
		{"DB_PORT", "abc"},
		{"BULK_PACING_MS", "fast"},
		{"BULK_CONCURRENCY", "0"},
		{"STORE_DRIVER", "sqlite"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}
