package config

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseCSV(t *testing.T) {
	got := parseCSV("a, b, ,c,,")
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestParseAnyCSV(t *testing.T) {
	raw := []any{"x", " ", "y"}
	got := parseAnyCSV(raw)
	if len(got) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got))
	}
	if got[0] != "x" || got[1] != "y" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestApplyEnvRentalSettings(t *testing.T) {
	env := map[string]string{
		"LOCK_TTL_MS":                 "10000",
		"LOCK_WAIT_MS":                "2500",
		"BOOKING_LOCK_BUCKET_SECONDS": "60",
		"REPLACEMENT_AUTO_EXECUTE":    "yes",
		"KAFKA_BROKERS":               "k1:9092, k2:9092",
		"REDIS_PASSWORD":              " spaced ",
	}
	cfg := defaults("api", 8080)
	var problems []Problem
	applyEnv(&cfg, func(k string) string { return env[k] }, &problems)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %#v", problems)
	}
	if cfg.LockTTL() != 10*time.Second || cfg.LockWait() != 2500*time.Millisecond {
		t.Fatalf("unexpected lock settings: ttl=%v wait=%v", cfg.LockTTL(), cfg.LockWait())
	}
	if cfg.BookingLockBucket() != time.Minute {
		t.Fatalf("expected 1m bucket, got %v", cfg.BookingLockBucket())
	}
	if !cfg.ReplacementAutoExec {
		t.Fatalf("expected auto execute to be enabled")
	}
	if len(cfg.KafkaBrokers) != 2 {
		t.Fatalf("expected 2 brokers, got %#v", cfg.KafkaBrokers)
	}
	if cfg.RedisPassword != " spaced " {
		t.Fatalf("secrets must not be trimmed, got %q", cfg.RedisPassword)
	}
}

func TestApplyEnvReportsInvalidValues(t *testing.T) {
	env := map[string]string{
		"LOCK_WAIT_MS":             "soon",
		"REPLACEMENT_AUTO_EXECUTE": "maybe",
	}
	cfg := defaults("api", 8080)
	var problems []Problem
	applyEnv(&cfg, func(k string) string { return env[k] }, &problems)
	if len(problems) != 2 {
		t.Fatalf("expected 2 problems, got %#v", problems)
	}
	if cfg.LockWaitMS != 5000 {
		t.Fatalf("invalid value must keep default, got %d", cfg.LockWaitMS)
	}
}

func TestApplyConfigMap(t *testing.T) {
	raw := map[string]any{
		"env":                "staging",
		"INTENT_TTL_SECONDS": json.Number("120"),
		"store_backend":      "memory",
		"OTEL_ENABLED":       true,
		"KAFKA_BROKERS":      []any{"a:1", "b:2"},
	}
	cfg := defaults("api", 8080)
	var problems []Problem
	applyConfigMap(&cfg, raw, &problems)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %#v", problems)
	}
	if cfg.IntentTTL() != 2*time.Minute {
		t.Fatalf("expected 2m intent ttl, got %v", cfg.IntentTTL())
	}
	if cfg.Env != "staging" || cfg.StoreBackend != StoreBackendMemory || !cfg.OtelEnabled || len(cfg.KafkaBrokers) != 2 {
		t.Fatalf("unexpected config: %#v", cfg)
	}
}

func TestValidateClampsLockWait(t *testing.T) {
	cfg := defaults("api", 8080)
	cfg.LockTTLMS = 1000
	cfg.LockWaitMS = 5000
	cfg.StoreBackend = "sqlite"
	var problems []Problem
	validate(&cfg, 8080, &problems)
	if cfg.LockWaitMS != 1000 {
		t.Fatalf("expected wait clamped to ttl, got %d", cfg.LockWaitMS)
	}
	if cfg.StoreBackend != StoreBackendPostgres {
		t.Fatalf("expected fallback backend, got %q", cfg.StoreBackend)
	}
	if len(problems) != 2 {
		t.Fatalf("expected 2 problems, got %#v", problems)
	}
}
