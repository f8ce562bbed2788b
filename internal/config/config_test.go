package config

import (
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"APP_NAME", "APP_ENV", "AUTO_MIGRATE", "PORT", "LOG_LEVEL", "DATABASE_URL", "REDIS_URL",
		"KAFKA_BROKERS", "KAFKA_TOPIC", "JWT_SECRET", "DEFAULT_CURRENCY",
		"SHUTDOWN_TIMEOUT", "SHUTDOWN_TIMEOUT_SECONDS", "IDEMPOTENCY_TTL", "IDEMPOTENCY_TTL_SECONDS",
		"RESERVATION_TIMEOUT", "RESERVATION_TIMEOUT_SECONDS", "REAPER_INTERVAL", "REAPER_INTERVAL_SECONDS",
		"TRANSFER_MAX_RETRIES", "TRANSFER_RETRY_BASE", "TRANSFER_RETRY_BASE_SECONDS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.IsDevelopment() || cfg.Address() != ":8080" || cfg.DefaultCurrency != "XAF" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.IdempotencyTTL != 24*time.Hour || cfg.MaxRetries != 5 || cfg.RetryBase != 5*time.Millisecond {
		t.Fatalf("unexpected timing defaults %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 0 {
		t.Fatalf("expected no brokers, got %v", cfg.KafkaBrokers)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", ":9090")
	t.Setenv("DEFAULT_CURRENCY", "eur")
	t.Setenv("IDEMPOTENCY_TTL_SECONDS", "60")
	t.Setenv("IDEMPOTENCY_TTL", "5h")
	t.Setenv("RESERVATION_TIMEOUT", "2s")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("TRANSFER_MAX_RETRIES", "0")
	t.Setenv("AUTO_MIGRATE", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Address() != ":9090" || cfg.DefaultCurrency != "EUR" {
		t.Fatalf("unexpected overrides %+v", cfg)
	}
	if cfg.IdempotencyTTL != time.Minute {
		t.Fatalf("seconds variant must win, got %s", cfg.IdempotencyTTL)
	}
	if cfg.ReservationTimeout != 2*time.Second || cfg.MaxRetries != 0 || !cfg.AutoMigrate {
		t.Fatalf("unexpected timing overrides %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("REAPER_INTERVAL", "soon")
	if _, err := Load(); err == nil {
		t.Fatalf("expected invalid duration to fail")
	}

	clearEnv(t)
	t.Setenv("TRANSFER_MAX_RETRIES", "-1")
	if _, err := Load(); err == nil {
		t.Fatalf("expected negative retries to fail")
	}
}

func TestLoadRequiresBackendsOutsideDevelopment(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_ENV", "production")
	if _, err := Load(); err == nil {
		t.Fatalf("expected missing DATABASE_URL to fail")
	}

	t.Setenv("DATABASE_URL", "postgres://localhost/ledger")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	if _, err := Load(); err == nil {
		t.Fatalf("expected missing JWT_SECRET to fail")
	}

	t.Setenv("JWT_SECRET", "s3cret")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.IsDevelopment() {
		t.Fatalf("production must not be development")
	}
}
