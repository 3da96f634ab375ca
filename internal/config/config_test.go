package config

import (
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if v := envInt("TEST_INT", 0); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	if v := envInt("TEST_INT_MISSING", 99); v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalidFallsBack(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	if v := envInt("TEST_INT_BAD", 7); v != 7 {
		t.Fatalf("expected fallback 7 for non-integer value, got %d", v)
	}
}

func TestEnvFloat(t *testing.T) {
	t.Setenv("TEST_FLOAT", "72.5")
	if v := envFloat("TEST_FLOAT", 0); v != 72.5 {
		t.Fatalf("expected 72.5, got %v", v)
	}
	if v := envFloat("TEST_FLOAT_MISSING", 80); v != 80 {
		t.Fatalf("expected fallback 80, got %v", v)
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	if v := envDuration("TEST_DUR", 0); v != 5*time.Second {
		t.Fatalf("expected 5s, got %s", v)
	}
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	if v := envDuration("TEST_DUR_BAD", time.Minute); v != time.Minute {
		t.Fatalf("expected fallback 1m for invalid duration, got %s", v)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.Store != "postgres" {
		t.Fatalf("expected default store postgres, got %q", cfg.Store)
	}
	if cfg.GreenThreshold != 80 || cfg.YellowThreshold != 50 {
		t.Fatalf("unexpected default thresholds: green=%v yellow=%v", cfg.GreenThreshold, cfg.YellowThreshold)
	}
}

func TestLoadRejectsUnknownStore(t *testing.T) {
	t.Setenv("KERFGATE_STORE", "redis")
	if _, err := Load(); err == nil {
		t.Fatal("expected Load() to fail for unknown KERFGATE_STORE")
	}
}

func TestValidateThresholdOrdering(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	cfg.GreenThreshold = 40
	cfg.YellowThreshold = 50
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when green threshold is below yellow")
	}

	cfg.GreenThreshold = 80
	cfg.YellowThreshold = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero yellow threshold")
	}
}

func TestValidateSQLiteStore(t *testing.T) {
	t.Setenv("KERFGATE_STORE", "sqlite")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.SQLitePath == "" {
		t.Fatal("expected a default sqlite path")
	}

	cfg.SQLitePath = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for sqlite store without a path")
	}
}
