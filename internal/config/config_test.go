package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" || cfg.SQLitePath != "data/dispatch.db" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Location != time.UTC {
		t.Fatalf("expected UTC, got %v", cfg.Location)
	}
	if cfg.CallMaxAttempts != 3 || cfg.CalledListLimit != 10 || cfg.StatsWindow != time.Hour {
		t.Fatalf("unexpected dispatch defaults: %+v", cfg)
	}
	if cfg.AbandonCalledAfter != 15*time.Minute || !cfg.AbandonPreviousDays {
		t.Fatalf("unexpected abandon defaults: %+v", cfg)
	}
}

func TestLoadOverridesAndFallbacks(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DB_DSN", "postgres://localhost/queue")
	t.Setenv("QUEUE_TIMEZONE", "Africa/Casablanca")
	t.Setenv("CALL_MAX_ATTEMPTS", "5")
	t.Setenv("RATE_LIMIT_BURST", "lots")
	t.Setenv("ABANDON_CALLED_AFTER_SECONDS", "0")
	t.Setenv("ABANDON_PREVIOUS_DAY", "false")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Location.String() != "Africa/Casablanca" {
		t.Fatalf("unexpected location %v", cfg.Location)
	}
	if cfg.CallMaxAttempts != 5 {
		t.Fatalf("expected 5 attempts, got %d", cfg.CallMaxAttempts)
	}
	if cfg.RateLimitBurst != 30 {
		t.Fatalf("malformed value should fall back, got %d", cfg.RateLimitBurst)
	}
	if cfg.AbandonCalledAfter != 0 || cfg.AbandonPreviousDays {
		t.Fatalf("expected abandonment disabled, got %+v", cfg)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]map[string]string{
		"missing dsn":    {"STORE_DRIVER": "postgres", "DB_DSN": ""},
		"unknown driver": {"STORE_DRIVER": "mongo"},
		"bad timezone":   {"STORE_DRIVER": "sqlite", "QUEUE_TIMEZONE": "Mars/Olympus"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for key, value := range env {
				t.Setenv(key, value)
			}
			if _, err := Load(NewViper()); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
