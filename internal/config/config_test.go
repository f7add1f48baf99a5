package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/fiomkt/market-engine/internal/access"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse(env(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Port)
	}
	if !cfg.PriceFallback || !cfg.CapacityCheck {
		t.Error("fallback and capacity check should default to on")
	}
	if cfg.DatabaseURL != "" {
		t.Error("expected in-memory storage by default")
	}
	if cfg.CacheTTL != 30*time.Second {
		t.Errorf("expected 30s cache ttl, got %s", cfg.CacheTTL)
	}
}

func TestParse_Overrides(t *testing.T) {
	cfg, err := Parse(env(map[string]string{
		"PORT":                       "9090",
		"LOG_LEVEL":                  "debug",
		"DATABASE_URL":               "postgres://localhost/market",
		"CACHE_TTL":                  "2m",
		"REQUEST_TIMEOUT":            "5s",
		"CORS_ORIGINS":               "https://a.example, https://b.example,",
		"PRICE_FALLBACK":             "false",
		"RESERVATION_CAPACITY_CHECK": "0",
		"ROLE_PERMISSIONS":           "trader=reservations.place_internal|orders.post_internal",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "9090" || cfg.LogLevel != slog.LevelDebug {
		t.Errorf("port/level not applied: %s %s", cfg.Port, cfg.LogLevel)
	}
	if cfg.CacheTTL != 2*time.Minute || cfg.RequestTimeout != 5*time.Second {
		t.Errorf("durations not applied: %s %s", cfg.CacheTTL, cfg.RequestTimeout)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("unexpected origins %v", cfg.CORSOrigins)
	}
	if cfg.PriceFallback || cfg.CapacityCheck {
		t.Error("booleans not applied")
	}
	if !cfg.RolePermissions.Actor("u", []string{"trader"}).HasPermission(access.PostInternal) {
		t.Error("role permissions not applied")
	}
	if _, ok := cfg.RolePermissions["member"]; ok {
		t.Error("custom policy should replace the default one")
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := map[string]string{
		"PORT":             "http",
		"LOG_LEVEL":        "loud",
		"CACHE_TTL":        "-1s",
		"READ_TIMEOUT":     "soon",
		"PRICE_FALLBACK":   "maybe",
		"ROLE_PERMISSIONS": "noequals",
	}
	for key, value := range tests {
		if _, err := Parse(env(map[string]string{key: value})); err == nil {
			t.Errorf("%s=%q: expected error", key, value)
		}
	}
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("SHUTDOWN_TIMEOUT=12s\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SHUTDOWN_TIMEOUT", "")
	os.Unsetenv("SHUTDOWN_TIMEOUT")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ShutdownTimeout != 12*time.Second {
		t.Errorf("expected 12s from .env, got %s", cfg.ShutdownTimeout)
	}
}

func TestProperty_DurationRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		secs := rapid.IntRange(1, 86400).Draw(t, "secs")
		cfg, err := Parse(env(map[string]string{"IDLE_TIMEOUT": fmt.Sprintf("%ds", secs)}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.IdleTimeout != time.Duration(secs)*time.Second {
			t.Fatalf("got %s for %ds", cfg.IdleTimeout, secs)
		}
	})
}
