// Package config loads server configuration from a .env file and the
// environment. Priority: ENV > .env file > defaults.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/fiomkt/market-engine/internal/access"
)

// Config is the full server configuration.
type Config struct {
	Port     string
	LogLevel slog.Level

	// DatabaseURL selects PostgreSQL; empty means in-memory storage.
	DatabaseURL string
	// RedisURL enables the read-through cache (PostgreSQL only).
	RedisURL string
	CacheTTL time.Duration

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration

	CORSOrigins []string

	PriceFallback   bool
	CapacityCheck   bool
	RolePermissions access.Policy
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:            "8080",
		LogLevel:        slog.LevelInfo,
		CacheTTL:        30 * time.Second,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		RequestTimeout:  30 * time.Second,
		CORSOrigins:     []string{"*"},
		PriceFallback:   true,
		CapacityCheck:   true,
		RolePermissions: access.DefaultPolicy(),
	}
}

// Load reads envPath (or ./.env when empty) if it exists, then parses the
// environment over the defaults.
func Load(envPath string) (Config, error) {
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}
	return Parse(os.LookupEnv)
}

// Parse builds a Config from lookup. Unset keys keep their defaults; set
// but malformed keys are errors.
func Parse(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	p := parser{lookup: lookup}

	p.str("PORT", &cfg.Port)
	p.level("LOG_LEVEL", &cfg.LogLevel)
	p.str("DATABASE_URL", &cfg.DatabaseURL)
	p.str("REDIS_URL", &cfg.RedisURL)
	p.duration("CACHE_TTL", &cfg.CacheTTL)
	p.duration("READ_TIMEOUT", &cfg.ReadTimeout)
	p.duration("WRITE_TIMEOUT", &cfg.WriteTimeout)
	p.duration("IDLE_TIMEOUT", &cfg.IdleTimeout)
	p.duration("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)
	p.duration("REQUEST_TIMEOUT", &cfg.RequestTimeout)
	p.list("CORS_ORIGINS", &cfg.CORSOrigins)
	p.boolean("PRICE_FALLBACK", &cfg.PriceFallback)
	p.boolean("RESERVATION_CAPACITY_CHECK", &cfg.CapacityCheck)
	p.policy("ROLE_PERMISSIONS", &cfg.RolePermissions)

	if p.err != nil {
		return Config{}, p.err
	}
	if n, err := strconv.Atoi(cfg.Port); err != nil || n <= 0 || n > 65535 {
		return Config{}, fmt.Errorf("PORT: invalid port %q", cfg.Port)
	}
	return cfg, nil
}

// parser records the first error and skips the remaining keys.
type parser struct {
	lookup func(string) (string, bool)
	err    error
}

func (p *parser) get(key string) (string, bool) {
	if p.err != nil {
		return "", false
	}
	v, ok := p.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (p *parser) fail(key, v string, err error) {
	p.err = fmt.Errorf("%s: invalid value %q: %w", key, v, err)
}

func (p *parser) str(key string, dst *string) {
	if v, ok := p.get(key); ok {
		*dst = v
	}
}

func (p *parser) duration(key string, dst *time.Duration) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err == nil && d <= 0 {
		err = fmt.Errorf("must be positive")
	}
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = d
}

func (p *parser) boolean(key string, dst *bool) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = b
}

func (p *parser) level(key string, dst *slog.Level) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	if err := dst.UnmarshalText([]byte(v)); err != nil {
		p.fail(key, v, err)
	}
}

func (p *parser) list(key string, dst *[]string) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

func (p *parser) policy(key string, dst *access.Policy) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	pol, err := access.ParsePolicy(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = pol
}
