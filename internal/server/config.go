package server

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// RateLimitConfig bounds how many chat messages one session may send.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the relay server settings.
type Config struct {
	// Addr is the TCP listen address for the line protocol.
	Addr string
	// HTTPAddr is the listen address for the admin API and the WebSocket
	// endpoint. Empty disables the HTTP listener entirely.
	HTTPAddr string
	// AllowedOrigins restricts WebSocket upgrades; "*" allows any origin.
	AllowedOrigins []string
	// HandshakeTimeout bounds the wait for the identity reply.
	HandshakeTimeout time.Duration
	// IdleTimeout bounds each session read so blocked reads wake up
	// periodically. An idle peer is kept; only transport death ends a
	// session.
	IdleTimeout time.Duration
	// MaxSessions caps concurrent admitted sessions; 0 means unlimited.
	MaxSessions int
	RateLimit   RateLimitConfig
}

func defaultConfig() Config {
	return Config{
		Addr:             ":3000",
		HTTPAddr:         ":8080",
		AllowedOrigins:   []string{"http://localhost:8080"},
		HandshakeTimeout: 30 * time.Second,
		IdleTimeout:      60 * time.Second,
		MaxSessions:      20,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
	}
}

func (c Config) sanitized() Config {
	def := defaultConfig()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.MaxSessions < 0 {
		c.MaxSessions = 0
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	return c
}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv builds a Config from CHATRELAY_* environment variables,
// falling back to defaults for anything unset.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if addr := os.Getenv("CHATRELAY_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if addr := os.Getenv("CHATRELAY_HTTP_ADDR"); addr != "" {
		cfg.HTTPAddr = addr
	}
	if origins := os.Getenv("CHATRELAY_ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseList(origins)
	}
	if v := os.Getenv("CHATRELAY_HANDSHAKE_TIMEOUT"); v != "" {
		cfg.HandshakeTimeout = parseSeconds(v, cfg.HandshakeTimeout)
	}
	if v := os.Getenv("CHATRELAY_IDLE_TIMEOUT"); v != "" {
		cfg.IdleTimeout = parseSeconds(v, cfg.IdleTimeout)
	}
	if v := os.Getenv("CHATRELAY_MAX_SESSIONS"); v != "" {
		cfg.MaxSessions = parsePositiveInt(v, cfg.MaxSessions)
	}
	if v := os.Getenv("CHATRELAY_RATE_LIMIT_BURST"); v != "" {
		cfg.RateLimit.Burst = parsePositiveInt(v, cfg.RateLimit.Burst)
	}
	if v := os.Getenv("CHATRELAY_RATE_LIMIT_REFILL_INTERVAL"); v != "" {
		cfg.RateLimit.RefillInterval = parseSeconds(v, cfg.RateLimit.RefillInterval)
	}

	return &cfg
}

func parseList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parsePositiveInt(value string, fallback int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return fallback
}

func parseSeconds(value string, fallback time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}
