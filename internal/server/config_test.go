package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, ":3000", cfg.Addr)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 30*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 60*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 20, cfg.MaxSessions)
	assert.Equal(t, 5, cfg.RateLimit.Burst)
	assert.Equal(t, time.Second, cfg.RateLimit.RefillInterval)
}

func TestNewConfigFromEnv(t *testing.T) {
	t.Setenv("CHATRELAY_ADDR", ":9000")
	t.Setenv("CHATRELAY_HTTP_ADDR", ":9001")
	t.Setenv("CHATRELAY_ALLOWED_ORIGINS", "http://a.example, http://b.example")
	t.Setenv("CHATRELAY_HANDSHAKE_TIMEOUT", "5")
	t.Setenv("CHATRELAY_IDLE_TIMEOUT", "120")
	t.Setenv("CHATRELAY_MAX_SESSIONS", "7")
	t.Setenv("CHATRELAY_RATE_LIMIT_BURST", "3")
	t.Setenv("CHATRELAY_RATE_LIMIT_REFILL_INTERVAL", "2")

	cfg := NewConfigFromEnv()

	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, ":9001", cfg.HTTPAddr)
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 5*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 120*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 7, cfg.MaxSessions)
	assert.Equal(t, 3, cfg.RateLimit.Burst)
	assert.Equal(t, 2*time.Second, cfg.RateLimit.RefillInterval)
}

func TestNewConfigFromEnvIgnoresGarbage(t *testing.T) {
	t.Setenv("CHATRELAY_HANDSHAKE_TIMEOUT", "soon")
	t.Setenv("CHATRELAY_MAX_SESSIONS", "-4")

	cfg := NewConfigFromEnv()

	assert.Equal(t, 30*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 20, cfg.MaxSessions)
}

func TestSanitizedFillsZeroValues(t *testing.T) {
	cfg := Config{}.sanitized()

	assert.Equal(t, ":3000", cfg.Addr)
	assert.Empty(t, cfg.HTTPAddr, "empty HTTP address means disabled, not defaulted")
	assert.Equal(t, 30*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 60*time.Second, cfg.IdleTimeout)
	assert.Zero(t, cfg.MaxSessions, "zero max sessions means unlimited")
	assert.Equal(t, 5, cfg.RateLimit.Burst)

	clamped := Config{MaxSessions: -1}.sanitized()
	assert.Zero(t, clamped.MaxSessions)
}
