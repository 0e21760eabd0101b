package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(ConfigFileEnv, "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Port)
	assert.Equal(t, "AESS", cfg.AppName)
	assert.Equal(t, "./data/aess.db", cfg.DBPath)
	assert.Equal(t, []string{"http://127.0.0.1:5000", "http://localhost:5000"}, cfg.CORSOrigins)
	assert.Equal(t, "sha256", cfg.PasswordHash)
	assert.Zero(t, cfg.SessionIdleTTL)
	assert.Equal(t, 168*time.Hour, cfg.ConversationTTL)
	assert.Equal(t, "atomic", cfg.HistoryAppendMode)
	assert.Equal(t, ResponderGRPC, cfg.Responder.Kind)
	assert.Equal(t, "gemini-2.0-flash", cfg.Responder.GeminiModel)
	assert.Equal(t, 2.0, cfg.RateLimit.RPS)
	assert.Equal(t, 5, cfg.RateLimit.Burst)
	assert.EqualValues(t, 1<<20, cfg.MaxRequestBody)
	assert.False(t, cfg.ConversationLog.Enabled)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv(ConfigFileEnv, "")
	t.Setenv("PORT", "9001")
	t.Setenv("SESSION_IDLE_TTL", "30m")
	t.Setenv("STREAM_PROGRESS_DELAY", "250ms")
	t.Setenv("RESPONDER", "Gemini")
	t.Setenv("GOOGLE_API_KEY", "test-key")
	t.Setenv("CORS_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("FRONTEND_URL", "https://support.example/")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9001", cfg.Port)
	assert.Equal(t, 30*time.Minute, cfg.SessionIdleTTL)
	assert.Equal(t, 250*time.Millisecond, cfg.Stream.ProgressDelay)
	assert.Equal(t, ResponderGemini, cfg.Responder.Kind)
	assert.Equal(t, []string{"https://a.example", "https://b.example", "https://support.example"}, cfg.AllowedOrigins())
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aess.yaml")
	require.NoError(t, os.WriteFile(path, []byte("APP_NAME: HelpDesk\nRESPONDER: none\n"), 0o600))
	t.Setenv(ConfigFileEnv, path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "HelpDesk", cfg.AppName)
	assert.Equal(t, ResponderNone, cfg.Responder.Kind)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Port:              "8000",
			DBPath:            "x.db",
			PasswordHash:      "sha256",
			HistoryAppendMode: "atomic",
			Responder:         ResponderConfig{Kind: ResponderNone},
			MaxRequestBody:    1,
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty port", func(c *Config) { c.Port = "" }},
		{"empty db path", func(c *Config) { c.DBPath = "" }},
		{"bad hash", func(c *Config) { c.PasswordHash = "md5" }},
		{"bad append mode", func(c *Config) { c.HistoryAppendMode = "unguarded" }},
		{"unknown responder", func(c *Config) { c.Responder.Kind = "openai" }},
		{"gemini without key", func(c *Config) { c.Responder.Kind = ResponderGemini }},
		{"grpc without address", func(c *Config) { c.Responder.Kind = ResponderGRPC }},
		{"negative ttl", func(c *Config) { c.SessionIdleTTL = -time.Second }},
		{"negative delay", func(c *Config) { c.Stream.FinalDelay = -time.Second }},
		{"negative burst", func(c *Config) { c.RateLimit.Burst = -1 }},
		{"zero body size", func(c *Config) { c.MaxRequestBody = 0 }},
		{"log without dir", func(c *Config) { c.ConversationLog.Enabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestIsDevelopment(t *testing.T) {
	t.Setenv("APP_ENV", "")
	assert.True(t, (&Config{}).IsDevelopment())
	assert.True(t, (&Config{FrontendURL: "http://localhost:5000"}).IsDevelopment())
	assert.False(t, (&Config{FrontendURL: "https://support.example"}).IsDevelopment())

	t.Setenv("APP_ENV", "development")
	assert.True(t, (&Config{FrontendURL: "https://support.example"}).IsDevelopment())
}
