// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Responder backends.
const (
	ResponderGRPC   = "grpc"
	ResponderGemini = "gemini"
	ResponderNone   = "none"
)

// ConfigFileEnv names an optional YAML file overlaid under the environment.
const ConfigFileEnv = "AESS_CONFIG"

// Config holds all application configuration.
type Config struct {
	Port              string
	AppName           string
	FrontendURL       string
	DBPath            string
	CORSOrigins       []string
	UsersFile         string
	PasswordHash      string
	SessionIdleTTL    time.Duration
	SweepSchedule     string
	ConversationTTL   time.Duration
	HistoryAppendMode string
	Responder         ResponderConfig
	Stream            StreamConfig
	RateLimit         RateLimitConfig
	MaxRequestBody    int64
	ConversationLog   ConversationLogConfig
}

// ResponderConfig selects and configures the answer backend.
type ResponderConfig struct {
	Kind            string
	GRPCAddr        string
	GoogleAPIKey    string
	GeminiModel     string
	AgentName       string
	InstructionFile string
}

// StreamConfig paces live delivery.
type StreamConfig struct {
	ProgressDelay time.Duration
	FinalDelay    time.Duration
}

// RateLimitConfig bounds query requests per user.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

var defaults = map[string]any{
	"PORT":                        "8000",
	"APP_NAME":                    "AESS",
	"FRONTEND_URL":                "",
	"DB_PATH":                     "./data/aess.db",
	"CORS_ORIGINS":                "http://127.0.0.1:5000,http://localhost:5000",
	"USERS_FILE":                  "",
	"PASSWORD_HASH":               "sha256",
	"SESSION_IDLE_TTL":            "0s",
	"SESSION_SWEEP_SCHEDULE":      "@every 5m",
	"CONVERSATION_RETENTION":      "168h",
	"HISTORY_APPEND_MODE":         "atomic",
	"RESPONDER":                   ResponderGRPC,
	"RESPONDER_GRPC_ADDR":         "localhost:50051",
	"GOOGLE_API_KEY":              "",
	"GEMINI_MODEL":                "gemini-2.0-flash",
	"AGENT_NAME":                  "host_agent",
	"AGENT_INSTRUCTION_FILE":      "",
	"STREAM_PROGRESS_DELAY":       "0s",
	"STREAM_FINAL_DELAY":          "0s",
	"RATE_LIMIT_RPS":              2.0,
	"RATE_LIMIT_BURST":            5,
	"MAX_REQUEST_BODY":            1 << 20,
	"CONVERSATION_LOG_ENABLED":    false,
	"CONVERSATION_LOG_DIR":        "./data/logs/conversations",
	"CONVERSATION_LOG_QUEUE_SIZE": 1000,
}

// New returns a viper instance with defaults registered and environment
// lookup enabled. Callers may bind flags on it before calling FromViper.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()
	return v
}

// Load reads configuration from environment variables and the optional
// file named by AESS_CONFIG.
func Load() (*Config, error) {
	return FromViper(New())
}

// FromViper builds and validates a Config from v.
func FromViper(v *viper.Viper) (*Config, error) {
	if path := os.Getenv(ConfigFileEnv); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	queueSize := v.GetInt("CONVERSATION_LOG_QUEUE_SIZE")
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:              strings.TrimSpace(v.GetString("PORT")),
		AppName:           v.GetString("APP_NAME"),
		FrontendURL:       v.GetString("FRONTEND_URL"),
		DBPath:            v.GetString("DB_PATH"),
		CORSOrigins:       splitList(v.GetString("CORS_ORIGINS")),
		UsersFile:         v.GetString("USERS_FILE"),
		PasswordHash:      strings.ToLower(v.GetString("PASSWORD_HASH")),
		SessionIdleTTL:    v.GetDuration("SESSION_IDLE_TTL"),
		SweepSchedule:     v.GetString("SESSION_SWEEP_SCHEDULE"),
		ConversationTTL:   v.GetDuration("CONVERSATION_RETENTION"),
		HistoryAppendMode: strings.ToLower(v.GetString("HISTORY_APPEND_MODE")),
		Responder: ResponderConfig{
			Kind:            strings.ToLower(v.GetString("RESPONDER")),
			GRPCAddr:        v.GetString("RESPONDER_GRPC_ADDR"),
			GoogleAPIKey:    v.GetString("GOOGLE_API_KEY"),
			GeminiModel:     v.GetString("GEMINI_MODEL"),
			AgentName:       v.GetString("AGENT_NAME"),
			InstructionFile: v.GetString("AGENT_INSTRUCTION_FILE"),
		},
		Stream: StreamConfig{
			ProgressDelay: v.GetDuration("STREAM_PROGRESS_DELAY"),
			FinalDelay:    v.GetDuration("STREAM_FINAL_DELAY"),
		},
		RateLimit: RateLimitConfig{
			RPS:   v.GetFloat64("RATE_LIMIT_RPS"),
			Burst: v.GetInt("RATE_LIMIT_BURST"),
		},
		MaxRequestBody: v.GetInt64("MAX_REQUEST_BODY"),
		ConversationLog: ConversationLogConfig{
			Enabled:   v.GetBool("CONVERSATION_LOG_ENABLED"),
			Dir:       v.GetString("CONVERSATION_LOG_DIR"),
			QueueSize: queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return errors.New("DB_PATH cannot be empty")
	}
	switch c.PasswordHash {
	case "sha256", "bcrypt":
	default:
		return fmt.Errorf("PASSWORD_HASH must be sha256 or bcrypt, got %q", c.PasswordHash)
	}
	switch c.HistoryAppendMode {
	case "atomic", "locked":
	default:
		return fmt.Errorf("HISTORY_APPEND_MODE must be atomic or locked, got %q", c.HistoryAppendMode)
	}
	switch c.Responder.Kind {
	case ResponderGRPC:
		if c.Responder.GRPCAddr == "" {
			return errors.New("RESPONDER_GRPC_ADDR cannot be empty when RESPONDER=grpc")
		}
	case ResponderGemini:
		if c.Responder.GoogleAPIKey == "" {
			return errors.New("GOOGLE_API_KEY is required when RESPONDER=gemini")
		}
	case ResponderNone:
	default:
		return fmt.Errorf("RESPONDER must be grpc, gemini or none, got %q", c.Responder.Kind)
	}
	for name, d := range map[string]time.Duration{
		"SESSION_IDLE_TTL":       c.SessionIdleTTL,
		"CONVERSATION_RETENTION": c.ConversationTTL,
		"STREAM_PROGRESS_DELAY":  c.Stream.ProgressDelay,
		"STREAM_FINAL_DELAY":     c.Stream.FinalDelay,
	} {
		if d < 0 {
			return fmt.Errorf("%s cannot be negative", name)
		}
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST cannot be negative")
	}
	if c.MaxRequestBody <= 0 {
		return errors.New("MAX_REQUEST_BODY must be > 0")
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return errors.New("CONVERSATION_LOG_DIR cannot be empty")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins plus the frontend URL.
func (c *Config) AllowedOrigins() []string {
	origins := append([]string(nil), c.CORSOrigins...)
	if c.FrontendURL != "" {
		origins = append(origins, strings.TrimRight(c.FrontendURL, "/"))
	}
	return origins
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
