package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Realtime server (websocket, probes, metrics)
	HTTPAddr         string        `envconfig:"HTTP_ADDR" default:":8080"`
	WSAllowedOrigins string        `envconfig:"WS_ALLOWED_ORIGINS"` // Comma-separated; empty allows any origin
	WSMsgRate        float64       `envconfig:"WS_MSG_RATE" default:"20"`
	WSMsgBurst       int           `envconfig:"WS_MSG_BURST" default:"40"`
	WSSendQueue      int           `envconfig:"WS_SEND_QUEUE" default:"256"`
	ShutdownTimeout  time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`

	// Storage
	DatabasePath       string        `envconfig:"DATABASE_PATH" default:"collabhub.db"`
	RetentionInterval  time.Duration `envconfig:"RETENTION_INTERVAL" default:"1h"`
	MessageMaxAge      time.Duration `envconfig:"MESSAGE_MAX_AGE" default:"720h"`
	MessagesPerProject int           `envconfig:"MESSAGES_PER_PROJECT" default:"1000"`

	// Identity
	JWTSecret      string        `envconfig:"JWT_SECRET"`
	TokenCacheSize int           `envconfig:"TOKEN_CACHE_SIZE" default:"1024"`
	TokenTTL       time.Duration `envconfig:"TOKEN_TTL" default:"24h"`

	// Sandbox
	SandboxRoot       string        `envconfig:"SANDBOX_ROOT"` // Defaults to the OS temp dir
	SandboxPublicHost string        `envconfig:"SANDBOX_PUBLIC_HOST" default:"localhost"`
	RunProfilePath    string        `envconfig:"RUN_PROFILE_PATH"`
	RunInstallTimeout time.Duration `envconfig:"RUN_INSTALL_TIMEOUT" default:"5m"`
	RunReadyTimeout   time.Duration `envconfig:"RUN_READY_TIMEOUT" default:"2m"`

	// AI participant (disabled without an API key)
	AnthropicAPIKey string        `envconfig:"ANTHROPIC_API_KEY"`
	AIModel         string        `envconfig:"AI_MODEL"`
	AIMention       string        `envconfig:"AI_MENTION" default:"@ai"`
	AIMaxConcurrent int           `envconfig:"AI_MAX_CONCURRENT" default:"4"`
	AITimeout       time.Duration `envconfig:"AI_TIMEOUT" default:"2m"`

	// Management API
	MgmtListenAddr     string `envconfig:"MGMT_LISTEN_ADDR" default:":8090"`
	MgmtRateLimitRPS   int    `envconfig:"MGMT_RATE_LIMIT_RPS" default:"100"`
	MgmtRateLimitBurst int    `envconfig:"MGMT_RATE_LIMIT_BURST" default:"200"`
	MgmtCORSOrigins    string `envconfig:"MGMT_CORS_ORIGINS"`
}

// AIEnabled returns true if an LLM API key is configured.
func (c *Config) AIEnabled() bool {
	return c.AnthropicAPIKey != ""
}

// IsDevelopment reports whether human-readable logs should be used.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// AllowedOrigins returns the parsed websocket origin allow-list. Nil
// means any origin is accepted.
func (c *Config) AllowedOrigins() []string {
	return splitList(c.WSAllowedOrigins)
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks settings that have no safe default.
func (c *Config) Validate() error {
	if len(c.JWTSecret) < 16 {
		return fmt.Errorf("JWT_SECRET must be at least 16 bytes")
	}
	if c.WSSendQueue < 1 {
		return fmt.Errorf("WS_SEND_QUEUE must be positive")
	}
	if c.WSMsgRate <= 0 || c.WSMsgBurst < 1 {
		return fmt.Errorf("WS_MSG_RATE and WS_MSG_BURST must be positive")
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	return &cfg, nil
}
