// Package config loads server configuration from the environment
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Sandbox   SandboxConfig
	Browser   BrowserConfig
	Discovery DiscoveryConfig
	Tiers     TierConfig
	Artifacts ArtifactConfig
	Contexts  ContextConfig
	Sessions  SessionConfig
	RateLimit RateLimitConfig
	Logging   LogConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr            string        `envconfig:"SERVER_ADDR" default:":8080"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"180s"`
	IdleTimeout     time.Duration `envconfig:"SERVER_IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
}

// SandboxConfig controls the docker sandboxes
type SandboxConfig struct {
	Image         string `envconfig:"SANDBOX_IMAGE" default:"mcr.microsoft.com/playwright/python:v1.48.0-jammy"`
	ColdImage     string `envconfig:"SANDBOX_COLD_IMAGE"`
	PreviewHost   string `envconfig:"SANDBOX_PREVIEW_HOST" default:"localhost"`
	ShmSizeMB     int64  `envconfig:"SANDBOX_SHM_MB" default:"1024"`
	WorkspaceRoot string `envconfig:"SANDBOX_WORKSPACE" default:"/workspace"`
}

// BrowserConfig controls the browser runtime
type BrowserConfig struct {
	DefaultProvider   string        `envconfig:"BROWSER_PROVIDER" default:"playwright"`
	DebugPort         int           `envconfig:"BROWSER_DEBUG_PORT" default:"9222"`
	CommandServerPort int           `envconfig:"BROWSER_COMMAND_SERVER_PORT" default:"8888"`
	SafetyMargin      time.Duration `envconfig:"BROWSER_SAFETY_MARGIN" default:"15s"`
	Chromium          string        `envconfig:"BROWSER_CHROMIUM" default:"chromium"`
	Python            string        `envconfig:"BROWSER_PYTHON" default:"python3"`
	MaxInlineContent  int           `envconfig:"BROWSER_MAX_INLINE_CONTENT" default:"524288"`
}

// DiscoveryConfig holds the warm-tier discovery timing
type DiscoveryConfig struct {
	PollInterval time.Duration `envconfig:"DISCOVERY_POLL_INTERVAL" default:"500ms"`
	MaxWait      time.Duration `envconfig:"DISCOVERY_MAX_WAIT" default:"20s"`
	Grace        time.Duration `envconfig:"DISCOVERY_GRACE" default:"2s"`
	ProbeRetries int           `envconfig:"DISCOVERY_PROBE_RETRIES" default:"3"`
	ProbeDelay   time.Duration `envconfig:"DISCOVERY_PROBE_DELAY" default:"2s"`
	ProbeTimeout time.Duration `envconfig:"DISCOVERY_PROBE_TIMEOUT" default:"2s"`
}

// TierConfig controls the cold tier
type TierConfig struct {
	ColdMultiplier float64 `envconfig:"TIER_COLD_MULTIPLIER" default:"3"`
}

// ArtifactConfig controls where offloaded payloads are stored
type ArtifactConfig struct {
	Dir     string `envconfig:"ARTIFACTS_DIR" default:"./storage/artifacts"`
	BaseURL string `envconfig:"ARTIFACTS_BASE_URL" default:"http://localhost:8080"`
}

// ContextConfig controls persisted browser contexts
type ContextConfig struct {
	Dir string `envconfig:"CONTEXTS_DIR" default:"./storage/contexts"`
}

// SessionConfig controls session lifecycle
type SessionConfig struct {
	MaxConcurrentPerProject int64         `envconfig:"SESSIONS_MAX_PER_PROJECT" default:"5"`
	DefaultTimeout          int           `envconfig:"SESSIONS_DEFAULT_TIMEOUT" default:"3600"`
	MinTimeout              int           `envconfig:"SESSIONS_MIN_TIMEOUT" default:"60"`
	MaxTimeout              int           `envconfig:"SESSIONS_MAX_TIMEOUT" default:"21600"`
	IdleAfter               time.Duration `envconfig:"SESSIONS_IDLE_AFTER" default:"5m"`
	SweepInterval           time.Duration `envconfig:"SESSIONS_SWEEP_INTERVAL" default:"30s"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerHour int  `envconfig:"RATE_LIMIT_PER_HOUR" default:"100"`
	Burst           int  `envconfig:"RATE_LIMIT_BURST" default:"10"`
	Enabled         bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load reads .env files (when present) and then the environment
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    180 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Sandbox: SandboxConfig{
			Image:         "mcr.microsoft.com/playwright/python:v1.48.0-jammy",
			PreviewHost:   "localhost",
			ShmSizeMB:     1024,
			WorkspaceRoot: "/workspace",
		},
		Browser: BrowserConfig{
			DefaultProvider:   "playwright",
			DebugPort:         9222,
			CommandServerPort: 8888,
			SafetyMargin:      15 * time.Second,
			Chromium:          "chromium",
			Python:            "python3",
			MaxInlineContent:  512 * 1024,
		},
		Discovery: DiscoveryConfig{
			PollInterval: 500 * time.Millisecond,
			MaxWait:      20 * time.Second,
			Grace:        2 * time.Second,
			ProbeRetries: 3,
			ProbeDelay:   2 * time.Second,
			ProbeTimeout: 2 * time.Second,
		},
		Tiers: TierConfig{
			ColdMultiplier: 3,
		},
		Artifacts: ArtifactConfig{
			Dir:     "./storage/artifacts",
			BaseURL: "http://localhost:8080",
		},
		Contexts: ContextConfig{
			Dir: "./storage/contexts",
		},
		Sessions: SessionConfig{
			MaxConcurrentPerProject: 5,
			DefaultTimeout:          3600,
			MinTimeout:              60,
			MaxTimeout:              21600,
			IdleAfter:               5 * time.Minute,
			SweepInterval:           30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			RequestsPerHour: 100,
			Burst:           10,
			Enabled:         true,
		},
		Logging: LogConfig{
			Level: "info",
		},
	}
}
