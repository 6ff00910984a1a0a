package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the complete orchestrator configuration
type Config struct {
	Server         ServerConfig
	Cache          CacheConfig
	Retry          RetryConfig
	Bridge         BridgeConfig
	Backends       []BackendConfig
	DefaultBackend string
	Observability  ObservabilityConfig
	Environment    string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// CacheConfig holds response cache configuration
type CacheConfig struct {
	Enabled         bool
	TTL             time.Duration
	MaxEntries      int
	CleanupInterval time.Duration
}

// RetryConfig holds retry controller configuration
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// BridgeConfig holds execution bridge configuration
type BridgeConfig struct {
	SubmitTimeout time.Duration
}

// BackendConfig holds the configuration for a single AI backend.
type BackendConfig struct {
	// Name identifies the backend ("openai", "ollama", ...)
	Name string

	// Enabled gates all use of the backend
	Enabled bool

	// Credential is the API key. Empty for credential-less backends.
	Credential string

	// Endpoint is the base URL of the backend API
	Endpoint string

	// DefaultModel is used when a request names no model
	DefaultModel string

	// MaxRetries for failed requests against this backend
	MaxRetries int

	// Timeout per request
	Timeout time.Duration

	// RequestsPerMinute caps outbound request rate. Zero or negative
	// means unlimited.
	RequestsPerMinute int

	// ExtraHeaders added to every request
	ExtraHeaders map[string]string

	// ModelOverrides maps requested model names to backend-specific
	// names, consulted before any other resolution step.
	ModelOverrides map[string]string
}

// RequiresCredential reports whether the backend needs an API key to
// be considered connected. Local backends like ollama do not.
func (b *BackendConfig) RequiresCredential() bool {
	return b.Name != "ollama"
}

// ObservabilityConfig holds logging configuration
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string // json or text
}

// New creates a new Config instance by loading environment variables
func New() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getEnvAsSlice("ALLOWED_ORIGINS", []string{"*"}),
		},
		Cache: CacheConfig{
			Enabled:         getEnvAsBool("CACHE_ENABLED", true),
			TTL:             getEnvAsDuration("CACHE_TTL", time.Hour),
			MaxEntries:      getEnvAsInt("CACHE_MAX_ENTRIES", 1000),
			CleanupInterval: getEnvAsDuration("CACHE_CLEANUP_INTERVAL", 5*time.Minute),
		},
		Retry: RetryConfig{
			MaxRetries: getEnvAsInt("RETRY_MAX_RETRIES", 3),
			BaseDelay:  getEnvAsDuration("RETRY_BASE_DELAY", time.Second),
			MaxDelay:   getEnvAsDuration("RETRY_MAX_DELAY", 60*time.Second),
			Multiplier: getEnvAsFloat("RETRY_MULTIPLIER", 2.0),
		},
		Bridge: BridgeConfig{
			SubmitTimeout: getEnvAsDuration("BRIDGE_SUBMIT_TIMEOUT", 2*time.Minute),
		},
		Backends:       loadBackendConfigs(),
		DefaultBackend: getEnv("DEFAULT_BACKEND", ""),
		Observability: ObservabilityConfig{
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadBackendConfigs builds the backend list from env vars. A backend
// with a missing credential stays in the list; it simply reports as
// not connected until one is supplied.
func loadBackendConfigs() []BackendConfig {
	return []BackendConfig{
		{
			Name:              "openai",
			Enabled:           getEnvAsBool("OPENAI_ENABLED", true),
			Credential:        getEnv("OPENAI_API_KEY", ""),
			Endpoint:          getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			DefaultModel:      getEnv("OPENAI_DEFAULT_MODEL", "gpt-4o-mini"),
			MaxRetries:        getEnvAsInt("OPENAI_MAX_RETRIES", 3),
			Timeout:           getEnvAsDuration("OPENAI_TIMEOUT", 30*time.Second),
			RequestsPerMinute: getEnvAsInt("OPENAI_REQUESTS_PER_MINUTE", 60),
			ExtraHeaders:      getEnvAsMap("OPENAI_EXTRA_HEADERS"),
			ModelOverrides:    getEnvAsMap("OPENAI_MODEL_OVERRIDES"),
		},
		{
			Name:              "ollama",
			Enabled:           getEnvAsBool("OLLAMA_ENABLED", true),
			Endpoint:          getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
			DefaultModel:      getEnv("OLLAMA_DEFAULT_MODEL", "llama2"),
			MaxRetries:        getEnvAsInt("OLLAMA_MAX_RETRIES", 3),
			Timeout:           getEnvAsDuration("OLLAMA_TIMEOUT", 120*time.Second),
			RequestsPerMinute: getEnvAsInt("OLLAMA_REQUESTS_PER_MINUTE", 0),
			ModelOverrides:    getEnvAsMap("OLLAMA_MODEL_OVERRIDES"),
		},
	}
}

// Validate checks the configuration ranges and backend definitions.
func (c *Config) Validate() error {
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache max entries must be positive")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry max retries must not be negative")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be at least 1")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry delays invalid: base=%s max=%s", c.Retry.BaseDelay, c.Retry.MaxDelay)
	}
	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend must be configured")
	}

	seen := make(map[string]bool, len(c.Backends))
	for i := range c.Backends {
		b := &c.Backends[i]
		if b.Name == "" {
			return fmt.Errorf("backend %d has no name", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("duplicate backend %q", b.Name)
		}
		seen[b.Name] = true
		if b.Endpoint == "" {
			return fmt.Errorf("backend %q has no endpoint", b.Name)
		}
		if b.Timeout <= 0 {
			return fmt.Errorf("backend %q timeout must be positive", b.Name)
		}
		if b.MaxRetries < 0 {
			return fmt.Errorf("backend %q max retries must not be negative", b.Name)
		}
	}

	if c.DefaultBackend != "" && !seen[c.DefaultBackend] {
		return fmt.Errorf("default backend %q is not configured", c.DefaultBackend)
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// Backend returns the configuration for a named backend, or nil.
func (c *Config) Backend(name string) *BackendConfig {
	for i := range c.Backends {
		if c.Backends[i].Name == name {
			return &c.Backends[i]
		}
	}
	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsMap parses "key=value,key2=value2" pairs. Malformed pairs
// are skipped.
func getEnvAsMap(key string) map[string]string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(valueStr, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
