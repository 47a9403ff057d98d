package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for ekaya-askdb.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (API keys, session secrets) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3443"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`                                      // Set at load time, not from config
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`

	// TLS configuration (optional - if both provided, server uses HTTPS)
	TLSCertPath string `yaml:"tls_cert_path" env:"TLS_CERT_PATH" env-default:""`
	TLSKeyPath  string `yaml:"tls_key_path" env:"TLS_KEY_PATH" env-default:""`

	// Language model used for SQL generation and answer summarization
	LLM LLMConfig `yaml:"llm"`

	// Chat pipeline tuning
	Chat ChatConfig `yaml:"chat"`

	// Datasource connection management configuration
	Datasource DatasourceConfig `yaml:"datasource"`

	// Browser session and session persistence
	Session SessionConfig `yaml:"session"`

	// Credential encryption key for stored datasource credentials.
	// Must be a 32-byte key, base64 encoded. Generate with: openssl rand -base64 32
	// Only required when session.store is "redis".
	CredentialsKey string `yaml:"-" env:"CREDENTIALS_KEY"` // Secret - not in YAML
}

// DefaultLLMEndpoint is the env-default of llm.endpoint.
const DefaultLLMEndpoint = "https://api.groq.com/openai/v1"

// LLMConfig selects and tunes the language model provider.
type LLMConfig struct {
	// Provider is "openai" (any OpenAI-compatible endpoint, e.g. Groq) or "anthropic".
	Provider    string        `yaml:"provider" env:"LLM_PROVIDER" env-default:"openai"`
	Endpoint    string        `yaml:"endpoint" env:"LLM_ENDPOINT" env-default:"https://api.groq.com/openai/v1"`
	Model       string        `yaml:"model" env:"LLM_MODEL" env-default:"llama-3.3-70b-versatile"`
	APIKey      string        `yaml:"-" env:"LLM_API_KEY"` // Secret - not in YAML
	Temperature float64       `yaml:"temperature" env:"LLM_TEMPERATURE" env-default:"0.3"`
	MaxTokens   int           `yaml:"max_tokens" env:"LLM_MAX_TOKENS" env-default:"1024"`
	Timeout     time.Duration `yaml:"timeout" env:"LLM_TIMEOUT" env-default:"60s"`

	// Circuit breaker: open after CircuitThreshold consecutive failures,
	// allow a probe call after CircuitReset.
	CircuitThreshold int           `yaml:"circuit_threshold" env:"LLM_CIRCUIT_THRESHOLD" env-default:"5"`
	CircuitReset     time.Duration `yaml:"circuit_reset" env:"LLM_CIRCUIT_RESET" env-default:"30s"`
}

// ChatConfig holds the knobs of the question-to-answer pipeline.
type ChatConfig struct {
	// HistoryWindowSize is the number of most recent turns kept per session
	// and replayed into every generation prompt.
	HistoryWindowSize int `yaml:"history_window_size" env:"CHAT_HISTORY_WINDOW_SIZE" env-default:"8"`
	// MaxResultRows bounds how many rows a validated statement may return.
	MaxResultRows int `yaml:"max_result_rows" env:"CHAT_MAX_RESULT_ROWS" env-default:"1000"`
	// SummaryRows bounds how many rows are handed to the response generator.
	SummaryRows int `yaml:"summary_rows" env:"CHAT_SUMMARY_ROWS" env-default:"50"`
	// ExecutionTimeout is the per-statement database timeout.
	ExecutionTimeout time.Duration `yaml:"execution_timeout" env:"CHAT_EXECUTION_TIMEOUT" env-default:"30s"`
	// MaxAgentSteps caps the fallback agent's reasoning loop.
	MaxAgentSteps int `yaml:"max_agent_steps" env:"CHAT_MAX_AGENT_STEPS" env-default:"10"`
	// ProbeRowLimit bounds rows returned to the fallback agent per probe.
	ProbeRowLimit int `yaml:"probe_row_limit" env:"CHAT_PROBE_ROW_LIMIT" env-default:"5"`
	// RequestsPerMinute limits questions per session. Zero disables the limit.
	RequestsPerMinute int `yaml:"requests_per_minute" env:"CHAT_REQUESTS_PER_MINUTE" env-default:"30"`
}

// DatasourceConfig holds configuration for datasource connection pooling.
type DatasourceConfig struct {
	ConnectionTTLMinutes int   `yaml:"connection_ttl_minutes" env:"DATASOURCE_CONNECTION_TTL_MINUTES" env-default:"30"`
	MaxConnections       int   `yaml:"max_connections" env:"DATASOURCE_MAX_CONNECTIONS" env-default:"100"`
	PoolMaxConns         int32 `yaml:"pool_max_conns" env:"DATASOURCE_POOL_MAX_CONNS" env-default:"5"`
	PoolMinConns         int32 `yaml:"pool_min_conns" env:"DATASOURCE_POOL_MIN_CONNS" env-default:"0"`
}

// SessionConfig configures the browser session cookie and where
// session state is persisted.
type SessionConfig struct {
	Secret       string `yaml:"-" env:"SESSION_SECRET"` // Secret - not in YAML
	CookieSecure bool   `yaml:"cookie_secure" env:"SESSION_COOKIE_SECURE" env-default:"false"`
	MaxAge       int    `yaml:"max_age" env:"SESSION_MAX_AGE" env-default:"86400"`
	// Store is "memory" or "redis".
	Store string        `yaml:"store" env:"SESSION_STORE" env-default:"memory"`
	TTL   time.Duration `yaml:"ttl" env:"SESSION_TTL" env-default:"24h"`
	Redis RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:"localhost"`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// A missing config.yaml is allowed; defaults and environment variables are used instead.
func Load(version string) (*Config, error) {
	return LoadFile("config.yaml", version)
}

// LoadFile reads configuration from the given YAML file with environment variable overrides.
func LoadFile(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	}

	if err := cfg.validateTLS(); err != nil {
		return nil, fmt.Errorf("invalid TLS configuration: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Auto-derive BaseURL from Port if not explicitly set
	// Use HTTPS scheme if TLS is configured
	if cfg.BaseURL == "" {
		scheme := "http"
		if cfg.TLSCertPath != "" {
			scheme = "https"
		}
		cfg.BaseURL = (&url.URL{
			Scheme: scheme,
			Host:   "localhost:" + cfg.Port,
		}).String()
	}

	return cfg, nil
}

// validateTLS ensures TLS configuration is valid if provided.
// Both cert and key must be provided together, and files must exist and be readable.
func (c *Config) validateTLS() error {
	certSet := c.TLSCertPath != ""
	keySet := c.TLSKeyPath != ""

	if certSet != keySet {
		return fmt.Errorf("both tls_cert_path and tls_key_path must be provided together")
	}
	if !certSet {
		return nil
	}

	if _, err := os.Stat(c.TLSCertPath); err != nil {
		return fmt.Errorf("cannot read TLS certificate %s: %w", c.TLSCertPath, err)
	}
	if _, err := os.Stat(c.TLSKeyPath); err != nil {
		return fmt.Errorf("cannot read TLS key %s: %w", c.TLSKeyPath, err)
	}
	return nil
}

func (c *Config) validate() error {
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("llm.provider must be openai or anthropic, got %q", c.LLM.Provider)
	}
	if c.Chat.HistoryWindowSize < 1 {
		return fmt.Errorf("chat.history_window_size must be at least 1")
	}
	if c.Chat.MaxAgentSteps < 1 {
		return fmt.Errorf("chat.max_agent_steps must be at least 1")
	}
	if c.Chat.SummaryRows < 1 || c.Chat.MaxResultRows < c.Chat.SummaryRows {
		return fmt.Errorf("chat.summary_rows must be between 1 and chat.max_result_rows")
	}
	switch c.Session.Store {
	case "memory":
	case "redis":
		if c.CredentialsKey == "" {
			return fmt.Errorf("CREDENTIALS_KEY is required when session.store is redis")
		}
	default:
		return fmt.Errorf("session.store must be memory or redis, got %q", c.Session.Store)
	}
	return nil
}

// IsLocal reports whether the server runs in a local development environment.
func (c *Config) IsLocal() bool {
	return c.Env == "local" || c.Env == ""
}
