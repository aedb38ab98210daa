package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the gateway
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Security      SecurityConfig
	Identity      IdentityConfig
	Quota         QuotaConfig
	Upstream      UpstreamConfig
	RateLimit     RateLimitConfig
	Notifications NotificationsConfig
	Monitoring    MonitoringConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string        `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port         int           `envconfig:"SERVER_PORT" default:"8080" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"90s"`
	IdleTimeout  time.Duration `envconfig:"SERVER_IDLE_TIMEOUT" default:"120s"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string        `envconfig:"DB_HOST" default:"localhost"`
	Port            int           `envconfig:"DB_PORT" default:"5432"`
	User            string        `envconfig:"DB_USER" default:"gateway"`
	Password        string        `envconfig:"DB_PASSWORD" validate:"required"`
	Database        string        `envconfig:"DB_NAME" default:"messnippets"`
	SSLMode         string        `envconfig:"DB_SSL_MODE" default:"disable"`
	MaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"25" validate:"min=1"`
	MaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"5" validate:"min=0"`
	ConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"5m"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string `envconfig:"REDIS_HOST" default:"localhost"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
	PoolSize int    `envconfig:"REDIS_POOL_SIZE" default:"10" validate:"min=1"`
}

// SecurityConfig holds CORS and credential-at-rest settings
type SecurityConfig struct {
	CorsAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	// CredentialsKey decrypts provider API keys stored in llm_providers.
	CredentialsKey     string   `envconfig:"CREDENTIALS_ENCRYPTION_KEY" validate:"required,min=16"`
	CredentialsKeyID   string   `envconfig:"CREDENTIALS_KEY_ID" default:"v1"`
}

// IdentityConfig selects how bearer credentials are verified
type IdentityConfig struct {
	Mode      string        `envconfig:"IDENTITY_MODE" default:"jwt" validate:"oneof=jwt remote"`
	JWTSecret string        `envconfig:"JWT_SECRET" validate:"required_if=Mode jwt"`
	Issuer    string        `envconfig:"JWT_ISSUER"`
	Audience  string        `envconfig:"JWT_AUDIENCE"`
	URL       string        `envconfig:"IDENTITY_URL" validate:"required_if=Mode remote,omitempty,url"`
	APIKey    string        `envconfig:"IDENTITY_API_KEY"`
	Timeout   time.Duration `envconfig:"IDENTITY_TIMEOUT" default:"5s"`
}

// QuotaConfig holds monthly budget settings
type QuotaConfig struct {
	Strategy          string        `envconfig:"QUOTA_STRATEGY" default:"reservation" validate:"oneof=reservation lock"`
	// Budgets applied when plan_limits has no row for a tier.
	DefaultFreeBudget int64         `envconfig:"QUOTA_DEFAULT_FREE_BUDGET" default:"10000" validate:"min=0"`
	DefaultProBudget  int64         `envconfig:"QUOTA_DEFAULT_PRO_BUDGET" default:"100000" validate:"min=0"`
	ReservationTTL    time.Duration `envconfig:"QUOTA_RESERVATION_TTL" default:"10m"`
}

// UpstreamConfig holds vendor call settings
type UpstreamConfig struct {
	Timeout           time.Duration `envconfig:"UPSTREAM_TIMEOUT" default:"30s"`
	UserAgent         string        `envconfig:"UPSTREAM_USER_AGENT" default:"messnippets-llm-gateway/1.0"`
	OpenRouterReferer string        `envconfig:"OPENROUTER_REFERER" default:"https://messnippets.app"`
	OpenRouterTitle   string        `envconfig:"OPENROUTER_TITLE" default:"MesSnippets"`
	AnthropicVersion  string        `envconfig:"ANTHROPIC_VERSION" default:"2023-06-01"`
}

// RateLimitConfig holds per-caller request rate settings
type RateLimitConfig struct {
	// RequestsPerMinute of 0 disables the limiter.
	RequestsPerMinute int `envconfig:"RATE_LIMIT_RPM" default:"60" validate:"min=0"`
}

// NotificationsConfig holds outbound event webhook settings. An empty URL
// disables delivery.
type NotificationsConfig struct {
	WebhookURL       string        `envconfig:"NOTIFICATIONS_WEBHOOK_URL" validate:"omitempty,url"`
	WebhookSecret    string        `envconfig:"NOTIFICATIONS_WEBHOOK_SECRET"`
	Events           []string      `envconfig:"NOTIFICATIONS_EVENTS" default:"quota.exceeded,plan.degraded"`
	MaxRetries       int           `envconfig:"NOTIFICATIONS_MAX_RETRIES" default:"3" validate:"min=0"`
	RetryBackoffBase time.Duration `envconfig:"NOTIFICATIONS_RETRY_BACKOFF" default:"2s"`
	RetryQueueSize   int           `envconfig:"NOTIFICATIONS_RETRY_QUEUE_SIZE" default:"100" validate:"min=1"`
	RetryWorkers     int           `envconfig:"NOTIFICATIONS_RETRY_WORKERS" default:"2" validate:"min=1"`
	DeliveryTimeout  time.Duration `envconfig:"NOTIFICATIONS_DELIVERY_TIMEOUT" default:"10s"`
}

// Enabled reports whether a webhook destination is configured.
func (c NotificationsConfig) Enabled() bool {
	return c.WebhookURL != ""
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	MetricsPath    string `envconfig:"METRICS_PATH" default:"/metrics"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
}

// ConfigErrorType categorizes configuration loading failures
type ConfigErrorType string

const (
	ErrParsing    ConfigErrorType = "PARSING_FAILED"
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
)

// ConfigError is returned by LoadConfig
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// LoadConfig loads configuration from environment variables, reading a .env
// file first when one is present. Existing environment variables win.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{Type: ErrParsing, Message: "failed to parse environment", Err: err}
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks struct rules and cross-field constraints.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Namespace(), fe.Tag()))
			}
			return &ConfigError{Type: ErrValidation, Message: "invalid fields: " + strings.Join(fields, ", "), Err: err}
		}
		return &ConfigError{Type: ErrValidation, Message: "invalid configuration", Err: err}
	}

	// A reservation must outlive the upstream call it covers.
	if cfg.Quota.ReservationTTL <= cfg.Upstream.Timeout {
		return &ConfigError{
			Type:    ErrValidation,
			Message: fmt.Sprintf("QUOTA_RESERVATION_TTL (%s) must exceed UPSTREAM_TIMEOUT (%s)", cfg.Quota.ReservationTTL, cfg.Upstream.Timeout),
		}
	}

	return nil
}
